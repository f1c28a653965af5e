package config

import (
	"os"
	"strconv"
	"time"

	"contribution-checkout/fees"
)

// Config holds application configuration
type Config struct {
	ServiceName  string
	OTELEndpoint string
	Port         string

	BackendURL           string
	BackendOneTimePath   string
	BackendRecurringPath string
	BackendTimeout       time.Duration

	PublicAPIKey   string
	CaptchaSiteKey string
	CaptchaTimeout time.Duration
	ThankYouURL    string

	StripeSecretKey string
	RedisURL        string

	CheckoutTTL        time.Duration
	CleanupTimeout     time.Duration
	SweepInterval      time.Duration
	SweepMaxAttempts   int
	AuditQueueCapacity int

	FeeSchedule fees.Schedule
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ServiceName:  getEnv("SERVICE_NAME", "contribution-checkout"),
		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Port:         getEnv("PORT", "8081"),

		BackendURL:           getEnv("BACKEND_URL", "http://localhost:8000/api/v1"),
		BackendOneTimePath:   getEnv("BACKEND_ONE_TIME_PATH", "/payment-sessions"),
		BackendRecurringPath: getEnv("BACKEND_RECURRING_PATH", "/subscriptions"),
		BackendTimeout:       getDuration("BACKEND_TIMEOUT", 10*time.Second),

		PublicAPIKey:   getEnv("PUBLIC_API_KEY", ""),
		CaptchaSiteKey: getEnv("CAPTCHA_SITE_KEY", ""),
		CaptchaTimeout: getDuration("CAPTCHA_TIMEOUT", 3*time.Second),
		ThankYouURL:    getEnv("THANK_YOU_URL", "http://localhost:3000/thank-you"),

		StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		RedisURL:        getEnv("REDIS_URL", ""),

		CheckoutTTL:        getDuration("CHECKOUT_TTL", time.Hour),
		CleanupTimeout:     getDuration("CLEANUP_TIMEOUT", 5*time.Second),
		SweepInterval:      getDuration("SWEEP_INTERVAL", time.Minute),
		SweepMaxAttempts:   getInt("SWEEP_MAX_ATTEMPTS", 10),
		AuditQueueCapacity: getInt("AUDIT_QUEUE_CAPACITY", 256),

		FeeSchedule: fees.Schedule{
			NonprofitRate:      getFloat("FEE_NONPROFIT_RATE", fees.DefaultSchedule.NonprofitRate),
			StandardRate:       getFloat("FEE_STANDARD_RATE", fees.DefaultSchedule.StandardRate),
			RecurringSurcharge: getFloat("FEE_RECURRING_SURCHARGE", fees.DefaultSchedule.RecurringSurcharge),
			Fixed:              getFloat("FEE_FIXED", fees.DefaultSchedule.Fixed),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
