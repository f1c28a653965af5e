package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"contribution-checkout/audit"
	"contribution-checkout/backend"
	"contribution-checkout/config"
	"contribution-checkout/handlers"
	"contribution-checkout/logging"
	"contribution-checkout/monitoring"
	"contribution-checkout/service"
	"contribution-checkout/session"
	"contribution-checkout/widget"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "checkout",
		Short:        "Contribution checkout service",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newQuoteCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the checkout HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	// Load configuration
	cfg := config.Load()

	// Initialize structured logging
	if err := logging.InitLogger(cfg.ServiceName, cfg.OTELEndpoint); err != nil {
		return err
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, _, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint)
	if err != nil {
		logging.Fatal("Failed to initialize meter", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(backend.Options{
		BaseURL:       cfg.BackendURL,
		OneTimePath:   cfg.BackendOneTimePath,
		RecurringPath: cfg.BackendRecurringPath,
		Timeout:       cfg.BackendTimeout,
	})

	var ledger session.Ledger = session.NewMemoryLedger()
	if cfg.RedisURL != "" {
		redisLedger, err := session.NewRedisLedger(cfg.RedisURL)
		if err != nil {
			return err
		}
		if err := redisLedger.Ping(ctx); err != nil {
			logging.Warn("Redis unavailable, keeping abandoned sessions in memory", zap.Error(err))
			redisLedger.Close()
		} else {
			ledger = redisLedger
			defer redisLedger.Close()
		}
	}

	errorReporter := monitoring.NewTelemetryReporter()
	auditor := audit.NewReporter(audit.LogSink{}, errorReporter, cfg.AuditQueueCapacity)
	defer auditor.Close()

	// Initialize service layer
	registry := service.NewRegistry(service.Dependencies{
		Tracer:         tracer,
		Backend:        client,
		Ledger:         ledger,
		Auditor:        auditor,
		Errors:         errorReporter,
		CaptchaTimeout: cfg.CaptchaTimeout,
		CleanupTimeout: cfg.CleanupTimeout,
		Fees:           cfg.FeeSchedule,
		ThankYouURL:    cfg.ThankYouURL,
	})

	go session.NewSweeper(ledger, client, cfg.SweepInterval, cfg.SweepMaxAttempts).Run(ctx)
	go pruneCheckouts(ctx, registry, cfg.CheckoutTTL)

	var confirmer widget.Confirmer
	if cfg.StripeSecretKey != "" {
		confirmer = widget.NewStripe(cfg.StripeSecretKey)
	}

	// Initialize handlers
	checkoutHandler := handlers.NewCheckoutHandler(registry, client, client, confirmer, cfg.FeeSchedule,
		handlers.PublicConfig{PublicAPIKey: cfg.PublicAPIKey, CaptchaSiteKey: cfg.CaptchaSiteKey})

	// Setup Gin router
	r := gin.Default()

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMetricsMiddleware())

	// Routes
	checkoutHandler.Register(r)
	r.GET("/metrics", gin.WrapH(monitoring.MetricsHandler()))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("Error shutting down server", zap.Error(err))
		}
	}()

	// Start server
	logging.Info("Checkout service starting", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("Failed to start server", zap.Error(err))
		return err
	}
	logging.Info("Checkout service stopped")
	return nil
}

// pruneCheckouts drops checkouts idle for longer than ttl
func pruneCheckouts(ctx context.Context, registry *service.Registry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(ctx, ttl); n > 0 {
				logging.Info("Pruned idle checkouts", zap.Int("count", n))
			}
		}
	}
}

// httpMetricsMiddleware records HTTP request metrics
func httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Record duration
		duration := float64(time.Since(start).Milliseconds())

		monitoring.HTTPServerDuration.Record(c.Request.Context(), duration,
			metric.WithAttributes(
				attribute.String("http_method", c.Request.Method),
				attribute.String("http_route", c.FullPath()),
				attribute.String("http_status_code", strconv.Itoa(c.Writer.Status())),
			),
		)
	}
}
