// Package backend talks to the revenue backend that owns pages, payments and
// subscriptions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"contribution-checkout/models"
	"contribution-checkout/monitoring"
)

// APIError is a non-2xx answer from the backend
type APIError struct {
	Operation   string
	Status      int
	FieldErrors map[string][]string
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend %s returned status %d", e.Operation, e.Status)
}

// IsValidation reports whether err carries field-level validation errors
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest
}

// IsForbidden reports whether err is an authorization failure
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}

// Options configures a Client
type Options struct {
	BaseURL       string
	OneTimePath   string
	RecurringPath string
	Timeout       time.Duration
	Transport     http.RoundTripper
}

// Client is an instrumented JSON client for the revenue backend
type Client struct {
	baseURL       string
	oneTimePath   string
	recurringPath string
	http          *http.Client
}

// NewClient creates a backend client
func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.OneTimePath == "" {
		opts.OneTimePath = "/payment-sessions"
	}
	if opts.RecurringPath == "" {
		opts.RecurringPath = "/subscriptions"
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		oneTimePath:   "/" + strings.Trim(opts.OneTimePath, "/"),
		recurringPath: "/" + strings.Trim(opts.RecurringPath, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   opts.Timeout,
		},
	}
}

func (c *Client) collection(frequency models.Frequency) string {
	if frequency.Recurring() {
		return c.recurringPath
	}
	return c.oneTimePath
}

// GetPage loads a live contribution page by slug
func (c *Client) GetPage(ctx context.Context, slug string) (*models.PageConfig, error) {
	var page models.PageConfig
	path := "/pages/" + url.PathEscape(slug) + "/"
	if err := c.do(ctx, "get_page", http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreatePayment creates a one-time payment or a subscription depending on the
// request interval.
func (c *Client) CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*models.CreatePaymentResponse, error) {
	var resp models.CreatePaymentResponse
	path := c.collection(req.Interval) + "/"
	if err := c.do(ctx, "create_payment", http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	if resp.ClientSecret == "" {
		return nil, fmt.Errorf("backend create_payment returned no client secret")
	}
	return &resp, nil
}

// DeletePayment cancels an abandoned payment session
func (c *Client) DeletePayment(ctx context.Context, frequency models.Frequency, id string) error {
	path := c.collection(frequency) + "/" + url.PathEscape(id) + "/"
	return c.do(ctx, "delete_payment", http.MethodDelete, path, nil, nil)
}

// FinishPayment tells the backend the provider confirmed the payment
func (c *Client) FinishPayment(ctx context.Context, frequency models.Frequency, id string) error {
	path := c.collection(frequency) + "/" + url.PathEscape(id) + "/success/"
	return c.do(ctx, "finish_payment", http.MethodPost, path, nil, nil)
}

// UpdateSubscriptionPaymentMethod swaps the payment method of a subscription
func (c *Client) UpdateSubscriptionPaymentMethod(ctx context.Context, id, paymentMethodID string) error {
	path := c.recurringPath + "/" + url.PathEscape(id) + "/"
	body := map[string]string{"payment_method_id": paymentMethodID}
	return c.do(ctx, "update_subscription", http.MethodPatch, path, body, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}, out interface{}) error {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", "revenue-backend"),
		attribute.String("backend.operation", operation),
	)

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start).Seconds()

	if err != nil {
		c.record(ctx, operation, "error", duration)
		span.SetAttributes(attribute.String("external.status", "error"))
		return fmt.Errorf("failed to call backend %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.record(ctx, operation, "failed", duration)
		span.SetAttributes(
			attribute.Int("external.status_code", resp.StatusCode),
			attribute.String("external.status", "failed"),
		)
		return newAPIError(operation, resp)
	}

	c.record(ctx, operation, "success", duration)
	span.SetAttributes(attribute.String("external.status", "success"))

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) record(ctx context.Context, operation, status string, duration float64) {
	monitoring.BackendCallDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func newAPIError(operation string, resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Operation: operation, Status: resp.StatusCode, Body: string(raw)}
	if resp.StatusCode == http.StatusBadRequest {
		apiErr.FieldErrors = parseFieldErrors(raw)
	}
	return apiErr
}

// parseFieldErrors accepts {"field": ["msg", ...]} and {"field": "msg"}
func parseFieldErrors(raw []byte) map[string][]string {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	out := make(map[string][]string, len(generic))
	for field, value := range generic {
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			out[field] = list
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out[field] = []string{single}
		}
	}
	return out
}
