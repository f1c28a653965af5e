// Package audit records amount, frequency and fee-election changes as
// diagnostic breadcrumbs and flags suspicious payment amounts.
//
// Every call is fire-and-forget: events are queued and delivered in order by a
// single goroutine, a full queue drops events, and sink failures are swallowed.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"contribution-checkout/logging"
	"contribution-checkout/models"
	"contribution-checkout/monitoring"
)

// MinimumAmount is the smallest amount the processor accepts. Anything lower
// usually means a cents/dollars mix-up on the client.
const MinimumAmount = 2.0

// Sink receives delivered events
type Sink interface {
	Deliver(ctx context.Context, event models.AuditEvent) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event models.AuditEvent) error

func (f SinkFunc) Deliver(ctx context.Context, event models.AuditEvent) error {
	return f(ctx, event)
}

type envelope struct {
	ctx   context.Context
	event models.AuditEvent
}

// Reporter queues audit events for asynchronous delivery
type Reporter struct {
	sink   Sink
	errors monitoring.ErrorReporter
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan envelope
	done   chan struct{}
}

// NewReporter starts a reporter delivering to sink. errors may be nil.
func NewReporter(sink Sink, errors monitoring.ErrorReporter, capacity int) *Reporter {
	if capacity <= 0 {
		capacity = 64
	}
	r := &Reporter{
		sink:   sink,
		errors: errors,
		now:    time.Now,
		queue:  make(chan envelope, capacity),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// AmountChanged records a new amount
func (r *Reporter) AmountChanged(ctx context.Context, amount float64) {
	r.emit(ctx, models.AuditAmount, amount)
}

// FrequencyChanged records a new frequency
func (r *Reporter) FrequencyChanged(ctx context.Context, frequency models.Frequency) {
	r.emit(ctx, models.AuditFrequency, frequency)
}

// PayFeesChanged records a new fee election
func (r *Reporter) PayFeesChanged(ctx context.Context, payFees bool) {
	r.emit(ctx, models.AuditPayFees, payFees)
}

// PaymentCreation is called right before a payment session is requested. Amounts
// below MinimumAmount raise an error-level diagnostic; the payment proceeds.
func (r *Reporter) PaymentCreation(ctx context.Context, amount float64) {
	if amount < MinimumAmount {
		r.emit(ctx, models.AuditLowAmount, amount)
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (r *Reporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Reporter) emit(ctx context.Context, kind models.AuditKind, value interface{}) {
	if r == nil {
		return
	}
	env := envelope{
		ctx:   context.WithoutCancel(ctx),
		event: models.AuditEvent{Kind: kind, Value: value, Timestamp: r.now()},
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- env:
	default:
		monitoring.AuditEventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for env := range r.queue {
		r.deliver(env)
	}
}

func (r *Reporter) deliver(env envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Warn("Audit delivery panicked", zap.Any("panic", rec), zap.String("kind", string(env.event.Kind)))
		}
	}()

	if env.event.Kind == models.AuditLowAmount && r.errors != nil {
		r.errors.CaptureMessage(env.ctx, "Payment amount below processor minimum",
			zap.Any("amount", env.event.Value),
			zap.Float64("minimum", MinimumAmount),
		)
	}

	if r.sink == nil {
		return
	}
	if err := r.sink.Deliver(env.ctx, env.event); err != nil {
		logging.Warn("Audit delivery failed", zap.Error(err), zap.String("kind", string(env.event.Kind)))
	}
}

// LogSink writes events as breadcrumbs to the structured log and counts them
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, event models.AuditEvent) error {
	logging.FromContext(ctx).Info("Checkout audit",
		zap.String("kind", string(event.Kind)),
		zap.String("value", fmt.Sprint(event.Value)),
		zap.Time("timestamp", event.Timestamp),
	)
	monitoring.AuditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(event.Kind))))
	return nil
}
