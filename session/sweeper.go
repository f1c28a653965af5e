package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"contribution-checkout/logging"
	"contribution-checkout/models"
	"contribution-checkout/monitoring"
)

// Deleter removes an abandoned payment session on the backend
type Deleter interface {
	DeletePayment(ctx context.Context, frequency models.Frequency, id string) error
}

// Sweeper retries deletion of abandoned sessions recorded in a ledger
type Sweeper struct {
	ledger      Ledger
	backend     Deleter
	interval    time.Duration
	maxAttempts int
	batch       int
	timeout     time.Duration
}

// NewSweeper creates a sweeper; maxAttempts bounds retries per session
func NewSweeper(ledger Ledger, backend Deleter, interval time.Duration, maxAttempts int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Sweeper{
		ledger:      ledger,
		backend:     backend,
		interval:    interval,
		maxAttempts: maxAttempts,
		batch:       100,
		timeout:     5 * time.Second,
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over the ledger and returns how many sessions were deleted
func (s *Sweeper) Sweep(ctx context.Context) int {
	entries, err := s.ledger.Pending(ctx, s.batch)
	if err != nil {
		logging.Warn("Failed to list abandoned payment sessions", zap.Error(err))
		return 0
	}

	deleted := 0
	for _, entry := range entries {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.backend.DeletePayment(callCtx, entry.Session.Frequency, entry.Session.ID)
		cancel()

		if err == nil {
			deleted++
			monitoring.CleanupAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "swept")))
			s.resolve(ctx, entry.Session.ID)
			continue
		}

		entry.Attempts++
		entry.LastError = err.Error()
		if entry.Attempts >= s.maxAttempts {
			monitoring.CleanupAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "abandoned")))
			logging.Error("Giving up deleting abandoned payment session",
				zap.String("session_id", entry.Session.ID),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err),
			)
			s.resolve(ctx, entry.Session.ID)
			continue
		}
		if err := s.ledger.Record(ctx, entry); err != nil {
			logging.Warn("Failed to update abandoned payment session", zap.Error(err), zap.String("session_id", entry.Session.ID))
		}
	}
	return deleted
}

func (s *Sweeper) resolve(ctx context.Context, id string) {
	if err := s.ledger.Resolve(ctx, id); err != nil {
		logging.Warn("Failed to resolve abandoned payment session", zap.Error(err), zap.String("session_id", id))
	}
}
