// Package session holds the payment session a checkout has in flight and the
// ledger of abandoned sessions whose cleanup failed.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"contribution-checkout/logging"
	"contribution-checkout/models"
	"contribution-checkout/monitoring"
)

// ErrNoPendingSession is returned by Complete when nothing is awaiting confirmation
var ErrNoPendingSession = errors.New("no pending payment session")

// Backend is the part of the revenue backend the store needs
type Backend interface {
	CreatePayment(ctx context.Context, req *models.CreatePaymentRequest) (*models.CreatePaymentResponse, error)
	DeletePayment(ctx context.Context, frequency models.Frequency, id string) error
	FinishPayment(ctx context.Context, frequency models.Frequency, id string) error
}

// Store holds at most one current payment session. Exclusivity across
// submissions is the caller's job.
type Store struct {
	backend Backend
	ledger  Ledger
	now     func() time.Time

	mu      sync.Mutex
	current *models.PaymentSession
}

// NewStore creates a store. ledger may be nil.
func NewStore(backend Backend, ledger Ledger) *Store {
	return &Store{backend: backend, ledger: ledger, now: time.Now}
}

// Create asks the backend for a payment session and makes it current
func (s *Store) Create(ctx context.Context, req *models.CreatePaymentRequest) (models.PaymentSession, error) {
	resp, err := s.backend.CreatePayment(ctx, req)
	if err != nil {
		return models.PaymentSession{}, err
	}

	amount, _ := strconv.ParseFloat(req.Amount, 64)
	id := resp.UUID
	if id == "" {
		id = resp.ClientSecret
	}
	sess := models.PaymentSession{
		ID:           id,
		ClientSecret: resp.ClientSecret,
		EmailHash:    resp.EmailHash,
		Amount:       amount,
		Frequency:    req.Interval,
		Status:       models.SessionPending,
		CreatedAt:    s.now(),
	}

	s.mu.Lock()
	s.current = &sess
	s.mu.Unlock()
	return sess, nil
}

// IsPending reports whether a session awaits confirmation
func (s *Store) IsPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.Status == models.SessionPending
}

// Current returns a copy of the current session
func (s *Store) Current() (models.PaymentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.PaymentSession{}, false
	}
	return *s.current, true
}

// Abandon marks the pending session canceled and returns it for cleanup. It
// returns false when there is nothing pending.
func (s *Store) Abandon() (models.PaymentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != models.SessionPending {
		return models.PaymentSession{}, false
	}
	s.current.Status = models.SessionCanceled
	return *s.current, true
}

// Cancel abandons the pending session and deletes it on the backend. Calling it
// on a finished, canceled or missing session is a no-op.
func (s *Store) Cancel(ctx context.Context) error {
	sess, ok := s.Abandon()
	if !ok {
		return nil
	}
	return s.Cleanup(ctx, sess)
}

// Cleanup deletes an abandoned session on the backend. Failures are recorded in
// the ledger for the sweeper to retry.
func (s *Store) Cleanup(ctx context.Context, sess models.PaymentSession) error {
	err := s.backend.DeletePayment(ctx, sess.Frequency, sess.ID)
	if err == nil {
		monitoring.CleanupAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "deleted")))
		return nil
	}

	monitoring.CleanupAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
	if s.ledger != nil {
		entry := Entry{Session: sess, Attempts: 1, LastError: err.Error(), RecordedAt: s.now()}
		if lerr := s.ledger.Record(ctx, entry); lerr != nil {
			logging.Warn("Failed to record abandoned payment session",
				zap.Error(lerr),
				zap.String("session_id", sess.ID),
			)
		}
	}
	return fmt.Errorf("delete payment session %s: %w", sess.ID, err)
}

// Complete marks the pending session finished and notifies the backend. The
// session stays finished even when the notification fails.
func (s *Store) Complete(ctx context.Context) (models.PaymentSession, error) {
	s.mu.Lock()
	if s.current == nil || s.current.Status != models.SessionPending {
		s.mu.Unlock()
		return models.PaymentSession{}, ErrNoPendingSession
	}
	s.current.Status = models.SessionFinished
	sess := *s.current
	s.mu.Unlock()

	if err := s.backend.FinishPayment(ctx, sess.Frequency, sess.ID); err != nil {
		return sess, fmt.Errorf("finish payment session %s: %w", sess.ID, err)
	}
	return sess, nil
}
