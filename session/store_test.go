package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-checkout/models"
)

type fakeBackend struct {
	mu        sync.Mutex
	deleteErr error
	finishErr error
	deleted   []string
	finished  []string
}

func (f *fakeBackend) CreatePayment(_ context.Context, req *models.CreatePaymentRequest) (*models.CreatePaymentResponse, error) {
	return &models.CreatePaymentResponse{ClientSecret: "pi_1_secret_x", EmailHash: "hash", UUID: "pay-1"}, nil
}

func (f *fakeBackend) DeletePayment(_ context.Context, _ models.Frequency, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeBackend) FinishPayment(_ context.Context, _ models.Frequency, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, id)
	return f.finishErr
}

func createSession(t *testing.T, s *Store) models.PaymentSession {
	t.Helper()
	sess, err := s.Create(context.Background(), &models.CreatePaymentRequest{Amount: "10.53", Interval: models.FrequencyMonth})
	require.NoError(t, err)
	return sess
}

func TestStoreCreate(t *testing.T) {
	s := NewStore(&fakeBackend{}, nil)
	assert.False(t, s.IsPending())

	sess := createSession(t, s)
	assert.Equal(t, "pay-1", sess.ID)
	assert.Equal(t, 10.53, sess.Amount)
	assert.Equal(t, models.FrequencyMonth, sess.Frequency)
	assert.True(t, s.IsPending())

	current, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, sess, current)
}

func TestStoreCancelIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	s := NewStore(backend, nil)
	ctx := context.Background()

	require.NoError(t, s.Cancel(ctx))
	assert.Empty(t, backend.deleted)

	createSession(t, s)
	require.NoError(t, s.Cancel(ctx))
	require.NoError(t, s.Cancel(ctx))
	assert.Equal(t, []string{"pay-1"}, backend.deleted)
	assert.False(t, s.IsPending())
}

func TestStoreCancelAfterCompleteIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	s := NewStore(backend, nil)
	ctx := context.Background()

	createSession(t, s)
	sess, err := s.Complete(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFinished, sess.Status)
	assert.Equal(t, []string{"pay-1"}, backend.finished)

	require.NoError(t, s.Cancel(ctx))
	assert.Empty(t, backend.deleted)

	_, err = s.Complete(ctx)
	assert.ErrorIs(t, err, ErrNoPendingSession)
}

func TestStoreCompleteNotificationFailure(t *testing.T) {
	s := NewStore(&fakeBackend{finishErr: errors.New("boom")}, nil)
	createSession(t, s)

	sess, err := s.Complete(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.SessionFinished, sess.Status)
	assert.False(t, s.IsPending())
}

func TestStoreCleanupFailureIsRecorded(t *testing.T) {
	ledger := NewMemoryLedger()
	s := NewStore(&fakeBackend{deleteErr: errors.New("backend down")}, ledger)
	createSession(t, s)

	err := s.Cancel(context.Background())
	require.Error(t, err)

	pending, err := ledger.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pay-1", pending[0].Session.ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "backend down", pending[0].LastError)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	backend := &fakeBackend{deleteErr: errors.New("still down")}
	sweeper := NewSweeper(ledger, backend, time.Hour, 3)

	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "a"}, Attempts: 1, RecordedAt: time.Now()}))

	assert.Zero(t, sweeper.Sweep(ctx))
	pending, _ := ledger.Pending(ctx, 0)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	backend.deleteErr = nil
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	pending, _ = ledger.Pending(ctx, 0)
	assert.Empty(t, pending)
}

func TestSweeperGivesUp(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	sweeper := NewSweeper(ledger, &fakeBackend{deleteErr: errors.New("gone")}, time.Hour, 2)

	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "a"}, Attempts: 1}))
	sweeper.Sweep(ctx)

	pending, _ := ledger.Pending(ctx, 0)
	assert.Empty(t, pending)
}

func TestLedgerOrdering(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	now := time.Now()
	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "new"}, RecordedAt: now}))
	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "old"}, RecordedAt: now.Add(-time.Hour)}))

	pending, err := ledger.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].Session.ID)
}

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ledger, err := NewRedisLedger(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger, mr
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newRedisLedger(t)
	require.NoError(t, ledger.Ping(ctx))

	now := time.Now()
	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "redis-1", Frequency: models.FrequencyYear}, Attempts: 1, RecordedAt: now}))
	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "redis-0", Frequency: models.FrequencyOneTime}, Attempts: 3, RecordedAt: now.Add(-time.Minute)}))

	pending, err := ledger.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "redis-0", pending[0].Session.ID)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Equal(t, models.FrequencyYear, pending[1].Session.Frequency)

	pending, err = ledger.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, ledger.Resolve(ctx, "redis-1"))
	require.NoError(t, ledger.Resolve(ctx, "redis-0"))
	pending, err = ledger.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedisLedgerSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	ledger, mr := newRedisLedger(t)

	mr.HSet(redisLedgerKey, "broken", "not-json")
	require.NoError(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "ok"}, Attempts: 1, RecordedAt: time.Now()}))

	pending, err := ledger.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ok", pending[0].Session.ID)
}

func TestRedisLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	ledger, mr := newRedisLedger(t)
	mr.Close()

	assert.Error(t, ledger.Ping(ctx))
	assert.Error(t, ledger.Record(ctx, Entry{Session: models.PaymentSession{ID: "x"}}))
	_, err := ledger.Pending(ctx, 10)
	assert.Error(t, err)
}

func TestSweeperWithRedisLedger(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newRedisLedger(t)
	backend := &fakeBackend{}
	store := NewStore(&fakeBackend{deleteErr: errors.New("backend down")}, ledger)
	createSession(t, store)
	require.Error(t, store.Cancel(ctx))

	assert.Equal(t, 1, NewSweeper(ledger, backend, time.Hour, 3).Sweep(ctx))
	assert.Equal(t, []string{"pay-1"}, backend.deleted)
	pending, err := ledger.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNewRedisLedgerAcceptsURLs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	ledger, err := NewRedisLedger("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer ledger.Close()
	require.NoError(t, ledger.Ping(ctx))

	_, err = NewRedisLedger("http://" + mr.Addr())
	assert.Error(t, err)
}
