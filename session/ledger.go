package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"contribution-checkout/models"
)

// Entry is an abandoned session whose deletion has not succeeded yet
type Entry struct {
	Session    models.PaymentSession `json:"session"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"last_error"`
	RecordedAt time.Time             `json:"recorded_at"`
}

// Ledger remembers abandoned sessions until their deletion succeeds
type Ledger interface {
	Record(ctx context.Context, entry Entry) error
	Pending(ctx context.Context, limit int) ([]Entry, error)
	Resolve(ctx context.Context, id string) error
}

// MemoryLedger keeps entries in process
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (l *MemoryLedger) Record(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.Session.ID] = entry
	return nil
}

func (l *MemoryLedger) Pending(_ context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return oldestFirst(out, limit), nil
}

func (l *MemoryLedger) Resolve(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
	return nil
}

const redisLedgerKey = "checkout:abandoned-sessions"

// RedisLedger keeps entries in a Redis hash keyed by session id so every
// service replica sweeps the same set.
type RedisLedger struct {
	client *redis.Client
	key    string
}

// NewRedisLedger connects to target, either a redis:// or rediss:// URL or a
// bare host:port address.
func NewRedisLedger(target string) (*RedisLedger, error) {
	opts := &redis.Options{Addr: target}
	if strings.Contains(target, "://") {
		parsed, err := redis.ParseURL(target)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	opts.DialTimeout = 500 * time.Millisecond
	opts.ReadTimeout = 300 * time.Millisecond
	opts.WriteTimeout = 300 * time.Millisecond
	opts.MaxRetries = 2
	return &RedisLedger{client: redis.NewClient(opts), key: redisLedgerKey}, nil
}

// Ping checks connectivity
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) Record(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.client.HSet(ctx, l.key, entry.Session.ID, raw).Err()
}

func (l *RedisLedger) Pending(ctx context.Context, limit int) ([]Entry, error) {
	values, err := l.client.HGetAll(ctx, l.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(values))
	for _, raw := range values {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return oldestFirst(out, limit), nil
}

func (l *RedisLedger) Resolve(ctx context.Context, id string) error {
	return l.client.HDel(ctx, l.key, id).Err()
}

func oldestFirst(entries []Entry, limit int) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
