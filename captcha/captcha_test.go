package captcha

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	token, err := Acquire(ctx, Static("abc"), "submit", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	_, err = Acquire(ctx, Static(""), "submit", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Acquire(ctx, nil, "submit", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)

	boom := errors.New("provider down")
	_, err = Acquire(ctx, Func(func(context.Context, string) (string, error) { return "", boom }), "submit", time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestAcquireIsBounded(t *testing.T) {
	hang := Func(func(ctx context.Context, _ string) (string, error) {
		time.Sleep(time.Second)
		return "late", nil
	})

	start := time.Now()
	_, err := Acquire(context.Background(), hang, "submit", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAcquireRecoversFromPanics(t *testing.T) {
	bad := Func(func(context.Context, string) (string, error) { panic("script failed to load") })
	_, err := Acquire(context.Background(), bad, "submit", time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}
