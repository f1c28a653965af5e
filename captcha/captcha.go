// Package captcha supplies bot-mitigation tokens for contribution submissions.
package captcha

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when no token can be produced
var ErrUnavailable = errors.New("captcha token unavailable")

// Provider produces a one-time token for an action
type Provider interface {
	Token(ctx context.Context, action string) (string, error)
}

// Func adapts a function to Provider
type Func func(ctx context.Context, action string) (string, error)

func (f Func) Token(ctx context.Context, action string) (string, error) {
	return f(ctx, action)
}

// Static returns a provider handing out a token obtained elsewhere, typically by
// the browser widget. An empty token means the browser could not get one.
func Static(token string) Provider {
	return Func(func(context.Context, string) (string, error) {
		if token == "" {
			return "", ErrUnavailable
		}
		return token, nil
	})
}

// Acquire asks p for a token, giving up after timeout. It never returns an
// empty token together with a nil error.
func Acquire(ctx context.Context, p Provider, action string, timeout time.Duration) (token string, err error) {
	if p == nil {
		return "", ErrUnavailable
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		token string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: ErrUnavailable}
			}
		}()
		t, err := p.Token(ctx, action)
		ch <- result{token: t, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", r.err
		}
		if r.token == "" {
			return "", ErrUnavailable
		}
		return r.token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
