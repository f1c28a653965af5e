package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"contribution-checkout/models"
)

// ErrCheckoutNotFound is returned for unknown checkout ids
var ErrCheckoutNotFound = errors.New("checkout not found")

// Registry tracks the live checkouts of this instance
type Registry struct {
	deps Dependencies

	mu        sync.RWMutex
	checkouts map[string]*Checkout
}

// NewRegistry creates a registry whose checkouts share deps
func NewRegistry(deps Dependencies) *Registry {
	deps.defaults()
	return &Registry{deps: deps, checkouts: make(map[string]*Checkout)}
}

// Start creates and registers a checkout on page
func (r *Registry) Start(ctx context.Context, page *models.PageConfig, freqParam, amountParam string) *Checkout {
	c := NewCheckout(ctx, uuid.NewString(), page, freqParam, amountParam, r.deps)
	r.mu.Lock()
	r.checkouts[c.ID] = c
	r.mu.Unlock()
	return c
}

// Get looks up a checkout
func (r *Registry) Get(id string) (*Checkout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checkouts[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return c, nil
}

// Len returns the number of registered checkouts
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checkouts)
}

// Prune drops checkouts untouched for maxAge. Checkouts still awaiting
// confirmation are canceled first so their sessions get cleaned up; ones in the
// middle of a server-side confirmation are kept for a later pass.
func (r *Registry) Prune(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	var stale []*Checkout
	for _, c := range r.checkouts {
		if c.UpdatedAt().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	pruned := 0
	for _, c := range stale {
		if err := c.Cancel(ctx); err != nil {
			continue
		}
		r.mu.Lock()
		delete(r.checkouts, c.ID)
		r.mu.Unlock()
		pruned++
	}
	return pruned
}
