package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coursegate/internal/types"
)

// Metrics counts store transitions.
type Metrics interface {
	SessionEvent(eventType string)
}

// Registry owns one Store per browser session ID.
type Registry struct {
	checker EntitlementChecker
	idleTTL time.Duration
	clock   types.Clock
	logger  *slog.Logger
	metrics Metrics

	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry creates an empty Registry. Stores untouched for idleTTL are
// evicted by Sweep.
func NewRegistry(checker EntitlementChecker, idleTTL time.Duration, clock types.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		checker: checker,
		idleTTL: idleTTL,
		clock:   clock,
		logger:  logger,
		stores:  make(map[string]*Store),
	}
}

// WithMetrics reports the transitions of stores created from now on to m.
func (r *Registry) WithMetrics(m Metrics) *Registry {
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
	return r
}

// Get returns the store for id, if one exists.
func (r *Registry) Get(id string) (*Store, bool) {
	r.mu.RLock()
	st, ok := r.stores[id]
	r.mu.RUnlock()
	if ok {
		st.touch()
	}
	return st, ok
}

// GetOrCreate returns the store for id and whether it was just created.
// A new store is loading until the caller restores or signs it in.
func (r *Registry) GetOrCreate(id string) (*Store, bool) {
	if st, ok := r.Get(id); ok {
		return st, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stores[id]; ok {
		st.touch()
		return st, false
	}
	st := NewStore(id, r.checker, r.clock, r.logger)
	if m := r.metrics; m != nil {
		st.onEvent = func(t EventType) { m.SessionEvent(string(t)) }
	}
	r.stores[id] = st
	return st, true
}

// Remove drops the store for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.stores, id)
	r.mu.Unlock()
}

// SignOut clears the store synchronously and removes it.
func (r *Registry) SignOut(id string) {
	r.mu.Lock()
	st, ok := r.stores[id]
	delete(r.stores, id)
	r.mu.Unlock()
	if ok {
		st.SignOut()
	}
}

// SetEntitlement writes the flag on every store signed in as identityID
// and returns how many were updated.
func (r *Registry) SetEntitlement(identityID string, paid bool) int {
	r.mu.RLock()
	stores := make([]*Store, 0, len(r.stores))
	for _, st := range r.stores {
		stores = append(stores, st)
	}
	r.mu.RUnlock()

	n := 0
	for _, st := range stores {
		if st.SetEntitlement(identityID, paid) {
			n++
		}
	}
	return n
}

// Len returns the number of live stores.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// Sweep evicts stores idle for longer than the TTL.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, st := range r.stores {
		if st.idleSince().Before(cutoff) {
			delete(r.stores, id)
			evicted++
		}
	}
	return evicted
}

// Run sweeps on every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("evicted idle session stores", "count", n, "remaining", r.Len())
			}
		}
	}
}
