// Package session holds the per-browser auth and entitlement state that
// the access decision reads.
//
// A Store is ready only when both the identity and its entitlement are
// resolved. Every identity change bumps a generation counter, and every
// explicit entitlement write bumps an epoch; a check result computed for an
// older generation or epoch is dropped.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coursegate/internal/types"
)

// EventType names a Store state transition.
type EventType string

const (
	EventSignedIn        EventType = "SIGNED_IN"
	EventSignedOut       EventType = "SIGNED_OUT"
	EventSessionRestored EventType = "SESSION_RESTORED"
)

// Event is published to subscribers after the transition has been applied.
type Event struct {
	Type     EventType
	Identity *types.Identity
	At       time.Time
}

// EntitlementChecker answers whether an identity has paid.
type EntitlementChecker interface {
	CheckPaymentStatus(ctx context.Context, identity types.Identity) (bool, error)
}

// Snapshot is a consistent read of a Store.
type Snapshot struct {
	Identity  *types.Identity `json:"identity"`
	HasPaid   bool            `json:"hasPaid"`
	IsLoading bool            `json:"isLoading"`
}

// Store is the auth context of one browser session.
type Store struct {
	id      string
	checker EntitlementChecker
	clock   types.Clock
	logger  *slog.Logger

	mu                  sync.Mutex
	identity            *types.Identity
	hasPaid             bool
	authResolved        bool
	entitlementResolved bool
	generation          uint64
	epoch               uint64
	checkFailed         bool
	ready               chan struct{}
	lastSeen            time.Time

	subs    map[int]chan Event
	nextSub int
	onEvent func(EventType)
}

// NewStore creates a Store in the loading state.
func NewStore(id string, checker EntitlementChecker, clock types.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		id:       id,
		checker:  checker,
		clock:    clock,
		logger:   logger,
		ready:    make(chan struct{}),
		lastSeen: clock.Now(),
		subs:     make(map[int]chan Event),
	}
}

// Anonymous returns a resolved Store with no identity.
func Anonymous() *Store {
	s := NewStore("", nil, nil, nil)
	s.mu.Lock()
	s.resolveLocked()
	s.mu.Unlock()
	return s
}

// ID returns the browser session ID the store is keyed by.
func (s *Store) ID() string { return s.id }

// CurrentIdentity returns the signed-in identity or nil.
func (s *Store) CurrentIdentity() *types.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyIdentity(s.identity)
}

// IsLoading reports whether either readiness phase is still pending.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.readyLocked()
}

// Snapshot returns identity, entitlement and readiness read together.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Generation identifies the current identity epoch.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// IsCurrent reports whether gen is still the current epoch.
func (s *Store) IsCurrent(gen uint64) bool {
	return s.Generation() == gen
}

// Restore attaches an identity recovered from a persisted session and
// refreshes its entitlement. A nil identity resolves the store as
// anonymous.
func (s *Store) Restore(ctx context.Context, identity *types.Identity) error {
	if identity == nil {
		s.mu.Lock()
		s.identity = nil
		s.hasPaid = false
		s.generation++
		s.authResolved = true
		s.resolveLocked()
		s.mu.Unlock()
		return nil
	}
	gen := s.setIdentity(identity, EventSessionRestored)
	return s.refresh(ctx, gen)
}

// SignIn records a new identity. Entitlement is resolved before SignIn
// returns, so a protected route never observes the identity without it.
func (s *Store) SignIn(ctx context.Context, identity types.Identity) error {
	gen := s.setIdentity(&identity, EventSignedIn)
	return s.refresh(ctx, gen)
}

// SignOut clears identity and entitlement under one lock.
func (s *Store) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = nil
	s.hasPaid = false
	s.generation++
	s.authResolved = true
	s.resolveLocked()
	s.publishLocked(Event{Type: EventSignedOut, At: s.clock.Now()})
}

// Refresh recomputes entitlement for the current identity.
func (s *Store) Refresh(ctx context.Context) error {
	return s.refresh(ctx, s.Generation())
}

// NeedsRecheck reports whether the current entitlement came from a failed
// check and should be recomputed before it is trusted.
func (s *Store) NeedsRecheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity != nil && s.readyLocked() && s.checkFailed
}

// SetEntitlement overwrites the flag when identityID is the current
// identity. It reports whether the value was applied.
func (s *Store) SetEntitlement(identityID string, paid bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil || s.identity.ID != identityID {
		return false
	}
	s.hasPaid = paid
	s.epoch++
	s.checkFailed = false
	s.entitlementResolved = true
	s.closeReadyLocked()
	return true
}

// WaitReady blocks until both readiness phases are resolved or ctx ends.
func (s *Store) WaitReady(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.readyLocked() {
			snap := s.snapshotLocked()
			s.mu.Unlock()
			return snap, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

// Subscribe returns a channel of events that is closed when ctx ends.
// Slow subscribers miss events rather than block the store.
func (s *Store) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *Store) touch() {
	s.mu.Lock()
	s.lastSeen = s.clock.Now()
	s.mu.Unlock()
}

func (s *Store) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Store) setIdentity(identity *types.Identity, evt EventType) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identity = copyIdentity(identity)
	s.hasPaid = false
	s.checkFailed = false
	s.generation++
	s.authResolved = true
	s.entitlementResolved = false
	if isClosed(s.ready) {
		s.ready = make(chan struct{})
	}
	s.publishLocked(Event{Type: evt, Identity: copyIdentity(identity), At: s.clock.Now()})
	return s.generation
}

// refresh runs the checker without holding the lock and applies the
// result only if gen is still current and no entitlement was written while
// the check ran. A failed check resolves the entitlement as unpaid, marks
// it for recheck and returns the error.
func (s *Store) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	identity := copyIdentity(s.identity)
	epoch := s.epoch
	s.mu.Unlock()

	if identity == nil {
		return nil
	}
	if s.checker == nil {
		s.applyEntitlement(gen, epoch, false, false)
		return nil
	}

	paid, err := s.checker.CheckPaymentStatus(ctx, *identity)
	if err != nil {
		paid = false
	}
	if !s.applyEntitlement(gen, epoch, paid, err != nil) {
		s.logger.DebugContext(ctx, "discarded superseded entitlement check",
			"session", s.id,
			"identity_id", identity.ID,
		)
		return nil
	}
	return err
}

func (s *Store) applyEntitlement(gen, epoch uint64, paid, failed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || epoch != s.epoch {
		return false
	}
	s.hasPaid = paid
	s.checkFailed = failed
	s.entitlementResolved = true
	s.closeReadyLocked()
	return true
}

func (s *Store) readyLocked() bool {
	return s.authResolved && s.entitlementResolved
}

func (s *Store) resolveLocked() {
	s.authResolved = true
	s.entitlementResolved = true
	s.closeReadyLocked()
}

func (s *Store) closeReadyLocked() {
	if s.readyLocked() && !isClosed(s.ready) {
		close(s.ready)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:  copyIdentity(s.identity),
		HasPaid:   s.hasPaid,
		IsLoading: !s.readyLocked(),
	}
}

func (s *Store) publishLocked(evt Event) {
	if s.onEvent != nil {
		s.onEvent(evt.Type)
	}
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func copyIdentity(id *types.Identity) *types.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
