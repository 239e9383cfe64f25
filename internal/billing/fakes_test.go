package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursegate/internal/external"
	"coursegate/internal/types"
)

// memStore is an in-memory PaymentStore enforcing the same uniqueness rules
// as the payment_records table.
type memStore struct {
	mu      sync.Mutex
	records map[string]*types.PaymentRecord
	seq     int

	findErr   error
	insertErr error

	// beforeInsert runs with the lock released, ahead of every Insert.
	beforeInsert func()
	inserts      int
	updates      int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*types.PaymentRecord)}
}

func (s *memStore) put(rec types.PaymentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Date(2026, 9, 1, 0, 0, s.seq, 0, time.UTC)
	}
	s.records[rec.ID] = &rec
}

func (s *memStore) FindCompletedByUser(ctx context.Context, userID string) (*types.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var hits []*types.PaymentRecord
	for _, r := range s.records {
		if r.UserID == userID && r.IsCompleted() {
			hits = append(hits, r)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].CreatedAt.Before(hits[j].CreatedAt) })
	c := *hits[0]
	return &c, nil
}

func (s *memStore) FindBySessionRef(ctx context.Context, ref string) (*types.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, r := range s.records {
		if r.SessionRef != nil && *r.SessionRef == ref {
			c := *r
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) Insert(ctx context.Context, p *types.PaymentRecord) error {
	if s.beforeInsert != nil {
		s.beforeInsert()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, r := range s.records {
		if p.SessionRef != nil && r.SessionRef != nil && *r.SessionRef == *p.SessionRef {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "duplicate session ref", nil)
		}
		if p.IsCompleted() && r.IsCompleted() && p.UserID != "" && r.UserID == p.UserID {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "second completed record", nil)
		}
	}
	c := *p
	s.records[p.ID] = &c
	return nil
}

func (s *memStore) UpdateByID(ctx context.Context, id string, upd types.PaymentRecordUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	r, ok := s.records[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundPaymentRecord, "payment record not found", nil)
	}
	next := *r
	if upd.UserID != nil && next.UserID == "" {
		next.UserID = *upd.UserID
	}
	if upd.Status != nil {
		next.Status = *upd.Status
	}
	if upd.AmountCents != nil {
		next.AmountCents = *upd.AmountCents
	}
	if upd.DiscountCode != nil {
		next.DiscountCode = *upd.DiscountCode
	}
	if next.IsCompleted() && next.UserID != "" {
		for otherID, o := range s.records {
			if otherID != id && o.IsCompleted() && o.UserID == next.UserID {
				return types.NewAppError(types.ErrCodeConflictConcurrent, "second completed record", nil)
			}
		}
	}
	s.records[id] = &next
	return nil
}

func (s *memStore) completedFor(userID string) []types.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PaymentRecord
	for _, r := range s.records {
		if r.UserID == userID && r.IsCompleted() {
			out = append(out, *r)
		}
	}
	return out
}

func (s *memStore) all() []types.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PaymentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// memTx serializes every locked section on one mutex.
type memTx struct {
	mu    sync.Mutex
	store *memStore
	keys  []string
}

func (m *memTx) RunLocked(ctx context.Context, key string, fn func(ctx context.Context, store PaymentStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return fn(ctx, m.store)
}

// fakeProcessor returns canned sessions.
type fakeProcessor struct {
	mu        sync.Mutex
	created   *types.CheckoutSession
	createErr error
	sessions  map[string]*types.CheckoutSession
	getErr    error
	requests  []external.CheckoutRequest
	retrieves int
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (*types.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.created == nil {
		return nil, nil
	}
	c := *p.created
	return &c, nil
}

func (p *fakeProcessor) RetrieveCheckoutSession(ctx context.Context, ref string) (*types.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retrieves++
	if p.getErr != nil {
		return nil, p.getErr
	}
	if cs, ok := p.sessions[ref]; ok {
		c := *cs
		return &c, nil
	}
	return &types.CheckoutSession{ID: ref, PaymentStatus: types.CheckoutPaymentUnpaid}, nil
}

func paidSession(ref, owner string) *types.CheckoutSession {
	return &types.CheckoutSession{
		ID:                ref,
		ClientReferenceID: owner,
		PaymentStatus:     types.CheckoutPaymentPaid,
		AmountTotal:       4900,
		Currency:          "usd",
	}
}

// fakeSink records SetEntitlement calls.
type fakeSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeSink) SetEntitlement(identityID string, paid bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paid {
		s.calls = append(s.calls, identityID)
	}
	return 1
}

// recMetrics counts labels per metric.
type recMetrics struct {
	mu       sync.Mutex
	checkout map[string]int
	branches map[string]int
	checks   map[string]int
}

func newRecMetrics() *recMetrics {
	return &recMetrics{
		checkout: map[string]int{},
		branches: map[string]int{},
		checks:   map[string]int{},
	}
}

func (m *recMetrics) CheckoutStarted(result string) {
	m.mu.Lock()
	m.checkout[result]++
	m.mu.Unlock()
}

func (m *recMetrics) Reconciled(branch string) {
	m.mu.Lock()
	m.branches[branch]++
	m.mu.Unlock()
}

func (m *recMetrics) PaymentStatusChecked(result string) {
	m.mu.Lock()
	m.checks[result]++
	m.mu.Unlock()
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testNow() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }

var ada = types.Identity{ID: "user_ada", Email: "a@x.com"}

func strPtr(s string) *string { return &s }
