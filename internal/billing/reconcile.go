package billing

import (
	"context"
	"log/slog"

	"coursegate/internal/external"
	"coursegate/internal/types"
)

// Reconciliation branches, in priority order. They are reported in
// ReconcileResult and as the metrics label.
const (
	BranchExisting   = "existing"
	BranchSessionRef = "session_ref"
	BranchRecheck    = "recheck"
	BranchInserted   = "inserted"
)

// ReconcileResult is the outcome of a reconciliation.
type ReconcileResult struct {
	Completed bool                 `json:"completed"`
	Branch    string               `json:"branch,omitempty"`
	Record    *types.PaymentRecord `json:"-"`
}

// Reconciler upgrades a returned checkout to a completed payment record.
type Reconciler struct {
	store     PaymentStore
	tx        PaymentTxManager
	processor external.PaymentProcessor
	sink      EntitlementSink
	clock     types.Clock
	metrics   Metrics
	logger    *slog.Logger
	currency  string
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Store     PaymentStore
	TxManager PaymentTxManager
	Processor external.PaymentProcessor
	Sink      EntitlementSink
	Clock     types.Clock
	Metrics   Metrics
	Logger    *slog.Logger
	// Currency is recorded when the processor does not report one.
	Currency string
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		store:     cfg.Store,
		tx:        cfg.TxManager,
		processor: cfg.Processor,
		sink:      cfg.Sink,
		clock:     cfg.Clock,
		metrics:   metricsOrNop(cfg.Metrics),
		logger:    cfg.Logger,
		currency:  cfg.Currency,
	}
}

// Reconcile records that identity paid through the checkout ref.
//
// An existing completed record for identity short-circuits with no writes
// and no processor call, so repeated calls are no-ops. Otherwise the
// processor must report ref as paid and not owned by someone else. The
// write runs under a lock keyed by identity: the ref's record is upgraded
// if one exists, else a completed record written concurrently is reused,
// else a new completed record is inserted.
//
// On success the entitlement flag is set on every live session of
// identity.
func (r *Reconciler) Reconcile(ctx context.Context, ref string, identity types.Identity) (*ReconcileResult, error) {
	res, err := r.reconcile(ctx, ref, identity)
	if err != nil {
		r.metrics.Reconciled("error")
		r.logger.WarnContext(ctx, "payment reconciliation failed",
			"identity_id", identity.ID,
			"session_ref", ref,
			"error", err,
		)
		return nil, err
	}

	r.metrics.Reconciled(res.Branch)
	updated := 0
	if r.sink != nil {
		updated = r.sink.SetEntitlement(identity.ID, true)
	}
	r.logger.InfoContext(ctx, "payment reconciled",
		"identity_id", identity.ID,
		"session_ref", ref,
		"branch", res.Branch,
		"sessions_updated", updated,
	)
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, ref string, identity types.Identity) (*ReconcileResult, error) {
	if identity.ID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthNotAuthenticated, "sign in to confirm your payment", nil)
	}

	existing, err := r.store.FindCompletedByUser(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return completed(BranchExisting, existing), nil
	}

	if ref == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingSessionRef, "missing checkout session reference", nil)
	}

	cs, err := r.processor.RetrieveCheckoutSession(ctx, ref)
	if err != nil {
		if types.IsCode(err, types.ErrCodeInternalConfigMissingSecret) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessorUnavailable, "could not confirm payment with the processor, please try again", err)
	}
	if !cs.IsPaid() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePaymentNotConfirmed, "payment has not been confirmed", nil,
			map[string]any{"payment_status": cs.PaymentStatus})
	}
	if cs.ClientReferenceID != "" && cs.ClientReferenceID != identity.ID {
		return nil, errOwnerMismatch()
	}

	var res *ReconcileResult
	err = r.tx.RunLocked(ctx, "payment:"+identity.ID, func(ctx context.Context, store PaymentStore) error {
		var err error
		res, err = r.upgrade(ctx, store, ref, identity, cs)
		return err
	})
	if types.IsCode(err, types.ErrCodeConflictConcurrent) {
		// Another writer completed a record first; the transaction has
		// been rolled back so the winner is read outside it.
		winner, findErr := r.store.FindCompletedByUser(ctx, identity.ID)
		if findErr != nil {
			return nil, findErr
		}
		if winner != nil {
			return completed(BranchRecheck, winner), nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// upgrade runs the write branches inside the identity lock.
func (r *Reconciler) upgrade(
	ctx context.Context,
	store PaymentStore,
	ref string,
	identity types.Identity,
	cs *types.CheckoutSession,
) (*ReconcileResult, error) {
	byRef, err := store.FindBySessionRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	if byRef != nil {
		if byRef.UserID != "" && byRef.UserID != identity.ID {
			return nil, errOwnerMismatch()
		}
		status := types.PaymentStatusCompleted
		upd := types.PaymentRecordUpdate{
			Status: &status,
			UserID: &identity.ID,
		}
		if cs.AmountTotal > 0 {
			upd.AmountCents = &cs.AmountTotal
		}
		if cs.DiscountCode != "" {
			upd.DiscountCode = &cs.DiscountCode
		}
		if err := store.UpdateByID(ctx, byRef.ID, upd); err != nil {
			return nil, err
		}
		byRef.Status = status
		byRef.UserID = identity.ID
		if upd.AmountCents != nil {
			byRef.AmountCents = *upd.AmountCents
		}
		if upd.DiscountCode != nil {
			byRef.DiscountCode = *upd.DiscountCode
		}
		return completed(BranchSessionRef, byRef), nil
	}

	again, err := store.FindCompletedByUser(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if again != nil {
		return completed(BranchRecheck, again), nil
	}

	now := r.clock.Now()
	currency := cs.Currency
	if currency == "" {
		currency = r.currency
	}
	sessionRef := ref
	rec := &types.PaymentRecord{
		ID:           newRecordID(now),
		UserID:       identity.ID,
		SessionRef:   &sessionRef,
		Status:       types.PaymentStatusCompleted,
		AmountCents:  cs.AmountTotal,
		Currency:     currency,
		DiscountCode: cs.DiscountCode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	return completed(BranchInserted, rec), nil
}

// HandleCompletedSession reconciles a checkout reported complete by the
// processor webhook. clientRef is the session's client_reference_id; when
// it is empty the owner of the pending record for ref is used. A session
// that cannot be tied to any identity is logged and left for the return
// page to reconcile.
func (r *Reconciler) HandleCompletedSession(ctx context.Context, ref string, clientRef string) (*ReconcileResult, error) {
	identityID := clientRef
	if identityID == "" {
		rec, err := r.store.FindBySessionRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			identityID = rec.UserID
		}
	}
	if identityID == "" {
		r.logger.WarnContext(ctx, "completed checkout has no identity, skipping",
			"session_ref", ref,
		)
		return &ReconcileResult{Completed: false}, nil
	}
	return r.Reconcile(ctx, ref, types.Identity{ID: identityID})
}

func completed(branch string, rec *types.PaymentRecord) *ReconcileResult {
	return &ReconcileResult{Completed: true, Branch: branch, Record: rec}
}

func errOwnerMismatch() error {
	return types.NewAppError(types.ErrCodePermissionSessionOwner, "this checkout session belongs to another account", nil)
}
