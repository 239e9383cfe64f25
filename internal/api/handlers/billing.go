package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"coursegate/internal/access"
	"coursegate/internal/billing"
	"coursegate/internal/core"
	"coursegate/internal/session"
	"coursegate/internal/types"
)

// CheckoutStarter opens hosted checkouts. Implemented by billing.Checkout.
type CheckoutStarter interface {
	Start(ctx context.Context, identity *types.Identity, next string) (*billing.CheckoutResult, error)
}

// PaymentReconciler records returned checkouts. Implemented by
// billing.Reconciler.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, ref string, identity types.Identity) (*billing.ReconcileResult, error)
}

// BillingHandler starts checkouts and confirms them when the buyer returns.
type BillingHandler struct {
	checkout   CheckoutStarter
	reconciler PaymentReconciler
	policy     *access.Policy
	validator  *core.Validator
	logger     *slog.Logger

	readyTimeout time.Duration
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	checkout CheckoutStarter,
	reconciler PaymentReconciler,
	policy *access.Policy,
	validator *core.Validator,
	readyTimeout time.Duration,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if readyTimeout <= 0 {
		readyTimeout = 5 * time.Second
	}
	return &BillingHandler{
		checkout:     checkout,
		reconciler:   reconciler,
		policy:       policy,
		validator:    validator,
		logger:       logger,
		readyTimeout: readyTimeout,
	}
}

// RegisterRoutes mounts POST /checkout and GET /payment/return.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout", h.StartCheckout)
	r.Get("/payment/return", h.PaymentReturn)
}

type checkoutRequest struct {
	Next string `json:"next,omitempty" validate:"next"`
}

type checkoutResponse struct {
	URL         string `json:"url"`
	AlreadyPaid bool   `json:"already_paid,omitempty"`
}

type paymentReturnResponse struct {
	Completed bool   `json:"completed"`
	Branch    string `json:"branch,omitempty"`
	Next      string `json:"next"`
}

// StartCheckout handles POST /checkout. The body is optional and carries
// the path to return to once payment is confirmed.
//
// The session is waited on until it resolves, bounded by the ready
// timeout, so an entitled session is sent on instead of to the processor
// even while its restore is in flight. If the session's identity changes
// while the processor call is in flight the result is discarded and the
// client gets a conflict.
func (h *BillingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	st := session.FromContext(r.Context())
	wctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	snap, err := st.WaitReady(wctx)
	cancel()
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeSessionNotReady, "session state is still loading", err))
		return
	}
	if snap.Identity != nil && snap.HasPaid {
		core.Data(w, r, http.StatusOK, checkoutResponse{
			URL:         h.policy.NextAfterAuth(req.Next),
			AlreadyPaid: true,
		})
		return
	}

	gen := st.Generation()
	res, err := h.checkout.Start(r.Context(), snap.Identity, req.Next)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if !st.IsCurrent(gen) {
		h.logger.InfoContext(r.Context(), "discarding checkout for superseded session",
			"session_ref", res.SessionRef,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"your session changed while the checkout was being created, please try again",
			nil,
		))
		return
	}

	core.Data(w, r, http.StatusCreated, checkoutResponse{URL: res.URL})
}

// PaymentReturn handles GET /payment/return?session_id=&next=, the URL the
// processor sends the buyer back to. It reconciles the checkout against the
// signed-in identity. Failures carry pricing_path so the page can offer a
// way back.
func (h *BillingHandler) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := q.Get("session_id")
	next := access.SanitizeNext(q.Get("next"))

	var identity types.Identity
	if id := session.FromContext(r.Context()).CurrentIdentity(); id != nil {
		identity = *id
	}

	res, err := h.reconciler.Reconcile(r.Context(), ref, identity)
	if err != nil {
		core.Error(w, r, h.withPricingPath(err, next))
		return
	}

	core.Data(w, r, http.StatusOK, paymentReturnResponse{
		Completed: res.Completed,
		Branch:    res.Branch,
		Next:      h.policy.NextAfterAuth(next),
	})
}

func (h *BillingHandler) withPricingPath(err error, next string) error {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "we could not confirm your payment", err)
	}

	pricing := h.policy.Paths().Pricing
	if next != "" {
		pricing += "?" + url.Values{"next": {next}}.Encode()
	}
	return appErr.WithDetails(map[string]any{"pricing_path": pricing})
}
