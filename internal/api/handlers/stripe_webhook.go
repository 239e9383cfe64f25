package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"

	"coursegate/internal/billing"
	"coursegate/internal/core"
	"coursegate/internal/external"
	"coursegate/internal/types"
)

// maxWebhookBodySize is the maximum accepted Stripe webhook payload.
const maxWebhookBodySize = 64 * 1024

// CompletedSessionHandler reconciles checkouts reported complete by the
// processor. Implemented by billing.Reconciler.
type CompletedSessionHandler interface {
	HandleCompletedSession(ctx context.Context, ref string, clientRef string) (*billing.ReconcileResult, error)
}

// StripeWebhookHandler handles asynchronous events from Stripe. It is not
// behind the session middleware's identity; requests are authenticated by
// the Stripe-Signature header.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler CompletedSessionHandler
	secret     string
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler CompletedSessionHandler,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts POST /webhooks/stripe. It belongs on the root
// router, outside /api/v1.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and processes one Stripe event.
//
// Unreadable or unsigned payloads are rejected with 400 so Stripe reports
// them. Once the signature checks out the event is acknowledged with 200
// even when processing fails; the failure is logged and the buyer's
// return page reconciles the payment independently.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalConfigMissingSecret,
			"stripe webhook secret is not configured",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidSignature, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidSignature, "webhook signature verification failed", err))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripe.Event) error {
	switch string(event.Type) {
	case external.EventStripeCheckoutCompleted, external.EventStripeCheckoutAsyncSucceeded:
		return h.handleCheckoutCompleted(ctx, event)
	default:
		h.logger.DebugContext(ctx, "ignoring unhandled stripe event", "event_type", event.Type)
		return nil
	}
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "checkout event has no data", nil)
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid checkout session object", err)
	}

	// Delayed payment methods complete the session unpaid and follow up
	// with async_payment_succeeded.
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		h.logger.InfoContext(ctx, "checkout completed without payment yet",
			"session_ref", cs.ID,
			"payment_status", cs.PaymentStatus,
		)
		return nil
	}

	res, err := h.reconciler.HandleCompletedSession(ctx, cs.ID, cs.ClientReferenceID)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "checkout reconciled from webhook",
		"session_ref", cs.ID,
		"completed", res.Completed,
		"branch", res.Branch,
	)
	return nil
}
