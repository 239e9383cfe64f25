package billing

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"coursegate/internal/external"
	"coursegate/internal/types"
)

// CheckoutConfig holds the URLs and price used for hosted checkouts.
type CheckoutConfig struct {
	PublicURL   string
	ReturnPath  string
	PricingPath string
	AmountCents int64
	Currency    string
}

// CheckoutResult is the redirect target of a started checkout.
type CheckoutResult struct {
	URL        string `json:"url"`
	SessionRef string `json:"session_ref"`
}

// Checkout starts hosted checkouts for signed-in, unpaid identities.
type Checkout struct {
	processor external.PaymentProcessor
	store     PaymentStore
	cfg       CheckoutConfig
	clock     types.Clock
	metrics   Metrics
	logger    *slog.Logger
}

// NewCheckout creates a Checkout.
func NewCheckout(
	processor external.PaymentProcessor,
	store PaymentStore,
	cfg CheckoutConfig,
	clock types.Clock,
	metrics Metrics,
	logger *slog.Logger,
) *Checkout {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	if cfg.ReturnPath == "" {
		cfg.ReturnPath = "/api/v1/payment/return"
	}
	if cfg.PricingPath == "" {
		cfg.PricingPath = "/pricing"
	}
	return &Checkout{
		processor: processor,
		store:     store,
		cfg:       cfg,
		clock:     clock,
		metrics:   metricsOrNop(metrics),
		logger:    logger,
	}
}

// Start opens a hosted checkout for identity. next is the path the buyer
// returns to after payment.
//
// A nil identity fails with ErrCodeAuthNotAuthenticated before anything is
// written. A missing processor secret passes through as a configuration
// error, a response without a URL is ErrCodeUpstreamProcessorNoURL and any
// other processor failure is ErrCodeUpstreamProcessorUnavailable.
//
// The pending record is advisory: when it cannot be written the failure
// is logged and the checkout still proceeds.
func (c *Checkout) Start(ctx context.Context, identity *types.Identity, next string) (*CheckoutResult, error) {
	if identity == nil || identity.ID == "" {
		c.metrics.CheckoutStarted("not_authenticated")
		return nil, types.NewAppError(types.ErrCodeAuthNotAuthenticated, "sign in to purchase the course", nil)
	}

	now := c.clock.Now()
	cs, err := c.processor.CreateCheckoutSession(ctx, external.CheckoutRequest{
		ClientReferenceID: identity.ID,
		CustomerEmail:     identity.Email,
		SuccessURL:        c.successURL(next),
		CancelURL:         c.cfg.PublicURL + c.cfg.PricingPath,
		IdempotencyKey:    fmt.Sprintf("checkout:%s:%d", identity.ID, now.Truncate(time.Minute).Unix()),
	})
	if err != nil {
		c.metrics.CheckoutStarted("error")
		if types.IsCode(err, types.ErrCodeInternalConfigMissingSecret) || types.IsCode(err, types.ErrCodeUpstreamProcessorNoURL) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessorUnavailable, "payment processor is unavailable, please try again", err)
	}
	if cs == nil || cs.URL == "" {
		c.metrics.CheckoutStarted("error")
		return nil, types.NewAppError(types.ErrCodeUpstreamProcessorNoURL, "payment processor returned no checkout URL", nil)
	}

	ref := cs.ID
	pending := &types.PaymentRecord{
		ID:          newRecordID(now),
		UserID:      identity.ID,
		SessionRef:  &ref,
		Status:      types.PaymentStatusPending,
		AmountCents: c.cfg.AmountCents,
		Currency:    c.cfg.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.Insert(ctx, pending); err != nil {
		c.logger.WarnContext(ctx, "failed to persist pending payment record",
			"identity_id", identity.ID,
			"session_ref", ref,
			"error", err,
		)
	}

	c.metrics.CheckoutStarted("ok")
	c.logger.InfoContext(ctx, "checkout started",
		"identity_id", identity.ID,
		"session_ref", ref,
	)
	return &CheckoutResult{URL: cs.URL, SessionRef: ref}, nil
}

// successURL carries the processor's session placeholder and the
// remembered path back to the return handler.
func (c *Checkout) successURL(next string) string {
	u := c.cfg.PublicURL + c.cfg.ReturnPath + "?session_id={CHECKOUT_SESSION_ID}"
	if next != "" {
		u += "&next=" + url.QueryEscape(next)
	}
	return u
}

func newRecordID(t time.Time) string {
	return "pay_" + ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
