package external

import (
	"context"

	"coursegate/internal/types"
)

// ---------------------------------------------------------------------------
// Payment processor (Stripe)
// ---------------------------------------------------------------------------

// CheckoutRequest describes a hosted checkout for the single course product.
type CheckoutRequest struct {
	// ClientReferenceID is the buyer's identity ID. The processor echoes it
	// back on the session so reconciliation can check ownership.
	ClientReferenceID string
	CustomerEmail     string
	SuccessURL        string
	CancelURL         string
	// IdempotencyKey deduplicates retried creates on the processor side.
	IdempotencyKey string
}

// PaymentProcessor abstracts the hosted checkout provider.
type PaymentProcessor interface {
	// CreateCheckoutSession opens a payment-mode checkout and returns the
	// session with its redirect URL. A response without a URL is an
	// ErrCodeUpstreamProcessorNoURL error.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*types.CheckoutSession, error)

	// RetrieveCheckoutSession fetches a session by its processor reference.
	RetrieveCheckoutSession(ctx context.Context, ref string) (*types.CheckoutSession, error)
}

// WebhookVerifier abstracts processor webhook signature checking.
type WebhookVerifier interface {
	// Verify returns nil when header is a valid signature of payload.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types handled by the webhook endpoint.
const (
	EventStripeCheckoutCompleted      = "checkout.session.completed"
	EventStripeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
)

// ---------------------------------------------------------------------------
// Email (SendGrid)
// ---------------------------------------------------------------------------

// TemplateEmail is a transactional email rendered by the provider from a
// dynamic template.
type TemplateEmail struct {
	To         string
	ToName     string
	TemplateID string
	Data       map[string]any
}

// Mailer sends transactional email.
type Mailer interface {
	// SendTemplate returns the provider's message ID.
	SendTemplate(ctx context.Context, email TemplateEmail) (string, error)
}

// NewsletterSubscriber adds contacts to the marketing list.
type NewsletterSubscriber interface {
	Subscribe(ctx context.Context, email string, name string) error
}

// ---------------------------------------------------------------------------
// Identity providers (OAuth)
// ---------------------------------------------------------------------------

// OAuthProfile is the normalized profile returned by a provider exchange.
type OAuthProfile struct {
	Provider      string
	ProviderID    string
	Email         string
	Name          string
	EmailVerified bool
}

// OAuthProvider abstracts a single OAuth identity provider.
type OAuthProvider interface {
	Name() string
	GetLoginURL(state string) string
	// Exchange trades an authorization code for a profile. Provider tokens
	// are not retained.
	Exchange(ctx context.Context, code string) (*OAuthProfile, error)
}

// OAuthManager looks up registered providers by name.
type OAuthManager interface {
	GetProvider(name string) (OAuthProvider, error)
}
