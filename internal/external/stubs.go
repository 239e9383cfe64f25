package external

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"coursegate/internal/types"

	"github.com/oklog/ulid/v2"
)

// ---------------------------------------------------------------------------
// Stub implementations let the service boot in local and test mode without
// vendor credentials. They log every call and return predictable values.
// ---------------------------------------------------------------------------

// StubPaymentProcessor records created sessions in memory. Every session is
// reported paid on retrieval unless MarkUnpaid was called for it, so the
// local checkout round trip reaches the return page and unlocks the course.
type StubPaymentProcessor struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*types.CheckoutSession
	unpaid   map[string]bool
}

// NewStubPaymentProcessor creates an empty StubPaymentProcessor.
func NewStubPaymentProcessor(logger *slog.Logger) *StubPaymentProcessor {
	return &StubPaymentProcessor{
		logger:   logger,
		sessions: make(map[string]*types.CheckoutSession),
		unpaid:   make(map[string]bool),
	}
}

// CreateCheckoutSession redirects straight to the success URL with the
// session placeholder filled in.
func (s *StubPaymentProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*types.CheckoutSession, error) {
	id := "cs_stub_" + ulid.Make().String()
	redirect := req.SuccessURL
	if u, err := url.Parse(req.SuccessURL); err == nil {
		q := u.Query()
		if q.Get("session_id") != "" {
			q.Set("session_id", id)
			u.RawQuery = q.Encode()
			redirect = u.String()
		}
	}

	cs := &types.CheckoutSession{
		ID:                id,
		URL:               redirect,
		ClientReferenceID: req.ClientReferenceID,
		PaymentStatus:     types.CheckoutPaymentUnpaid,
	}

	s.mu.Lock()
	s.sessions[id] = cs
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession called",
		"identity_id", req.ClientReferenceID,
		"session_ref", id,
	)
	copied := *cs
	return &copied, nil
}

// RetrieveCheckoutSession returns a known session as paid, or a paid
// session with no client reference for unknown refs.
func (s *StubPaymentProcessor) RetrieveCheckoutSession(ctx context.Context, ref string) (*types.CheckoutSession, error) {
	s.logger.InfoContext(ctx, "stub: RetrieveCheckoutSession called", "session_ref", ref)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := types.CheckoutSession{ID: ref}
	if cs, ok := s.sessions[ref]; ok {
		out = *cs
	}
	out.PaymentStatus = types.CheckoutPaymentPaid
	if s.unpaid[ref] {
		out.PaymentStatus = types.CheckoutPaymentUnpaid
	}
	return &out, nil
}

// MarkUnpaid makes later retrievals of ref report an unpaid session.
func (s *StubPaymentProcessor) MarkUnpaid(ref string) {
	s.mu.Lock()
	s.unpaid[ref] = true
	s.mu.Unlock()
}

// StubMailer logs emails instead of sending them.
type StubMailer struct {
	logger *slog.Logger
}

// NewStubMailer creates a new StubMailer.
func NewStubMailer(logger *slog.Logger) *StubMailer {
	return &StubMailer{logger: logger}
}

func (s *StubMailer) SendTemplate(ctx context.Context, email TemplateEmail) (string, error) {
	s.logger.InfoContext(ctx, "stub: SendTemplate called",
		"to", email.To,
		"template_id", email.TemplateID,
		"data", email.Data,
	)
	return "msg_stub_" + ulid.Make().String(), nil
}

func (s *StubMailer) Subscribe(ctx context.Context, email string, name string) error {
	s.logger.InfoContext(ctx, "stub: Subscribe called", "email", email)
	return nil
}

// StubOAuthProvider returns a fixed profile derived from the code, so
// different codes sign in different accounts.
type StubOAuthProvider struct {
	name   string
	logger *slog.Logger
}

// NewStubOAuthProvider creates a StubOAuthProvider with the given name.
func NewStubOAuthProvider(name string, logger *slog.Logger) *StubOAuthProvider {
	return &StubOAuthProvider{name: name, logger: logger}
}

func (s *StubOAuthProvider) Name() string {
	return s.name
}

func (s *StubOAuthProvider) GetLoginURL(state string) string {
	return fmt.Sprintf("https://stub.local/oauth/%s?state=%s", s.name, url.QueryEscape(state))
}

func (s *StubOAuthProvider) Exchange(ctx context.Context, code string) (*OAuthProfile, error) {
	s.logger.InfoContext(ctx, "stub: Exchange called", "provider", s.name)
	if code == "" {
		code = "user"
	}
	return &OAuthProfile{
		Provider:      s.name,
		ProviderID:    "stub_" + code,
		Email:         fmt.Sprintf("%s@%s.stub.local", code, s.name),
		Name:          "Stub User",
		EmailVerified: true,
	}, nil
}

// NewStubOAuthManager creates an OAuthManager backed by stub providers.
func NewStubOAuthManager(logger *slog.Logger, providerNames ...string) *OAuthManagerImpl {
	providers := make([]OAuthProvider, 0, len(providerNames))
	for _, name := range providerNames {
		providers = append(providers, NewStubOAuthProvider(name, logger))
	}
	return NewOAuthManager(providers...)
}

// StubWebhookVerifier accepts every payload.
type StubWebhookVerifier struct {
	logger *slog.Logger
}

// NewStubWebhookVerifier creates a new StubWebhookVerifier.
func NewStubWebhookVerifier(logger *slog.Logger) *StubWebhookVerifier {
	return &StubWebhookVerifier{logger: logger}
}

func (s *StubWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	s.logger.Info("stub: webhook Verify called", "payload_len", len(payload))
	return nil
}

var (
	_ PaymentProcessor     = (*StubPaymentProcessor)(nil)
	_ Mailer               = (*StubMailer)(nil)
	_ NewsletterSubscriber = (*StubMailer)(nil)
	_ OAuthProvider        = (*StubOAuthProvider)(nil)
	_ WebhookVerifier      = (*StubWebhookVerifier)(nil)
)
