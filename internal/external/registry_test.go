package external

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"testing"

	"coursegate/internal/config"
	"coursegate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewClientRegistry_TestModeReturnsStubs(t *testing.T) {
	cfg := &config.Config{IsTestMode: true, Environment: "dev"}

	reg := NewClientRegistry(cfg, testLogger())

	if _, ok := reg.Payments.(*StubPaymentProcessor); !ok {
		t.Errorf("Payments is %T, want *StubPaymentProcessor", reg.Payments)
	}
	if _, ok := reg.Webhooks.(*StubWebhookVerifier); !ok {
		t.Errorf("Webhooks is %T, want *StubWebhookVerifier", reg.Webhooks)
	}
	if _, ok := reg.Mailer.(*StubMailer); !ok {
		t.Errorf("Mailer is %T, want *StubMailer", reg.Mailer)
	}
	if _, ok := reg.Newsletter.(*StubMailer); !ok {
		t.Errorf("Newsletter is %T, want *StubMailer", reg.Newsletter)
	}
	if _, err := reg.OAuth.GetProvider("github"); err != nil {
		t.Errorf("expected stub github provider, got %v", err)
	}
}

func TestNewClientRegistry_LocalEnvReturnsStubs(t *testing.T) {
	cfg := &config.Config{Environment: "local"}

	reg := NewClientRegistry(cfg, testLogger())

	if _, ok := reg.Payments.(*StubPaymentProcessor); !ok {
		t.Errorf("Payments is %T, want *StubPaymentProcessor", reg.Payments)
	}
}

func TestNewClientRegistry_ProductionWithoutStripeKey(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Server.PublicURL = "https://site.test"

	reg := NewClientRegistry(cfg, testLogger())

	if _, ok := reg.Payments.(UnconfiguredProcessor); !ok {
		t.Fatalf("Payments is %T, want UnconfiguredProcessor", reg.Payments)
	}
	if _, ok := reg.Webhooks.(*StripeVerifier); !ok {
		t.Errorf("Webhooks is %T, want *StripeVerifier", reg.Webhooks)
	}
	if _, err := reg.OAuth.GetProvider("google"); err == nil {
		t.Error("google must not be registered without a client ID")
	}
}

func TestNewClientRegistry_ProductionClients(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Server.PublicURL = "https://site.test"
	cfg.Billing.StripeSecretKey = types.SecretString("sk_live_x")
	cfg.Email.SendGridAPIKey = types.SecretString("SG.x")
	cfg.Auth.GoogleClientID = "gid"
	cfg.Auth.GithubClientID = "ghid"

	reg := NewClientRegistry(cfg, testLogger())

	if _, ok := reg.Payments.(*StripeClient); !ok {
		t.Errorf("Payments is %T, want *StripeClient", reg.Payments)
	}
	if _, ok := reg.Mailer.(*SendGridClient); !ok {
		t.Errorf("Mailer is %T, want *SendGridClient", reg.Mailer)
	}

	p, err := reg.OAuth.GetProvider("github")
	if err != nil {
		t.Fatalf("github provider missing: %v", err)
	}
	u, _ := url.Parse(p.GetLoginURL("s"))
	if got := u.Query().Get("redirect_uri"); got != "https://site.test/api/v1/auth/oauth/github/callback" {
		t.Errorf("redirect_uri = %q", got)
	}
}

func TestStubPaymentProcessor_RoundTrip(t *testing.T) {
	p := NewStubPaymentProcessor(testLogger())
	ctx := context.Background()

	cs, err := p.CreateCheckoutSession(ctx, CheckoutRequest{
		ClientReferenceID: "u1",
		SuccessURL:        "https://site.test/payment/return?session_id={CHECKOUT_SESSION_ID}&next=%2Fcourse",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u, _ := url.Parse(cs.URL)
	if u.Query().Get("session_id") != cs.ID {
		t.Errorf("redirect %q does not carry the session ID %q", cs.URL, cs.ID)
	}
	if u.Query().Get("next") != "/course" {
		t.Errorf("redirect lost next: %q", cs.URL)
	}

	got, err := p.RetrieveCheckoutSession(ctx, cs.ID)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !got.IsPaid() || got.ClientReferenceID != "u1" {
		t.Errorf("unexpected retrieved session %+v", got)
	}

	p.MarkUnpaid(cs.ID)
	got, _ = p.RetrieveCheckoutSession(ctx, cs.ID)
	if got.IsPaid() {
		t.Error("expected unpaid after MarkUnpaid")
	}
}
