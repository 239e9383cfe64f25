package external

import (
	"log/slog"
	"net/http"
	"time"

	"coursegate/internal/config"
)

// ClientRegistry holds the vendor clients used by the service layer.
type ClientRegistry struct {
	Payments   PaymentProcessor
	Webhooks   WebhookVerifier
	Mailer     Mailer
	Newsletter NewsletterSubscriber
	OAuth      OAuthManager
}

// NewClientRegistry returns stub clients in local and test mode and real
// vendor clients otherwise.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.IsLocal() {
		logger.Info("initializing external clients in STUB mode",
			"is_test_mode", cfg.IsTestMode,
			"environment", cfg.Environment,
		)
		return newStubRegistry(logger)
	}

	logger.Info("initializing external clients in PRODUCTION mode",
		"environment", cfg.Environment,
	)
	return newProductionRegistry(cfg, logger)
}

func newStubRegistry(logger *slog.Logger) *ClientRegistry {
	stubLogger := logger.With("mode", "stub")
	mailer := NewStubMailer(stubLogger)

	return &ClientRegistry{
		Payments:   NewStubPaymentProcessor(stubLogger),
		Webhooks:   NewStubWebhookVerifier(stubLogger),
		Mailer:     mailer,
		Newsletter: mailer,
		OAuth:      NewStubOAuthManager(stubLogger, "google", "github"),
	}
}

func newProductionRegistry(cfg *config.Config, logger *slog.Logger) *ClientRegistry {
	reg := &ClientRegistry{
		Webhooks: &StripeVerifier{},
	}

	if cfg.Billing.StripeSecretKey.IsSet() {
		reg.Payments = NewStripeClient(&http.Client{Timeout: stripeTimeout}, StripeClientConfig{
			SecretKey:   cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:     cfg.Billing.StripeBaseURL,
			PriceID:     cfg.Billing.PriceID,
			PriceCents:  cfg.Billing.PriceCents,
			Currency:    cfg.Billing.Currency,
			ProductName: cfg.Billing.ProductName,
			Logger:      logger.With("client", "stripe"),
		})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout will fail with a configuration error")
		reg.Payments = UnconfiguredProcessor{}
	}

	if cfg.Email.SendGridAPIKey.IsSet() {
		sg := NewSendGridClient(&http.Client{Timeout: 10 * time.Second}, SendGridClientConfig{
			APIKey:           cfg.Email.SendGridAPIKey.Unmask(),
			BaseURL:          cfg.Email.SendGridBaseURL,
			FromAddress:      cfg.Email.FromAddress,
			FromName:         cfg.Email.FromName,
			NewsletterListID: cfg.Email.NewsletterListID,
			Logger:           logger.With("client", "sendgrid"),
		})
		reg.Mailer = sg
		reg.Newsletter = sg
	} else {
		logger.Warn("SENDGRID_API_KEY not set; emails are logged, not sent")
		stub := NewStubMailer(logger.With("client", "sendgrid", "mode", "disabled"))
		reg.Mailer = stub
		reg.Newsletter = stub
	}

	oauthHTTPClient := &http.Client{Timeout: 10 * time.Second}
	var providers []OAuthProvider

	if cfg.Auth.GoogleClientID != "" {
		providers = append(providers, NewGoogleProvider(oauthHTTPClient, OAuthProviderConfig{
			ClientID:     cfg.Auth.GoogleClientID,
			ClientSecret: cfg.Auth.GoogleClientSecret.Unmask(),
			RedirectURL:  cfg.Server.PublicURL + "/api/v1/auth/oauth/google/callback",
			Logger:       logger.With("client", "google-oauth"),
		}))
	}

	if cfg.Auth.GithubClientID != "" {
		providers = append(providers, NewGithubProvider(oauthHTTPClient, OAuthProviderConfig{
			ClientID:     cfg.Auth.GithubClientID,
			ClientSecret: cfg.Auth.GithubClientSecret.Unmask(),
			RedirectURL:  cfg.Server.PublicURL + "/api/v1/auth/oauth/github/callback",
			Logger:       logger.With("client", "github-oauth"),
		}))
	}

	reg.OAuth = NewOAuthManager(providers...)

	return reg
}
