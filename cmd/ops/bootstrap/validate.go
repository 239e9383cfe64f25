package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// ValidationResult is the outcome of one input check, with a message for
// the operator.
type ValidationResult struct {
	Valid   bool
	Message string
}

// HTTPClient is satisfied by *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DatabaseConnector opens and immediately closes a connection to dsn.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector connects with pgx.
type PgxConnector struct{}

func (c *PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Validator probes vendor credentials before they are stored.
type Validator struct {
	httpClient      HTTPClient
	dbConn          DatabaseConnector
	stripeBaseURL   string
	sendgridBaseURL string
}

// NewValidator returns a Validator using the public vendor endpoints.
func NewValidator() *Validator {
	return NewValidatorWithDeps(&http.Client{Timeout: 10 * time.Second}, &PgxConnector{}, "https://api.stripe.com", "https://api.sendgrid.com")
}

// NewValidatorWithDeps returns a Validator over the given dependencies.
func NewValidatorWithDeps(httpClient HTTPClient, dbConn DatabaseConnector, stripeBaseURL, sendgridBaseURL string) *Validator {
	return &Validator{
		httpClient:      httpClient,
		dbConn:          dbConn,
		stripeBaseURL:   strings.TrimSuffix(stripeBaseURL, "/"),
		sendgridBaseURL: strings.TrimSuffix(sendgridBaseURL, "/"),
	}
}

const validateTimeout = 15 * time.Second

// ValidateDatabaseURL checks the DSN shape and then connects once.
func (v *Validator) ValidateDatabaseURL(ctx context.Context, rawURL string) ValidationResult {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ValidationResult{Message: "database URL must not be empty"}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("invalid URL format: %v", err)}
	}
	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return ValidationResult{Message: fmt.Sprintf("expected postgres:// or postgresql:// scheme, got %q", parsed.Scheme)}
	}
	if parsed.Hostname() == "" {
		return ValidationResult{Message: "database URL has no host"}
	}

	connCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	if err := v.dbConn.Connect(connCtx, rawURL); err != nil {
		return ValidationResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("database connection verified (host=%s)", parsed.Hostname())}
}

var (
	stripeKeyRegex     = regexp.MustCompile(`^sk_(test|live)_[0-9a-zA-Z]{24,}$`)
	webhookSecretRegex = regexp.MustCompile(`^whsec_[0-9a-zA-Z]{16,}$`)
)

// ValidateStripeKey checks the key format, then calls GET /v1/account.
func (v *Validator) ValidateStripeKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !stripeKeyRegex.MatchString(key) {
		return ValidationResult{Message: "Stripe secret key must match sk_(test|live)_ followed by 24+ alphanumeric characters"}
	}

	status, body, err := v.probe(ctx, v.stripeBaseURL+"/v1/account", "Bearer "+key)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("Stripe API probe failed: %v", err)}
	}
	if status == http.StatusUnauthorized {
		return ValidationResult{Message: "Stripe API returned 401 Unauthorized: key is invalid or revoked"}
	}
	if status != http.StatusOK {
		return ValidationResult{Message: fmt.Sprintf("Stripe API returned HTTP %d: %s", status, truncateBody(body, 200))}
	}

	var account struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &account)

	mode := "test"
	if strings.HasPrefix(key, "sk_live_") {
		mode = "live"
	}
	if account.ID != "" {
		return ValidationResult{Valid: true, Message: fmt.Sprintf("Stripe key verified [%s mode] (account: %s)", mode, account.ID)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("Stripe key verified [%s mode]", mode)}
}

// ValidateWebhookSecret checks the whsec_ format. Stripe offers no probe
// for signing secrets.
func (v *Validator) ValidateWebhookSecret(_ context.Context, secret string) ValidationResult {
	if !webhookSecretRegex.MatchString(strings.TrimSpace(secret)) {
		return ValidationResult{Message: "webhook signing secret must start with whsec_"}
	}
	return ValidationResult{Valid: true, Message: "webhook signing secret format ok"}
}

// ValidateSendGridKey checks the SG. prefix, then calls GET /v3/scopes.
func (v *Validator) ValidateSendGridKey(ctx context.Context, key string) ValidationResult {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "SG.") {
		return ValidationResult{Message: "SendGrid API key should start with 'SG.'"}
	}

	status, body, err := v.probe(ctx, v.sendgridBaseURL+"/v3/scopes", "Bearer "+key)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API probe failed: %v", err)}
	}
	if status != http.StatusOK {
		return ValidationResult{Message: fmt.Sprintf("SendGrid API returned HTTP %d: %s", status, truncateBody(body, 200))}
	}

	var scopes struct {
		Scopes []string `json:"scopes"`
	}
	_ = json.Unmarshal(body, &scopes)
	for _, s := range scopes.Scopes {
		if s == "mail.send" {
			return ValidationResult{Valid: true, Message: "SendGrid key verified (mail.send granted)"}
		}
	}
	return ValidationResult{Message: "SendGrid key lacks the mail.send scope"}
}

// ValidateRegex matches input against pattern.
func (v *Validator) ValidateRegex(_ context.Context, input, pattern, label string) ValidationResult {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ValidationResult{Message: fmt.Sprintf("internal error: bad pattern for %s: %v", label, err)}
	}
	if !re.MatchString(strings.TrimSpace(input)) {
		return ValidationResult{Message: fmt.Sprintf("%s has an unexpected format", label)}
	}
	return ValidationResult{Valid: true, Message: fmt.Sprintf("%s format ok", label)}
}

func (v *Validator) probe(ctx context.Context, target, authorization string) (int, []byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("User-Agent", "coursegate-bootstrap/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, nil
}

func truncateBody(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
