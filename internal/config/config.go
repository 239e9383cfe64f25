// Package config defines the configuration for the coursegate API.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"strings"
	"time"

	"coursegate/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"coursegate-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	Auth          AuthConfig
	Access        AccessConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// IsLocal reports whether the process runs against local stubs.
func (c *Config) IsLocal() bool {
	return c.IsTestMode || c.Environment == "local"
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public origin of the site, used to build processor return URLs and
	// email links (no trailing slash).
	PublicURL      string        `envconfig:"PUBLIC_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownGrace  time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"MIGRATE_ON_START" default:"false"`
}

// AWSConfig holds the region used for SSM secret resolution.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BillingConfig holds payment processor credentials and the course price.
// StripeSecretKey is optional at load time: its absence surfaces as a
// configuration error when checkout is attempted, never as free access.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeBaseURL       string       `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com" validate:"url"`
	PriceID             string       `envconfig:"STRIPE_PRICE_ID"`
	PriceCents          int64        `envconfig:"COURSE_PRICE_CENTS" default:"9900" validate:"gt=0"`
	Currency            string       `envconfig:"COURSE_CURRENCY" default:"usd" validate:"len=3"`
	ProductName         string       `envconfig:"COURSE_PRODUCT_NAME" default:"Course access"`
}

// EmailConfig holds mailer credentials. An empty SendGridAPIKey disables
// delivery and the newsletter without failing sign-up.
type EmailConfig struct {
	SendGridAPIKey    SecretString  `envconfig:"SENDGRID_API_KEY"`
	SendGridBaseURL   string        `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"url"`
	FromAddress       string        `envconfig:"EMAIL_FROM_ADDRESS" default:"hello@coursegate.dev" validate:"email"`
	FromName          string        `envconfig:"EMAIL_FROM_NAME" default:"Coursegate"`
	NewsletterListID  string        `envconfig:"SENDGRID_NEWSLETTER_LIST_ID"`
	VerifyTemplateID  string        `envconfig:"EMAIL_VERIFY_TEMPLATE_ID"`
	ResetTemplateID   string        `envconfig:"EMAIL_RESET_TEMPLATE_ID"`
	NewsletterTimeout time.Duration `envconfig:"NEWSLETTER_TIMEOUT" default:"5s"`
}

// AuthConfig holds OAuth provider credentials and signing secrets.
type AuthConfig struct {
	GoogleClientID     string        `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret SecretString  `envconfig:"GOOGLE_CLIENT_SECRET"`
	GithubClientID     string        `envconfig:"GITHUB_CLIENT_ID"`
	GithubClientSecret SecretString  `envconfig:"GITHUB_CLIENT_SECRET"`
	SessionKey         SecretString  `envconfig:"SESSION_KEY" validate:"required,min=32"`
	SessionDuration    time.Duration `envconfig:"SESSION_DURATION" default:"168h"`
	RequireEmailVerify bool          `envconfig:"REQUIRE_EMAIL_VERIFICATION" default:"false"`
	EmailTokenTTL      time.Duration `envconfig:"EMAIL_TOKEN_TTL" default:"24h"`
}

// AccessConfig configures the route guard. AdminAllowList holds emails that
// bypass the payment check on paid routes.
type AccessConfig struct {
	AdminAllowList []string      `envconfig:"ADMIN_ALLOWLIST"`
	SignupPath     string        `envconfig:"SIGNUP_PATH" default:"/signup" validate:"startswith=/"`
	PricingPath    string        `envconfig:"PRICING_PATH" default:"/pricing" validate:"startswith=/"`
	CourseEntry    string        `envconfig:"COURSE_ENTRY_PATH" default:"/course" validate:"startswith=/"`
	ReadyTimeout   time.Duration `envconfig:"ACCESS_READY_TIMEOUT" default:"5s"`
	SessionIdleTTL time.Duration `envconfig:"SESSION_STATE_IDLE_TTL" default:"30m"`
}

// NormalizedAllowList returns the allow-list lower-cased and trimmed, with
// blanks removed.
func (a AccessConfig) NormalizedAllowList() []string {
	out := make([]string, 0, len(a.AdminAllowList))
	for _, e := range a.AdminAllowList {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// SecurityConfig holds CORS and rate-limit settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120" validate:"gt=0"`
	RateLimitBurst     int      `envconfig:"RATE_LIMIT_BURST" default:"30" validate:"gt=0"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
