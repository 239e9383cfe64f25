package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coursegate/internal/types"
)

// Provider endpoints. Each is overridable through OAuthEndpoints for tests.
const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	githubAuthURL   = "https://github.com/login/oauth/authorize"
	githubTokenURL  = "https://github.com/login/oauth/access_token"
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

// OAuthEndpoints overrides provider URLs. Zero fields use the defaults.
type OAuthEndpoints struct {
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	EmailsURL   string // GitHub only
}

// OAuthProviderConfig holds the client credentials of one provider.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoints    OAuthEndpoints
	Logger       *slog.Logger
}

// oauthClient carries what Google and GitHub have in common: the
// authorization URL and the code-for-token exchange.
type oauthClient struct {
	name      string
	base      *BaseClient
	cfg       OAuthProviderConfig
	scope     string
	endpoints OAuthEndpoints
	logger    *slog.Logger
}

func newOAuthClient(name string, base *BaseClient, cfg OAuthProviderConfig, scope string, defaults OAuthEndpoints) oauthClient {
	ep := cfg.Endpoints
	if ep.AuthURL == "" {
		ep.AuthURL = defaults.AuthURL
	}
	if ep.TokenURL == "" {
		ep.TokenURL = defaults.TokenURL
	}
	if ep.UserInfoURL == "" {
		ep.UserInfoURL = defaults.UserInfoURL
	}
	if ep.EmailsURL == "" {
		ep.EmailsURL = defaults.EmailsURL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return oauthClient{
		name:      name,
		base:      base,
		cfg:       cfg,
		scope:     scope,
		endpoints: ep,
		logger:    logger,
	}
}

func newOAuthBase(httpClient *http.Client, name string) *BaseClient {
	return NewBaseClient(
		httpClient,
		name+"-oauth",
		RetryPolicy{
			MaxRetries: 1,
			MinWait:    500 * time.Millisecond,
			MaxWait:    3 * time.Second,
		},
		"Coursegate/1.0",
	)
}

func (c *oauthClient) Name() string { return c.name }

func (c *oauthClient) loginURL(state string, extra url.Values) string {
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("redirect_uri", c.cfg.RedirectURL)
	params.Set("scope", c.scope)
	params.Set("state", state)
	for k, v := range extra {
		params[k] = v
	}
	return c.endpoints.AuthURL + "?" + params.Encode()
}

type oauthTokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeCode trades an authorization code for an access token.
func (c *oauthClient) exchangeCode(ctx context.Context, code string) (string, error) {
	params := url.Values{}
	params.Set("client_id", c.cfg.ClientID)
	params.Set("client_secret", c.cfg.ClientSecret)
	params.Set("code", code)
	params.Set("redirect_uri", c.cfg.RedirectURL)
	params.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return "", wrapOAuthError(c.name, "token exchange", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return "", wrapOAuthError(c.name, "token exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", handleOAuthAPIError(c.name, "token", resp)
	}

	var tokenResp oauthTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", wrapOAuthError(c.name, "decode token response", err)
	}

	// GitHub reports a bad code as 200 with an error field.
	if tokenResp.Error != "" {
		return "", types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			fmt.Sprintf("%s rejected the authorization code: %s", c.name, tokenResp.Error),
			nil,
		)
	}
	if tokenResp.AccessToken == "" {
		return "", types.NewAppError(
			types.ErrCodeUpstreamOAuthProvider,
			fmt.Sprintf("%s token response did not include an access token", c.name),
			nil,
		)
	}

	return tokenResp.AccessToken, nil
}

// getJSON performs an authenticated GET and decodes the body into out.
func (c *oauthClient) getJSON(ctx context.Context, endpoint, rawURL, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return wrapOAuthError(c.name, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return wrapOAuthError(c.name, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleOAuthAPIError(c.name, endpoint, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wrapOAuthError(c.name, "decode "+endpoint, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Google
// ---------------------------------------------------------------------------

// GoogleProvider implements OAuthProvider for Google OAuth 2.0.
type GoogleProvider struct {
	oauthClient
}

// NewGoogleProvider creates a GoogleProvider.
func NewGoogleProvider(httpClient *http.Client, cfg OAuthProviderConfig) *GoogleProvider {
	return NewGoogleProviderWithBase(newOAuthBase(httpClient, "google"), cfg)
}

// NewGoogleProviderWithBase creates a GoogleProvider with a pre-configured BaseClient.
func NewGoogleProviderWithBase(base *BaseClient, cfg OAuthProviderConfig) *GoogleProvider {
	return &GoogleProvider{newOAuthClient("google", base, cfg, "openid email profile", OAuthEndpoints{
		AuthURL:     googleAuthURL,
		TokenURL:    googleTokenURL,
		UserInfoURL: googleUserInfoURL,
	})}
}

func (p *GoogleProvider) GetLoginURL(state string) string {
	return p.loginURL(state, url.Values{
		"response_type": {"code"},
		"prompt":        {"select_account"},
	})
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*OAuthProfile, error) {
	token, err := p.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	var info googleUserInfo
	if err := p.getJSON(ctx, "userinfo", p.endpoints.UserInfoURL, token, &info); err != nil {
		return nil, err
	}
	if info.Email == "" {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamOAuthProvider,
			"google profile did not include an email address",
			nil,
		)
	}

	return &OAuthProfile{
		Provider:      p.name,
		ProviderID:    info.ID,
		Email:         strings.ToLower(info.Email),
		Name:          info.Name,
		EmailVerified: info.VerifiedEmail,
	}, nil
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GithubProvider implements OAuthProvider for GitHub. GitHub may hide the
// profile email, so Exchange falls back to the primary verified address
// from /user/emails.
type GithubProvider struct {
	oauthClient
}

// NewGithubProvider creates a GithubProvider.
func NewGithubProvider(httpClient *http.Client, cfg OAuthProviderConfig) *GithubProvider {
	return NewGithubProviderWithBase(newOAuthBase(httpClient, "github"), cfg)
}

// NewGithubProviderWithBase creates a GithubProvider with a pre-configured BaseClient.
func NewGithubProviderWithBase(base *BaseClient, cfg OAuthProviderConfig) *GithubProvider {
	return &GithubProvider{newOAuthClient("github", base, cfg, "read:user user:email", OAuthEndpoints{
		AuthURL:     githubAuthURL,
		TokenURL:    githubTokenURL,
		UserInfoURL: githubUserURL,
		EmailsURL:   githubEmailsURL,
	})}
}

func (p *GithubProvider) GetLoginURL(state string) string {
	return p.loginURL(state, nil)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *GithubProvider) Exchange(ctx context.Context, code string) (*OAuthProfile, error) {
	token, err := p.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	var user githubUser
	if err := p.getJSON(ctx, "user", p.endpoints.UserInfoURL, token, &user); err != nil {
		return nil, err
	}

	var emails []githubEmail
	if err := p.getJSON(ctx, "emails", p.endpoints.EmailsURL, token, &emails); err != nil {
		return nil, err
	}

	email, verified := primaryEmail(emails)
	if email == "" {
		email = user.Email
	}
	if email == "" {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamOAuthProvider,
			"github account has no usable email address",
			nil,
		)
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &OAuthProfile{
		Provider:      p.name,
		ProviderID:    strconv.FormatInt(user.ID, 10),
		Email:         strings.ToLower(email),
		Name:          name,
		EmailVerified: verified,
	}, nil
}

// primaryEmail picks the primary verified address, then any verified one.
func primaryEmail(emails []githubEmail) (string, bool) {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// OAuthManagerImpl is a name-indexed set of providers.
type OAuthManagerImpl struct {
	providers map[string]OAuthProvider
}

// NewOAuthManager registers providers under their Name().
func NewOAuthManager(providers ...OAuthProvider) *OAuthManagerImpl {
	m := &OAuthManagerImpl{providers: make(map[string]OAuthProvider, len(providers))}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

func (m *OAuthManagerImpl) GetProvider(name string) (OAuthProvider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidProvider,
			fmt.Sprintf("unknown OAuth provider: %s", name),
			nil,
		)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func wrapOAuthError(provider, operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamOAuthProvider,
		fmt.Sprintf("%s %s failed", provider, operation),
		err,
	)
}

func handleOAuthAPIError(provider, endpoint string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	code := types.ErrCodeUpstreamOAuthProvider
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		code = types.ErrCodeAuthTokenInvalid
	}
	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s %s endpoint returned %d", provider, endpoint, resp.StatusCode),
		nil,
		map[string]any{"body": truncateBody(body)},
	)
}

func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}

var (
	_ OAuthProvider = (*GoogleProvider)(nil)
	_ OAuthProvider = (*GithubProvider)(nil)
	_ OAuthManager  = (*OAuthManagerImpl)(nil)
)
