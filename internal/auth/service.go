package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/bcrypt"

	"coursegate/internal/external"
	"coursegate/internal/types"
)

// bcryptCost is the bcrypt cost factor used for password hashing.
const bcryptCost = 12

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
	maxDisplayName    = 100

	resetTokenTTL = time.Hour
	oauthStateTTL = 10 * time.Minute
)

// UserRepo defines the data access methods needed by Service.
type UserRepo interface {
	Create(ctx context.Context, u *types.User) error
	GetByID(ctx context.Context, id string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	GetByProvider(ctx context.Context, provider, providerID string) (*types.User, error)
	LinkProvider(ctx context.Context, userID, provider, providerID string, at time.Time) error
	UpdatePassword(ctx context.Context, userID, hash string) error
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

// AuthTxManager abstracts transactional execution for Service.
// The callback receives transaction-scoped repositories so user and
// session writes commit together.
type AuthTxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error) error
}

// PasswordHasher abstracts bcrypt operations for testability.
type PasswordHasher interface {
	CompareHashAndPassword(hashedPassword, password string) error
	GenerateFromPassword(password string) (string, error)
}

type bcryptHasher struct{}

func (b *bcryptHasher) CompareHashAndPassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

func (b *bcryptHasher) GenerateFromPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashToken produces a hex-encoded SHA-256 hash of a raw token string.
// Used to log token references without logging the token itself.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SignUpRequest carries the sign-up form.
type SignUpRequest struct {
	Email          string
	Password       string
	DisplayName    string
	RedirectTarget string
	IP             string
	UserAgent      string
}

// SignInRequest carries the sign-in form.
type SignInRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// OAuthCallbackRequest carries the provider redirect parameters.
type OAuthCallbackRequest struct {
	Provider  string
	Code      string
	State     string
	IP        string
	UserAgent string
}

// AuthResult is returned by every flow that establishes a session.
// Next is the remembered path to return to, if the flow carried one.
type AuthResult struct {
	Identity types.Identity
	Session  *types.Session
	Next     string
}

// ServiceConfig holds the dependencies for creating a Service.
type ServiceConfig struct {
	UserRepo       UserRepo
	SessionService *SessionService
	Protector      *BruteForceProtector
	TxManager      AuthTxManager
	Tokens         *TokenSigner
	Mailer         external.Mailer
	Newsletter     external.NewsletterSubscriber
	OAuth          external.OAuthManager
	Hasher         PasswordHasher
	Clock          types.Clock
	Logger         *slog.Logger

	PublicURL                string
	VerifyTemplateID         string
	ResetTemplateID          string
	EmailTokenTTL            time.Duration
	NewsletterTimeout        time.Duration
	RequireEmailVerification bool
}

// Service is the in-process identity provider.
type Service struct {
	users      UserRepo
	sessions   *SessionService
	protector  *BruteForceProtector
	txManager  AuthTxManager
	tokens     *TokenSigner
	mailer     external.Mailer
	newsletter external.NewsletterSubscriber
	oauth      external.OAuthManager
	hasher     PasswordHasher
	sanitizer  *bluemonday.Policy
	clock      types.Clock
	logger     *slog.Logger

	publicURL         string
	verifyTemplateID  string
	resetTemplateID   string
	emailTokenTTL     time.Duration
	newsletterTimeout time.Duration
	requireVerified   bool

	background sync.WaitGroup
}

// NewService creates a Service. Hasher, Clock and Logger default to the
// production implementations when nil.
func NewService(cfg ServiceConfig) *Service {
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = &bcryptHasher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.EmailTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	nlTimeout := cfg.NewsletterTimeout
	if nlTimeout <= 0 {
		nlTimeout = 10 * time.Second
	}
	return &Service{
		users:             cfg.UserRepo,
		sessions:          cfg.SessionService,
		protector:         cfg.Protector,
		txManager:         cfg.TxManager,
		tokens:            cfg.Tokens,
		mailer:            cfg.Mailer,
		newsletter:        cfg.Newsletter,
		oauth:             cfg.OAuth,
		hasher:            hasher,
		sanitizer:         bluemonday.StrictPolicy(),
		clock:             clock,
		logger:            logger,
		publicURL:         strings.TrimRight(cfg.PublicURL, "/"),
		verifyTemplateID:  cfg.VerifyTemplateID,
		resetTemplateID:   cfg.ResetTemplateID,
		emailTokenTTL:     ttl,
		newsletterTimeout: nlTimeout,
		requireVerified:   cfg.RequireEmailVerification,
	}
}

// Wait blocks until background work started by sign-up has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// SignUp registers an account and signs it in.
//
//  1. Canonicalize the email and check the password length.
//  2. Refuse when the protector has blocked the IP.
//  3. Create the user and the session in one transaction.
//  4. Send the verification email (best-effort).
//  5. Subscribe to the newsletter in the background.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*AuthResult, error) {
	email := CanonicalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "a valid email is required", nil)
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	if err := s.protector.Check(ctx, "", req.IP); err != nil {
		return nil, err
	}

	hash, err := s.hasher.GenerateFromPassword(req.Password)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	now := s.clock.Now()
	user := &types.User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  s.cleanDisplayName(req.DisplayName),
		PasswordHash: hash,
		CreatedAt:    now,
	}

	var session *types.Session
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		if err := txUserRepo.Create(txCtx, user); err != nil {
			return err
		}
		sess, err := s.sessions.withRepo(txSessionRepo).CreateSession(txCtx, user.ID, req.IP, req.UserAgent)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		if types.IsCode(err, types.ErrCodeConflictEmail) {
			s.protector.Record(ctx, EventSignUp, email, req.IP, false, "email_exists")
		}
		return nil, err
	}
	s.protector.Record(ctx, EventSignUp, email, req.IP, true, "")

	if err := s.sendVerification(ctx, user, req.RedirectTarget); err != nil {
		s.logger.WarnContext(ctx, "failed to send verification email", "user_id", user.ID, "error", err)
	}
	s.subscribeNewsletter(ctx, user)

	s.logger.InfoContext(ctx, "user signed up", "user_id", user.ID)

	return &AuthResult{Identity: user.Identity(), Session: session, Next: req.RedirectTarget}, nil
}

// SignIn verifies credentials and creates a session.
// Unknown emails and wrong passwords are both reported as invalid
// credentials.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*AuthResult, error) {
	email := CanonicalizeEmail(req.Email)
	if err := s.protector.Check(ctx, email, req.IP); err != nil {
		return nil, err
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUser) {
			s.protector.Record(ctx, EventSignIn, email, req.IP, false, "user_not_found")
			return nil, invalidCredentials()
		}
		return nil, err
	}

	if user.PasswordHash == "" {
		s.protector.Record(ctx, EventSignIn, email, req.IP, false, "no_password")
		return nil, invalidCredentials()
	}
	if err := s.hasher.CompareHashAndPassword(user.PasswordHash, req.Password); err != nil {
		s.protector.Record(ctx, EventSignIn, email, req.IP, false, "invalid_creds")
		return nil, invalidCredentials()
	}

	if s.requireVerified && !user.EmailVerified() {
		s.protector.Record(ctx, EventSignIn, email, req.IP, false, "email_not_verified")
		return nil, types.NewAppError(types.ErrCodeAuthEmailNotVerified, "email address has not been verified", nil)
	}

	session, err := s.startSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}
	s.protector.Record(ctx, EventSignIn, email, req.IP, true, "")

	s.logger.InfoContext(ctx, "user signed in", "user_id", user.ID)

	return &AuthResult{Identity: user.Identity(), Session: session}, nil
}

// OAuthStart returns the provider consent URL and the signed state that
// carries the provider and the remembered path.
func (s *Service) OAuthStart(providerName, redirectTarget string) (string, string, error) {
	provider, err := s.oauth.GetProvider(providerName)
	if err != nil {
		return "", "", err
	}
	state, err := s.tokens.Issue(uuid.NewString(), TokenClaims{
		Purpose:  PurposeOAuthState,
		Provider: provider.Name(),
		Next:     redirectTarget,
	}, oauthStateTTL)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to issue oauth state", err)
	}
	return provider.GetLoginURL(state), state, nil
}

// OAuthCallback exchanges the code, then links or creates the user and
// signs them in. Accounts reached through a provider are email-verified.
func (s *Service) OAuthCallback(ctx context.Context, req OAuthCallbackRequest) (*AuthResult, error) {
	claims, err := s.tokens.Parse(PurposeOAuthState, req.State)
	if err != nil {
		return nil, err
	}
	if claims.Provider != req.Provider {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "oauth state was issued for another provider", nil)
	}
	if err := s.protector.Check(ctx, "", req.IP); err != nil {
		return nil, err
	}

	provider, err := s.oauth.GetProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	profile, err := provider.Exchange(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	email := CanonicalizeEmail(profile.Email)
	if email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "provider did not return an email address", nil)
	}

	now := s.clock.Now()
	var (
		user    *types.User
		session *types.Session
	)
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		u, err := s.resolveOAuthUser(txCtx, txUserRepo, profile, email, now)
		if err != nil {
			return err
		}
		if err := txUserRepo.UpdateLastLogin(txCtx, u.ID, now); err != nil {
			return err
		}
		sess, err := s.sessions.withRepo(txSessionRepo).CreateSession(txCtx, u.ID, req.IP, req.UserAgent)
		if err != nil {
			return err
		}
		user, session = u, sess
		return nil
	})
	if err != nil {
		s.protector.Record(ctx, EventSignIn, email, req.IP, false, "oauth_"+req.Provider)
		return nil, err
	}
	s.protector.Record(ctx, EventSignIn, email, req.IP, true, "")

	s.logger.InfoContext(ctx, "user signed in with oauth", "user_id", user.ID, "provider", req.Provider)

	return &AuthResult{Identity: user.Identity(), Session: session, Next: claims.Next}, nil
}

func (s *Service) resolveOAuthUser(ctx context.Context, users UserRepo, profile *external.OAuthProfile, email string, now time.Time) (*types.User, error) {
	user, err := users.GetByProvider(ctx, profile.Provider, profile.ProviderID)
	if err == nil {
		return user, nil
	}
	if !types.IsCode(err, types.ErrCodeNotFoundUser) {
		return nil, err
	}

	user, err = users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		// Linking takes over an existing account, so the provider must vouch
		// for the address and the account must not belong to another provider.
		if user.AuthProvider != "" && user.AuthProvider != profile.Provider {
			return nil, types.NewAppError(types.ErrCodeAuthProviderMismatch,
				"this email is linked to another sign-in provider", nil)
		}
		if !profile.EmailVerified {
			return nil, types.NewAppError(types.ErrCodeAuthProviderMismatch,
				"provider did not verify this email address", nil)
		}
		if err := users.LinkProvider(ctx, user.ID, profile.Provider, profile.ProviderID, now); err != nil {
			return nil, err
		}
		user.AuthProvider = profile.Provider
		user.AuthProviderID = profile.ProviderID
		if user.EmailVerifiedAt == nil {
			user.EmailVerifiedAt = &now
		}
		return user, nil
	case types.IsCode(err, types.ErrCodeNotFoundUser):
		user = &types.User{
			ID:              uuid.NewString(),
			Email:           email,
			DisplayName:     s.cleanDisplayName(profile.Name),
			AuthProvider:    profile.Provider,
			AuthProviderID:  profile.ProviderID,
			EmailVerifiedAt: &now,
			CreatedAt:       now,
		}
		if err := users.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	default:
		return nil, err
	}
}

// RequestPasswordReset emails a reset link when the account exists. The
// caller cannot tell whether it did.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	email = CanonicalizeEmail(email)
	if err := s.protector.Check(ctx, email, ip); err != nil {
		s.logger.WarnContext(ctx, "password reset suppressed by protector", "ip", ip)
		return nil
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUser) {
			s.protector.Record(ctx, EventPasswordReset, email, ip, false, "user_not_found")
			return nil
		}
		return err
	}

	token, err := s.tokens.Issue(user.ID, TokenClaims{
		Purpose:             PurposeResetPassword,
		Email:               user.Email,
		PasswordFingerprint: PasswordFingerprint(user.PasswordHash),
	}, resetTokenTTL)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to issue reset token", err)
	}

	link := s.publicURL + "/reset-password?token=" + url.QueryEscape(token)
	if _, err := s.mailer.SendTemplate(ctx, external.TemplateEmail{
		To:         user.Email,
		ToName:     user.DisplayName,
		TemplateID: s.resetTemplateID,
		Data:       map[string]any{"reset_url": link, "name": user.DisplayName},
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to send password reset email", "user_id", user.ID, "error", err)
	}
	s.protector.Record(ctx, EventPasswordReset, email, ip, true, "")
	return nil
}

// CompletePasswordReset sets a new password and signs the user out
// everywhere. A token stops working once the password it was issued for
// has changed.
func (s *Service) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	claims, err := s.tokens.Parse(PurposeResetPassword, token)
	if err != nil {
		return err
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUser) {
			return types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", nil)
		}
		return err
	}
	if user.Email != claims.Email || PasswordFingerprint(user.PasswordHash) != claims.PasswordFingerprint {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has already been used", nil)
	}

	hash, err := s.hasher.GenerateFromPassword(newPassword)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err)
	}

	now := s.clock.Now()
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		if err := txUserRepo.UpdatePassword(txCtx, user.ID, hash); err != nil {
			return err
		}
		// The reset link reached the inbox, which proves ownership.
		if err := txUserRepo.MarkEmailVerified(txCtx, user.ID, now); err != nil {
			return err
		}
		return s.sessions.withRepo(txSessionRepo).InvalidateAllUserSessions(txCtx, user.ID)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "password reset completed", "user_id", user.ID)
	return nil
}

// ResendVerification re-sends the verification email. Unknown and already
// verified addresses are ignored silently.
func (s *Service) ResendVerification(ctx context.Context, email, redirectTarget string) error {
	user, err := s.users.GetByEmail(ctx, CanonicalizeEmail(email))
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUser) {
			return nil
		}
		return err
	}
	if user.EmailVerified() {
		return nil
	}
	return s.sendVerification(ctx, user, redirectTarget)
}

// VerifyEmail marks the address verified and returns the path remembered
// at sign-up.
func (s *Service) VerifyEmail(ctx context.Context, token string) (string, error) {
	claims, err := s.tokens.Parse(PurposeVerifyEmail, token)
	if err != nil {
		return "", err
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundUser) {
			return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", nil)
		}
		return "", err
	}
	if user.Email != claims.Email {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "token is invalid", nil)
	}

	if !user.EmailVerified() {
		if err := s.users.MarkEmailVerified(ctx, user.ID, s.clock.Now()); err != nil {
			return "", err
		}
		s.logger.InfoContext(ctx, "email verified", "user_id", user.ID)
	}
	return claims.Next, nil
}

// SignOut deletes the persisted browser session.
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	err := s.sessions.InvalidateSession(ctx, sessionID)
	if types.IsCode(err, types.ErrCodeNotFoundSession) {
		return nil
	}
	return err
}

// Authenticate resolves a session cookie to the identity it belongs to.
func (s *Service) Authenticate(ctx context.Context, sessionID string) (types.Identity, *types.Session, error) {
	session, err := s.sessions.ValidateSession(ctx, sessionID)
	if err != nil {
		return types.Identity{}, nil, err
	}
	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return types.Identity{}, nil, err
	}
	return user.Identity(), session, nil
}

func (s *Service) startSession(ctx context.Context, user *types.User, ip, userAgent string) (*types.Session, error) {
	var session *types.Session
	now := s.clock.Now()
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context, txUserRepo UserRepo, txSessionRepo SessionRepo) error {
		if err := txUserRepo.UpdateLastLogin(txCtx, user.ID, now); err != nil {
			return err
		}
		sess, err := s.sessions.withRepo(txSessionRepo).CreateSession(txCtx, user.ID, ip, userAgent)
		if err != nil {
			return err
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) sendVerification(ctx context.Context, user *types.User, redirectTarget string) error {
	token, err := s.tokens.Issue(user.ID, TokenClaims{
		Purpose: PurposeVerifyEmail,
		Email:   user.Email,
		Next:    redirectTarget,
	}, s.emailTokenTTL)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to issue verification token", err)
	}

	link := s.publicURL + "/api/v1/auth/verify?token=" + url.QueryEscape(token)
	_, err = s.mailer.SendTemplate(ctx, external.TemplateEmail{
		To:         user.Email,
		ToName:     user.DisplayName,
		TemplateID: s.verifyTemplateID,
		Data:       map[string]any{"verify_url": link, "name": user.DisplayName},
	})
	return err
}

// subscribeNewsletter runs detached from the request with its own timeout.
// Failures are logged only.
func (s *Service) subscribeNewsletter(ctx context.Context, user *types.User) {
	if s.newsletter == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(bg, s.newsletterTimeout)
		defer cancel()
		if err := s.newsletter.Subscribe(ctx, user.Email, user.DisplayName); err != nil {
			s.logger.WarnContext(ctx, "newsletter subscription failed", "user_id", user.ID, "error", err)
		}
	}()
}

func (s *Service) cleanDisplayName(name string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(strings.TrimSpace(name)))
	if len(clean) > maxDisplayName {
		clean = clean[:maxDisplayName]
	}
	return clean
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return types.NewAppError(types.ErrCodeValidationInvalidPassword,
			"password must be between 8 and 72 characters", nil)
	}
	return nil
}

func invalidCredentials() error {
	return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", nil)
}
