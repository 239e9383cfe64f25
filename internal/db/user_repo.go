package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coursegate/internal/types"
)

// UserRepository provides data access for the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a UserRepository backed by a pool or transaction.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns is the column order expected by scanUser.
const userColumns = `id, email, display_name, password_hash, auth_provider, auth_provider_id,
	email_verified_at, created_at, last_login_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var (
		passwordHash   *string
		authProvider   *string
		authProviderID *string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&passwordHash,
		&authProvider,
		&authProviderID,
		&u.EmailVerifiedAt,
		&u.CreatedAt,
		&u.LastLoginAt,
	)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = derefString(passwordHash)
	u.AuthProvider = derefString(authProvider)
	u.AuthProviderID = derefString(authProviderID)
	return &u, nil
}

func (r *UserRepository) getOne(ctx context.Context, what string, query string, args ...any) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user by "+what, err)
	}
	return u, nil
}

// Create inserts a new user. A duplicate email maps to ErrCodeConflictEmail.
func (r *UserRepository) Create(ctx context.Context, u *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, display_name, password_hash, auth_provider, auth_provider_id, email_verified_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID,
		u.Email,
		u.DisplayName,
		nilIfEmpty(u.PasswordHash),
		nilIfEmpty(u.AuthProvider),
		nilIfEmpty(u.AuthProviderID),
		u.EmailVerifiedAt,
		u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictEmail, "an account with this email already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// GetByID retrieves a user by primary key.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	return r.getOne(ctx, "id", `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by canonical email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	return r.getOne(ctx, "email", `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByProvider retrieves a user linked to an OAuth account.
func (r *UserRepository) GetByProvider(ctx context.Context, provider, providerID string) (*types.User, error) {
	return r.getOne(ctx, "provider",
		`SELECT `+userColumns+` FROM users WHERE auth_provider = $1 AND auth_provider_id = $2`,
		provider, providerID)
}

// LinkProvider attaches an OAuth account to an existing user. Linking proves
// ownership of the email, so the address is marked verified as well.
func (r *UserRepository) LinkProvider(ctx context.Context, userID, provider, providerID string, at time.Time) error {
	return r.execOne(ctx, "link provider",
		`UPDATE users
		 SET auth_provider = $2, auth_provider_id = $3, email_verified_at = COALESCE(email_verified_at, $4)
		 WHERE id = $1`,
		userID, provider, providerID, at)
}

// UpdatePassword replaces the stored bcrypt hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, hash string) error {
	return r.execOne(ctx, "update password", `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, hash)
}

// MarkEmailVerified stamps email_verified_at once; later calls keep the first timestamp.
func (r *UserRepository) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	return r.execOne(ctx, "verify email",
		`UPDATE users SET email_verified_at = COALESCE(email_verified_at, $2) WHERE id = $1`, userID, at)
}

// UpdateLastLogin records a successful sign-in.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	return r.execOne(ctx, "update last login", `UPDATE users SET last_login_at = $2 WHERE id = $1`, userID, at)
}

func (r *UserRepository) execOne(ctx context.Context, what string, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to "+what, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
