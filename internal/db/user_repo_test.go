package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"coursegate/internal/types"
)

func userRow(id, email string, hash *string) *mockRow {
	return &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = id
			*dest[1].(*string) = email
			*dest[2].(*string) = "Ada"
			*dest[3].(**string) = hash
			*dest[7].(*time.Time) = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			return nil
		},
	}
}

func TestUserRepository_Create_DuplicateEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &types.User{ID: "u_1", Email: "a@x.com"})
	assert.True(t, types.IsCode(err, types.ErrCodeConflictEmail))
}

func TestUserRepository_Create_OAuthUserHasNullPassword(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		hash, ok := args[3].(*string)
		return ok && hash == nil
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), &types.User{ID: "u_1", Email: "a@x.com", AuthProvider: "google"})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestUserRepository_GetByEmail_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	hash := "$2a$12$hash"
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"a@x.com"}).
		Return(userRow("u_1", "a@x.com", &hash))

	u, err := repo.GetByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u_1", u.ID)
	assert.Equal(t, hash, u.PasswordHash)
	assert.False(t, u.EmailVerified())
}

func TestUserRepository_GetByEmail_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByEmail(context.Background(), "nobody@x.com")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundUser))
}

func TestUserRepository_GetByID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("broken pipe")})

	_, err := repo.GetByID(context.Background(), "u_1")
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestUserRepository_UpdatePassword_NoRows(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdatePassword(context.Background(), "u_missing", "hash")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundUser))
}

func TestUserRepository_MarkEmailVerified(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	at := time.Now().UTC()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"u_1", at}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkEmailVerified(context.Background(), "u_1", at))
	db.AssertExpectations(t)
}
