package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegate/internal/types"
)

// fakeTx implements the parts of pgx.Tx that TxManager touches. The embedded
// interface is nil; calling anything else panics.
type fakeTx struct {
	pgx.Tx
	execs      []string
	committed  bool
	rolledBack bool
	commitErr  error
	execErr    error
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("SELECT 1"), f.execErr
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestTxManager_RunInTx_Commits(t *testing.T) {
	tx := &fakeTx{}
	m := NewTxManager(&fakeBeginner{tx: tx})

	err := m.RunInTx(context.Background(), func(ctx context.Context, q DBTX) error {
		_, err := q.Exec(ctx, "UPDATE x")
		return err
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestTxManager_RunInTx_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	m := NewTxManager(&fakeBeginner{tx: tx})

	boom := errors.New("boom")
	err := m.RunInTx(context.Background(), func(context.Context, DBTX) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestTxManager_RunInTx_BeginFails(t *testing.T) {
	m := NewTxManager(&fakeBeginner{err: errors.New("pool closed")})

	err := m.RunInTx(context.Background(), func(context.Context, DBTX) error { return nil })
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestTxManager_RunLocked_TakesAdvisoryLockFirst(t *testing.T) {
	tx := &fakeTx{}
	m := NewTxManager(&fakeBeginner{tx: tx})

	err := m.RunLocked(context.Background(), "u_1", func(ctx context.Context, q DBTX) error {
		_, err := q.Exec(ctx, "INSERT y")
		return err
	})
	require.NoError(t, err)
	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0], "pg_advisory_xact_lock")
	assert.Equal(t, "INSERT y", tx.execs[1])
}

func TestTxManager_RunLocked_LockFailureSkipsFn(t *testing.T) {
	tx := &fakeTx{execErr: errors.New("lock timeout")}
	m := NewTxManager(&fakeBeginner{tx: tx})

	called := false
	err := m.RunLocked(context.Background(), "u_1", func(context.Context, DBTX) error {
		called = true
		return nil
	})
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.False(t, called)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("other")))
}
