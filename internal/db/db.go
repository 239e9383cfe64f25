// Package db provides PostgreSQL-backed repositories for users, browser
// sessions, security events and payment records. Repositories accept a DBTX
// so the same code runs against *pgxpool.Pool or inside a pgx.Tx.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursegate/internal/config"
	"coursegate/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool opens a pgx connection pool tuned from cfg and verifies it with a ping.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// TxManager runs functions inside a database transaction.
type TxManager struct {
	db TxBeginner
}

// NewTxManager creates a TxManager over a pool.
func NewTxManager(db TxBeginner) *TxManager {
	return &TxManager{db: db}
}

// RunInTx executes fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (m *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// RunLocked is RunInTx with a transaction-scoped advisory lock on key taken
// first. Concurrent callers with the same key serialize; the lock is released
// at commit or rollback.
func (m *TxManager) RunLocked(ctx context.Context, key string, fn func(ctx context.Context, tx DBTX) error) error {
	return m.RunInTx(ctx, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to acquire advisory lock", err)
		}
		return fn(ctx, tx)
	})
}

// nilIfEmpty maps "" to SQL NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nilIfZeroTime lets the column default (NOW()) apply when t is unset.
func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isUniqueViolation reports a PostgreSQL unique constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
