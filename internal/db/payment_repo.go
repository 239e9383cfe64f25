package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"coursegate/internal/types"
)

// PaymentRepository provides data access for the payment_records table.
//
// The Find* methods return (nil, nil) when no row matches, since absence is
// an expected answer for both the oracle and reconciliation.
type PaymentRepository struct {
	db DBTX
}

// NewPaymentRepository creates a PaymentRepository backed by a pool or transaction.
func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, user_id, session_ref, status, amount_cents, currency, discount_code, created_at, updated_at`

func scanPayment(row pgx.Row) (*types.PaymentRecord, error) {
	var (
		p            types.PaymentRecord
		userID       *string
		discountCode *string
	)
	if err := row.Scan(
		&p.ID,
		&userID,
		&p.SessionRef,
		&p.Status,
		&p.AmountCents,
		&p.Currency,
		&discountCode,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.UserID = derefString(userID)
	p.DiscountCode = derefString(discountCode)
	return &p, nil
}

func (r *PaymentRepository) findOne(ctx context.Context, what string, query string, args ...any) (*types.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query payment record by "+what, err)
	}
	return p, nil
}

// FindCompletedByUser returns the earliest completed record for the user, or nil.
func (r *PaymentRepository) FindCompletedByUser(ctx context.Context, userID string) (*types.PaymentRecord, error) {
	return r.findOne(ctx, "user",
		`SELECT `+paymentColumns+`
		 FROM payment_records
		 WHERE user_id = $1 AND status = 'completed'
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		userID)
}

// FindBySessionRef returns the record carrying the processor session reference, or nil.
func (r *PaymentRepository) FindBySessionRef(ctx context.Context, ref string) (*types.PaymentRecord, error) {
	return r.findOne(ctx, "session ref",
		`SELECT `+paymentColumns+` FROM payment_records WHERE session_ref = $1`, ref)
}

// ListByUser returns all records of a user, oldest first.
func (r *PaymentRepository) ListByUser(ctx context.Context, userID string) ([]types.PaymentRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payment_records WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list payment records", err)
	}
	defer rows.Close()

	var out []types.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment record", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate payment records", err)
	}
	return out, nil
}

// Insert creates a record. A unique violation (duplicate session_ref, or a
// second completed record for one user) maps to ErrCodeConflictConcurrent.
func (r *PaymentRepository) Insert(ctx context.Context, p *types.PaymentRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO payment_records (id, user_id, session_ref, status, amount_cents, currency, discount_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		p.ID,
		nilIfEmpty(p.UserID),
		p.SessionRef,
		p.Status,
		p.AmountCents,
		p.Currency,
		nilIfEmpty(p.DiscountCode),
		p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "payment record already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert payment record", err)
	}
	return nil
}

// UpdateByID applies the non-nil fields of upd. A UserID is only attached when
// the record has none, so ownership is never reassigned.
func (r *PaymentRepository) UpdateByID(ctx context.Context, id string, upd types.PaymentRecordUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if upd.Status != nil {
		add("status = $%d", *upd.Status)
	}
	if upd.UserID != nil {
		add("user_id = COALESCE(user_id, $%d)", *upd.UserID)
	}
	if upd.AmountCents != nil {
		add("amount_cents = $%d", *upd.AmountCents)
	}
	if upd.DiscountCode != nil {
		add("discount_code = $%d", nilIfEmpty(*upd.DiscountCode))
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE payment_records SET `+strings.Join(sets, ", ")+` WHERE id = $1`,
		args...)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "payment record update conflicts with an existing completed record", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update payment record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPaymentRecord, "payment record not found", nil)
	}
	return nil
}
