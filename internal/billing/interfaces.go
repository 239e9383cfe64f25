// Package billing decides and records course entitlement: the payment
// status oracle, checkout initiation and payment reconciliation.
package billing

import (
	"context"

	"coursegate/internal/types"
)

// PaymentStore is the persisted-record boundary. Find methods return
// (nil, nil) when nothing matches.
type PaymentStore interface {
	FindCompletedByUser(ctx context.Context, userID string) (*types.PaymentRecord, error)
	FindBySessionRef(ctx context.Context, ref string) (*types.PaymentRecord, error)
	Insert(ctx context.Context, p *types.PaymentRecord) error
	UpdateByID(ctx context.Context, id string, upd types.PaymentRecordUpdate) error
}

// PaymentTxManager runs fn in a transaction serialized on key. The store
// handed to fn is bound to that transaction.
type PaymentTxManager interface {
	RunLocked(ctx context.Context, key string, fn func(ctx context.Context, store PaymentStore) error) error
}

// EntitlementSink receives the entitlement flag after a successful
// reconciliation. It returns how many live sessions were updated.
type EntitlementSink interface {
	SetEntitlement(identityID string, paid bool) int
}

// Metrics is the subset of the collector billing reports to.
type Metrics interface {
	CheckoutStarted(result string)
	Reconciled(branch string)
	PaymentStatusChecked(result string)
}

type nopMetrics struct{}

func (nopMetrics) CheckoutStarted(string)      {}
func (nopMetrics) Reconciled(string)           {}
func (nopMetrics) PaymentStatusChecked(string) {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
