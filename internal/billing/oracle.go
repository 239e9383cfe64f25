package billing

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"coursegate/internal/types"
)

const statusQueryTimeout = 5 * time.Second

// Oracle answers whether an identity holds a completed payment.
type Oracle struct {
	store   PaymentStore
	metrics Metrics
	logger  *slog.Logger
	group   singleflight.Group
}

// NewOracle creates an Oracle reading from store.
func NewOracle(store PaymentStore, metrics Metrics, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		store:   store,
		metrics: metricsOrNop(metrics),
		logger:  logger,
	}
}

// CheckPaymentStatus reports whether identity has a completed record. No
// record is (false, nil). A store failure is (false, err); it never reads
// as paid. Concurrent calls for one identity share a single query, which
// runs detached from any one caller's cancellation; a cancelled caller
// stops waiting without failing the others.
func (o *Oracle) CheckPaymentStatus(ctx context.Context, identity types.Identity) (bool, error) {
	if identity.ID == "" {
		return false, nil
	}

	ch := o.group.DoChan(identity.ID, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusQueryTimeout)
		defer cancel()

		rec, err := o.store.FindCompletedByUser(qctx, identity.ID)
		if err != nil {
			return false, err
		}
		return rec != nil, nil
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		o.metrics.PaymentStatusChecked("error")
		o.logger.WarnContext(ctx, "payment status check failed",
			"identity_id", identity.ID,
			"error", err,
		)
		return false, err
	}

	paid := v.(bool)
	if paid {
		o.metrics.PaymentStatusChecked("paid")
	} else {
		o.metrics.PaymentStatusChecked("unpaid")
	}
	return paid, nil
}
