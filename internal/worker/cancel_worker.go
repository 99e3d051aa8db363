package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/client"
	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/money"
	"github.com/bazaar/api/internal/queue"
)

// CancelResult describes what a cancellation run did
type CancelResult struct {
	AlreadyCancelled bool
	Refunded         int64
	Earned           int64
	RefundID         *string
	Swept            int
}

// CancelWorker unwinds a commission: it sweeps every job the commission may
// still have scheduled, refunds the buyer's unearned share and marks the
// commission cancelled.
type CancelWorker struct {
	pool     TxBeginner
	store    CommissionStore
	queue    queue.JobQueue
	payments Payments
	notifier Notifier
	cfg      config.CommissionConfig
	log      *zap.Logger
}

// NewCancelWorker creates a new cancellation coordinator
func NewCancelWorker(pool TxBeginner, store CommissionStore, q queue.JobQueue, payments Payments, notifier Notifier, cfg config.CommissionConfig, logger *zap.Logger) *CancelWorker {
	return &CancelWorker{
		pool:     pool,
		store:    store,
		queue:    q,
		payments: payments,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.Named("cancel"),
	}
}

// CancellationIDs lists every job id a commission can own: payment checks
// 0..maxPaymentLate-1, update checks and payouts 0..numUpdates.
func CancellationIDs(commissionID int64, maxPaymentLate, numUpdates int) []queue.JobID {
	ids := queue.Family(model.TaskCheckPayment, commissionID, maxPaymentLate)
	ids = append(ids, queue.Family(model.TaskCheckUpdate, commissionID, numUpdates+1)...)
	ids = append(ids, queue.Family(model.TaskPayout, commissionID, numUpdates+1)...)
	return ids
}

// ProcessTask handles cancellation task processing
func (w *CancelWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req model.CancelRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fatal(fmt.Errorf("failed to unmarshal cancel payload: %w", err))
	}

	jobID, _ := asynq.GetTaskID(ctx)
	log := w.log.With(zap.String("jobId", jobID), zap.Int64("commissionId", req.CommissionID), zap.Int("updateNum", req.UpdateNum))
	log.Debug("processing cancellation")

	result, err := w.Cancel(ctx, req)
	if err != nil {
		log.Error("cancellation failed", zap.Error(err))
		if errors.Is(err, asynq.SkipRetry) {
			code := "cancel_failed"
			if errors.Is(err, client.ErrPaymentRejected) {
				code = "refund_rejected"
			}
			w.notifier.BroadcastError(req.CommissionID, code, "cancellation needs manual attention")
		}
		return err
	}

	if result.AlreadyCancelled {
		log.Info("commission already cancelled", zap.Int("swept", result.Swept))
		return nil
	}
	log.Info("commission cancelled",
		zap.Int64("refunded", result.Refunded),
		zap.Int64("earned", result.Earned),
		zap.Int("swept", result.Swept),
	)
	return nil
}

// Cancel runs the whole cancellation under the commission's row lock. The job
// sweep repeats on every run so a crash after commit is repaired by redelivery;
// the refund is only issued while the commission is not yet cancelled, and the
// processor idempotency key covers a crash between refund and commit.
func (w *CancelWorker) Cancel(ctx context.Context, req model.CancelRequest) (*CancelResult, error) {
	result := &CancelResult{}
	var status model.CommissionStatus

	err := withTx(ctx, w.pool, func(tx pgx.Tx) error {
		c, err := w.store.LockCommission(ctx, tx, req.CommissionID)
		if err != nil {
			return permanentIfMissing(err)
		}
		update, err := w.store.GetUpdate(ctx, tx, req.CommissionID, req.UpdateNum)
		if err != nil {
			return permanentIfMissing(err)
		}

		ids := CancellationIDs(c.ID, w.cfg.MaxPaymentLate, c.NumUpdates)
		if err := queue.RemoveAll(ctx, w.queue, ids); err != nil {
			return fmt.Errorf("failed to cancel jobs: %w", err)
		}
		result.Swept = len(ids)

		switch c.Status {
		case model.CommissionStatusCancelled:
			result.AlreadyCancelled = true
			return nil
		case model.CommissionStatusCompleted:
			return fatal(fmt.Errorf("%w: commission %d is completed", ErrNotCancellable, c.ID))
		}

		weights, err := w.cfg.Ratios(c.NumUpdates)
		if err != nil {
			return fatal(err)
		}
		refund, earned, err := money.Refund(c.Price, w.cfg.ApplicationFee, weights, update.UpdateNum)
		if err != nil {
			return fatal(fmt.Errorf("failed to compute refund: %w", err))
		}
		result.Earned = earned

		var refundID *string
		if c.HasCharge() && refund > 0 {
			id, err := w.payments.CreateRefund(ctx, *c.StripeChargeID, refund, idempotencyKey(CancelJobID(c.ID)))
			if err != nil {
				if errors.Is(err, client.ErrPaymentRejected) {
					return fatal(err)
				}
				return err
			}
			refundID = &id
			result.Refunded = refund
		}
		result.RefundID = refundID

		cancelled, err := w.store.MarkCancelled(ctx, tx, c.ID, refundID)
		if err != nil {
			return err
		}
		status = cancelled.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyCancelled {
		w.notifier.BroadcastStatus(req.CommissionID, status, fmt.Sprintf("cancelled from update %d", req.UpdateNum))
	}
	return result, nil
}
