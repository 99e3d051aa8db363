package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
)

// UpdateOutcome is the transition a milestone check took
type UpdateOutcome int

const (
	UpdateSkipped UpdateOutcome = iota
	UpdateCompleted
	UpdateLate
	UpdateAwaitingPayment
	UpdateCancelRequested
	UpdateNotDue
)

func (o UpdateOutcome) String() string {
	switch o {
	case UpdateCompleted:
		return "completed"
	case UpdateLate:
		return "late"
	case UpdateAwaitingPayment:
		return "awaiting_payment"
	case UpdateCancelRequested:
		return "cancel_requested"
	case UpdateNotDue:
		return "not_due"
	default:
		return "skipped"
	}
}

// UpdateWorker verifies that a milestone was delivered by its due date
type UpdateWorker struct {
	pool     TxBeginner
	store    CommissionStore
	queue    queue.JobQueue
	notifier Notifier
	cfg      config.CommissionConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewUpdateWorker creates a new milestone watchdog
func NewUpdateWorker(pool TxBeginner, store CommissionStore, q queue.JobQueue, notifier Notifier, cfg config.CommissionConfig, logger *zap.Logger) *UpdateWorker {
	return &UpdateWorker{
		pool:     pool,
		store:    store,
		queue:    q,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.Named("update"),
		now:      time.Now,
	}
}

// ProcessTask handles milestone check processing. Late and unpaid milestones
// return a sentinel error so the broker redelivers the same job id after
// RetryDelay's recheck interval.
func (w *UpdateWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var check model.UpdateCheck
	if err := json.Unmarshal(t.Payload(), &check); err != nil {
		return fatal(fmt.Errorf("failed to unmarshal update check payload: %w", err))
	}

	jobID, _ := asynq.GetTaskID(ctx)
	log := w.log.With(zap.String("jobId", jobID), zap.Int64("commissionId", check.CommissionID), zap.Int("updateNum", check.UpdateNum))

	outcome, err := w.Check(ctx, check)
	if err != nil {
		log.Error("update check failed", zap.Error(err))
		return err
	}

	log.Info("update check done", zap.Stringer("outcome", outcome))
	switch outcome {
	case UpdateLate, UpdateNotDue:
		return ErrNotDelivered
	case UpdateAwaitingPayment:
		return ErrAwaitingPayment
	}
	return nil
}

// Check inspects milestone check.UpdateNum. A delivered milestone is completed
// and its payout scheduled after PayoutHold. An undelivered one past its due
// time records its lateness and, once that reaches MaxUpdateLate, requests
// cancellation from this milestone.
func (w *UpdateWorker) Check(ctx context.Context, check model.UpdateCheck) (UpdateOutcome, error) {
	var (
		outcome UpdateOutcome
		update  *model.Update
	)

	err := withTx(ctx, w.pool, func(tx pgx.Tx) error {
		c, err := w.store.LockCommission(ctx, tx, check.CommissionID)
		if err != nil {
			return permanentIfMissing(err)
		}
		if c.Status.Terminal() {
			outcome = UpdateSkipped
			return nil
		}
		if c.Status != model.CommissionStatusInProgress {
			outcome = UpdateAwaitingPayment
			return nil
		}

		update, err = w.store.GetUpdate(ctx, tx, c.ID, check.UpdateNum)
		if err != nil {
			return permanentIfMissing(err)
		}
		if update.Completed {
			outcome = UpdateSkipped
			return nil
		}

		if update.Delivered() {
			if err := w.store.CompleteUpdate(ctx, tx, c.ID, update.UpdateNum); err != nil {
				return err
			}
			update.Completed = true

			payoutID := queue.NewJobID(model.TaskPayout, c.ID, update.UpdateNum)
			payout := model.Payout{CommissionID: c.ID, UpdateNum: update.UpdateNum}
			opts := queue.AddOptions{JobID: &payoutID, Delay: w.cfg.PayoutHold, MaxRetry: w.cfg.RecheckRetries}
			if err := w.queue.Add(ctx, model.TaskPayout, payout, opts); err != nil {
				return err
			}
			outcome = UpdateCompleted
			return nil
		}

		overdue := w.now().Sub(update.DueAt)
		if overdue < 0 {
			outcome = UpdateNotDue
			return nil
		}

		delays, err := w.store.RecordUpdateDelay(ctx, tx, c.ID, update.UpdateNum, lateness(overdue, w.cfg.UpdateRecheck))
		if err != nil {
			return err
		}
		update.Delays = delays

		if delays >= w.cfg.MaxUpdateLate {
			cancelID := CancelJobID(c.ID)
			req := model.CancelRequest{CommissionID: c.ID, UpdateNum: update.UpdateNum}
			if err := w.queue.Add(ctx, model.TaskCancel, req, queue.AddOptions{JobID: &cancelID}); err != nil {
				return err
			}
			outcome = UpdateCancelRequested
			return nil
		}

		outcome = UpdateLate
		return nil
	})
	if err != nil {
		return UpdateSkipped, err
	}

	if outcome == UpdateCompleted || outcome == UpdateLate {
		w.notifier.BroadcastUpdate(update)
	}
	return outcome, nil
}

// lateness counts the recheck periods a milestone has been overdue, the due
// time itself included. Redeliveries after transient errors land in the same
// period and so do not add to it.
func lateness(overdue, recheck time.Duration) int {
	if recheck <= 0 {
		return 1
	}
	return int(overdue/recheck) + 1
}
