package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
)

// PaymentOutcome is the transition a payment check took
type PaymentOutcome int

const (
	PaymentSkipped PaymentOutcome = iota
	PaymentPaid
	PaymentRescheduled
	PaymentCancelRequested
)

func (o PaymentOutcome) String() string {
	switch o {
	case PaymentPaid:
		return "paid"
	case PaymentRescheduled:
		return "rescheduled"
	case PaymentCancelRequested:
		return "cancel_requested"
	default:
		return "skipped"
	}
}

// PaymentWorker checks once a day whether the buyer paid the deposit
type PaymentWorker struct {
	pool     TxBeginner
	store    CommissionStore
	queue    queue.JobQueue
	notifier Notifier
	cfg      config.CommissionConfig
	log      *zap.Logger
}

// NewPaymentWorker creates a new payment watchdog
func NewPaymentWorker(pool TxBeginner, store CommissionStore, q queue.JobQueue, notifier Notifier, cfg config.CommissionConfig, logger *zap.Logger) *PaymentWorker {
	return &PaymentWorker{
		pool:     pool,
		store:    store,
		queue:    q,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.Named("payment"),
	}
}

// ProcessTask handles payment check processing
func (w *PaymentWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var check model.PaymentCheck
	if err := json.Unmarshal(t.Payload(), &check); err != nil {
		return fatal(fmt.Errorf("failed to unmarshal payment check payload: %w", err))
	}

	jobID, _ := asynq.GetTaskID(ctx)
	log := w.log.With(zap.String("jobId", jobID), zap.Int64("commissionId", check.CommissionID), zap.Int("late", check.Late))
	log.Debug("processing payment check")

	outcome, err := w.Check(ctx, check)
	if err != nil {
		log.Error("payment check failed", zap.Error(err))
		return err
	}

	log.Info("payment check done", zap.Stringer("outcome", outcome))
	return nil
}

// Check runs one payment check. A paid deposit extends the deadline by the days
// the buyer was late; an unpaid one is re-checked after PaymentRecheck until
// MaxPaymentLate checks have failed, at which point cancellation is requested.
func (w *PaymentWorker) Check(ctx context.Context, check model.PaymentCheck) (PaymentOutcome, error) {
	var (
		outcome  PaymentOutcome
		status   model.CommissionStatus
		deadline string
	)

	err := withTx(ctx, w.pool, func(tx pgx.Tx) error {
		c, err := w.store.LockCommission(ctx, tx, check.CommissionID)
		if err != nil {
			return permanentIfMissing(err)
		}
		if c.Status.Terminal() {
			outcome = PaymentSkipped
			return nil
		}

		paid, err := w.store.HasDeposit(ctx, tx, c.ID)
		if err != nil {
			return err
		}

		if paid {
			confirmed, applied, err := w.store.ConfirmPayment(ctx, tx, c.ID, check.Late)
			if err != nil {
				return err
			}
			if !applied {
				outcome = PaymentSkipped
				return nil
			}
			outcome = PaymentPaid
			status = confirmed.Status
			deadline = confirmed.Deadline.Format("2006-01-02")
			return nil
		}

		next := check.Next()
		if next.Late >= w.cfg.MaxPaymentLate {
			cancelID := CancelJobID(c.ID)
			req := model.CancelRequest{CommissionID: c.ID, UpdateNum: 0}
			if err := w.queue.Add(ctx, model.TaskCancel, req, queue.AddOptions{JobID: &cancelID}); err != nil {
				return err
			}
			outcome = PaymentCancelRequested
			return nil
		}

		nextID := queue.NewJobID(model.TaskCheckPayment, c.ID, next.Late)
		if err := w.queue.Add(ctx, model.TaskCheckPayment, next, queue.AddOptions{JobID: &nextID, Delay: w.cfg.PaymentRecheck}); err != nil {
			return err
		}
		outcome = PaymentRescheduled
		return nil
	})
	if err != nil {
		return PaymentSkipped, err
	}

	if outcome == PaymentPaid && check.Late > 0 {
		w.notifier.BroadcastStatus(check.CommissionID, status,
			fmt.Sprintf("deadline extended by %d days to %s", check.Late, deadline))
	}
	return outcome, nil
}
