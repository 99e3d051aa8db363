package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"

	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
	"github.com/bazaar/api/internal/store"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CommissionStore is the record-store surface the workers need. Every call
// runs inside the transaction that holds the commission's row lock.
type CommissionStore interface {
	LockCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error)
	SetStatus(ctx context.Context, tx pgx.Tx, c *model.Commission, status model.CommissionStatus) error
	ConfirmPayment(ctx context.Context, tx pgx.Tx, id int64, lateDays int) (*model.Commission, bool, error)
	MarkCancelled(ctx context.Context, tx pgx.Tx, id int64, refundID *string) (*model.Commission, error)
	HasDeposit(ctx context.Context, tx pgx.Tx, commissionID int64) (bool, error)
	HasPayout(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) (bool, error)
	CountPayouts(ctx context.Context, tx pgx.Tx, commissionID int64) (int, error)
	InsertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) (int64, error)
	GetUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) (*model.Update, error)
	CompleteUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) error
	RecordUpdateDelay(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int, delays int) (int, error)
}

// Payments is the payment processor surface the workers need
type Payments interface {
	CreateRefund(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (string, error)
	CreateTransfer(ctx context.Context, destination string, amount int64, sourceCharge string, idempotencyKey string) (string, error)
}

// Notifier publishes commission changes to connected clients
type Notifier interface {
	BroadcastStatus(commissionID int64, status model.CommissionStatus, detail string)
	BroadcastUpdate(update *model.Update)
	BroadcastError(commissionID int64, code, message string)
}

var (
	// ErrNotDelivered asks the broker to re-check a milestone after the recheck delay.
	ErrNotDelivered = errors.New("milestone not delivered yet")
	// ErrAwaitingPayment asks the broker to re-check a milestone once the buyer has paid.
	ErrAwaitingPayment = errors.New("commission not paid yet")
	// ErrNotCancellable is returned for commissions that already completed.
	ErrNotCancellable = errors.New("commission cannot be cancelled")
)

// fatal marks err as permanent for this job so asynq does not retry it
func fatal(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// permanentIfMissing turns lookups of rows that do not exist into fatal errors;
// anything else stays retryable
func permanentIfMissing(err error) error {
	if errors.Is(err, store.ErrCommissionNotFound) || errors.Is(err, store.ErrUpdateNotFound) {
		return fatal(err)
	}
	return err
}

// CancelJobID is the id of a commission's single cancellation job
func CancelJobID(commissionID int64) queue.JobID {
	return queue.NewJobID(model.TaskCancel, commissionID, 0)
}

// idempotencyKey derives a stable processor idempotency key from a job id
func idempotencyKey(id queue.JobID) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("bazaar:"+id.String())).String()
}

// withTx runs fn in a transaction, committing only if fn succeeds
func withTx(ctx context.Context, pool TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// waiting reports whether err means the job waits on a person, not a fault
func waiting(err error) bool {
	return errors.Is(err, ErrNotDelivered) ||
		errors.Is(err, ErrAwaitingPayment) ||
		errors.Is(err, ErrNoPayoutAccount)
}

// RetryDelay re-checks jobs that wait on the artist or the buyer after
// recheck and falls back to asynq's exponential backoff for every other failure.
func RetryDelay(recheck time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if waiting(err) {
			return recheck
		}
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}

// IsFailure keeps scheduled re-checks out of the failure metrics
func IsFailure(err error) bool {
	return !waiting(err)
}
