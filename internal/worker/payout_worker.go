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

// ErrNoPayoutAccount is retried until the artist connects a payout account
var ErrNoPayoutAccount = errors.New("artist has no payout account")

// PayoutWorker releases a completed milestone's share of the price to the artist
type PayoutWorker struct {
	pool     TxBeginner
	store    CommissionStore
	payments Payments
	notifier Notifier
	cfg      config.CommissionConfig
	log      *zap.Logger
}

// NewPayoutWorker creates a new payout scheduler
func NewPayoutWorker(pool TxBeginner, store CommissionStore, payments Payments, notifier Notifier, cfg config.CommissionConfig, logger *zap.Logger) *PayoutWorker {
	return &PayoutWorker{
		pool:     pool,
		store:    store,
		payments: payments,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.Named("payout"),
	}
}

// ProcessTask handles payout task processing
func (w *PayoutWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payout model.Payout
	if err := json.Unmarshal(t.Payload(), &payout); err != nil {
		return fatal(fmt.Errorf("failed to unmarshal payout payload: %w", err))
	}

	jobID, _ := asynq.GetTaskID(ctx)
	log := w.log.With(zap.String("jobId", jobID), zap.Int64("commissionId", payout.CommissionID), zap.Int("updateNum", payout.UpdateNum))

	amount, err := w.Pay(ctx, payout)
	if err != nil {
		log.Error("payout failed", zap.Error(err))
		if errors.Is(err, asynq.SkipRetry) {
			w.notifier.BroadcastError(payout.CommissionID, "payout_failed", fmt.Sprintf("payout of update %d needs manual attention", payout.UpdateNum))
		}
		return err
	}

	log.Info("payout done", zap.Int64("amount", amount))
	return nil
}

// Pay transfers milestone payout.UpdateNum's share and records it. It returns
// the amount moved, zero when the payout was skipped. The commission is
// completed once every milestone has a payout recorded.
func (w *PayoutWorker) Pay(ctx context.Context, payout model.Payout) (int64, error) {
	var (
		amount int64
		status model.CommissionStatus
	)

	err := withTx(ctx, w.pool, func(tx pgx.Tx) error {
		c, err := w.store.LockCommission(ctx, tx, payout.CommissionID)
		if err != nil {
			return permanentIfMissing(err)
		}
		if c.Status != model.CommissionStatusInProgress {
			return nil
		}
		if payout.UpdateNum < 0 || payout.UpdateNum > c.NumUpdates {
			return fatal(fmt.Errorf("update %d out of range for commission %d", payout.UpdateNum, c.ID))
		}

		done, err := w.store.HasPayout(ctx, tx, c.ID, payout.UpdateNum)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		weights, err := w.cfg.Ratios(c.NumUpdates)
		if err != nil {
			return fatal(err)
		}
		net, err := money.NetOfFee(c.Price, w.cfg.ApplicationFee)
		if err != nil {
			return fatal(err)
		}
		shares, err := money.Allocate(net, weights)
		if err != nil {
			return fatal(err)
		}
		share := shares[payout.UpdateNum]

		var ref string
		if share > 0 {
			if !c.HasCharge() {
				return fatal(fmt.Errorf("commission %d has no charge to pay out from", c.ID))
			}
			if c.ArtistStripeAccountID == nil || *c.ArtistStripeAccountID == "" {
				return ErrNoPayoutAccount
			}
			jobID := queue.NewJobID(model.TaskPayout, c.ID, payout.UpdateNum)
			ref, err = w.payments.CreateTransfer(ctx, *c.ArtistStripeAccountID, share, *c.StripeChargeID, idempotencyKey(jobID))
			if err != nil {
				if errors.Is(err, client.ErrPaymentRejected) {
					return fatal(err)
				}
				return err
			}
		}

		updateNum := payout.UpdateNum
		if _, err := w.store.InsertTransaction(ctx, tx, model.Transaction{
			CommissionID: c.ID,
			UpdateNum:    &updateNum,
			Kind:         model.TransactionKindPayout,
			Amount:       share,
			StripeRef:    ref,
		}); err != nil {
			return err
		}

		// Payouts run in any order; the commission completes with the last one.
		paid, err := w.store.CountPayouts(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if paid == c.NumUpdates+1 {
			if err := w.store.SetStatus(ctx, tx, c, model.CommissionStatusCompleted); err != nil {
				return err
			}
			status = c.Status
		}

		amount = share
		return nil
	})
	if err != nil {
		return 0, err
	}

	if status == model.CommissionStatusCompleted {
		w.notifier.BroadcastStatus(payout.CommissionID, status, "all milestones paid out")
	}
	return amount, nil
}
