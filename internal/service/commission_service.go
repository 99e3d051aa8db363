package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
	"github.com/bazaar/api/internal/store"
	"github.com/bazaar/api/internal/worker"
)

var (
	ErrNotFound        = errors.New("commission not found")
	ErrForbidden       = errors.New("not a party to this commission")
	ErrInvalidState    = errors.New("commission is not in a state that allows this")
	ErrAlreadyPaid     = errors.New("commission already paid")
	ErrAmountMismatch  = errors.New("deposit amount does not match price")
	ErrNothingToSubmit = errors.New("update needs pictures or a waiver")
	ErrTooManyPictures = errors.New("too many pictures attached")
)

// Store is the record-store surface the lifecycle hooks need
type Store interface {
	GetCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error)
	LockCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error)
	SetStatus(ctx context.Context, tx pgx.Tx, c *model.Commission, status model.CommissionStatus) error
	SetCharge(ctx context.Context, tx pgx.Tx, id int64, chargeID string) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) (int64, error)
	CreateUpdates(ctx context.Context, tx pgx.Tx, commissionID int64, dueAt []time.Time) error
	RescheduleUpdates(ctx context.Context, tx pgx.Tx, commissionID int64, dueAt []time.Time) error
	ListUpdates(ctx context.Context, tx pgx.Tx, commissionID int64) ([]model.Update, error)
	SubmitUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int, pictures []string, waived bool) (*model.Update, error)
}

// CommissionService runs the lifecycle hooks that start and feed the
// commission jobs: finalizing a negotiation, recording the deposit,
// submitting milestones and asking for cancellation.
type CommissionService struct {
	pool     worker.TxBeginner
	store    Store
	queue    queue.JobQueue
	notifier worker.Notifier
	cfg      config.CommissionConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewCommissionService(pool worker.TxBeginner, store Store, q queue.JobQueue, notifier worker.Notifier, cfg config.CommissionConfig, logger *zap.Logger) *CommissionService {
	return &CommissionService{
		pool:     pool,
		store:    store,
		queue:    q,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.Named("commission"),
		now:      time.Now,
	}
}

// Get returns a commission and its milestones to one of its parties
func (s *CommissionService) Get(ctx context.Context, actor string, id int64) (*model.CommissionView, error) {
	var view model.CommissionView

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.GetCommission(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if actor != c.ArtistID && actor != c.BuyerID {
			return ErrForbidden
		}

		updates, err := s.store.ListUpdates(ctx, tx, id)
		if err != nil {
			return err
		}
		view = model.CommissionView{Commission: c, Updates: updates}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Finalize accepts an open commission on the artist's behalf, creates its
// milestones and starts the payment watchdog after the payment grace period.
func (s *CommissionService) Finalize(ctx context.Context, actor string, id int64) (*model.FinalizeResponse, error) {
	var resp model.FinalizeResponse

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.LockCommission(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if actor != c.ArtistID {
			return ErrForbidden
		}
		if c.Status != model.CommissionStatusOpen {
			return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
		}

		now := s.now()
		if !c.Deadline.After(now) {
			return fmt.Errorf("%w: deadline %s has passed", ErrInvalidState, c.Deadline.Format("2006-01-02"))
		}

		if err := s.store.SetStatus(ctx, tx, c, model.CommissionStatusAccepted); err != nil {
			return err
		}
		due := milestoneDueTimes(now, c.Deadline, c.NumUpdates)
		if err := s.store.CreateUpdates(ctx, tx, c.ID, due); err != nil {
			return err
		}

		checkID := queue.NewJobID(model.TaskCheckPayment, c.ID, 0)
		check := model.PaymentCheck{CommissionID: c.ID}
		if err := s.queue.Add(ctx, model.TaskCheckPayment, check, queue.AddOptions{JobID: &checkID, Delay: s.cfg.PaymentGrace}); err != nil {
			return fmt.Errorf("failed to schedule payment check: %w", err)
		}

		resp = model.FinalizeResponse{
			CommissionID: c.ID,
			Status:       c.Status,
			Deadline:     c.Deadline,
			Milestones:   due,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.BroadcastStatus(id, resp.Status, "negotiation finalized")
	return &resp, nil
}

// RecordDeposit stores the buyer's captured payment, starts the work and
// schedules one watchdog per milestone. The pending payment check is
// triggered so a late payment's deadline extension lands right away.
func (s *CommissionService) RecordDeposit(ctx context.Context, actor string, id int64, req *model.DepositRequest) (*model.DepositResponse, error) {
	var resp model.DepositResponse

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.LockCommission(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if actor != c.BuyerID {
			return ErrForbidden
		}
		if c.HasCharge() {
			return ErrAlreadyPaid
		}
		if c.Status != model.CommissionStatusAccepted {
			return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
		}
		if req.Amount != c.Price {
			return fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, req.Amount, c.Price)
		}

		_, err = s.store.InsertTransaction(ctx, tx, model.Transaction{
			CommissionID: c.ID,
			Kind:         model.TransactionKindDeposit,
			Amount:       req.Amount,
			StripeRef:    req.ChargeID,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateTransaction) {
				return ErrAlreadyPaid
			}
			return err
		}
		if err := s.store.SetCharge(ctx, tx, c.ID, req.ChargeID); err != nil {
			return err
		}
		if err := s.store.SetStatus(ctx, tx, c, model.CommissionStatusInProgress); err != nil {
			return err
		}

		now := s.now()
		due := milestoneDueTimes(now, c.Deadline, c.NumUpdates)
		if err := s.store.RescheduleUpdates(ctx, tx, c.ID, due); err != nil {
			return err
		}
		for n, at := range due {
			checkID := queue.NewJobID(model.TaskCheckUpdate, c.ID, n)
			check := model.UpdateCheck{CommissionID: c.ID, UpdateNum: n}
			opts := queue.AddOptions{JobID: &checkID, Delay: at.Sub(now), MaxRetry: s.cfg.RecheckRetries}
			if err := s.queue.Add(ctx, model.TaskCheckUpdate, check, opts); err != nil {
				return fmt.Errorf("failed to schedule update check %d: %w", n, err)
			}
		}

		resp = model.DepositResponse{CommissionID: c.ID, Status: c.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, checkID := range queue.Family(model.TaskCheckPayment, id, s.cfg.MaxPaymentLate) {
		if err := s.queue.Trigger(ctx, checkID); err != nil {
			s.log.Warn("failed to trigger payment check", zap.Stringer("jobId", checkID), zap.Error(err))
		}
	}

	s.notifier.BroadcastStatus(id, resp.Status, "deposit received")
	return &resp, nil
}

// SubmitUpdate hands in a milestone's pictures (artist) or waives it (buyer)
// and triggers the milestone's watchdog so it completes without waiting for
// the due date.
func (s *CommissionService) SubmitUpdate(ctx context.Context, actor string, id int64, updateNum int, req *model.SubmitUpdateRequest) (*model.Update, error) {
	if len(req.Pictures) == 0 && !req.Waived {
		return nil, ErrNothingToSubmit
	}
	if len(req.Pictures) > s.cfg.MaxPictures {
		return nil, fmt.Errorf("%w: %d, at most %d", ErrTooManyPictures, len(req.Pictures), s.cfg.MaxPictures)
	}

	var update *model.Update
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.LockCommission(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if len(req.Pictures) > 0 && actor != c.ArtistID {
			return ErrForbidden
		}
		if req.Waived && actor != c.BuyerID {
			return ErrForbidden
		}
		if c.Status != model.CommissionStatusInProgress {
			return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
		}
		if updateNum < 0 || updateNum > c.NumUpdates {
			return fmt.Errorf("%w: update %d", ErrNotFound, updateNum)
		}

		update, err = s.store.SubmitUpdate(ctx, tx, id, updateNum, req.Pictures, req.Waived)
		if err != nil {
			return notFound(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	checkID := queue.NewJobID(model.TaskCheckUpdate, id, updateNum)
	if err := s.queue.Trigger(ctx, checkID); err != nil {
		s.log.Warn("failed to trigger update check", zap.Stringer("jobId", checkID), zap.Error(err))
	}

	s.notifier.BroadcastUpdate(update)
	return update, nil
}

// RequestCancel queues the cancellation of a commission from its first
// milestone that is not completed. An open commission has nothing scheduled
// and no money attached, so it is cancelled in place.
func (s *CommissionService) RequestCancel(ctx context.Context, actor string, id int64) (*model.CancelResponse, error) {
	var (
		resp     model.CancelResponse
		inPlace  bool
		cancelID = worker.CancelJobID(id)
	)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := s.store.LockCommission(ctx, tx, id)
		if err != nil {
			return notFound(err)
		}
		if actor != c.ArtistID && actor != c.BuyerID {
			return ErrForbidden
		}
		if c.Status.Terminal() {
			return fmt.Errorf("%w: status is %s", ErrInvalidState, c.Status)
		}

		if c.Status == model.CommissionStatusOpen {
			inPlace = true
			resp = model.CancelResponse{CommissionID: c.ID}
			return s.store.SetStatus(ctx, tx, c, model.CommissionStatusCancelled)
		}

		updates, err := s.store.ListUpdates(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		from := -1
		for _, u := range updates {
			if !u.Completed {
				from = u.UpdateNum
				break
			}
		}
		if from < 0 {
			return fmt.Errorf("%w: every milestone is delivered", ErrInvalidState)
		}

		req := model.CancelRequest{CommissionID: c.ID, UpdateNum: from}
		if err := s.queue.Add(ctx, model.TaskCancel, req, queue.AddOptions{JobID: &cancelID}); err != nil {
			return fmt.Errorf("failed to queue cancellation: %w", err)
		}
		resp = model.CancelResponse{CommissionID: c.ID, FromUpdate: from, JobID: cancelID.String()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inPlace {
		s.notifier.BroadcastStatus(id, model.CommissionStatusCancelled, "cancelled before acceptance")
	}
	return &resp, nil
}

func (s *CommissionService) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
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

func notFound(err error) error {
	if errors.Is(err, store.ErrCommissionNotFound) || errors.Is(err, store.ErrUpdateNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// milestoneDueTimes spreads numUpdates+1 due times evenly over (from, deadline];
// the last one falls on the deadline.
func milestoneDueTimes(from, deadline time.Time, numUpdates int) []time.Time {
	span := deadline.Sub(from)
	due := make([]time.Time, numUpdates+1)
	for n := range due {
		due[n] = from.Add(span / time.Duration(numUpdates+1) * time.Duration(n+1))
	}
	due[numUpdates] = deadline
	return due
}
