package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bazaar/api/internal/model"
)

var (
	// ErrCommissionNotFound is returned when no commission row exists for the id.
	ErrCommissionNotFound = errors.New("store: commission not found")
	// ErrUpdateNotFound is returned when no milestone exists for (commission, updateNum).
	ErrUpdateNotFound = errors.New("store: update not found")
	// ErrDuplicateTransaction signals a second deposit, or a second payout for one milestone.
	ErrDuplicateTransaction = errors.New("store: duplicate transaction")
)

const commissionColumns = `
c.id, c.artist_id, c.buyer_id, c.price, c.price_unit, c.num_updates, c.deadline,
c.status, c.stripe_charge_id, c.stripe_refund_id, c.payment_confirmed_at, c.created_at, c.updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanCommission(row pgx.Row, withAccount bool) (*model.Commission, error) {
	var (
		c      model.Commission
		status string
	)
	dest := []any{
		&c.ID, &c.ArtistID, &c.BuyerID, &c.Price, &c.PriceUnit, &c.NumUpdates, &c.Deadline,
		&status, &c.StripeChargeID, &c.StripeRefundID, &c.PaymentConfirmedAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if withAccount {
		dest = append(dest, &c.ArtistStripeAccountID)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommissionNotFound
		}
		return nil, err
	}
	c.Status = model.CommissionStatus(status)
	return &c, nil
}

// LockCommission loads a commission and holds its row lock until tx ends.
func (r *Repository) LockCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error) {
	query := `SELECT` + commissionColumns + `, u.stripe_account_id
FROM commissions c
LEFT JOIN users u ON u.id = c.artist_id
WHERE c.id = $1
FOR UPDATE OF c`

	c, err := scanCommission(tx.QueryRow(ctx, query, id), true)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: lock commission %d: %w", id, err)
	}
	return c, nil
}

// GetCommission loads a commission without locking it.
func (r *Repository) GetCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error) {
	query := `SELECT` + commissionColumns + ` FROM commissions c WHERE c.id = $1`

	c, err := scanCommission(tx.QueryRow(ctx, query, id), false)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get commission %d: %w", id, err)
	}
	return c, nil
}

// SetStatus moves a commission to status, refusing non-monotonic transitions.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, c *model.Commission, status model.CommissionStatus) error {
	if !c.Status.CanTransition(status) {
		return fmt.Errorf("store: commission %d cannot move from %s to %s", c.ID, c.Status, status)
	}

	const updateSQL = `UPDATE commissions SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, c.ID, string(status)); err != nil {
		return fmt.Errorf("store: set status: %w", err)
	}
	c.Status = status
	return nil
}

// ConfirmPayment records that the buyer's deposit was seen by the payment
// watchdog and pushes the deadline back by lateDays. It applies at most once per
// commission; applied is false when an earlier run already confirmed it.
func (r *Repository) ConfirmPayment(ctx context.Context, tx pgx.Tx, id int64, lateDays int) (c *model.Commission, applied bool, err error) {
	query := `UPDATE commissions c
SET deadline = c.deadline + $2::int, payment_confirmed_at = now(), updated_at = now()
WHERE c.id = $1 AND c.payment_confirmed_at IS NULL
RETURNING` + commissionColumns

	c, err = scanCommission(tx.QueryRow(ctx, query, id, lateDays), false)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: confirm payment: %w", err)
	}
	return c, true, nil
}

// MarkCancelled patches the terminal state together with the refund reference.
func (r *Repository) MarkCancelled(ctx context.Context, tx pgx.Tx, id int64, refundID *string) (*model.Commission, error) {
	query := `UPDATE commissions c
SET status = 'cancelled', stripe_refund_id = $2, updated_at = now()
WHERE c.id = $1
RETURNING` + commissionColumns

	c, err := scanCommission(tx.QueryRow(ctx, query, id, refundID), false)
	if err != nil {
		if errors.Is(err, ErrCommissionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: mark cancelled: %w", err)
	}
	return c, nil
}

// SetCharge stores the processor's charge reference for the buyer's deposit.
func (r *Repository) SetCharge(ctx context.Context, tx pgx.Tx, id int64, chargeID string) error {
	const updateSQL = `UPDATE commissions SET stripe_charge_id = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, id, chargeID); err != nil {
		return fmt.Errorf("store: set charge: %w", err)
	}
	return nil
}

// HasDeposit reports whether the buyer's payment transaction exists.
func (r *Repository) HasDeposit(ctx context.Context, tx pgx.Tx, commissionID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM transactions WHERE commission_id = $1 AND update_num IS NULL)`

	var ok bool
	if err := tx.QueryRow(ctx, query, commissionID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: check deposit: %w", err)
	}
	return ok, nil
}

// HasPayout reports whether milestone updateNum was already paid out.
func (r *Repository) HasPayout(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) (bool, error) {
	const query = `SELECT EXISTS (
SELECT 1 FROM transactions WHERE commission_id = $1 AND update_num = $2 AND kind = 'payout')`

	var ok bool
	if err := tx.QueryRow(ctx, query, commissionID, updateNum).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: check payout: %w", err)
	}
	return ok, nil
}

// CountPayouts returns how many milestones of a commission were paid out.
func (r *Repository) CountPayouts(ctx context.Context, tx pgx.Tx, commissionID int64) (int, error) {
	const query = `SELECT count(*) FROM transactions WHERE commission_id = $1 AND kind = 'payout'`

	var n int
	if err := tx.QueryRow(ctx, query, commissionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count payouts: %w", err)
	}
	return n, nil
}

// InsertTransaction records a money movement and returns its id.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction) (int64, error) {
	const insertSQL = `
INSERT INTO transactions (commission_id, update_num, kind, amount, stripe_ref)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

	var id int64
	err := tx.QueryRow(ctx, insertSQL, t.CommissionID, t.UpdateNum, string(t.Kind), t.Amount, t.StripeRef).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateTransaction
		}
		return 0, fmt.Errorf("store: insert transaction: %w", err)
	}
	return id, nil
}

// CreateUpdates inserts milestones 0..len(dueAt)-1. Existing rows are left alone.
func (r *Repository) CreateUpdates(ctx context.Context, tx pgx.Tx, commissionID int64, dueAt []time.Time) error {
	const insertSQL = `
INSERT INTO updates (commission_id, update_num, due_at)
VALUES ($1, $2, $3)
ON CONFLICT (commission_id, update_num) DO NOTHING`

	batch := &pgx.Batch{}
	for n, due := range dueAt {
		batch.Queue(insertSQL, commissionID, n, due)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: create updates: %w", err)
	}
	return nil
}

// RescheduleUpdates moves the due dates of milestones that are not completed yet.
func (r *Repository) RescheduleUpdates(ctx context.Context, tx pgx.Tx, commissionID int64, dueAt []time.Time) error {
	const updateSQL = `UPDATE updates SET due_at = $3
WHERE commission_id = $1 AND update_num = $2 AND NOT completed`

	batch := &pgx.Batch{}
	for n, due := range dueAt {
		batch.Queue(updateSQL, commissionID, n, due)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: reschedule updates: %w", err)
	}
	return nil
}

const updateColumns = `commission_id, update_num, pictures, delays, waived, completed, due_at`

func scanUpdate(row pgx.Row) (*model.Update, error) {
	var u model.Update
	if err := row.Scan(&u.CommissionID, &u.UpdateNum, &u.Pictures, &u.Delays, &u.Waived, &u.Completed, &u.DueAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUpdateNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUpdate loads one milestone by its composite key.
func (r *Repository) GetUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) (*model.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates WHERE commission_id = $1 AND update_num = $2`

	u, err := scanUpdate(tx.QueryRow(ctx, query, commissionID, updateNum))
	if err != nil {
		if errors.Is(err, ErrUpdateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get update: %w", err)
	}
	return u, nil
}

// ListUpdates returns all milestones of a commission ordered by number.
func (r *Repository) ListUpdates(ctx context.Context, tx pgx.Tx, commissionID int64) ([]model.Update, error) {
	query := `SELECT ` + updateColumns + ` FROM updates WHERE commission_id = $1 ORDER BY update_num`

	rows, err := tx.Query(ctx, query, commissionID)
	if err != nil {
		return nil, fmt.Errorf("store: list updates: %w", err)
	}
	defer rows.Close()

	var updates []model.Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan update: %w", err)
		}
		updates = append(updates, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list updates: %w", err)
	}
	return updates, nil
}

// SubmitUpdate stores the artist's pictures and/or the buyer's waiver.
func (r *Repository) SubmitUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int, pictures []string, waived bool) (*model.Update, error) {
	query := `UPDATE updates
SET pictures = CASE WHEN cardinality($3::text[]) > 0 THEN $3::text[] ELSE pictures END,
    waived = waived OR $4
WHERE commission_id = $1 AND update_num = $2
RETURNING ` + updateColumns

	if pictures == nil {
		pictures = []string{}
	}
	u, err := scanUpdate(tx.QueryRow(ctx, query, commissionID, updateNum, pictures, waived))
	if err != nil {
		if errors.Is(err, ErrUpdateNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: submit update: %w", err)
	}
	return u, nil
}

// CompleteUpdate marks a milestone as accepted.
func (r *Repository) CompleteUpdate(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int) error {
	const updateSQL = `UPDATE updates SET completed = true WHERE commission_id = $1 AND update_num = $2`

	tag, err := tx.Exec(ctx, updateSQL, commissionID, updateNum)
	if err != nil {
		return fmt.Errorf("store: complete update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUpdateNotFound
	}
	return nil
}

// RecordUpdateDelay raises a milestone's lateness counter to at least delays and
// returns the stored value. Replaying the same check leaves the counter unchanged.
func (r *Repository) RecordUpdateDelay(ctx context.Context, tx pgx.Tx, commissionID int64, updateNum int, delays int) (int, error) {
	const updateSQL = `UPDATE updates SET delays = GREATEST(delays, $3)
WHERE commission_id = $1 AND update_num = $2
RETURNING delays`

	var stored int
	if err := tx.QueryRow(ctx, updateSQL, commissionID, updateNum, delays).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUpdateNotFound
		}
		return 0, fmt.Errorf("store: record update delay: %w", err)
	}
	return stored, nil
}
