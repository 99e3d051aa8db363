package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
	"github.com/bazaar/api/internal/store"
)

func testConfig() config.CommissionConfig {
	ratios := map[int][]int64{
		0: {1},
		1: {1, 1},
		2: {2, 3, 5},
		3: {1, 1, 1, 1},
		4: {1, 1, 1, 1, 1},
		5: {1, 1, 1, 1, 1, 1},
	}
	return config.CommissionConfig{
		MaxPaymentLate:    2,
		MaxUpdateLate:     3,
		ApplicationFee:    0.1,
		PaymentGrace:      24 * time.Hour,
		PaymentRecheck:    24 * time.Hour,
		UpdateRecheck:     24 * time.Hour,
		PayoutHold:        72 * time.Hour,
		RecheckRetries:    30,
		MaxPictures:       10,
		UpdatePriceRatios: ratios,
	}
}

func strPtr(s string) *string { return &s }

// fakeStore keeps commissions, milestones and transactions in memory with the
// same semantics as store.Repository.
type fakeStore struct {
	mu           sync.Mutex
	commissions  map[int64]*model.Commission
	updates      map[string]*model.Update
	transactions []model.Transaction
	lockErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commissions: map[int64]*model.Commission{},
		updates:     map[string]*model.Update{},
	}
}

func updateKey(commissionID int64, n int) string {
	return fmt.Sprintf("%d/%d", commissionID, n)
}

// seed stores a commission with milestones 0..NumUpdates, all due on its deadline
func (s *fakeStore) seed(c model.Commission) *model.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c
	s.commissions[c.ID] = &stored
	for n := 0; n <= c.NumUpdates; n++ {
		s.updates[updateKey(c.ID, n)] = &model.Update{CommissionID: c.ID, UpdateNum: n, DueAt: c.Deadline}
	}
	return &stored
}

func (s *fakeStore) update(commissionID int64, n int) *model.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[updateKey(commissionID, n)]
}

func (s *fakeStore) commission(id int64) *model.Commission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commissions[id]
}

func (s *fakeStore) deposit(commissionID int64, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, model.Transaction{
		CommissionID: commissionID,
		Kind:         model.TransactionKindDeposit,
		Amount:       amount,
	})
}

func (s *fakeStore) payouts(commissionID int64) []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, t := range s.transactions {
		if t.CommissionID == commissionID && t.Kind == model.TransactionKindPayout {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeStore) LockCommission(_ context.Context, _ pgx.Tx, id int64) (*model.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockErr != nil {
		return nil, s.lockErr
	}
	c, ok := s.commissions[id]
	if !ok {
		return nil, store.ErrCommissionNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) SetStatus(_ context.Context, _ pgx.Tx, c *model.Commission, status model.CommissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.Status.CanTransition(status) {
		return fmt.Errorf("cannot move from %s to %s", c.Status, status)
	}
	s.commissions[c.ID].Status = status
	c.Status = status
	return nil
}

func (s *fakeStore) ConfirmPayment(_ context.Context, _ pgx.Tx, id int64, lateDays int) (*model.Commission, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.commissions[id]
	if c.PaymentConfirmedAt != nil {
		return nil, false, nil
	}
	now := time.Now()
	c.PaymentConfirmedAt = &now
	c.Deadline = c.Deadline.AddDate(0, 0, lateDays)
	cp := *c
	return &cp, true, nil
}

func (s *fakeStore) MarkCancelled(_ context.Context, _ pgx.Tx, id int64, refundID *string) (*model.Commission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.commissions[id]
	c.Status = model.CommissionStatusCancelled
	c.StripeRefundID = refundID
	cp := *c
	return &cp, nil
}

func (s *fakeStore) HasDeposit(_ context.Context, _ pgx.Tx, commissionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transactions {
		if t.CommissionID == commissionID && t.UpdateNum == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) HasPayout(_ context.Context, _ pgx.Tx, commissionID int64, updateNum int) (bool, error) {
	for _, t := range s.payouts(commissionID) {
		if *t.UpdateNum == updateNum {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) CountPayouts(_ context.Context, _ pgx.Tx, commissionID int64) (int, error) {
	return len(s.payouts(commissionID)), nil
}

func (s *fakeStore) InsertTransaction(_ context.Context, _ pgx.Tx, t model.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transactions {
		if existing.CommissionID != t.CommissionID || existing.Kind != t.Kind {
			continue
		}
		if existing.UpdateNum == nil && t.UpdateNum == nil {
			return 0, store.ErrDuplicateTransaction
		}
		if existing.UpdateNum != nil && t.UpdateNum != nil && *existing.UpdateNum == *t.UpdateNum {
			return 0, store.ErrDuplicateTransaction
		}
	}
	t.ID = int64(len(s.transactions) + 1)
	s.transactions = append(s.transactions, t)
	return t.ID, nil
}

func (s *fakeStore) GetUpdate(_ context.Context, _ pgx.Tx, commissionID int64, updateNum int) (*model.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[updateKey(commissionID, updateNum)]
	if !ok {
		return nil, store.ErrUpdateNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) CompleteUpdate(_ context.Context, _ pgx.Tx, commissionID int64, updateNum int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[updateKey(commissionID, updateNum)]
	if !ok {
		return store.ErrUpdateNotFound
	}
	u.Completed = true
	return nil
}

func (s *fakeStore) RecordUpdateDelay(_ context.Context, _ pgx.Tx, commissionID int64, updateNum int, delays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[updateKey(commissionID, updateNum)]
	if !ok {
		return 0, store.ErrUpdateNotFound
	}
	if delays > u.Delays {
		u.Delays = delays
	}
	return u.Delays, nil
}

type queuedJob struct {
	task     string
	data     any
	delay    time.Duration
	maxRetry int
}

// fakeQueue behaves like the broker for ids: adding an existing id is ignored.
type fakeQueue struct {
	mu        sync.Mutex
	jobs      map[string]queuedJob
	removed   []string
	triggered []string
	adds      int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]queuedJob{}}
}

func (q *fakeQueue) Add(_ context.Context, task string, data any, opts queue.AddOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.adds++
	id := fmt.Sprintf("%s-anon-%d", task, q.adds)
	if opts.JobID != nil {
		id = opts.JobID.String()
	}
	if _, ok := q.jobs[id]; ok {
		return nil
	}
	q.jobs[id] = queuedJob{task: task, data: data, delay: opts.Delay, maxRetry: opts.MaxRetry}
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, id queue.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id.String()]; ok {
		delete(q.jobs, id.String())
		q.removed = append(q.removed, id.String())
	}
	return nil
}

func (q *fakeQueue) Trigger(_ context.Context, id queue.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id.String()]; ok {
		job.delay = 0
		q.jobs[id.String()] = job
		q.triggered = append(q.triggered, id.String())
	}
	return nil
}

func (q *fakeQueue) job(id string) (queuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	return job, ok
}

func (q *fakeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakePayments answers repeated idempotency keys with the first result, like the processor.
type fakePayments struct {
	mu        sync.Mutex
	refunds   map[string]int64
	transfers map[string]int64
	calls     int
	err       error
}

func newFakePayments() *fakePayments {
	return &fakePayments{refunds: map[string]int64{}, transfers: map[string]int64{}}
}

func (p *fakePayments) CreateRefund(_ context.Context, chargeID string, amount int64, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if _, ok := p.refunds[key]; !ok {
		p.refunds[key] = amount
	}
	return "re_" + key[:8], nil
}

func (p *fakePayments) CreateTransfer(_ context.Context, destination string, amount int64, sourceCharge string, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if _, ok := p.transfers[key]; !ok {
		p.transfers[key] = amount
	}
	return "tr_" + key[:8], nil
}

type statusEvent struct {
	commissionID int64
	status       model.CommissionStatus
	detail       string
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []statusEvent
	updates  []model.Update
	errors   []string
}

func (n *recordingNotifier) BroadcastStatus(commissionID int64, status model.CommissionStatus, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusEvent{commissionID, status, detail})
}

func (n *recordingNotifier) BroadcastUpdate(update *model.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, *update)
}

func (n *recordingNotifier) BroadcastError(commissionID int64, code, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, fmt.Sprintf("%d:%s", commissionID, code))
}

type fakePool struct {
	tx       *fakeTx
	begins   int
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begins++
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// harness wires every worker to the same fakes
type harness struct {
	pool     *fakePool
	store    *fakeStore
	queue    *fakeQueue
	payments *fakePayments
	notifier *recordingNotifier
	cfg      config.CommissionConfig
	// now drives the milestone watchdog's clock
	now time.Time

	payment *PaymentWorker
	cancel  *CancelWorker
	update  *UpdateWorker
	payout  *PayoutWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool:     &fakePool{},
		store:    newFakeStore(),
		queue:    newFakeQueue(),
		payments: newFakePayments(),
		notifier: &recordingNotifier{},
		cfg:      testConfig(),
		now:      paidCommission(0).Deadline,
	}
	logger := zap.NewNop()
	h.payment = NewPaymentWorker(h.pool, h.store, h.queue, h.notifier, h.cfg, logger)
	h.cancel = NewCancelWorker(h.pool, h.store, h.queue, h.payments, h.notifier, h.cfg, logger)
	h.update = NewUpdateWorker(h.pool, h.store, h.queue, h.notifier, h.cfg, logger)
	h.update.now = func() time.Time { return h.now }
	h.payout = NewPayoutWorker(h.pool, h.store, h.payments, h.notifier, h.cfg, logger)
	return h
}

// paidCommission is a 2-milestone commission whose buyer paid 10000 by charge ch_1
func paidCommission(id int64) model.Commission {
	return model.Commission{
		ID:                    id,
		ArtistID:              "artist-1",
		BuyerID:               "buyer-1",
		Price:                 10000,
		PriceUnit:             "usd",
		NumUpdates:            2,
		Deadline:              time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Status:                model.CommissionStatusInProgress,
		StripeChargeID:        strPtr("ch_1"),
		ArtistStripeAccountID: strPtr("acct_1"),
	}
}
