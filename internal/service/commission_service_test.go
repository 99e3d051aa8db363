package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/bazaar/api/internal/config"
	"github.com/bazaar/api/internal/model"
	"github.com/bazaar/api/internal/queue"
	"github.com/bazaar/api/internal/store"
)

var testNow = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	commissions map[int64]*model.Commission
	updates     map[int64][]model.Update
	deposits    map[int64]string
}

func newMemStore() *memStore {
	return &memStore{
		commissions: map[int64]*model.Commission{},
		updates:     map[int64][]model.Update{},
		deposits:    map[int64]string{},
	}
}

func (m *memStore) GetCommission(_ context.Context, _ pgx.Tx, id int64) (*model.Commission, error) {
	c, ok := m.commissions[id]
	if !ok {
		return nil, store.ErrCommissionNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) LockCommission(ctx context.Context, tx pgx.Tx, id int64) (*model.Commission, error) {
	return m.GetCommission(ctx, tx, id)
}

func (m *memStore) SetStatus(_ context.Context, _ pgx.Tx, c *model.Commission, status model.CommissionStatus) error {
	if !c.Status.CanTransition(status) {
		return fmt.Errorf("cannot move from %s to %s", c.Status, status)
	}
	m.commissions[c.ID].Status = status
	c.Status = status
	return nil
}

func (m *memStore) SetCharge(_ context.Context, _ pgx.Tx, id int64, chargeID string) error {
	m.commissions[id].StripeChargeID = &chargeID
	return nil
}

func (m *memStore) InsertTransaction(_ context.Context, _ pgx.Tx, t model.Transaction) (int64, error) {
	if _, ok := m.deposits[t.CommissionID]; ok {
		return 0, store.ErrDuplicateTransaction
	}
	m.deposits[t.CommissionID] = t.StripeRef
	return 1, nil
}

func (m *memStore) CreateUpdates(_ context.Context, _ pgx.Tx, commissionID int64, dueAt []time.Time) error {
	if len(m.updates[commissionID]) > 0 {
		return nil
	}
	for n, due := range dueAt {
		m.updates[commissionID] = append(m.updates[commissionID], model.Update{CommissionID: commissionID, UpdateNum: n, DueAt: due})
	}
	return nil
}

func (m *memStore) RescheduleUpdates(_ context.Context, _ pgx.Tx, commissionID int64, dueAt []time.Time) error {
	for n, due := range dueAt {
		if !m.updates[commissionID][n].Completed {
			m.updates[commissionID][n].DueAt = due
		}
	}
	return nil
}

func (m *memStore) ListUpdates(_ context.Context, _ pgx.Tx, commissionID int64) ([]model.Update, error) {
	return append([]model.Update(nil), m.updates[commissionID]...), nil
}

func (m *memStore) SubmitUpdate(_ context.Context, _ pgx.Tx, commissionID int64, updateNum int, pictures []string, waived bool) (*model.Update, error) {
	updates := m.updates[commissionID]
	if updateNum >= len(updates) {
		return nil, store.ErrUpdateNotFound
	}
	u := &updates[updateNum]
	if len(pictures) > 0 {
		u.Pictures = pictures
	}
	u.Waived = u.Waived || waived
	cp := *u
	return &cp, nil
}

type addedJob struct {
	task     string
	data     any
	delay    time.Duration
	maxRetry int
}

type memQueue struct {
	jobs      map[string]addedJob
	triggered []string
}

func (q *memQueue) Add(_ context.Context, task string, data any, opts queue.AddOptions) error {
	id := opts.JobID.String()
	if _, ok := q.jobs[id]; !ok {
		q.jobs[id] = addedJob{task: task, data: data, delay: opts.Delay, maxRetry: opts.MaxRetry}
	}
	return nil
}

func (q *memQueue) Remove(_ context.Context, id queue.JobID) error {
	delete(q.jobs, id.String())
	return nil
}

func (q *memQueue) Trigger(_ context.Context, id queue.JobID) error {
	q.triggered = append(q.triggered, id.String())
	return nil
}

type nopNotifier struct{ statuses []model.CommissionStatus }

func (n *nopNotifier) BroadcastStatus(_ int64, status model.CommissionStatus, _ string) {
	n.statuses = append(n.statuses, status)
}

func (n *nopNotifier) BroadcastUpdate(*model.Update)        {}
func (n *nopNotifier) BroadcastError(int64, string, string) {}

type fakePool struct{ tx *fakeTx }

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error { return nil }

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not implemented") }
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not implemented") }
func (f *fakeTx) Conn() *pgx.Conn                                         { return nil }

func newTestService(t *testing.T) (*CommissionService, *memStore, *memQueue) {
	t.Helper()
	st := newMemStore()
	q := &memQueue{jobs: map[string]addedJob{}}
	cfg := config.CommissionConfig{
		MaxPaymentLate: 2,
		MaxUpdateLate:  3,
		ApplicationFee: 0.1,
		PaymentGrace:   24 * time.Hour,
		PaymentRecheck: 24 * time.Hour,
		UpdateRecheck:  24 * time.Hour,
		PayoutHold:     72 * time.Hour,
		RecheckRetries: 30,
		MaxPictures:    2,
	}
	svc := NewCommissionService(&fakePool{}, st, q, &nopNotifier{}, cfg, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, st, q
}

func seedOpen(st *memStore, id int64) {
	st.commissions[id] = &model.Commission{
		ID:         id,
		ArtistID:   "artist",
		BuyerID:    "buyer",
		Price:      10000,
		NumUpdates: 2,
		Deadline:   testNow.Add(30 * 24 * time.Hour),
		Status:     model.CommissionStatusOpen,
	}
}

func TestFinalize_SchedulesFirstPaymentCheck(t *testing.T) {
	svc, st, q := newTestService(t)
	seedOpen(st, 1)

	resp, err := svc.Finalize(context.Background(), "artist", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, resp.Status, model.CommissionStatusAccepted)
	assert.Equal(t, len(resp.Milestones), 3)
	assert.Equal(t, resp.Milestones[2], st.commissions[1].Deadline)
	assert.Equal(t, resp.Milestones[0], testNow.Add(10*24*time.Hour))

	job, ok := q.jobs["commissionCheckPayment-1-0"]
	if !ok {
		t.Fatal("expected commissionCheckPayment-1-0")
	}
	assert.Equal(t, job.delay, 24*time.Hour)
	assert.Equal(t, job.data, model.PaymentCheck{CommissionID: 1})
	assert.Equal(t, len(st.updates[1]), 3)
}

func TestFinalize_Rejections(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedOpen(st, 1)
	seedOpen(st, 2)
	st.commissions[2].Deadline = testNow.Add(-time.Hour)

	if _, err := svc.Finalize(context.Background(), "buyer", 1); !errors.Is(err, ErrForbidden) {
		t.Errorf("buyer finalize error = %v", err)
	}
	if _, err := svc.Finalize(context.Background(), "artist", 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("past deadline error = %v", err)
	}
	if _, err := svc.Finalize(context.Background(), "artist", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing commission error = %v", err)
	}
}

func TestRecordDeposit_StartsWorkAndTriggersPaymentCheck(t *testing.T) {
	svc, st, q := newTestService(t)
	seedOpen(st, 1)
	if _, err := svc.Finalize(context.Background(), "artist", 1); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.RecordDeposit(context.Background(), "buyer", 1, &model.DepositRequest{ChargeID: "ch_1", Amount: 10000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, resp.Status, model.CommissionStatusInProgress)
	assert.Equal(t, *st.commissions[1].StripeChargeID, "ch_1")

	for n := 0; n <= 2; n++ {
		if _, ok := q.jobs[fmt.Sprintf("commissionCheckUpdate-1-%d", n)]; !ok {
			t.Errorf("expected update check %d", n)
		}
	}
	assert.Equal(t, q.jobs["commissionCheckUpdate-1-2"].delay, 30*24*time.Hour)
	assert.Equal(t, q.jobs["commissionCheckUpdate-1-2"].maxRetry, 30)
	assert.Equal(t, q.triggered, []string{"commissionCheckPayment-1-0", "commissionCheckPayment-1-1"})

	_, err = svc.RecordDeposit(context.Background(), "buyer", 1, &model.DepositRequest{ChargeID: "ch_2", Amount: 10000})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("second deposit error = %v", err)
	}
}

func TestRecordDeposit_AmountMustMatchPrice(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedOpen(st, 1)
	st.commissions[1].Status = model.CommissionStatusAccepted

	_, err := svc.RecordDeposit(context.Background(), "buyer", 1, &model.DepositRequest{ChargeID: "ch_1", Amount: 5})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
}

func TestSubmitUpdate_TriggersCheck(t *testing.T) {
	svc, st, q := newTestService(t)
	seedOpen(st, 1)
	if _, err := svc.Finalize(context.Background(), "artist", 1); err != nil {
		t.Fatal(err)
	}
	st.commissions[1].Status = model.CommissionStatusInProgress

	u, err := svc.SubmitUpdate(context.Background(), "artist", 1, 1, &model.SubmitUpdateRequest{Pictures: []string{"https://cdn.example.com/1.png"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, u.Delivered(), true)
	assert.Equal(t, q.triggered, []string{"commissionCheckUpdate-1-1"})

	if _, err := svc.SubmitUpdate(context.Background(), "artist", 1, 0, &model.SubmitUpdateRequest{Waived: true}); !errors.Is(err, ErrForbidden) {
		t.Errorf("artist waiver error = %v", err)
	}
	if _, err := svc.SubmitUpdate(context.Background(), "buyer", 1, 0, &model.SubmitUpdateRequest{}); !errors.Is(err, ErrNothingToSubmit) {
		t.Errorf("empty submit error = %v", err)
	}
	if _, err := svc.SubmitUpdate(context.Background(), "buyer", 1, 7, &model.SubmitUpdateRequest{Waived: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("out of range error = %v", err)
	}
	three := []string{"https://cdn.example.com/1.png", "https://cdn.example.com/2.png", "https://cdn.example.com/3.png"}
	if _, err := svc.SubmitUpdate(context.Background(), "artist", 1, 2, &model.SubmitUpdateRequest{Pictures: three}); !errors.Is(err, ErrTooManyPictures) {
		t.Errorf("picture limit error = %v", err)
	}
}

func TestRequestCancel_FromFirstIncompleteMilestone(t *testing.T) {
	svc, st, q := newTestService(t)
	seedOpen(st, 1)
	if _, err := svc.Finalize(context.Background(), "artist", 1); err != nil {
		t.Fatal(err)
	}
	st.commissions[1].Status = model.CommissionStatusInProgress
	st.updates[1][0].Completed = true

	resp, err := svc.RequestCancel(context.Background(), "buyer", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, resp.FromUpdate, 1)
	assert.Equal(t, resp.JobID, "commissionCancel-1-0")
	assert.Equal(t, q.jobs["commissionCancel-1-0"].data, model.CancelRequest{CommissionID: 1, UpdateNum: 1})
}

func TestRequestCancel_OpenIsCancelledInPlace(t *testing.T) {
	svc, st, q := newTestService(t)
	seedOpen(st, 1)

	if _, err := svc.RequestCancel(context.Background(), "artist", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, st.commissions[1].Status, model.CommissionStatusCancelled)
	assert.Equal(t, len(q.jobs), 0)

	if _, err := svc.RequestCancel(context.Background(), "artist", 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel error = %v", err)
	}
}

func TestGet_OnlyParties(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedOpen(st, 1)

	view, err := svc.Get(context.Background(), "buyer", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, view.Commission.ID, int64(1))

	if _, err := svc.Get(context.Background(), "stranger", 1); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger error = %v", err)
	}
}

func TestMilestoneDueTimes(t *testing.T) {
	deadline := testNow.Add(40 * time.Hour)
	due := milestoneDueTimes(testNow, deadline, 3)
	assert.Equal(t, due, []time.Time{
		testNow.Add(10 * time.Hour),
		testNow.Add(20 * time.Hour),
		testNow.Add(30 * time.Hour),
		deadline,
	})
}
