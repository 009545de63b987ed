package payment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
	"github.com/closzit/closzit-api/internal/memstore"
)

var errLedgerDown = errors.New("ledger unavailable")

type fakeGateway struct {
	mu         sync.Mutex
	prepareErr error
	confirmErr error
	cancelErr  error
	confirms   int
	cancels    int
}

func (g *fakeGateway) Name() string { return "kakaopay" }

func (g *fakeGateway) Prepare(_ context.Context, req payment.PrepareRequest) (*payment.PrepareResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prepareErr != nil {
		return nil, g.prepareErr
	}
	return &payment.PrepareResult{
		TransactionID:     "T-" + req.OrderID,
		RedirectPCURL:     "https://pay.test/pc/" + req.OrderID,
		RedirectMobileURL: "https://pay.test/mobile/" + req.OrderID,
	}, nil
}

func (g *fakeGateway) Confirm(_ context.Context, req payment.ConfirmRequest) (*payment.ConfirmResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.confirmErr != nil {
		return nil, g.confirmErr
	}
	g.confirms++
	return &payment.ConfirmResult{ApprovedAmount: 5000, PaymentMethod: "MONEY", ApprovedAt: time.Now()}, nil
}

func (g *fakeGateway) Cancel(_ context.Context, req payment.CancelRequest) (*payment.CancelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.cancels++
	return &payment.CancelResult{RefundedAmount: req.Amount}, nil
}

// flakyLedger fails the next addFailures grants before delegating.
type flakyLedger struct {
	payment.Ledger
	mu          sync.Mutex
	addFailures int
}

func (l *flakyLedger) AddCredit(ctx context.Context, userID uuid.UUID, amount int, txType credit.TxType, description, key string) (*credit.Result, error) {
	l.mu.Lock()
	if l.addFailures > 0 {
		l.addFailures--
		l.mu.Unlock()
		return nil, errLedgerDown
	}
	l.mu.Unlock()
	return l.Ledger.AddCredit(ctx, userID, amount, txType, description, key)
}

func (l *flakyLedger) failNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addFailures = n
}

type env struct {
	store   *memstore.Store
	credits *credit.Service
	ledger  *flakyLedger
	gateway *fakeGateway
	svc     *payment.Service
	user    uuid.UUID
}

const testPackage = 1

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	credits := credit.NewService(store.Credits(), credit.Options{})
	ledger := &flakyLedger{Ledger: credits}
	gw := &fakeGateway{}
	svc := payment.NewService(store.Payments(), store.Outbox(), store.Audit(), ledger, gw,
		payment.NewCatalog(payment.Package{ID: testPackage, Name: "100 credits", Credits: 100, Price: 5000}),
		payment.Config{CallbackBaseURL: "https://api.test/"})

	// The account is opened by the first credit grant.
	user := uuid.New()
	return &env{store: store, credits: credits, ledger: ledger, gateway: gw, svc: svc, user: user}
}

func (e *env) balance(t *testing.T) int {
	t.Helper()
	b, err := e.credits.GetBalance(context.Background(), e.user)
	if errors.Is(err, credit.ErrAccountNotFound) {
		return 0
	}
	require.NoError(t, err)
	return b
}

func (e *env) payment(t *testing.T, orderID string) *payment.Payment {
	t.Helper()
	p, err := e.svc.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return p
}

func (e *env) grantEvent(t *testing.T, paymentID uuid.UUID) *outbox.Event {
	t.Helper()
	ev, err := e.store.Outbox().FindLatestByPayment(context.Background(), paymentID, outbox.EventGrantCredit)
	require.NoError(t, err)
	require.NotNil(t, ev)
	return ev
}

func (e *env) audits(t *testing.T, paymentID uuid.UUID, action audit.Action) []*audit.Entry {
	t.Helper()
	all, err := e.store.Audit().ListByPayment(context.Background(), paymentID)
	require.NoError(t, err)
	var out []*audit.Entry
	for _, a := range all {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

func (e *env) purchase(t *testing.T) string {
	t.Helper()
	ready, err := e.svc.Ready(context.Background(), e.user, testPackage)
	require.NoError(t, err)
	_, err = e.svc.Approve(context.Background(), ready.OrderID, "pg-token")
	require.NoError(t, err)
	return ready.OrderID
}

func TestPurchaseGrantsCreditsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	assert.Equal(t, 100, ready.Credits)
	assert.Equal(t, 5000, ready.Amount)
	assert.Equal(t, "T-"+ready.OrderID, ready.TransactionID)
	assert.Equal(t, payment.StatusReady, e.payment(t, ready.OrderID).Status)

	res, err := e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err)
	assert.True(t, res.CreditGranted)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 100, e.balance(t))

	p := e.payment(t, ready.OrderID)
	assert.Equal(t, payment.StatusApproved, p.Status)
	assert.True(t, p.CreditGranted)
	assert.True(t, p.CreditHistoryID.Valid)
	require.NotNil(t, p.ApprovedAt)
	assert.Equal(t, outbox.StatusCompleted, e.grantEvent(t, p.ID).Status)

	again, err := e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 100, e.balance(t))
	assert.Equal(t, 1, e.gateway.confirms)

	entry, err := e.credits.HistoryEntry(ctx, p.CreditHistoryID.UUID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, credit.TxTypePurchase, entry.Type)
	assert.Equal(t, payment.PurchaseKey("kakaopay", ready.OrderID), *entry.IdempotencyKey)

	for _, action := range []audit.Action{audit.ActionCreate, audit.ActionGatewayPrepare, audit.ActionApprove, audit.ActionGrantCredit} {
		assert.Len(t, e.audits(t, p.ID, action), 1, string(action))
	}
}

func TestReadyRejectsUnknownPackage(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Ready(context.Background(), e.user, 99)
	assert.ErrorIs(t, err, payment.ErrInvalidPackage)
}

func TestPrepareFailureMarksPaymentFailed(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.gateway.prepareErr = payment.ErrGatewayFailure

	_, err := e.svc.Ready(ctx, e.user, testPackage)
	require.ErrorIs(t, err, payment.ErrGatewayFailure)

	history, err := e.svc.History(ctx, e.user, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, payment.StatusFailed, history[0].Status)

	failures := e.audits(t, history[0].ID, audit.ActionGatewayPrepare)
	require.Len(t, failures, 1)
	assert.Equal(t, audit.StatusFailure, failures[0].Status)
}

func TestConfirmFailureLeavesPaymentReady(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)

	e.gateway.confirmErr = payment.ErrGatewayFailure
	_, err = e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.ErrorIs(t, err, payment.ErrGatewayFailure)

	p := e.payment(t, ready.OrderID)
	assert.Equal(t, payment.StatusReady, p.Status)
	assert.Len(t, e.audits(t, p.ID, audit.ActionGatewayConfirm), 1)
	ev, err := e.store.Outbox().FindLatestByPayment(ctx, p.ID, outbox.EventGrantCredit)
	require.NoError(t, err)
	assert.Nil(t, ev)

	// The redirect may be retried once the gateway recovers.
	e.gateway.confirmErr = nil
	res, err := e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err)
	assert.True(t, res.CreditGranted)
	assert.Equal(t, 100, e.balance(t))
}

func TestApproveUnknownOrClosedPayment(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.svc.Approve(ctx, "credit-missing", "pg-token")
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)

	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, ready.OrderID)
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, ready.OrderID, "pg-token")
	assert.ErrorIs(t, err, payment.ErrInvalidState)
	assert.Equal(t, 0, e.gateway.confirms)
}

func TestConcurrentApprovalGrantsOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Approve(ctx, ready.OrderID, "pg-token")
			if err != nil {
				assert.ErrorIs(t, err, payment.ErrConcurrentApproval)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, e.balance(t))
	events, err := e.store.Outbox().ListByPayment(ctx, e.payment(t, ready.OrderID).ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGrantFailureIsRetriedThroughOutbox(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ledger.failNext(3)

	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	res, err := e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err, "inline grant failure is not surfaced")
	assert.False(t, res.CreditGranted)

	p := e.payment(t, ready.OrderID)
	assert.Equal(t, payment.StatusApproved, p.Status)
	assert.False(t, p.CreditGranted)

	ev := e.grantEvent(t, p.ID)
	assert.Equal(t, outbox.StatusPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.True(t, ev.NextRetryAt.After(time.Now()))

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, e.svc.ProcessGrantCreditEvent(ctx, p.ID), errLedgerDown)
	}
	ev = e.grantEvent(t, p.ID)
	assert.Equal(t, outbox.StatusFailed, ev.Status)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, 0, e.balance(t))

	failures := e.audits(t, p.ID, audit.ActionGrantCredit)
	require.Len(t, failures, 3)
	for _, f := range failures {
		assert.Equal(t, audit.StatusFailure, f.Status)
	}

	proc := outbox.NewProcessor(e.store.Outbox(), outbox.ProcessorConfig{}, nil)
	proc.Handle(outbox.EventGrantCredit, e.svc.HandleGrantCreditEvent)

	batch, err := proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.Claimed)

	_, err = proc.RetryFailedEvent(ctx, ev.ID)
	require.NoError(t, err)
	batch, err = proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Succeeded)

	assert.Equal(t, 100, e.balance(t))
	assert.True(t, e.payment(t, ready.OrderID).CreditGranted)
	assert.Equal(t, outbox.StatusCompleted, e.grantEvent(t, p.ID).Status)
}

func TestProcessorGrantAfterBackoff(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ledger.failNext(1)
	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	_, err = e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err)

	proc := outbox.NewProcessor(e.store.Outbox(), outbox.ProcessorConfig{
		Clock: func() time.Time { return time.Now().UTC().Add(2 * time.Minute) },
	}, nil)
	proc.Handle(outbox.EventGrantCredit, e.svc.HandleGrantCreditEvent)

	batch, err := proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, &outbox.BatchResult{Claimed: 1, Succeeded: 1}, batch)
	assert.Equal(t, 100, e.balance(t))
}

func TestProcessGrantCreditEventCompletesWhenAlreadyGranted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	orderID := e.purchase(t)
	p := e.payment(t, orderID)

	stray := outbox.NewGrantCreditEvent(outbox.Payload{
		PaymentID:      p.ID,
		UserID:         e.user,
		Credits:        p.Credits,
		IdempotencyKey: payment.PurchaseKey("kakaopay", orderID),
	}, time.Now().UTC())
	require.NoError(t, e.store.Outbox().Insert(ctx, stray))

	require.NoError(t, e.svc.ProcessGrantCreditEvent(ctx, p.ID))
	got, err := e.store.Outbox().GetByID(ctx, stray.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, got.Status)
	assert.Equal(t, 100, e.balance(t))
}

func TestProcessGrantCreditEventWithoutEvent(t *testing.T) {
	e := newEnv(t)
	now := time.Now().UTC()
	p := &payment.Payment{
		ID:         uuid.New(),
		OrderID:    payment.NewOrderID(e.user, now),
		UserID:     e.user,
		PackageID:  testPackage,
		Credits:    100,
		Amount:     5000,
		Status:     payment.StatusApproved,
		ApprovedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.store.SeedPayment(p)

	err := e.svc.ProcessGrantCreditEvent(context.Background(), p.ID)
	assert.ErrorIs(t, err, payment.ErrOutboxEventNotFound)
}

func TestRefundDeductsCredits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	orderID := e.purchase(t)

	res, err := e.svc.Refund(ctx, orderID, e.user)
	require.NoError(t, err)
	assert.Equal(t, 5000, res.RefundedAmount)
	assert.Equal(t, 100, res.RefundedCredits)
	assert.Equal(t, 0, res.NewBalance)

	p := e.payment(t, orderID)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.True(t, p.RefundHistoryID.Valid)
	assert.Equal(t, 5000, p.RefundedAmount)
	require.NotNil(t, p.RefundedAt)
	assert.Len(t, e.audits(t, p.ID, audit.ActionRefund), 1)

	_, err = e.svc.Refund(ctx, orderID, e.user)
	assert.ErrorIs(t, err, payment.ErrInvalidState)
	assert.Equal(t, 1, e.gateway.cancels)
}

func TestRefundPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	orderID := e.purchase(t)

	_, err := e.svc.Refund(ctx, orderID, uuid.New())
	assert.ErrorIs(t, err, payment.ErrNotPaymentOwner)

	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	_, err = e.svc.Refund(ctx, ready.OrderID, e.user)
	assert.ErrorIs(t, err, payment.ErrInvalidState)

	e.ledger.failNext(1)
	_, err = e.svc.Approve(ctx, ready.OrderID, "pg-token")
	require.NoError(t, err)
	_, err = e.svc.Refund(ctx, ready.OrderID, e.user)
	assert.ErrorIs(t, err, payment.ErrCreditNotGranted)

	_, err = e.svc.Refund(ctx, "credit-missing", e.user)
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
	assert.Equal(t, 0, e.gateway.cancels)
}

func TestRefundGatewayFailureKeepsCredits(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	orderID := e.purchase(t)
	e.gateway.cancelErr = payment.ErrGatewayFailure

	_, err := e.svc.Refund(ctx, orderID, e.user)
	require.ErrorIs(t, err, payment.ErrGatewayFailure)
	assert.Equal(t, payment.StatusApproved, e.payment(t, orderID).Status)
	assert.Equal(t, 100, e.balance(t))
}

func TestRefundAfterSpendingNeedsManualFix(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	orderID := e.purchase(t)
	_, err := e.credits.DeductUsage(ctx, e.user, 60, "virtual try-on", "usage-1")
	require.NoError(t, err)

	_, err = e.svc.Refund(ctx, orderID, e.user)
	require.ErrorIs(t, err, payment.ErrRefundNeedsManualFix)
	assert.ErrorContains(t, err, credit.ErrInsufficientCredits.Error())

	p := e.payment(t, orderID)
	assert.Equal(t, payment.StatusApproved, p.Status)
	assert.Equal(t, 40, e.balance(t))
	assert.Equal(t, 1, e.gateway.cancels)

	entries := e.audits(t, p.ID, audit.ActionRefundCreditDeduct)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.StatusFailure, entries[0].Status)
	assert.Equal(t, true, entries[0].Details["needsManualFix"])
}

func TestCallbacksOnlyCloseReadyPayments(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	ready, err := e.svc.Ready(ctx, e.user, testPackage)
	require.NoError(t, err)
	p, err := e.svc.Cancel(ctx, ready.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, p.Status)

	// Redelivered callbacks do not move closed payments.
	p, err = e.svc.Fail(ctx, ready.OrderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, p.Status)

	ignored := e.audits(t, p.ID, audit.ActionFail)
	require.Len(t, ignored, 1)
	assert.Equal(t, true, ignored[0].Details["ignored"])
	assert.Equal(t, string(payment.StatusCancelled), ignored[0].Details["from"])

	orderID := e.purchase(t)
	p, err = e.svc.Fail(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusApproved, p.Status)
	assert.Equal(t, payment.StatusApproved, e.payment(t, orderID).Status)
	assert.Len(t, e.audits(t, p.ID, audit.ActionFail), 1)

	_, err = e.svc.Cancel(ctx, "credit-missing")
	assert.ErrorIs(t, err, payment.ErrPaymentNotFound)
}

func TestProcessGrantCreditEventSkipsLeasedEvent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ledger.failNext(1)
	orderID := e.purchase(t)
	p := e.payment(t, orderID)

	claimed, err := e.store.Outbox().ClaimDue(ctx, "worker-a", 10, 5*time.Minute, time.Now().UTC().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = e.svc.ProcessGrantCreditEvent(ctx, p.ID)
	assert.ErrorIs(t, err, outbox.ErrEventLeased)
	assert.Equal(t, 0, e.balance(t))
	assert.Equal(t, 1, e.grantEvent(t, p.ID).RetryCount)

	// The lease holder finishes the grant.
	require.NoError(t, e.svc.HandleGrantCreditEvent(ctx, claimed[0]))
	assert.Equal(t, 100, e.balance(t))
	assert.True(t, e.payment(t, orderID).CreditGranted)
}
