package outbox_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/memstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo  outbox.Repository
	clock *clock
	reg   *prometheus.Registry
	proc  *outbox.Processor
}

func newFixture(t *testing.T, cfg outbox.ProcessorConfig) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cfg.Clock = c.Now
	if cfg.Owner == "" {
		cfg.Owner = "test-worker"
	}
	reg := prometheus.NewRegistry()
	repo := memstore.New().Outbox()
	return &fixture{
		repo:  repo,
		clock: c,
		reg:   reg,
		proc:  outbox.NewProcessor(repo, cfg, outbox.MustNewMetrics(reg)),
	}
}

func (f *fixture) enqueue(t *testing.T, createdAt time.Time) *outbox.Event {
	t.Helper()
	e := outbox.NewGrantCreditEvent(outbox.Payload{PaymentID: uuid.New(), UserID: uuid.New(), Credits: 10}, createdAt)
	require.NoError(t, f.repo.Insert(context.Background(), e))
	return e
}

// completing is a handler that completes every event and records the order.
func (f *fixture) completing(seen *[]uuid.UUID) outbox.HandlerFunc {
	return func(ctx context.Context, e *outbox.Event) error {
		*seen = append(*seen, e.ID)
		return f.repo.Complete(ctx, e.ID, f.clock.Now())
	}
}

func (f *fixture) failing() outbox.HandlerFunc {
	return func(ctx context.Context, e *outbox.Event) error {
		if _, err := f.repo.RecordFailure(ctx, e.ID, "ledger unavailable", f.clock.Now()); err != nil {
			return err
		}
		return errors.New("ledger unavailable")
	}
}

func TestProcessPendingFIFO(t *testing.T) {
	f := newFixture(t, outbox.ProcessorConfig{})
	base := f.clock.Now().Add(-time.Minute)
	third := f.enqueue(t, base.Add(2*time.Second))
	first := f.enqueue(t, base)
	second := f.enqueue(t, base.Add(time.Second))

	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))

	res, err := f.proc.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &outbox.BatchResult{Claimed: 3, Succeeded: 3}, res)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, seen)

	stats, err := f.proc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Completed)

	expected := `
# HELP closzit_outbox_events_processed_total Outbox events dispatched, by type and result.
# TYPE closzit_outbox_events_processed_total counter
closzit_outbox_events_processed_total{event_type="GRANT_CREDIT",result="success"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "closzit_outbox_events_processed_total"))
}

func TestProcessPendingRespectsBatchSize(t *testing.T) {
	f := newFixture(t, outbox.ProcessorConfig{BatchSize: 10})
	for i := 0; i < 12; i++ {
		f.enqueue(t, f.clock.Now().Add(-time.Duration(12-i)*time.Second))
	}
	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))

	res, err := f.proc.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Claimed)

	res, err = f.proc.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
}

func TestFailingEventDoesNotBlockBatch(t *testing.T) {
	f := newFixture(t, outbox.ProcessorConfig{})
	now := f.clock.Now()
	bad := f.enqueue(t, now.Add(-3*time.Second))
	f.enqueue(t, now.Add(-2*time.Second))
	f.enqueue(t, now.Add(-time.Second))

	var seen []uuid.UUID
	ok := f.completing(&seen)
	fail := f.failing()
	f.proc.Handle(outbox.EventGrantCredit, func(ctx context.Context, e *outbox.Event) error {
		if e.ID == bad.ID {
			return fail(ctx, e)
		}
		return ok(ctx, e)
	})

	res, err := f.proc.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	got, err := f.repo.GetByID(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, now.Add(time.Minute), got.NextRetryAt)
}

func TestEventFailsAfterMaxRetriesUntilManualRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	e := f.enqueue(t, f.clock.Now())
	f.proc.Handle(outbox.EventGrantCredit, f.failing())

	for i := 0; i < outbox.DefaultMaxRetries; i++ {
		res, err := f.proc.ProcessPending(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Claimed, "attempt %d", i+1)
		f.clock.Advance(2 * time.Hour)
	}

	got, err := f.repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)

	res, err := f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "FAILED events are not picked up")

	failed, err := f.proc.GetFailedEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ledger unavailable", *failed[0].LastError)

	reset, err := f.proc.RetryFailedEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, reset.Status)
	assert.Equal(t, 0, reset.RetryCount)
	assert.Nil(t, reset.LastError)

	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))
	res, err = f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestRetryFailedEventNotFound(t *testing.T) {
	f := newFixture(t, outbox.ProcessorConfig{})
	_, err := f.proc.RetryFailedEvent(context.Background(), uuid.New())
	assert.ErrorIs(t, err, outbox.ErrEventNotFound)
}

func TestEventWithoutHandlerRecordsFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	e := &outbox.Event{
		ID:          uuid.New(),
		EventType:   outbox.EventDeductCredit,
		Status:      outbox.StatusPending,
		NextRetryAt: f.clock.Now(),
		PaymentID:   uuid.New(),
		CreatedAt:   f.clock.Now(),
		UpdatedAt:   f.clock.Now(),
	}
	require.NoError(t, f.repo.Insert(ctx, e))

	res, err := f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := f.repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, outbox.ErrNoHandler.Error(), *got.LastError)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{LeaseTTL: time.Minute})
	e := f.enqueue(t, f.clock.Now())

	// A crashed worker leaves the event PROCESSING.
	claimed, err := f.repo.ClaimDue(ctx, "crashed-worker", 10, time.Minute, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))

	res, err := f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "live lease is respected")

	f.clock.Advance(2 * time.Minute)
	res, err = f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []uuid.UUID{e.ID}, seen)
}

func TestProcessPendingIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	f.enqueue(t, f.clock.Now())

	entered := make(chan struct{})
	release := make(chan struct{})
	f.proc.Handle(outbox.EventGrantCredit, func(ctx context.Context, e *outbox.Event) error {
		close(entered)
		<-release
		return f.repo.Complete(ctx, e.ID, f.clock.Now())
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.proc.ProcessPending(ctx)
		done <- err
	}()
	<-entered

	_, err := f.proc.ProcessPending(ctx)
	assert.ErrorIs(t, err, outbox.ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
}

type fakeLocker struct {
	held     bool
	unlocked int
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.unlocked++
		return nil
	}, true, nil
}

func TestProcessPendingUsesClusterLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))

	locker := &fakeLocker{held: true}
	f.proc.WithLocker(locker)
	_, err := f.proc.ProcessPending(ctx)
	assert.ErrorIs(t, err, outbox.ErrAlreadyRunning)

	locker.held = false
	_, err = f.proc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, locker.unlocked)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, outbox.ProcessorConfig{Interval: 10 * time.Millisecond})
	var seen []uuid.UUID
	f.proc.Handle(outbox.EventGrantCredit, f.completing(&seen))
	f.enqueue(t, f.clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := f.repo.Stats(context.Background())
		return err == nil && stats.Completed == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestMarkProcessingRespectsLiveLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	e := f.enqueue(t, f.clock.Now().Add(-time.Minute))

	claimed, err := f.repo.ClaimDue(ctx, "worker-a", 10, 2*time.Minute, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = f.repo.MarkProcessing(ctx, e.ID, "inline-approve", f.clock.Now().Add(time.Minute), f.clock.Now())
	assert.ErrorIs(t, err, outbox.ErrEventLeased)

	// The holder may renew its own lease.
	require.NoError(t, f.repo.MarkProcessing(ctx, e.ID, "worker-a", f.clock.Now().Add(time.Minute), f.clock.Now()))

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.repo.MarkProcessing(ctx, e.ID, "inline-approve", f.clock.Now().Add(time.Minute), f.clock.Now()))
	got, err := f.repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedBy)
	assert.Equal(t, "inline-approve", *got.LockedBy)

	require.NoError(t, f.repo.Complete(ctx, e.ID, f.clock.Now()))
	assert.ErrorIs(t, f.repo.MarkProcessing(ctx, e.ID, "worker-a", f.clock.Now(), f.clock.Now()), outbox.ErrEventNotFound)
}

func TestRecordFailureKeepsCompletedEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	e := f.enqueue(t, f.clock.Now().Add(-time.Minute))
	require.NoError(t, f.repo.MarkProcessing(ctx, e.ID, "worker-a", f.clock.Now().Add(time.Minute), f.clock.Now()))
	require.NoError(t, f.repo.Complete(ctx, e.ID, f.clock.Now()))

	got, err := f.repo.RecordFailure(ctx, e.ID, "late failure", f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	stats, err := f.proc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
}

func TestRetryFailedEventRejectsOtherStatuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, outbox.ProcessorConfig{})
	e := f.enqueue(t, f.clock.Now().Add(-time.Minute))

	_, err := f.proc.RetryFailedEvent(ctx, e.ID)
	assert.ErrorIs(t, err, outbox.ErrEventNotFailed)

	require.NoError(t, f.repo.Complete(ctx, e.ID, f.clock.Now()))
	_, err = f.proc.RetryFailedEvent(ctx, e.ID)
	assert.ErrorIs(t, err, outbox.ErrEventNotFailed)

	got, err := f.repo.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, got.Status)
}
