package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultInterval  = time.Minute
	defaultBatchSize = 10
	defaultLeaseTTL  = 2 * time.Minute
	defaultLockKey   = "closzit:outbox:processor"
)

// HandlerFunc performs the side-effect of one event. Handlers own their
// bookkeeping: they complete the event or record the failed attempt.
type HandlerFunc func(ctx context.Context, e *Event) error

// Locker provides a cluster-wide mutual exclusion for processing runs.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// ProcessorConfig configures a Processor. Zero values fall back to defaults.
type ProcessorConfig struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
	Owner     string
	LockKey   string
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// BatchResult summarises one processing run.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Processor drains due outbox events periodically. At most one run is active
// per process, and per cluster when a Locker is configured.
type Processor struct {
	repo     Repository
	handlers map[EventType]HandlerFunc
	locker   Locker
	metrics  *Metrics
	cfg      ProcessorConfig
	running  atomic.Bool
	now      func() time.Time
}

// NewProcessor creates an outbox processor
func NewProcessor(repo Repository, cfg ProcessorConfig, metrics *Metrics) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.LockKey == "" {
		cfg.LockKey = defaultLockKey
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		repo:     repo,
		handlers: make(map[EventType]HandlerFunc),
		metrics:  metrics,
		cfg:      cfg,
		now:      cfg.Clock,
	}
}

// WithLocker enables the cluster-wide lock.
func (p *Processor) WithLocker(l Locker) *Processor {
	p.locker = l
	return p
}

// Handle registers h for events of type t. Call before Run.
func (p *Processor) Handle(t EventType, h HandlerFunc) {
	p.handlers[t] = h
}

// Owner returns the lease owner identity of this processor.
func (p *Processor) Owner() string {
	return p.cfg.Owner
}

// Run processes events every interval until ctx is cancelled. It runs once
// immediately on start.
func (p *Processor) Run(ctx context.Context) error {
	log.Info().Dur("interval", p.cfg.Interval).Str("owner", p.cfg.Owner).Msg("Starting outbox processor...")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			log.Info().Msg("Stopping outbox processor...")
			return nil
		}
	}
}

func (p *Processor) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Interval)
	defer cancel()

	res, err := p.ProcessPending(ctx)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		log.Debug().Msg("outbox run skipped, another run is active")
	case err != nil:
		log.Error().Err(err).Msg("outbox run failed")
	case res.Claimed > 0:
		log.Info().Int("claimed", res.Claimed).Int("succeeded", res.Succeeded).Int("failed", res.Failed).Msg("outbox batch processed")
	}
}

// ProcessPending claims one batch of due events and dispatches them in FIFO
// order. A failing event never stops the batch. Returns ErrAlreadyRunning
// when another run holds the guard.
func (p *Processor) ProcessPending(ctx context.Context) (*BatchResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.observeSkip()
		return nil, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	if p.locker != nil {
		unlock, ok, err := p.locker.TryLock(ctx, p.cfg.LockKey, p.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire outbox lock: %w", err)
		}
		if !ok {
			p.metrics.observeSkip()
			return nil, ErrAlreadyRunning
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("failed to release outbox lock")
			}
		}()
	}

	start := time.Now()
	defer func() { p.metrics.observeBatch(time.Since(start)) }()

	events, err := p.repo.ClaimDue(ctx, p.cfg.Owner, p.cfg.BatchSize, p.cfg.LeaseTTL, p.now())
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Claimed: len(events)}
	for _, e := range events {
		if err := p.dispatch(ctx, e); err != nil {
			res.Failed++
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

func (p *Processor) dispatch(ctx context.Context, e *Event) error {
	l := log.With().
		Str("event_id", e.ID.String()).
		Str("event_type", string(e.EventType)).
		Str("payment_id", e.PaymentID.String()).
		Logger()

	h, ok := p.handlers[e.EventType]
	if !ok {
		p.metrics.observeEvent(e.EventType, "no_handler")
		if _, err := p.repo.RecordFailure(ctx, e.ID, ErrNoHandler.Error(), p.now()); err != nil {
			l.Error().Err(err).Msg("failed to record outbox failure")
		}
		l.Warn().Msg("no handler registered for outbox event")
		return ErrNoHandler
	}

	if err := h(ctx, e); err != nil {
		p.metrics.observeEvent(e.EventType, "failure")
		l.Error().Err(err).Int("retry_count", e.RetryCount).Msg("outbox event processing failed")
		return err
	}

	p.metrics.observeEvent(e.EventType, "success")
	l.Debug().Msg("outbox event processed")
	return nil
}

// RetryFailedEvent resets the event so the next run picks it up.
func (p *Processor) RetryFailedEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := p.repo.Reset(ctx, id, p.now())
	if err != nil {
		return nil, err
	}
	log.Info().Str("event_id", id.String()).Msg("outbox event reset for retry")
	return e, nil
}

// GetStats counts events per status.
func (p *Processor) GetStats(ctx context.Context) (*Stats, error) {
	stats, err := p.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	p.metrics.observeStats(stats)
	return stats, nil
}

// GetFailedEvents lists FAILED events, newest first.
func (p *Processor) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 20
	}
	return p.repo.ListFailed(ctx, limit)
}
