package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/outbox"
)

// OutboxRepository implements outbox.Repository.
type OutboxRepository struct {
	s *Store
}

var _ outbox.Repository = (*OutboxRepository)(nil)

func (r *OutboxRepository) Insert(_ context.Context, e *outbox.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.insertEvent(e)
	return nil
}

// insertEvent requires s.mu.
func (s *Store) insertEvent(e *outbox.Event) {
	if e.MaxRetries <= 0 {
		e.MaxRetries = outbox.DefaultMaxRetries
	}
	c := *e
	s.events = append(s.events, &c)
}

// completeActive requires s.mu.
func (s *Store) completeActive(paymentID uuid.UUID, t outbox.EventType, at time.Time) int64 {
	var n int64
	for _, e := range s.events {
		if e.PaymentID == paymentID && e.EventType == t && e.Active() {
			e.Complete(at)
			n++
		}
	}
	return n
}

func (s *Store) findEvent(id uuid.UUID) *outbox.Event {
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func copyEvent(e *outbox.Event) *outbox.Event {
	c := *e
	return &c
}

func (r *OutboxRepository) GetByID(_ context.Context, id uuid.UUID) (*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEvent(id)
	if e == nil {
		return nil, outbox.ErrEventNotFound
	}
	return copyEvent(e), nil
}

func (r *OutboxRepository) FindActiveByPayment(_ context.Context, paymentID uuid.UUID, t outbox.EventType) (*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.events {
		if e.PaymentID == paymentID && e.EventType == t && e.Active() {
			return copyEvent(e), nil
		}
	}
	return nil, nil
}

func (r *OutboxRepository) FindLatestByPayment(_ context.Context, paymentID uuid.UUID, t outbox.EventType) (*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i := len(r.s.events) - 1; i >= 0; i-- {
		e := r.s.events[i]
		if e.PaymentID == paymentID && e.EventType == t {
			return copyEvent(e), nil
		}
	}
	return nil, nil
}

func (r *OutboxRepository) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*outbox.Event, 0)
	for _, e := range r.s.events {
		if e.PaymentID == paymentID {
			out = append(out, copyEvent(e))
		}
	}
	return out, nil
}

func (r *OutboxRepository) ClaimDue(_ context.Context, owner string, limit int, leaseTTL time.Duration, at time.Time) ([]*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*outbox.Event, 0)
	for _, e := range r.s.events {
		if e.Due(at) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*outbox.Event, 0, len(due))
	for _, e := range due {
		e.Claim(owner, at.Add(leaseTTL), at)
		out = append(out, copyEvent(e))
	}
	return out, nil
}

func (r *OutboxRepository) MarkProcessing(_ context.Context, id uuid.UUID, owner string, until, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEvent(id)
	if e == nil || !e.Active() {
		return outbox.ErrEventNotFound
	}
	if !e.Leasable(owner, at) {
		return outbox.ErrEventLeased
	}
	e.Claim(owner, until, at)
	return nil
}

func (r *OutboxRepository) RecordFailure(_ context.Context, id uuid.UUID, errMsg string, at time.Time) (*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEvent(id)
	if e == nil {
		return nil, outbox.ErrEventNotFound
	}
	if e.Status == outbox.StatusProcessing {
		e.Fail(errMsg, at)
	}
	return copyEvent(e), nil
}

func (r *OutboxRepository) Complete(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEvent(id)
	if e == nil {
		return outbox.ErrEventNotFound
	}
	e.Complete(at)
	return nil
}

func (r *OutboxRepository) CompleteActiveByPayment(_ context.Context, paymentID uuid.UUID, t outbox.EventType, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.completeActive(paymentID, t, at), nil
}

func (r *OutboxRepository) Reset(_ context.Context, id uuid.UUID, at time.Time) (*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.s.findEvent(id)
	if e == nil {
		return nil, outbox.ErrEventNotFound
	}
	if e.Status != outbox.StatusFailed {
		return nil, outbox.ErrEventNotFailed
	}
	e.Reset(at)
	return copyEvent(e), nil
}

func (r *OutboxRepository) BumpStalePending(_ context.Context, cutoff, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, e := range r.s.events {
		if e.Status == outbox.StatusPending && e.CreatedAt.Before(cutoff) {
			e.NextRetryAt = at
			e.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (*outbox.Stats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stats := &outbox.Stats{}
	for _, e := range r.s.events {
		switch e.Status {
		case outbox.StatusPending:
			stats.Pending++
		case outbox.StatusProcessing:
			stats.Processing++
		case outbox.StatusCompleted:
			stats.Completed++
		case outbox.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) ListFailed(_ context.Context, limit int) ([]*outbox.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]*outbox.Event, 0)
	for _, e := range r.s.events {
		if e.Status == outbox.StatusFailed {
			out = append(out, copyEvent(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
