package outbox

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names the side-effect an event requests.
type EventType string

const (
	EventGrantCredit EventType = "GRANT_CREDIT"
	// EventDeductCredit is reserved; no handler is registered for it yet.
	EventDeductCredit EventType = "DEDUCT_CREDIT"
)

// Status is the processing state of an event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

const DefaultMaxRetries = 3

// Payload carries what a handler needs to perform the side-effect.
type Payload struct {
	PaymentID               uuid.UUID `json:"paymentId"`
	UserID                  uuid.UUID `json:"userId"`
	Credits                 int       `json:"credits"`
	Amount                  int       `json:"amount"`
	OrderID                 string    `json:"orderId"`
	IdempotencyKey          string    `json:"idempotencyKey"`
	CreatedByReconciliation bool      `json:"createdByReconciliation,omitempty"`
}

func (p Payload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Payload{}
		return nil
	default:
		return fmt.Errorf("outbox payload: unsupported type %T", src)
	}
}

// Event is a durable request for a side-effect, retained after completion.
type Event struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	EventType   EventType  `db:"event_type" json:"event_type"`
	Payload     Payload    `db:"payload" json:"payload"`
	Status      Status     `db:"status" json:"status"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	MaxRetries  int        `db:"max_retries" json:"max_retries"`
	NextRetryAt time.Time  `db:"next_retry_at" json:"next_retry_at"`
	LastError   *string    `db:"last_error" json:"last_error,omitempty"`
	PaymentID   uuid.UUID  `db:"payment_id" json:"payment_id"`
	LockedBy    *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedUntil *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// NewGrantCreditEvent builds a PENDING event that is due immediately.
func NewGrantCreditEvent(p Payload, now time.Time) *Event {
	return &Event{
		ID:          uuid.New(),
		EventType:   EventGrantCredit,
		Payload:     p,
		Status:      StatusPending,
		MaxRetries:  DefaultMaxRetries,
		NextRetryAt: now,
		PaymentID:   p.PaymentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Active reports whether the event still awaits completion.
func (e *Event) Active() bool {
	return e.Status == StatusPending || e.Status == StatusProcessing
}

// Due reports whether a processor may claim the event at now.
func (e *Event) Due(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return !e.NextRetryAt.After(now)
	case StatusProcessing:
		return e.LockedUntil != nil && e.LockedUntil.Before(now)
	}
	return false
}

// Leasable reports whether owner may take the lease at now: the event is
// PENDING, its lease expired, or owner already holds it.
func (e *Event) Leasable(owner string, now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusProcessing:
		if e.LockedBy != nil && *e.LockedBy == owner {
			return true
		}
		return e.LockedUntil != nil && e.LockedUntil.Before(now)
	}
	return false
}

// Claim marks the event PROCESSING under owner until the lease expires.
func (e *Event) Claim(owner string, until, now time.Time) {
	e.Status = StatusProcessing
	e.LockedBy = &owner
	e.LockedUntil = &until
	e.UpdatedAt = now
}

// Fail records a failed attempt: the event goes back to PENDING with a backoff
// delay, or to FAILED once retries are exhausted.
func (e *Event) Fail(errMsg string, now time.Time) {
	e.RetryCount++
	e.LastError = &errMsg
	e.LockedBy = nil
	e.LockedUntil = nil
	e.UpdatedAt = now
	if e.RetryCount >= e.MaxRetries {
		e.Status = StatusFailed
		return
	}
	e.Status = StatusPending
	e.NextRetryAt = NextRetryAt(now, e.RetryCount)
}

// Complete marks the event done.
func (e *Event) Complete(now time.Time) {
	e.Status = StatusCompleted
	e.ProcessedAt = &now
	e.LockedBy = nil
	e.LockedUntil = nil
	e.UpdatedAt = now
}

// Reset makes the event due again with a fresh retry budget.
func (e *Event) Reset(now time.Time) {
	e.Status = StatusPending
	e.RetryCount = 0
	e.NextRetryAt = now
	e.LastError = nil
	e.LockedBy = nil
	e.LockedUntil = nil
	e.UpdatedAt = now
}

// Stats counts events per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
