package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/closzit/closzit-api/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

// Repository is the outbox store.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*Event, error)
	// FindActiveByPayment returns the PENDING or PROCESSING event of the given type, or nil.
	FindActiveByPayment(ctx context.Context, paymentID uuid.UUID, t EventType) (*Event, error)
	// FindLatestByPayment returns the newest event of the given type in any status, or nil.
	FindLatestByPayment(ctx context.Context, paymentID uuid.UUID, t EventType) (*Event, error)
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Event, error)
	// ClaimDue leases up to limit due events to owner, oldest first. Rows claimed by
	// another processor are skipped; expired leases are reclaimed.
	ClaimDue(ctx context.Context, owner string, limit int, leaseTTL time.Duration, now time.Time) ([]*Event, error)
	// MarkProcessing leases an active event to owner. A live lease held by
	// another owner yields ErrEventLeased.
	MarkProcessing(ctx context.Context, id uuid.UUID, owner string, until, now time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (*Event, error)
	Complete(ctx context.Context, id uuid.UUID, now time.Time) error
	CompleteActiveByPayment(ctx context.Context, paymentID uuid.UUID, t EventType, now time.Time) (int64, error)
	// Reset returns ErrEventNotFailed unless the event is FAILED.
	Reset(ctx context.Context, id uuid.UUID, now time.Time) (*Event, error)
	// BumpStalePending makes PENDING events created before cutoff due now.
	BumpStalePending(ctx context.Context, cutoff, now time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	ListFailed(ctx context.Context, limit int) ([]*Event, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates the Postgres outbox repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const eventColumns = `id, event_type, payload, status, retry_count, max_retries, next_retry_at, last_error,
	payment_id, locked_by, locked_until, processed_at, created_at, updated_at`

func (r *repository) Insert(ctx context.Context, e *Event) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return insert(ctx2, r.db, e)
}

// InsertTx writes e inside a caller-owned transaction.
func InsertTx(ctx context.Context, tx *sqlx.Tx, e *Event) error {
	return insert(ctx, tx, e)
}

func insert(ctx context.Context, exec sqlx.ExecerContext, e *Event) error {
	if e.MaxRetries <= 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO payment_outbox (id, event_type, payload, status, retry_count, max_retries, next_retry_at, payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, string(e.EventType), e.Payload, string(e.Status), e.RetryCount, e.MaxRetries, e.NextRetryAt, e.PaymentID, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e Event
	err := r.db.GetContext(ctx2, &e, `SELECT `+eventColumns+` FROM payment_outbox WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return &e, nil
}

func (r *repository) FindActiveByPayment(ctx context.Context, paymentID uuid.UUID, t EventType) (*Event, error) {
	return r.findOne(ctx, `
		SELECT `+eventColumns+`
		FROM payment_outbox
		WHERE payment_id = $1 AND event_type = $2 AND status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at ASC
		LIMIT 1
	`, paymentID, string(t))
}

func (r *repository) FindLatestByPayment(ctx context.Context, paymentID uuid.UUID, t EventType) (*Event, error) {
	return r.findOne(ctx, `
		SELECT `+eventColumns+`
		FROM payment_outbox
		WHERE payment_id = $1 AND event_type = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentID, string(t))
}

func (r *repository) findOne(ctx context.Context, query string, args ...interface{}) (*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e Event
	if err := r.db.GetContext(ctx2, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find outbox event: %w", err)
	}
	return &e, nil
}

func (r *repository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	events := make([]*Event, 0)
	err := r.db.SelectContext(ctx2, &events, `
		SELECT `+eventColumns+` FROM payment_outbox WHERE payment_id = $1 ORDER BY created_at ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return events, nil
}

func (r *repository) ClaimDue(ctx context.Context, owner string, limit int, leaseTTL time.Duration, now time.Time) ([]*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	events := make([]*Event, 0, limit)
	err := r.db.SelectContext(ctx2, &events, `
		UPDATE payment_outbox
		SET status = 'PROCESSING', locked_by = $1, locked_until = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM payment_outbox
			WHERE (status = 'PENDING' AND next_retry_at <= $3)
			   OR (status = 'PROCESSING' AND locked_until < $3)
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, owner, now.Add(leaseTTL), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (r *repository) MarkProcessing(ctx context.Context, id uuid.UUID, owner string, until, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		e, err := lockEvent(ctx2, tx, id)
		if err != nil {
			return err
		}
		if !e.Active() {
			return ErrEventNotFound
		}
		if !e.Leasable(owner, now) {
			return ErrEventLeased
		}

		_, err = tx.ExecContext(ctx2, `
			UPDATE payment_outbox
			SET status = 'PROCESSING', locked_by = $2, locked_until = $3, updated_at = $4
			WHERE id = $1
		`, id, owner, until, now)
		if err != nil {
			return fmt.Errorf("mark outbox event processing: %w", err)
		}
		return nil
	})
}

func lockEvent(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*Event, error) {
	var e Event
	if err := tx.GetContext(ctx, &e, `SELECT `+eventColumns+` FROM payment_outbox WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("lock outbox event: %w", err)
	}
	return &e, nil
}

// RecordFailure applies a failed attempt to a PROCESSING event. An event that
// another path already completed or released is returned unchanged.
func (r *repository) RecordFailure(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) (*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e *Event
	err := database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		var err error
		if e, err = lockEvent(ctx2, tx, id); err != nil {
			return err
		}
		if e.Status != StatusProcessing {
			return nil
		}

		e.Fail(errMsg, now)

		_, err = tx.ExecContext(ctx2, `
			UPDATE payment_outbox
			SET status = $2, retry_count = $3, last_error = $4, next_retry_at = $5,
			    locked_by = NULL, locked_until = NULL, updated_at = $6
			WHERE id = $1
		`, e.ID, string(e.Status), e.RetryCount, e.LastError, e.NextRetryAt, now)
		if err != nil {
			return fmt.Errorf("record outbox failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repository) Complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return complete(ctx2, r.db, id, now)
}

func complete(ctx context.Context, exec sqlx.ExecerContext, id uuid.UUID, now time.Time) error {
	res, err := exec.ExecContext(ctx, `
		UPDATE payment_outbox
		SET status = 'COMPLETED', processed_at = $2, locked_by = NULL, locked_until = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("complete outbox event: %w", err)
	}
	return expectRow(res)
}

func (r *repository) CompleteActiveByPayment(ctx context.Context, paymentID uuid.UUID, t EventType, now time.Time) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return completeActiveByPayment(ctx2, r.db, paymentID, t, now)
}

// CompleteActiveByPaymentTx completes every active event of type t for the
// payment inside a caller-owned transaction.
func CompleteActiveByPaymentTx(ctx context.Context, tx *sqlx.Tx, paymentID uuid.UUID, t EventType, now time.Time) (int64, error) {
	return completeActiveByPayment(ctx, tx, paymentID, t, now)
}

func completeActiveByPayment(ctx context.Context, exec sqlx.ExecerContext, paymentID uuid.UUID, t EventType, now time.Time) (int64, error) {
	res, err := exec.ExecContext(ctx, `
		UPDATE payment_outbox
		SET status = 'COMPLETED', processed_at = $3, locked_by = NULL, locked_until = NULL, updated_at = $3
		WHERE payment_id = $1 AND event_type = $2 AND status IN ('PENDING', 'PROCESSING')
	`, paymentID, string(t), now)
	if err != nil {
		return 0, fmt.Errorf("complete outbox events: %w", err)
	}
	return res.RowsAffected()
}

// Reset gives a FAILED event a fresh retry budget.
func (r *repository) Reset(ctx context.Context, id uuid.UUID, now time.Time) (*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var e *Event
	err := database.WithTx(ctx2, r.db, func(tx *sqlx.Tx) error {
		var err error
		if e, err = lockEvent(ctx2, tx, id); err != nil {
			return err
		}
		if e.Status != StatusFailed {
			return ErrEventNotFailed
		}

		e.Reset(now)

		_, err = tx.ExecContext(ctx2, `
			UPDATE payment_outbox
			SET status = 'PENDING', retry_count = 0, next_retry_at = $2, last_error = NULL,
			    locked_by = NULL, locked_until = NULL, updated_at = $2
			WHERE id = $1
		`, id, now)
		if err != nil {
			return fmt.Errorf("reset outbox event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repository) BumpStalePending(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx2, `
		UPDATE payment_outbox
		SET next_retry_at = $2, updated_at = $2
		WHERE status = 'PENDING' AND created_at < $1
	`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("bump stale outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (r *repository) Stats(ctx context.Context) (*Stats, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rows []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx2, &rows, `SELECT status, COUNT(*) AS count FROM payment_outbox GROUP BY status`); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}

	stats := &Stats{}
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending = row.Count
		case StatusProcessing:
			stats.Processing = row.Count
		case StatusCompleted:
			stats.Completed = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

func (r *repository) ListFailed(ctx context.Context, limit int) ([]*Event, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	events := make([]*Event, 0)
	err := r.db.SelectContext(ctx2, &events, `
		SELECT `+eventColumns+`
		FROM payment_outbox
		WHERE status = 'FAILED'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox events: %w", err)
	}
	return events, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}
