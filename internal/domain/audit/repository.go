package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

const queryTimeout = 3 * time.Second

// Repository persists audit entries. Entries are never updated.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Entry, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates the Postgres audit repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Insert(ctx context.Context, e *Entry) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return insert(ctx2, r.db, e)
}

// InsertTx writes e inside a caller-owned transaction.
func InsertTx(ctx context.Context, tx *sqlx.Tx, e *Entry) error {
	return insert(ctx, tx, e)
}

func insert(ctx context.Context, exec sqlx.ExecerContext, e *Entry) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO payment_audit_logs (id, payment_id, action, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.PaymentID, string(e.Action), string(e.Status), e.Details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *repository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*Entry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	entries := make([]*Entry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT id, payment_id, action, status, details, created_at
		FROM payment_audit_logs
		WHERE payment_id = $1
		ORDER BY created_at ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

// Record writes e outside any transaction. A failed audit write is logged and
// never fails the caller.
func Record(ctx context.Context, repo Repository, e *Entry) {
	if err := repo.Insert(ctx, e); err != nil {
		log.Error().Err(err).
			Str("payment_id", e.PaymentID.String()).
			Str("action", string(e.Action)).
			Str("status", string(e.Status)).
			Msg("failed to write audit entry")
	}
}
