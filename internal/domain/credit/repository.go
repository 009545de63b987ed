package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/closzit/closzit-api/internal/pkg/database"
)

const queryTimeout = 3 * time.Second

// Repository is the persistence contract of the ledger.
type Repository interface {
	// CreateAccount provisions a zero-balance account. Calling it twice is a no-op.
	CreateAccount(ctx context.Context, userID uuid.UUID) error
	GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error)
	// FindByIdempotencyKey returns nil, nil when the key is unused.
	FindByIdempotencyKey(ctx context.Context, key string) (*HistoryEntry, error)
	// Apply performs the conditional balance update and the history insert atomically.
	// It returns ErrVersionConflict when the account moved past m.ExpectedVersion and
	// ErrDuplicateIdempotencyKey when the key was recorded concurrently.
	Apply(ctx context.Context, m Mutation) (*HistoryEntry, error)
	GetHistoryEntry(ctx context.Context, id uuid.UUID) (*HistoryEntry, error)
	ListHistory(ctx context.Context, userID uuid.UUID, p Pagination) ([]*HistoryEntry, error)
	// SumHistory sums history amounts, optionally restricted to the given types.
	SumHistory(ctx context.Context, userID uuid.UUID, types ...TxType) (int, error)
}

// CreditRepository is the Postgres implementation of Repository.
type CreditRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

const historyColumns = `id, user_id, type, amount, balance_before, balance_after, idempotency_key, description, created_at`

func (r *CreditRepository) CreateAccount(ctx context.Context, userID uuid.UUID) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_accounts (user_id, balance, version)
		VALUES ($1, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("%w: create account: %v", ErrInternal, err)
	}
	return nil
}

func (r *CreditRepository) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acc Account
	err := r.db.GetContext(ctx2, &acc, `
		SELECT user_id, balance, version, created_at, updated_at
		FROM credit_accounts
		WHERE user_id = $1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account: %v", ErrInternal, err)
	}
	return &acc, nil
}

func (r *CreditRepository) FindByIdempotencyKey(ctx context.Context, key string) (*HistoryEntry, error) {
	if key == "" {
		return nil, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry HistoryEntry
	err := r.db.GetContext(ctx2, &entry, `SELECT `+historyColumns+` FROM credit_history WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find by idempotency key: %v", ErrInternal, err)
	}
	return &entry, nil
}

func (r *CreditRepository) Apply(ctx context.Context, m Mutation) (*HistoryEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	// Re-check inside the transaction; the unique index below settles any remaining race.
	if m.IdempotencyKey != "" {
		var exists bool
		if err := tx.GetContext(ctx2, &exists, `SELECT EXISTS (SELECT 1 FROM credit_history WHERE idempotency_key = $1)`, m.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("%w: check idempotency key", ErrInternal)
		}
		if exists {
			return nil, ErrDuplicateIdempotencyKey
		}
	}

	result, err := tx.ExecContext(ctx2, `
		UPDATE credit_accounts
		SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE user_id = $2 AND version = $3
	`, m.BalanceAfter(), m.UserID, m.ExpectedVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: update balance", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return nil, ErrVersionConflict
	}

	entry := &HistoryEntry{
		ID:            uuid.New(),
		UserID:        m.UserID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter(),
		Description:   m.Description,
	}
	if m.IdempotencyKey != "" {
		key := m.IdempotencyKey
		entry.IdempotencyKey = &key
	}

	err = tx.QueryRowxContext(ctx2, `
		INSERT INTO credit_history (id, user_id, type, amount, balance_before, balance_after, idempotency_key, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, entry.ID, entry.UserID, string(entry.Type), entry.Amount, entry.BalanceBefore, entry.BalanceAfter, entry.IdempotencyKey, entry.Description).Scan(&entry.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrDuplicateIdempotencyKey
		}
		return nil, fmt.Errorf("%w: insert history", ErrInternal)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return entry, nil
}

func (r *CreditRepository) GetHistoryEntry(ctx context.Context, id uuid.UUID) (*HistoryEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry HistoryEntry
	err := r.db.GetContext(ctx2, &entry, `SELECT `+historyColumns+` FROM credit_history WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get history entry: %v", ErrInternal, err)
	}
	return &entry, nil
}

func (r *CreditRepository) ListHistory(ctx context.Context, userID uuid.UUID, p Pagination) ([]*HistoryEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	entries := make([]*HistoryEntry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT `+historyColumns+`
		FROM credit_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrInternal, err)
	}
	return entries, nil
}

func (r *CreditRepository) SumHistory(ctx context.Context, userID uuid.UUID, types ...TxType) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT COALESCE(SUM(amount), 0) FROM credit_history WHERE user_id = $1`
	args := []interface{}{userID}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND type = ANY($2)`
		args = append(args, pq.Array(names))
	}

	var sum int
	if err := r.db.GetContext(ctx2, &sum, query, args...); err != nil {
		return 0, fmt.Errorf("%w: sum history: %v", ErrInternal, err)
	}
	return sum, nil
}
