package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/pkg/database"
)

const queryTimeout = 5 * time.Second

// Repository persists payments. Methods taking an audit entry write it in the
// same transaction as the state change.
type Repository interface {
	Create(ctx context.Context, p *Payment, entry *audit.Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Payment, error)
	SetGatewayTransaction(ctx context.Context, id uuid.UUID, tid string, entry *audit.Entry) error
	// TransitionFromReady moves a READY payment to `to`. It reports false when
	// the payment had already left READY.
	TransitionFromReady(ctx context.Context, id uuid.UUID, to Status, entry *audit.Entry) (bool, error)
	// Approve re-checks READY under a row lock, then commits APPROVED, the
	// grant event and the audit entry together. ErrConcurrentApproval when
	// another approval won.
	Approve(ctx context.Context, id uuid.UUID, a Approval, event *outbox.Event, entry *audit.Entry) error
	// MarkCreditGranted sets creditGranted and completes every active grant
	// event of the payment.
	MarkCreditGranted(ctx context.Context, id, historyID uuid.UUID, entry *audit.Entry) error
	MarkRefunded(ctx context.Context, id uuid.UUID, r Refund, entry *audit.Entry) error
	ListApprovedUngranted(ctx context.Context, approvedBefore time.Time) ([]*Payment, error)
	ListGrantedByUser(ctx context.Context, userID uuid.UUID) ([]*Payment, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates the Postgres payment repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const paymentColumns = `id, order_id, user_id, package_id, credits, amount, status, gateway_tid, payment_method,
	credit_granted, credit_history_id, refund_history_id, refunded_amount, created_at, approved_at, refunded_at, updated_at`

func (r *repository) Create(ctx context.Context, p *Payment, entry *audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO kakao_payments (id, order_id, user_id, package_id, credits, amount, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.ID, p.OrderID, p.UserID, p.PackageID, p.Credits, p.Amount, string(p.Status), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		return audit.InsertTx(ctx, tx, entry)
	})
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM kakao_payments WHERE id = $1`, id)
}

func (r *repository) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM kakao_payments WHERE order_id = $1`, orderID)
}

func (r *repository) getOne(ctx context.Context, query string, arg interface{}) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Payment
	if err := r.db.GetContext(ctx, &p, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	payments := make([]*Payment, 0)
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+`
		FROM kakao_payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func (r *repository) SetGatewayTransaction(ctx context.Context, id uuid.UUID, tid string, entry *audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE kakao_payments SET gateway_tid = $2, updated_at = NOW() WHERE id = $1
		`, id, tid); err != nil {
			return fmt.Errorf("set gateway transaction: %w", err)
		}
		return audit.InsertTx(ctx, tx, entry)
	})
}

func (r *repository) TransitionFromReady(ctx context.Context, id uuid.UUID, to Status, entry *audit.Entry) (bool, error) {
	if !CanTransition(StatusReady, to) || to == StatusApproved {
		return false, ErrInvalidState
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var moved bool
	err := database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kakao_payments SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'READY'
		`, id, string(to))
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		moved = true
		return audit.InsertTx(ctx, tx, entry)
	})
	return moved, err
}

func (r *repository) Approve(ctx context.Context, id uuid.UUID, a Approval, event *outbox.Event, entry *audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var status Status
		if err := tx.GetContext(ctx, &status, `SELECT status FROM kakao_payments WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("lock payment: %w", err)
		}
		if status != StatusReady {
			return ErrConcurrentApproval
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE kakao_payments
			SET status = 'APPROVED', approved_at = $2, payment_method = $3, updated_at = $2
			WHERE id = $1
		`, id, a.ApprovedAt, a.PaymentMethod); err != nil {
			return fmt.Errorf("approve payment: %w", err)
		}
		if err := outbox.InsertTx(ctx, tx, event); err != nil {
			return err
		}
		return audit.InsertTx(ctx, tx, entry)
	})
}

func (r *repository) MarkCreditGranted(ctx context.Context, id, historyID uuid.UUID, entry *audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kakao_payments
			SET credit_granted = TRUE, credit_history_id = $2, updated_at = NOW()
			WHERE id = $1 AND credit_granted = FALSE
		`, id, historyID)
		if err != nil {
			return fmt.Errorf("mark credit granted: %w", err)
		}
		if _, err := outbox.CompleteActiveByPaymentTx(ctx, tx, id, outbox.EventGrantCredit, time.Now().UTC()); err != nil {
			return err
		}
		// A concurrent grant already recorded its own audit entry.
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return audit.InsertTx(ctx, tx, entry)
	})
}

func (r *repository) MarkRefunded(ctx context.Context, id uuid.UUID, rf Refund, entry *audit.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE kakao_payments
			SET status = 'REFUNDED', refunded_at = $2, refunded_amount = $3, refund_history_id = $4, updated_at = $2
			WHERE id = $1 AND status = 'APPROVED'
		`, id, rf.RefundedAt, rf.RefundedAmount, rf.HistoryID)
		if err != nil {
			return fmt.Errorf("mark payment refunded: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInvalidState
		}
		return audit.InsertTx(ctx, tx, entry)
	})
}

func (r *repository) ListApprovedUngranted(ctx context.Context, approvedBefore time.Time) ([]*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	payments := make([]*Payment, 0)
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+`
		FROM kakao_payments
		WHERE status = 'APPROVED' AND credit_granted = FALSE AND approved_at < $1
		ORDER BY approved_at ASC
	`, approvedBefore)
	if err != nil {
		return nil, fmt.Errorf("list ungranted payments: %w", err)
	}
	return payments, nil
}

func (r *repository) ListGrantedByUser(ctx context.Context, userID uuid.UUID) ([]*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	payments := make([]*Payment, 0)
	err := r.db.SelectContext(ctx, &payments, `
		SELECT `+paymentColumns+`
		FROM kakao_payments
		WHERE user_id = $1 AND status = 'APPROVED' AND credit_granted = TRUE
		ORDER BY approved_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list granted payments: %w", err)
	}
	return payments, nil
}
