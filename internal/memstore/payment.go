package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
)

// PaymentRepository implements payment.Repository.
type PaymentRepository struct {
	s *Store
}

var _ payment.Repository = (*PaymentRepository)(nil)

func copyPayment(p *payment.Payment) *payment.Payment {
	c := *p
	return &c
}

func (r *PaymentRepository) Create(_ context.Context, p *payment.Payment, entry *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := copyPayment(p)
	r.s.payments[c.ID] = c
	r.s.orders[c.OrderID] = c.ID
	r.s.insertAudit(entry)
	return nil
}

func (r *PaymentRepository) GetByID(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (r *PaymentRepository) GetByOrderID(_ context.Context, orderID string) (*payment.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.orders[orderID]
	if !ok {
		return nil, payment.ErrPaymentNotFound
	}
	return copyPayment(r.s.payments[id]), nil
}

func (r *PaymentRepository) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*payment.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.filterPayments(func(p *payment.Payment) bool { return p.UserID == userID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *PaymentRepository) SetGatewayTransaction(_ context.Context, id uuid.UUID, tid string, entry *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	p.GatewayTransactionID = &tid
	p.UpdatedAt = now()
	r.s.insertAudit(entry)
	return nil
}

func (r *PaymentRepository) TransitionFromReady(_ context.Context, id uuid.UUID, to payment.Status, entry *audit.Entry) (bool, error) {
	if !payment.CanTransition(payment.StatusReady, to) || to == payment.StatusApproved {
		return false, payment.ErrInvalidState
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return false, payment.ErrPaymentNotFound
	}
	if p.Status != payment.StatusReady {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = now()
	r.s.insertAudit(entry)
	return true, nil
}

func (r *PaymentRepository) Approve(_ context.Context, id uuid.UUID, a payment.Approval, event *outbox.Event, entry *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	if p.Status != payment.StatusReady {
		return payment.ErrConcurrentApproval
	}

	approvedAt := a.ApprovedAt
	method := a.PaymentMethod
	p.Status = payment.StatusApproved
	p.ApprovedAt = &approvedAt
	p.PaymentMethod = &method
	p.UpdatedAt = approvedAt
	r.s.insertEvent(event)
	r.s.insertAudit(entry)
	return nil
}

func (r *PaymentRepository) MarkCreditGranted(_ context.Context, id, historyID uuid.UUID, entry *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	t := now()
	r.s.completeActive(id, outbox.EventGrantCredit, t)
	if p.CreditGranted {
		return nil
	}
	p.CreditGranted = true
	p.CreditHistoryID = uuid.NullUUID{UUID: historyID, Valid: true}
	p.UpdatedAt = t
	r.s.insertAudit(entry)
	return nil
}

func (r *PaymentRepository) MarkRefunded(_ context.Context, id uuid.UUID, rf payment.Refund, entry *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.payments[id]
	if !ok {
		return payment.ErrPaymentNotFound
	}
	if p.Status != payment.StatusApproved {
		return payment.ErrInvalidState
	}
	refundedAt := rf.RefundedAt
	p.Status = payment.StatusRefunded
	p.RefundedAt = &refundedAt
	p.RefundedAmount = rf.RefundedAmount
	p.RefundHistoryID = uuid.NullUUID{UUID: rf.HistoryID, Valid: true}
	p.UpdatedAt = refundedAt
	r.s.insertAudit(entry)
	return nil
}

func (r *PaymentRepository) ListApprovedUngranted(_ context.Context, approvedBefore time.Time) ([]*payment.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := r.s.filterPayments(func(p *payment.Payment) bool {
		return p.Status == payment.StatusApproved && !p.CreditGranted &&
			p.ApprovedAt != nil && p.ApprovedAt.Before(approvedBefore)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ApprovedAt.Before(*out[j].ApprovedAt) })
	return out, nil
}

func (r *PaymentRepository) ListGrantedByUser(_ context.Context, userID uuid.UUID) ([]*payment.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.s.filterPayments(func(p *payment.Payment) bool {
		return p.UserID == userID && p.Status == payment.StatusApproved && p.CreditGranted
	}), nil
}

// filterPayments requires s.mu.
func (s *Store) filterPayments(keep func(*payment.Payment) bool) []*payment.Payment {
	out := make([]*payment.Payment, 0)
	for _, p := range s.payments {
		if keep(p) {
			out = append(out, copyPayment(p))
		}
	}
	return out
}
