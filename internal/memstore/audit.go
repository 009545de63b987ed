package memstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/audit"
)

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	s *Store
}

var _ audit.Repository = (*AuditRepository)(nil)

func (r *AuditRepository) Insert(_ context.Context, e *audit.Entry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.insertAudit(e)
	return nil
}

func (r *AuditRepository) ListByPayment(_ context.Context, paymentID uuid.UUID) ([]*audit.Entry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*audit.Entry, 0)
	for _, e := range r.s.audits {
		if e.PaymentID == paymentID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// insertAudit requires s.mu.
func (s *Store) insertAudit(e *audit.Entry) {
	if e == nil {
		return
	}
	c := *e
	s.audits = append(s.audits, &c)
}
