// Package memstore keeps every payment table in process memory. It backs
// STORAGE_DRIVER=memory and the workflow tests; all views share one mutex so
// multi-table writes are atomic like their Postgres transactions.
package memstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/audit"
	"github.com/closzit/closzit-api/internal/domain/credit"
	"github.com/closzit/closzit-api/internal/domain/outbox"
	"github.com/closzit/closzit-api/internal/domain/payment"
)

// Store is the shared state behind the repository views.
type Store struct {
	mu sync.Mutex

	accounts    map[uuid.UUID]*credit.Account
	history     []*credit.HistoryEntry
	historyKeys map[string]*credit.HistoryEntry

	payments map[uuid.UUID]*payment.Payment
	orders   map[string]uuid.UUID

	events []*outbox.Event
	audits []*audit.Entry
}

func New() *Store {
	return &Store{
		accounts:    make(map[uuid.UUID]*credit.Account),
		historyKeys: make(map[string]*credit.HistoryEntry),
		payments:    make(map[uuid.UUID]*payment.Payment),
		orders:      make(map[string]uuid.UUID),
	}
}

func (s *Store) Credits() *CreditRepository   { return &CreditRepository{s: s} }
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }
func (s *Store) Outbox() *OutboxRepository    { return &OutboxRepository{s: s} }
func (s *Store) Audit() *AuditRepository      { return &AuditRepository{s: s} }

// SeedPayment stores p as is, bypassing the workflow. Used for imported data.
func (s *Store) SeedPayment(p *payment.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.payments[c.ID] = &c
	s.orders[c.OrderID] = c.ID
}

func now() time.Time { return time.Now().UTC() }
