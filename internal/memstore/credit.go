package memstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/credit"
)

// CreditRepository implements credit.Repository.
type CreditRepository struct {
	s *Store
}

var _ credit.Repository = (*CreditRepository)(nil)

func (r *CreditRepository) CreateAccount(_ context.Context, userID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.accounts[userID]; ok {
		return nil
	}
	t := now()
	r.s.accounts[userID] = &credit.Account{UserID: userID, CreatedAt: t, UpdatedAt: t}
	return nil
}

func (r *CreditRepository) GetAccount(_ context.Context, userID uuid.UUID) (*credit.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	acc, ok := r.s.accounts[userID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	c := *acc
	return &c, nil
}

func (r *CreditRepository) FindByIdempotencyKey(_ context.Context, key string) (*credit.HistoryEntry, error) {
	if key == "" {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e, ok := r.s.historyKeys[key]; ok {
		c := *e
		return &c, nil
	}
	return nil, nil
}

func (r *CreditRepository) Apply(_ context.Context, m credit.Mutation) (*credit.HistoryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if m.IdempotencyKey != "" {
		if _, ok := r.s.historyKeys[m.IdempotencyKey]; ok {
			return nil, credit.ErrDuplicateIdempotencyKey
		}
	}
	acc, ok := r.s.accounts[m.UserID]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	if acc.Version != m.ExpectedVersion {
		return nil, credit.ErrVersionConflict
	}
	if m.BalanceAfter() < 0 {
		return nil, credit.ErrInsufficientCredits
	}

	t := now()
	acc.Balance = m.BalanceAfter()
	acc.Version++
	acc.UpdatedAt = t

	entry := &credit.HistoryEntry{
		ID:            uuid.New(),
		UserID:        m.UserID,
		Type:          m.Type,
		Amount:        m.Amount,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter(),
		Description:   m.Description,
		CreatedAt:     t,
	}
	if m.IdempotencyKey != "" {
		key := m.IdempotencyKey
		entry.IdempotencyKey = &key
		r.s.historyKeys[key] = entry
	}
	r.s.history = append(r.s.history, entry)

	c := *entry
	return &c, nil
}

func (r *CreditRepository) GetHistoryEntry(_ context.Context, id uuid.UUID) (*credit.HistoryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.history {
		if e.ID == id {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (r *CreditRepository) ListHistory(_ context.Context, userID uuid.UUID, p credit.Pagination) ([]*credit.HistoryEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	out := make([]*credit.HistoryEntry, 0)
	skipped := 0
	for i := len(r.s.history) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.s.history[i]
		if e.UserID != userID {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (r *CreditRepository) SumHistory(_ context.Context, userID uuid.UUID, types ...credit.TxType) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sum := 0
	for _, e := range r.s.history {
		if e.UserID != userID || !matchType(e.Type, types) {
			continue
		}
		sum += e.Amount
	}
	return sum, nil
}

func matchType(t credit.TxType, types []credit.TxType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
