package credit

import (
	"time"

	"github.com/google/uuid"
)

// TxType classifies a ledger history entry.
type TxType string

const (
	TxTypeSignup          TxType = "SIGNUP"
	TxTypeItemAdded       TxType = "ITEM_ADDED"
	TxTypeUsageDebit      TxType = "USAGE_DEBIT"
	TxTypeRefund          TxType = "REFUND"
	TxTypePurchase        TxType = "PURCHASE"
	TxTypeAdminAdjustment TxType = "ADMIN_ADJUSTMENT"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxTypeSignup, TxTypeItemAdded, TxTypeUsageDebit, TxTypeRefund, TxTypePurchase, TxTypeAdminAdjustment:
		return true
	}
	return false
}

// Account holds the cached balance of a user. Version increments on every mutation.
type Account struct {
	UserID    uuid.UUID `db:"user_id" json:"user_id"`
	Balance   int       `db:"balance" json:"balance"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HistoryEntry is an append-only ledger row. Amount is signed.
type HistoryEntry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	Type           TxType    `db:"type" json:"type"`
	Amount         int       `db:"amount" json:"amount"`
	BalanceBefore  int       `db:"balance_before" json:"balance_before"`
	BalanceAfter   int       `db:"balance_after" json:"balance_after"`
	IdempotencyKey *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Description    string    `db:"description" json:"description"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Mutation is a single conditional balance change. It applies only while the
// account still has ExpectedVersion.
type Mutation struct {
	UserID          uuid.UUID
	Amount          int
	Type            TxType
	Description     string
	IdempotencyKey  string
	ExpectedVersion int64
	BalanceBefore   int
}

// BalanceAfter returns the balance the mutation produces.
func (m Mutation) BalanceAfter() int {
	return m.BalanceBefore + m.Amount
}

// Result is returned by AddCredit and DeductCredit.
type Result struct {
	NewBalance int       `json:"new_balance"`
	Duplicate  bool      `json:"duplicate"`
	HistoryID  uuid.UUID `json:"history_id"`
}

// Integrity compares the cached balance against the sum of history.
type Integrity struct {
	CachedBalance     int  `json:"cached_balance"`
	CalculatedBalance int  `json:"calculated_balance"`
	Diff              int  `json:"diff"`
	IsValid           bool `json:"is_valid"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
