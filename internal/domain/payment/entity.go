package payment

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents payment status
type Status string

const (
	StatusReady     Status = "READY"
	StatusApproved  Status = "APPROVED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusReady:    {StatusApproved, StatusFailed, StatusCancelled},
	StatusApproved: {StatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the payment state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payment is one purchase attempt.
type Payment struct {
	ID                   uuid.UUID     `db:"id" json:"id"`
	OrderID              string        `db:"order_id" json:"order_id"`
	UserID               uuid.UUID     `db:"user_id" json:"user_id"`
	PackageID            int           `db:"package_id" json:"package_id"`
	Credits              int           `db:"credits" json:"credits"`
	Amount               int           `db:"amount" json:"amount"`
	Status               Status        `db:"status" json:"status"`
	GatewayTransactionID *string       `db:"gateway_tid" json:"gateway_transaction_id,omitempty"`
	PaymentMethod        *string       `db:"payment_method" json:"payment_method,omitempty"`
	CreditGranted        bool          `db:"credit_granted" json:"credit_granted"`
	CreditHistoryID      uuid.NullUUID `db:"credit_history_id" json:"credit_history_id"`
	RefundHistoryID      uuid.NullUUID `db:"refund_history_id" json:"refund_history_id"`
	RefundedAmount       int           `db:"refunded_amount" json:"refunded_amount"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	ApprovedAt           *time.Time    `db:"approved_at" json:"approved_at,omitempty"`
	RefundedAt           *time.Time    `db:"refunded_at" json:"refunded_at,omitempty"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// TransactionID returns the gateway transaction id or "".
func (p *Payment) TransactionID() string {
	if p.GatewayTransactionID == nil {
		return ""
	}
	return *p.GatewayTransactionID
}

// Approval is the metadata recorded on READY -> APPROVED.
type Approval struct {
	ApprovedAt     time.Time
	PaymentMethod  string
	ApprovedAmount int
}

// Refund is the metadata recorded on APPROVED -> REFUNDED.
type Refund struct {
	RefundedAt     time.Time
	RefundedAmount int
	HistoryID      uuid.UUID
}

// NewOrderID builds credit-<user>-<unix millis>-<random base36>.
func NewOrderID(userID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("credit-%s-%d-%s", userID, now.UnixMilli(), strconv.FormatInt(rand.Int64N(1<<40), 36))
}

// PurchaseKey is the ledger idempotency key of the credit grant for orderID.
func PurchaseKey(gateway, orderID string) string {
	return strings.ToLower(gateway) + "-" + orderID
}

// RefundKey is the ledger idempotency key of the refund deduction for orderID.
func RefundKey(orderID string) string {
	return "refund-" + orderID
}
