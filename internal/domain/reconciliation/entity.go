package reconciliation

import (
	"github.com/google/uuid"

	"github.com/closzit/closzit-api/internal/domain/payment"
)

// Issue codes reported by VerifyPayment and recorded in RECONCILE audit entries.
const (
	IssueCreditNotGranted     = "CREDIT_NOT_GRANTED"
	IssueDanglingCreditRecord = "DANGLING_CREDIT_HISTORY"
	IssueOutboxFailed         = "OUTBOX_FAILED"
	IssueStalePendingEvent    = "STALE_PENDING_EVENT"
)

// Result summarises one reconciliation pass.
type Result struct {
	Checked int `json:"checked"`
	Issues  int `json:"issues"`
	Fixed   int `json:"fixed"`
}

// Issue is one problem found on a payment.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentSummary is the payment view returned with a verification.
type PaymentSummary struct {
	ID            uuid.UUID      `json:"id"`
	OrderID       string         `json:"order_id"`
	UserID        uuid.UUID      `json:"-"`
	Status        payment.Status `json:"status"`
	CreditGranted bool           `json:"credit_granted"`
	Credits       int            `json:"credits"`
	Amount        int            `json:"amount"`
}

// PaymentVerification is the read-only health report of one payment.
type PaymentVerification struct {
	IsValid bool           `json:"is_valid"`
	Payment PaymentSummary `json:"payment"`
	Issues  []Issue        `json:"issues"`
}

// UserVerification compares granted payments with PURCHASE ledger entries.
type UserVerification struct {
	TotalPayments            int  `json:"total_payments"`
	TotalCreditsFromPayments int  `json:"total_credits_from_payments"`
	TotalCreditsFromHistory  int  `json:"total_credits_from_history"`
	IsValid                  bool `json:"is_valid"`
	Discrepancy              int  `json:"discrepancy"`
}
