package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names a payment transition or side-effect.
type Action string

const (
	ActionCreate             Action = "CREATE"
	ActionGatewayPrepare     Action = "KAKAOPAY_READY"
	ActionGatewayConfirm     Action = "KAKAOPAY_APPROVE"
	ActionGatewayCancel      Action = "KAKAOPAY_CANCEL"
	ActionApprove            Action = "APPROVE"
	ActionGrantCredit        Action = "GRANT_CREDIT"
	ActionRefund             Action = "REFUND"
	ActionRefundCreditDeduct Action = "REFUND_CREDIT_DEDUCT"
	ActionCancel             Action = "CANCEL"
	ActionFail               Action = "FAIL"
	ActionReconcile          Action = "RECONCILE"
)

// Status is the outcome recorded with an entry.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Details is a free-form JSON object stored in a JSONB column.
type Details map[string]any

func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *Details) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Details{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("audit details: unsupported type %T", src)
	}
	out := Details{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// Entry is a write-once audit record.
type Entry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PaymentID uuid.UUID `db:"payment_id" json:"payment_id"`
	Action    Action    `db:"action" json:"action"`
	Status    Status    `db:"status" json:"status"`
	Details   Details   `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewEntry builds an entry with a fresh id.
func NewEntry(paymentID uuid.UUID, action Action, status Status, details Details) *Entry {
	if details == nil {
		details = Details{}
	}
	return &Entry{
		ID:        uuid.New(),
		PaymentID: paymentID,
		Action:    action,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

// Failure builds a FAILURE entry carrying err in details["error"].
func Failure(paymentID uuid.UUID, action Action, err error, details Details) *Entry {
	if details == nil {
		details = Details{}
	}
	if err != nil {
		details["error"] = err.Error()
	}
	return NewEntry(paymentID, action, StatusFailure, details)
}
