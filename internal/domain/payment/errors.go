package payment

import "errors"

var (
	ErrInvalidPackage       = errors.New("invalid credit package")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrInvalidState         = errors.New("payment is not in a valid state for this operation")
	ErrConcurrentApproval   = errors.New("payment was approved concurrently")
	ErrNotPaymentOwner      = errors.New("payment belongs to another user")
	ErrCreditNotGranted     = errors.New("credits for this payment have not been granted")
	ErrOutboxEventNotFound  = errors.New("no active grant event for payment")
	ErrGatewayFailure       = errors.New("payment gateway request failed")
	ErrRefundNeedsManualFix = errors.New("gateway refund succeeded but credit deduction failed; manual fix required")
)
