package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when a deduction would make the balance negative
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidTxType is returned for unknown history types
	ErrInvalidTxType = errors.New("invalid transaction type")

	// ErrAccountNotFound is returned when the user has no credit account
	ErrAccountNotFound = errors.New("credit account not found")

	// ErrVersionConflict is returned by a repository when the account changed since it was read
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicateIdempotencyKey is returned by a repository when the key is already recorded
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when optimistic retries are exhausted
	ErrConcurrentModification = errors.New("concurrent modification: retries exhausted")

	ErrInternal = errors.New("internal error")
)
