package outbox

import "errors"

var (
	ErrEventNotFound  = errors.New("outbox event not found")
	ErrNoHandler      = errors.New("no handler registered for event type")
	ErrAlreadyRunning = errors.New("outbox processor already running")
	ErrEventLeased    = errors.New("outbox event is leased by another processor")
	ErrEventNotFailed = errors.New("outbox event is not in FAILED status")
)
