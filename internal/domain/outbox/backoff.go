package outbox

import "time"

var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// Backoff returns the delay after the retryCount-th failure. Counts past the
// table reuse its last step.
func Backoff(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// NextRetryAt is now plus Backoff(retryCount).
func NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(Backoff(retryCount))
}
