package transport

import "time"

// Backoff is the reconnect schedule: Base * 2^attempt, for at most MaxAttempts attempts.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return b.Base * time.Duration(1<<uint(attempt))
}

// Exhausted reports whether attempt is past the cap.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
