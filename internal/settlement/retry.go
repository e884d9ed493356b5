package settlement

import "time"

// RetryPolicy bounds the engine's synchronous attempts and shapes the
// background backoff. It is a plain value so tests can shrink the delays.
type RetryPolicy struct {
	// MaxAttempts is the synchronous attempt budget per trigger.
	MaxAttempts int
	// AttemptDelay is the fixed pause between synchronous attempts.
	AttemptDelay time.Duration
	// BackoffBase and BackoffCap shape the background retry delay:
	// min(cap, base * 2^(attempt-1)).
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		AttemptDelay: 50 * time.Millisecond,
		BackoffBase:  100 * time.Millisecond,
		BackoffCap:   800 * time.Millisecond,
	}
}

// Backoff returns the delay before background attempt n (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase << (attempt - 1)
	if d > p.BackoffCap || d <= 0 {
		return p.BackoffCap
	}
	return d
}
