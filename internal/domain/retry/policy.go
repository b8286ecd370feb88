// Package retry defines the backoff policies used by the send queue and
// the read path.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines a retry strategy with exponential backoff.
type Policy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	JitterFactor float64       `json:"jitter_factor"` // 0.0-1.0
}

// SendPolicy returns the default policy for outgoing message mutations.
// The cap stays in the low single-digit seconds; a chat send that takes
// longer than that to retry feels broken to the user.
func SendPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
		JitterFactor: 0.2,
	}
}

// ReadPolicy returns the default policy for page fetches. Reads retry a
// small bounded number of times and then degrade to stale data instead
// of blocking the caller.
func ReadPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 150 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		JitterFactor: 0.2,
	}
}

// Delay calculates the backoff delay before the given attempt, starting
// at 1. The delay doubles each attempt, is capped at MaxDelay, and
// carries random jitter to spread retries after a shared outage.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(p.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor * (rand.Float64()*2 - 1) // -jitter to +jitter
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of completed attempts.
func (p Policy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Sleep waits for the given delay or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
