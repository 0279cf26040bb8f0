package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/pulsedash/controlplane/internal/config"
)

// Outcome is the verdict of the retry policy for one failed attempt.
type Outcome int

const (
	// OutcomeRetry re-queues the task after Backoff.
	OutcomeRetry Outcome = iota
	// OutcomeExhausted finalizes the task: no attempts remain or the
	// deadline has passed.
	OutcomeExhausted
	// OutcomeCancel finalizes a task whose cancellation was requested
	// while an attempt was in flight.
	OutcomeCancel
)

// Decision is the result of consulting the retry policy.
type Decision struct {
	Outcome Outcome
	Backoff time.Duration
}

// ErrorKind classifies a failed attempt for the policy.
type ErrorKind string

const (
	ErrorKindAgent       ErrorKind = "agent_error" // agent returned an Error envelope
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnreachable ErrorKind = "unreachable" // agent went unreachable mid-flight
	ErrorKindCancelled   ErrorKind = "cancelled"
)

// Decide is a pure function of (attempt count, error kind, time) to a retry
// decision. Attempt is the number of attempts already consumed. The deadline
// is an absolute ceiling: once it has passed the task is finalized regardless
// of remaining attempts.
func Decide(p config.RetryPolicy, attempt int, kind ErrorKind, now time.Time, deadline *time.Time) Decision {
	if kind == ErrorKindCancelled {
		return Decision{Outcome: OutcomeCancel}
	}
	if deadline != nil && !now.Before(*deadline) {
		return Decision{Outcome: OutcomeExhausted}
	}
	if attempt >= p.MaxAttempts {
		return Decision{Outcome: OutcomeExhausted}
	}

	backoff := Backoff(p, attempt)
	if deadline != nil && now.Add(backoff).After(*deadline) {
		// The backoff alone would overrun the deadline; retrying is pointless.
		return Decision{Outcome: OutcomeExhausted}
	}
	return Decision{Outcome: OutcomeRetry, Backoff: backoff}
}

// Backoff computes the delay before the next attempt: base * multiplier^(n-1),
// with up to 50% random jitter when enabled.
func Backoff(p config.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.Jitter {
		d += d * 0.5 * rand.Float64()
	}
	return time.Duration(d)
}
