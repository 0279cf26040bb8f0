package resilience

import (
	"testing"
	"time"

	"github.com/pulsedash/controlplane/internal/config"
)

func testPolicy() config.RetryPolicy {
	return config.RetryPolicy{
		MaxAttempts:       3,
		BaseBackoff:       2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
}

func TestDecideRetriesUntilExhausted(t *testing.T) {
	p := testPolicy()
	now := time.Now()

	d := Decide(p, 1, ErrorKindAgent, now, nil)
	if d.Outcome != OutcomeRetry {
		t.Fatalf("attempt 1: expected retry, got %v", d.Outcome)
	}
	if d.Backoff != 2*time.Second {
		t.Errorf("attempt 1: expected 2s backoff, got %v", d.Backoff)
	}

	d = Decide(p, 2, ErrorKindTimeout, now, nil)
	if d.Outcome != OutcomeRetry {
		t.Fatalf("attempt 2: expected retry, got %v", d.Outcome)
	}
	if d.Backoff != 4*time.Second {
		t.Errorf("attempt 2: expected 4s backoff, got %v", d.Backoff)
	}

	d = Decide(p, 3, ErrorKindAgent, now, nil)
	if d.Outcome != OutcomeExhausted {
		t.Errorf("attempt 3: expected exhausted, got %v", d.Outcome)
	}
}

func TestDecideDeadlineDominates(t *testing.T) {
	p := testPolicy()
	now := time.Now()

	// Deadline already passed: exhausted even on the first failure.
	past := now.Add(-time.Second)
	d := Decide(p, 1, ErrorKindAgent, now, &past)
	if d.Outcome != OutcomeExhausted {
		t.Errorf("elapsed deadline: expected exhausted, got %v", d.Outcome)
	}

	// Deadline closer than the backoff: retrying cannot finish in time.
	soon := now.Add(time.Second)
	d = Decide(p, 1, ErrorKindAgent, now, &soon)
	if d.Outcome != OutcomeExhausted {
		t.Errorf("deadline inside backoff: expected exhausted, got %v", d.Outcome)
	}

	// Deadline far enough away: retry proceeds.
	later := now.Add(time.Minute)
	d = Decide(p, 1, ErrorKindAgent, now, &later)
	if d.Outcome != OutcomeRetry {
		t.Errorf("distant deadline: expected retry, got %v", d.Outcome)
	}
}

func TestDecideCancelledAttempt(t *testing.T) {
	p := testPolicy()
	d := Decide(p, 1, ErrorKindCancelled, time.Now(), nil)
	if d.Outcome != OutcomeCancel {
		t.Errorf("expected cancel, got %v", d.Outcome)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := testPolicy()
	p.Jitter = true

	base := Backoff(testPolicy(), 2) // deterministic: 4s
	for range 50 {
		got := Backoff(p, 2)
		if got < base || got > base+base/2 {
			t.Fatalf("jittered backoff %v outside [%v, %v]", got, base, base+base/2)
		}
	}
}

func TestBackoffClampsAttemptFloor(t *testing.T) {
	p := testPolicy()
	if got := Backoff(p, 0); got != 2*time.Second {
		t.Errorf("attempt 0: expected base backoff, got %v", got)
	}
}
