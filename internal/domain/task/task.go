// Package task defines the Task domain entity and its lifecycle state machine.
package task

import (
	"encoding/json"
	"time"
)

// State represents the current lifecycle state of a task.
//
// Pending → Admitted → Dispatched → Succeeded
//
//	Dispatched → Failed → Pending (retries remain) | Exhausted
//
// Succeeded, Exhausted and Cancelled are terminal and never transition again.
type State string

const (
	StatePending    State = "pending"
	StateAdmitted   State = "admitted"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateExhausted  State = "exhausted"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted || s == StateCancelled
}

// Task is a single unit of orchestrated work. The payload is opaque to the
// control plane: only the capability name and metadata are inspected.
type Task struct {
	ID          string          `json:"id"`
	Capability  string          `json:"capability"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SchemaID    string          `json:"schema_id,omitempty"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	AgentID     string          `json:"agent_id,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    *time.Time      `json:"deadline,omitempty"`

	// NotBefore gates re-dispatch after a failed attempt (retry backoff).
	NotBefore time.Time `json:"not_before,omitempty"`

	// CancelRequested marks a dispatched task for cooperative cancellation:
	// the reservation is released once the in-flight attempt resolves.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// Eligible reports whether a pending task may be considered for admission at
// the given instant (backoff elapsed, deadline not passed).
func (t *Task) Eligible(now time.Time) bool {
	if t.State != StatePending {
		return false
	}
	if !t.NotBefore.IsZero() && now.Before(t.NotBefore) {
		return false
	}
	return true
}

// DeadlineElapsed reports whether the task's absolute deadline has passed.
func (t *Task) DeadlineElapsed(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// View is the caller-facing snapshot returned by GetStatus.
type View struct {
	ID          string          `json:"id"`
	Capability  string          `json:"capability"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	AgentID     string          `json:"agent_id,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
}

// Snapshot builds a View from the current task state.
func (t *Task) Snapshot() View {
	return View{
		ID:          t.ID,
		Capability:  t.Capability,
		Priority:    t.Priority,
		State:       t.State,
		AgentID:     t.AgentID,
		Attempts:    t.Attempts,
		LastError:   t.LastError,
		Result:      t.Result,
		SubmittedAt: t.SubmittedAt,
		Deadline:    t.Deadline,
	}
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SchemaID   string          `json:"schema_id,omitempty"`
	Priority   int             `json:"priority"`
	Deadline   *time.Time      `json:"deadline,omitempty"`
}
