package task

import (
	"testing"
	"time"
)

func TestTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateAdmitted, false},
		{StateDispatched, false},
		{StateFailed, false},
		{StateSucceeded, true},
		{StateExhausted, true},
		{StateCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"pending", Task{State: StatePending}, true},
		{"dispatched", Task{State: StateDispatched}, false},
		{"backoff not elapsed", Task{State: StatePending, NotBefore: now.Add(time.Second)}, false},
		{"backoff elapsed", Task{State: StatePending, NotBefore: now.Add(-time.Second)}, true},
		{"backoff boundary", Task{State: StatePending, NotBefore: now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Eligible(now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeadlineElapsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if (&Task{}).DeadlineElapsed(now) {
		t.Error("task without deadline reported elapsed")
	}
	if !(&Task{Deadline: &past}).DeadlineElapsed(now) {
		t.Error("past deadline not reported elapsed")
	}
	if (&Task{Deadline: &future}).DeadlineElapsed(now) {
		t.Error("future deadline reported elapsed")
	}
}

func TestSnapshotOmitsInternalFields(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	tk := Task{
		ID:         "t1",
		Capability: "summarize",
		Priority:   3,
		State:      StateDispatched,
		AgentID:    "a1",
		Attempts:   2,
		Deadline:   &deadline,
	}

	v := tk.Snapshot()
	if v.ID != "t1" || v.State != StateDispatched || v.AgentID != "a1" || v.Attempts != 2 {
		t.Errorf("unexpected view: %+v", v)
	}
	if v.Deadline == nil || !v.Deadline.Equal(deadline) {
		t.Errorf("deadline not carried into view")
	}
}
