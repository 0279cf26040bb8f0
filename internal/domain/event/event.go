// Package event defines the lifecycle event entity appended to the audit log.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of control-plane event.
type Type string

const (
	TypeTaskSubmitted  Type = "task.submitted"
	TypeTaskAdmitted   Type = "task.admitted"
	TypeTaskDispatched Type = "task.dispatched"
	TypeTaskSucceeded  Type = "task.succeeded"
	TypeTaskFailed     Type = "task.failed"
	TypeTaskRetrying   Type = "task.retrying"
	TypeTaskExhausted  Type = "task.exhausted"
	TypeTaskCancelled  Type = "task.cancelled"

	TypeAgentRegistered Type = "agent.registered"
	TypeAgentHealth     Type = "agent.health"
	TypeAgentPurged     Type = "agent.purged"
)

// Event is a single immutable entry in a task's (or agent's) audit trail.
// The sequence of task.* events for one task id is its full attempt history.
type Event struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Type      Type            `json:"type"`
	Attempt   int             `json:"attempt,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
