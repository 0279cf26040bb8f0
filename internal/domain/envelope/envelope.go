// Package envelope defines the transport-agnostic message unit exchanged
// between the orchestrator and agents. Envelopes are immutable once sent;
// the router never inspects or mutates payload content.
package envelope

import (
	"encoding/json"
	"time"
)

// Kind identifies the purpose of an envelope.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
	KindCancel    Kind = "cancel"
)

// OrchestratorID is the well-known recipient address of the control plane.
const OrchestratorID = "controlplane"

// Envelope is the message unit carried by the router. TaskID doubles as the
// correlation id linking a Response or Error back to its Request.
type Envelope struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SchemaID  string          `json:"schema_id,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// Request is the payload of a KindRequest envelope sent to an agent.
type Request struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	Attempt    int             `json:"attempt"`
	Deadline   *time.Time      `json:"deadline,omitempty"` // hint only
}

// Result is the payload of a KindResponse or KindError envelope returned by
// an agent. Error is set only on KindError. Attempt echoes the attempt number
// from the originating Request so the orchestrator can discard outcomes of an
// attempt it has already given up on.
type Result struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// Heartbeat is the payload of a KindHeartbeat envelope for agents attached
// over the bus. MaxConcurrent <= 0 leaves the declared capacity unchanged.
type Heartbeat struct {
	Load          int `json:"load"`
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// Receipt acknowledges that the router accepted an envelope for delivery.
type Receipt struct {
	EnvelopeID string    `json:"envelope_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}
