// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed validation. Wrap it with the
// field-specific message: fmt.Errorf("%w: capability is required", ErrValidation).
var ErrValidation = errors.New("validation failed")

// Registry errors.
var (
	// ErrUnknownAgent indicates the agent was never registered or has been purged.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrInvalidCapability indicates a capability tag is empty or malformed.
	ErrInvalidCapability = errors.New("invalid capability")
)

// Orchestrator errors.
var (
	// ErrUnsupportedCapability indicates no agent has ever declared the capability.
	// A transient "no agent currently available" is not an error.
	ErrUnsupportedCapability = errors.New("unsupported capability")

	// ErrTaskNotFound indicates the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal indicates the task has already reached a terminal state.
	ErrTaskTerminal = errors.New("task already terminal")
)

// Transient conditions absorbed by the scheduling loop. They are never
// surfaced to callers; the task stays pending and is retried on a later tick.
var (
	// ErrCapacityRejected indicates the agent's in-flight count has reached
	// its declared capacity.
	ErrCapacityRejected = errors.New("capacity rejected")

	// ErrUndeliverable indicates the recipient is not currently reachable.
	ErrUndeliverable = errors.New("undeliverable")

	// ErrTimeout indicates a dispatch attempt exceeded its timeout.
	ErrTimeout = errors.New("timeout")

	// ErrAgentUnreachable indicates the agent is not in a dispatchable health state.
	ErrAgentUnreachable = errors.New("agent unreachable")
)
