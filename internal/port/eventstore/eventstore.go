// Package eventstore defines the port interface for the append-only audit log.
package eventstore

import (
	"context"

	"github.com/pulsedash/controlplane/internal/domain/event"
)

// Store is the port interface for appending and loading lifecycle events.
// Appends must never block a state transition: implementations either write
// quickly or buffer internally.
type Store interface {
	// Append persists a new event.
	Append(ctx context.Context, ev *event.Event) error

	// LoadByTask returns all events for the given task, oldest first.
	// This is the task's full attempt history.
	LoadByTask(ctx context.Context, taskID string) ([]event.Event, error)

	// LoadByAgent returns all events for the given agent, oldest first.
	// Retained even after the agent is purged from the registry.
	LoadByAgent(ctx context.Context, agentID string) ([]event.Event, error)
}
