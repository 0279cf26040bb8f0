// Package memstore provides an in-memory event store for single-binary
// deployments without a database, and for tests.
package memstore

import (
	"context"
	"sync"

	"github.com/pulsedash/controlplane/internal/domain/event"
)

// EventStore keeps the audit log in memory, in append order.
type EventStore struct {
	mu     sync.Mutex
	events []event.Event
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append records one event.
func (s *EventStore) Append(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// LoadByTask returns all events for the task id, oldest first.
func (s *EventStore) LoadByTask(_ context.Context, taskID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LoadByAgent returns all events for the agent id, oldest first.
func (s *EventStore) LoadByAgent(_ context.Context, agentID string) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, ev := range s.events {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out, nil
}
