package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsedash/controlplane/internal/domain/event"
)

// EventStore implements the audit-log store using PostgreSQL (append-only).
// Events outlive the in-memory registry and task tables: a purged agent's
// trail stays queryable.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the lifecycle_events table.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lifecycle_events (id, task_id, agent_id, event_type, attempt, detail, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, nullIfEmpty(ev.TaskID), nullIfEmpty(ev.AgentID), string(ev.Type),
		ev.Attempt, ev.Detail, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// eventColumns is the SELECT column list for lifecycle_events queries.
const eventColumns = `id, COALESCE(task_id, ''), COALESCE(agent_id, ''), event_type, attempt, detail, payload, created_at`

func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.Event) error {
	return scanner.Scan(
		&ev.ID, &ev.TaskID, &ev.AgentID, &ev.Type,
		&ev.Attempt, &ev.Detail, &ev.Payload, &ev.CreatedAt,
	)
}

// LoadByTask returns all events for the given task, oldest first.
func (s *EventStore) LoadByTask(ctx context.Context, taskID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM lifecycle_events WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, eventColumns), taskID)
	if err != nil {
		return nil, fmt.Errorf("load events by task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadByAgent returns all events for the given agent, oldest first.
func (s *EventStore) LoadByAgent(ctx context.Context, agentID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM lifecycle_events WHERE agent_id = $1 ORDER BY created_at ASC, id ASC`, eventColumns), agentID)
	if err != nil {
		return nil, fmt.Errorf("load events by agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// nullIfEmpty maps "" to NULL for nullable uuid/text columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
