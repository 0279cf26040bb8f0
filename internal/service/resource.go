package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/agent"
)

// Reservation binds a task to one of an agent's capacity slots for the
// duration of a single dispatch attempt. It is created at admission and
// released on outcome, never at dispatch, so a crashed agent cannot leak
// capacity: the slot is reclaimed only when the attempt resolves or times out.
type Reservation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentInfo is the narrow read-only registry view the resource manager needs
// for admission checks. Queried before the reservation lock is taken, so no
// lock is ever held across the component boundary.
type AgentInfo interface {
	Health(agentID string) agent.Health
	MaxConcurrent(agentID string) int
}

// ResourceService owns reservation state exclusively. Its single invariant:
// an agent never holds more concurrent reservations than its most recently
// declared capacity.
type ResourceService struct {
	registry AgentInfo

	mu          sync.Mutex
	byID        map[string]*Reservation
	countByAgnt map[string]int
	now         func() time.Time // for testing
}

// NewResourceService creates a ResourceService backed by the given registry view.
func NewResourceService(registry AgentInfo) *ResourceService {
	return &ResourceService{
		registry:    registry,
		byID:        make(map[string]*Reservation),
		countByAgnt: make(map[string]int),
		now:         time.Now,
	}
}

// TryReserve claims a capacity slot on the agent for the task. It fails with
// domain.ErrAgentUnreachable when the agent is not healthy and with
// domain.ErrCapacityRejected when the agent is at capacity. Both are
// transient: the scheduling loop absorbs them and tries the next candidate.
//
// Capacity is a soft admission limit. A reduced capacity reported via
// heartbeat blocks new reservations but does not revoke live ones.
func (s *ResourceService) TryReserve(agentID, taskID string) (*Reservation, error) {
	health := s.registry.Health(agentID)
	if health != agent.HealthHealthy {
		return nil, fmt.Errorf("reserve %s on %s (health %s): %w", taskID, agentID, health, domain.ErrAgentUnreachable)
	}
	maxConcurrent := s.registry.MaxConcurrent(agentID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countByAgnt[agentID] >= maxConcurrent {
		return nil, fmt.Errorf("reserve %s on %s (%d/%d in flight): %w",
			taskID, agentID, s.countByAgnt[agentID], maxConcurrent, domain.ErrCapacityRejected)
	}

	r := &Reservation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskID:    taskID,
		CreatedAt: s.now(),
	}
	s.byID[r.ID] = r
	s.countByAgnt[agentID]++
	return r, nil
}

// Release frees a reservation. It is idempotent: releasing an already
// released (or unknown) reservation is a no-op, not an error.
func (s *ResourceService) Release(reservationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[reservationID]
	if !ok {
		return
	}
	delete(s.byID, reservationID)
	if s.countByAgnt[r.AgentID] > 0 {
		s.countByAgnt[r.AgentID]--
	}
	if s.countByAgnt[r.AgentID] == 0 {
		delete(s.countByAgnt, r.AgentID)
	}
}

// CurrentLoad returns the number of live reservations held by the agent.
func (s *ResourceService) CurrentLoad(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countByAgnt[agentID]
}
