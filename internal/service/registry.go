package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsedash/controlplane/internal/config"
	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/agent"
	"github.com/pulsedash/controlplane/internal/domain/event"
	"github.com/pulsedash/controlplane/internal/port/broadcast"
	"github.com/pulsedash/controlplane/internal/port/eventstore"
)

// LoadFunc reports the current reserved load for an agent. The resource
// manager provides it; the registry falls back to the agent's self-reported
// in-flight count when unset.
type LoadFunc func(agentID string) int

// RegistryService owns all agent records. No other component mutates agent
// state; health transitions happen only here, in response to heartbeats,
// sweeps, or dispatch failures reported by the orchestrator.
type RegistryService struct {
	cfg    config.Registry
	hub    broadcast.Broadcaster
	events eventstore.Store

	mu           sync.Mutex
	agents       map[string]*agent.Record
	unreachSince map[string]time.Time
	everDeclared map[string]struct{}

	loadOf   LoadFunc
	onHealth []func(agent.HealthChange)
	now      func() time.Time // for testing
}

// NewRegistryService creates a RegistryService.
func NewRegistryService(cfg config.Registry, hub broadcast.Broadcaster, events eventstore.Store) *RegistryService {
	return &RegistryService{
		cfg:          cfg,
		hub:          hub,
		events:       events,
		agents:       make(map[string]*agent.Record),
		unreachSince: make(map[string]time.Time),
		everDeclared: make(map[string]struct{}),
		now:          time.Now,
	}
}

// SetLoadFunc wires the resource manager's load snapshot into capable-agent
// ordering. Must be called before the scheduler starts.
func (s *RegistryService) SetLoadFunc(fn LoadFunc) {
	s.loadOf = fn
}

// OnHealthChange appends a callback invoked after every health transition.
// Callbacks run outside the registry lock.
func (s *RegistryService) OnHealthChange(fn func(agent.HealthChange)) {
	s.onHealth = append(s.onHealth, fn)
}

// Register upserts an agent record. It is idempotent: re-registration
// atomically replaces the prior capability set, resets health to healthy and
// refreshes the heartbeat. Registration time is preserved across re-registers
// so capable-agent ordering stays deterministic.
func (s *RegistryService) Register(ctx context.Context, req agent.RegisterRequest) (*agent.Record, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: agent id is required", domain.ErrValidation)
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: no capabilities declared", domain.ErrInvalidCapability)
	}
	for _, c := range req.Capabilities {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	now := s.now()
	var change *agent.HealthChange

	s.mu.Lock()
	rec, exists := s.agents[req.ID]
	if !exists {
		rec = &agent.Record{ID: req.ID, RegisteredAt: now, Health: agent.HealthUnknown}
		s.agents[req.ID] = rec
	}
	if rec.Health != agent.HealthHealthy {
		change = &agent.HealthChange{AgentID: req.ID, From: rec.Health, To: agent.HealthHealthy, At: now}
	}
	rec.Name = req.Name
	rec.Capabilities = append([]agent.Capability(nil), req.Capabilities...)
	rec.Capacity.MaxConcurrent = maxConcurrent
	rec.Health = agent.HealthHealthy
	rec.LastHeartbeat = now
	rec.Purged = false
	delete(s.unreachSince, req.ID)
	for _, c := range req.Capabilities {
		s.everDeclared[c.Name] = struct{}{}
	}
	snapshot := *rec
	s.mu.Unlock()

	s.appendAgentEvent(ctx, event.TypeAgentRegistered, req.ID, "")
	if change != nil {
		s.emitHealthChange(ctx, *change)
	}
	slog.Info("agent registered", "agent_id", req.ID, "capabilities", len(req.Capabilities), "max_concurrent", maxConcurrent)
	return &snapshot, nil
}

// Heartbeat refreshes an agent's liveness and honors self-reported load and
// capacity. maxConcurrent <= 0 leaves the declared capacity unchanged.
func (s *RegistryService) Heartbeat(ctx context.Context, agentID string, currentLoad, maxConcurrent int) error {
	now := s.now()
	var change *agent.HealthChange

	s.mu.Lock()
	rec, ok := s.agents[agentID]
	if !ok || rec.Purged {
		s.mu.Unlock()
		return fmt.Errorf("heartbeat %s: %w", agentID, domain.ErrUnknownAgent)
	}
	rec.LastHeartbeat = now
	rec.Capacity.InFlight = currentLoad
	if maxConcurrent > 0 {
		rec.Capacity.MaxConcurrent = maxConcurrent
	}
	if rec.Health != agent.HealthHealthy {
		change = &agent.HealthChange{AgentID: agentID, From: rec.Health, To: agent.HealthHealthy, At: now}
		rec.Health = agent.HealthHealthy
		delete(s.unreachSince, agentID)
	}
	s.mu.Unlock()

	if change != nil {
		s.emitHealthChange(ctx, *change)
	}
	return nil
}

// FindCapable returns dispatchable agents declaring the capability, ordered
// by ascending current load, ties broken by earliest registration. An empty
// result is not an error: it signals "no capable agent right now".
func (s *RegistryService) FindCapable(capability string) []agent.Record {
	s.mu.Lock()
	candidates := make([]agent.Record, 0, len(s.agents))
	for _, rec := range s.agents {
		if rec.Purged || !rec.Health.Dispatchable() || !rec.Has(capability) {
			continue
		}
		candidates = append(candidates, *rec)
	}
	s.mu.Unlock()

	// Load is queried outside the registry lock: the resource manager owns
	// reservation state and takes its own lock.
	load := func(r agent.Record) int {
		if s.loadOf != nil {
			return s.loadOf(r.ID)
		}
		return r.Capacity.InFlight
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := load(candidates[i]), load(candidates[j])
		if li != lj {
			return li < lj
		}
		return candidates[i].RegisteredAt.Before(candidates[j].RegisteredAt)
	})
	return candidates
}

// KnownCapability reports whether any agent has ever declared the capability.
// Purges do not retract a declaration.
func (s *RegistryService) KnownCapability(capability string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.everDeclared[capability]
	return ok
}

// Health returns the agent's current health, or unknown for unregistered ids.
// The resource manager uses this read-only view for admission checks.
func (s *RegistryService) Health(agentID string) agent.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok || rec.Purged {
		return agent.HealthUnknown
	}
	return rec.Health
}

// MaxConcurrent returns the agent's most recently declared capacity.
func (s *RegistryService) MaxConcurrent(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok || rec.Purged {
		return 0
	}
	return rec.Capacity.MaxConcurrent
}

// Get returns a snapshot of one agent record.
func (s *RegistryService) Get(agentID string) (*agent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	snapshot := *rec
	return &snapshot, nil
}

// List returns snapshots of all non-purged agent records, oldest first.
func (s *RegistryService) List() []agent.Record {
	s.mu.Lock()
	out := make([]agent.Record, 0, len(s.agents))
	for _, rec := range s.agents {
		if rec.Purged {
			continue
		}
		out = append(out, *rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out
}

// MarkUnreachable records a dispatch-observed failure: the orchestrator calls
// it when sends to the agent keep failing. Degraded is used while the breaker
// is probing; Unreachable once the agent is written off.
func (s *RegistryService) MarkUnreachable(ctx context.Context, agentID string, health agent.Health) {
	if health != agent.HealthDegraded && health != agent.HealthUnreachable {
		return
	}
	now := s.now()
	var change *agent.HealthChange

	s.mu.Lock()
	rec, ok := s.agents[agentID]
	if ok && !rec.Purged && rec.Health != health {
		change = &agent.HealthChange{AgentID: agentID, From: rec.Health, To: health, At: now}
		rec.Health = health
		if health == agent.HealthUnreachable {
			s.unreachSince[agentID] = now
		}
	}
	s.mu.Unlock()

	if change != nil {
		s.emitHealthChange(ctx, *change)
	}
}

// Deregister soft-removes an agent: it is excluded from FindCapable and
// heartbeats are rejected, but the record and its audit trail are retained.
// The health transition to unknown tells listeners to drop per-agent state.
func (s *RegistryService) Deregister(ctx context.Context, agentID string) error {
	s.mu.Lock()
	rec, ok := s.agents[agentID]
	if !ok || rec.Purged {
		s.mu.Unlock()
		return fmt.Errorf("deregister %s: %w", agentID, domain.ErrUnknownAgent)
	}
	rec.Purged = true
	change := agent.HealthChange{AgentID: agentID, From: rec.Health, To: agent.HealthUnknown, At: s.now()}
	rec.Health = agent.HealthUnknown
	delete(s.unreachSince, agentID)
	s.mu.Unlock()

	s.appendAgentEvent(ctx, event.TypeAgentPurged, agentID, "deregistered")
	s.emitHealthChange(ctx, change)
	slog.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// SweepExpired transitions agents with stale heartbeats to unreachable and
// purges agents that have been unreachable past the purge threshold. It is
// invoked from the scheduler tick.
func (s *RegistryService) SweepExpired(ctx context.Context, now time.Time) {
	var changes []agent.HealthChange
	var purged []string

	s.mu.Lock()
	for id, rec := range s.agents {
		if rec.Purged {
			continue
		}
		switch {
		case rec.Health == agent.HealthUnreachable:
			if since, ok := s.unreachSince[id]; ok && now.Sub(since) >= s.cfg.PurgeAfter {
				rec.Purged = true
				changes = append(changes, agent.HealthChange{AgentID: id, From: rec.Health, To: agent.HealthUnknown, At: now})
				rec.Health = agent.HealthUnknown
				delete(s.unreachSince, id)
				purged = append(purged, id)
			}
		case now.Sub(rec.LastHeartbeat) >= s.cfg.HeartbeatTimeout:
			changes = append(changes, agent.HealthChange{AgentID: id, From: rec.Health, To: agent.HealthUnreachable, At: now})
			rec.Health = agent.HealthUnreachable
			s.unreachSince[id] = now
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.emitHealthChange(ctx, c)
	}
	for _, id := range purged {
		s.appendAgentEvent(ctx, event.TypeAgentPurged, id, "missed heartbeats")
		slog.Warn("agent purged", "agent_id", id)
	}
}

func (s *RegistryService) emitHealthChange(ctx context.Context, c agent.HealthChange) {
	slog.Info("agent health changed", "agent_id", c.AgentID, "from", c.From, "to", c.To)
	s.appendAgentEvent(ctx, event.TypeAgentHealth, c.AgentID, string(c.From)+"→"+string(c.To))
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, "agent.health", c)
	}
	for _, fn := range s.onHealth {
		fn(c)
	}
}

func (s *RegistryService) appendAgentEvent(ctx context.Context, typ event.Type, agentID, detail string) {
	if s.events == nil {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Type:      typ,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("append agent event", "agent_id", agentID, "type", typ, "error", err)
	}
}
