package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsedash/controlplane/internal/adapter/otel"
	"github.com/pulsedash/controlplane/internal/config"
	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/domain/event"
	"github.com/pulsedash/controlplane/internal/domain/task"
	"github.com/pulsedash/controlplane/internal/port/broadcast"
	"github.com/pulsedash/controlplane/internal/port/cache"
	"github.com/pulsedash/controlplane/internal/port/eventstore"
	"github.com/pulsedash/controlplane/internal/port/transport"
	"github.com/pulsedash/controlplane/internal/resilience"
)

// attempt tracks one in-flight dispatch: the reservation claimed at
// admission and the timer bounding the attempt.
type attempt struct {
	number        int
	agentID       string
	reservationID string
	timer         *time.Timer
	startedAt     time.Time
}

// OrchestratorService owns the task lifecycle exclusively. All task state
// transitions are serialized behind one mutex; the scheduling tick is the
// single admission point, driven by a timer plus event triggers
// (registration, heartbeat, completion, submission).
type OrchestratorService struct {
	schedCfg config.Scheduler
	retryCfg config.Retry

	registry  *RegistryService
	resources *ResourceService
	router    transport.Router
	hub       broadcast.Broadcaster
	events    eventstore.Store
	statuses  cache.Cache
	metrics   *otel.Metrics
	breakers  *resilience.BreakerSet

	mu       sync.Mutex
	tasks    map[string]*task.Task
	inflight map[string]*attempt // task id → live dispatch

	trigger chan struct{}
	now     func() time.Time // for testing
}

// NewOrchestratorService creates an OrchestratorService with all dependencies.
// statuses and metrics may be nil (no read cache, no instrumentation).
func NewOrchestratorService(
	schedCfg config.Scheduler,
	retryCfg config.Retry,
	registry *RegistryService,
	resources *ResourceService,
	router transport.Router,
	hub broadcast.Broadcaster,
	events eventstore.Store,
	statuses cache.Cache,
	metrics *otel.Metrics,
	breakers *resilience.BreakerSet,
) *OrchestratorService {
	s := &OrchestratorService{
		schedCfg:  schedCfg,
		retryCfg:  retryCfg,
		registry:  registry,
		resources: resources,
		router:    router,
		hub:       hub,
		events:    events,
		statuses:  statuses,
		metrics:   metrics,
		breakers:  breakers,
		tasks:     make(map[string]*task.Task),
		inflight:  make(map[string]*attempt),
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
	// React to an assigned agent going unreachable mid-flight, and poke the
	// scheduler when an agent comes back.
	registry.OnHealthChange(s.handleHealthChange)
	registry.SetLoadFunc(resources.CurrentLoad)
	return s
}

// Start subscribes the orchestrator's inbox on the router and runs the tick
// loop until ctx is cancelled.
func (s *OrchestratorService) Start(ctx context.Context, sweepInterval time.Duration) error {
	cancelSub, err := s.router.Subscribe(envelope.OrchestratorID, s.HandleEnvelope)
	if err != nil {
		return fmt.Errorf("subscribe orchestrator inbox: %w", err)
	}

	go func() {
		defer cancelSub()

		tick := time.NewTicker(s.schedCfg.TickInterval)
		defer tick.Stop()
		sweep := time.NewTicker(sweepInterval)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				s.registry.SweepExpired(ctx, s.now())
				s.Tick(ctx)
			case <-tick.C:
				s.Tick(ctx)
			case <-s.trigger:
				s.Tick(ctx)
			}
		}
	}()
	return nil
}

// Submit creates a task in pending state and pokes the scheduler. It fails
// with domain.ErrUnsupportedCapability only when no agent has ever declared
// the capability; "no capable agent right now" leaves the task pending.
func (s *OrchestratorService) Submit(ctx context.Context, req task.SubmitRequest) (string, error) {
	if req.Capability == "" {
		return "", fmt.Errorf("%w: capability is required", domain.ErrValidation)
	}
	if !s.registry.KnownCapability(req.Capability) {
		return "", fmt.Errorf("submit %s: %w", req.Capability, domain.ErrUnsupportedCapability)
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Capability:  req.Capability,
		Payload:     req.Payload,
		SchemaID:    req.SchemaID,
		Priority:    req.Priority,
		State:       task.StatePending,
		SubmittedAt: s.now(),
		Deadline:    req.Deadline,
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.appendTaskEvent(ctx, t.Snapshot(), event.TypeTaskSubmitted, "")
	if s.metrics != nil {
		s.metrics.TasksSubmitted.Add(ctx, 1)
	}
	slog.Info("task submitted", "task_id", t.ID, "capability", t.Capability, "priority", t.Priority)

	s.poke()
	return t.ID, nil
}

// Cancel finalizes a pending task immediately. A dispatched task is marked
// for cooperative cancellation: a cancel envelope is sent, and the
// reservation is released once the in-flight attempt resolves or times out.
func (s *OrchestratorService) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", taskID, domain.ErrTaskNotFound)
	}
	if t.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s (%s): %w", taskID, t.State, domain.ErrTaskTerminal)
	}

	if t.State == task.StatePending {
		res := s.finalizeLocked(t, task.StateCancelled, "cancelled by caller")
		s.mu.Unlock()
		s.emit(ctx, res)
		return nil
	}

	// Dispatched: the orchestrator cannot preempt an agent's in-progress work.
	t.CancelRequested = true
	agentID := t.AgentID
	s.mu.Unlock()

	env := &envelope.Envelope{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sender:    envelope.OrchestratorID,
		Recipient: agentID,
		Kind:      envelope.KindCancel,
		SentAt:    s.now(),
	}
	if _, err := s.router.Send(ctx, env); err != nil {
		slog.Warn("cancel notice undeliverable", "task_id", taskID, "agent_id", agentID, "error", err)
	}
	slog.Info("task cancel requested", "task_id", taskID, "agent_id", agentID)
	return nil
}

// GetStatus returns the caller-facing view of a task, served through the
// read cache when one is configured.
func (s *OrchestratorService) GetStatus(ctx context.Context, taskID string) (*task.View, error) {
	if s.statuses != nil {
		if data, ok, err := s.statuses.Get(ctx, statusKey(taskID)); err == nil && ok {
			var v task.View
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("status %s: %w", taskID, domain.ErrTaskNotFound)
	}
	v := t.Snapshot()
	s.mu.Unlock()

	if s.statuses != nil {
		if data, err := json.Marshal(v); err == nil {
			_ = s.statuses.Set(ctx, statusKey(taskID), data, 0)
		}
	}
	return &v, nil
}

// ListTasks returns views of all known tasks, newest submission first.
func (s *OrchestratorService) ListTasks() []task.View {
	s.mu.Lock()
	out := make([]task.View, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// History returns the task's full audit trail, oldest first.
func (s *OrchestratorService) History(ctx context.Context, taskID string) ([]event.Event, error) {
	s.mu.Lock()
	_, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("history %s: %w", taskID, domain.ErrTaskNotFound)
	}
	if s.events == nil {
		return nil, nil
	}
	return s.events.LoadByTask(ctx, taskID)
}

// Counts returns the number of tasks per state, for the system status endpoint.
func (s *OrchestratorService) Counts() map[task.State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[task.State]int)
	for _, t := range s.tasks {
		out[t.State]++
	}
	return out
}

// poke requests a scheduling pass without waiting for the next timer tick.
func (s *OrchestratorService) poke() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func statusKey(taskID string) string {
	return "task:" + taskID
}

func (s *OrchestratorService) invalidateStatus(ctx context.Context, taskID string) {
	if s.statuses != nil {
		_ = s.statuses.Delete(ctx, statusKey(taskID))
	}
}

func (s *OrchestratorService) appendTaskEvent(ctx context.Context, v task.View, typ event.Type, detail string) {
	if s.events == nil {
		return
	}
	ev := &event.Event{
		ID:        uuid.NewString(),
		TaskID:    v.ID,
		AgentID:   v.AgentID,
		Type:      typ,
		Attempt:   v.Attempts,
		Detail:    detail,
		CreatedAt: s.now(),
	}
	if err := s.events.Append(ctx, ev); err != nil {
		slog.Error("append task event", "task_id", v.ID, "type", typ, "error", err)
	}
}
