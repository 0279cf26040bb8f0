// Package agentrt is the worker-side runtime: it registers an agent with the
// control plane, keeps its heartbeat fresh, receives request envelopes off
// the router and runs the registered capability handlers.
package agentrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/agent"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/port/transport"
)

// Handler executes one capability request. Returning an error produces an
// Error envelope; the control plane decides whether the attempt is retried.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// ControlPlane is the narrow registration surface the runtime needs. The
// registry service satisfies it directly for in-process agents.
type ControlPlane interface {
	Register(ctx context.Context, req agent.RegisterRequest) (*agent.Record, error)
	Heartbeat(ctx context.Context, agentID string, currentLoad, maxConcurrent int) error
}

// Config holds the agent's identity and runtime parameters.
type Config struct {
	ID                string
	Name              string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
}

// Agent runs capability handlers against the control plane. Concurrency is
// bounded by MaxConcurrent; a request beyond that waits for a free slot, the
// control plane's reservations normally prevent it from arriving at all.
type Agent struct {
	cfg      Config
	cp       ControlPlane
	router   transport.Router
	handlers map[string]Handler

	slots chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc // task id → in-progress attempt
}

// New creates an agent runtime. Handlers are keyed by capability name.
func New(cfg Config, cp ControlPlane, router transport.Router, handlers map[string]Handler) *Agent {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		cp:       cp,
		router:   router,
		handlers: handlers,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		running:  make(map[string]context.CancelFunc),
	}
}

// Run registers the agent, subscribes its inbox and heartbeats until ctx is
// cancelled. It blocks; in-flight handlers get a grace period to finish.
func (a *Agent) Run(ctx context.Context) error {
	req := agent.RegisterRequest{
		ID:            a.cfg.ID,
		Name:          a.cfg.Name,
		MaxConcurrent: a.cfg.MaxConcurrent,
	}
	for name := range a.handlers {
		req.Capabilities = append(req.Capabilities, agent.Capability{Name: name})
	}
	if _, err := a.cp.Register(ctx, req); err != nil {
		return fmt.Errorf("register agent %s: %w", a.cfg.ID, err)
	}

	cancelSub, err := a.router.Subscribe(a.cfg.ID, a.handleEnvelope)
	if err != nil {
		return fmt.Errorf("subscribe agent %s: %w", a.cfg.ID, err)
	}
	defer cancelSub()

	slog.Info("agent running", "agent_id", a.cfg.ID, "capabilities", len(a.handlers), "max_concurrent", a.cfg.MaxConcurrent)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(ctx) })
	return g.Wait()
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.cp.Heartbeat(ctx, a.cfg.ID, a.load(), a.cfg.MaxConcurrent); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("heartbeat failed", "agent_id", a.cfg.ID, "error", err)
				// A purged agent has to introduce itself again.
				if errors.Is(err, domain.ErrUnknownAgent) {
					if _, rerr := a.reregister(ctx); rerr != nil {
						slog.Error("re-register failed", "agent_id", a.cfg.ID, "error", rerr)
					}
				}
			}
		}
	}
}

func (a *Agent) reregister(ctx context.Context) (*agent.Record, error) {
	req := agent.RegisterRequest{
		ID:            a.cfg.ID,
		Name:          a.cfg.Name,
		MaxConcurrent: a.cfg.MaxConcurrent,
	}
	for name := range a.handlers {
		req.Capabilities = append(req.Capabilities, agent.Capability{Name: name})
	}
	return a.cp.Register(ctx, req)
}

// handleEnvelope dispatches one inbox envelope. Requests run on their own
// goroutine so the delivery loop keeps draining (cancel envelopes must get
// through while work is in progress).
func (a *Agent) handleEnvelope(ctx context.Context, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindRequest:
		var req envelope.Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			a.sendError(ctx, env.TaskID, 0, fmt.Sprintf("malformed request payload: %v", err))
			return
		}
		go a.execute(ctx, env.TaskID, req)
	case envelope.KindCancel:
		a.mu.Lock()
		cancel, ok := a.running[env.TaskID]
		a.mu.Unlock()
		if ok {
			slog.Info("cancelling attempt", "agent_id", a.cfg.ID, "task_id", env.TaskID)
			cancel()
		}
	default:
		slog.Warn("unexpected envelope kind", "agent_id", a.cfg.ID, "kind", env.Kind)
	}
}

func (a *Agent) execute(ctx context.Context, taskID string, req envelope.Request) {
	handler, ok := a.handlers[req.Capability]
	if !ok {
		a.sendError(ctx, taskID, req.Attempt, fmt.Sprintf("capability %s not handled", req.Capability))
		return
	}

	a.slots <- struct{}{}
	defer func() { <-a.slots }()

	var runCtx context.Context
	var cancel context.CancelFunc
	if req.Deadline != nil {
		runCtx, cancel = context.WithDeadline(ctx, *req.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	a.mu.Lock()
	a.running[taskID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.running, taskID)
		a.mu.Unlock()
	}()

	output, err := handler(runCtx, req.Input)
	if err != nil {
		a.sendError(ctx, taskID, req.Attempt, err.Error())
		return
	}

	payload, err := json.Marshal(envelope.Result{Output: output, Attempt: req.Attempt})
	if err != nil {
		a.sendError(ctx, taskID, req.Attempt, fmt.Sprintf("marshal result: %v", err))
		return
	}
	a.send(ctx, &envelope.Envelope{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sender:    a.cfg.ID,
		Recipient: envelope.OrchestratorID,
		Kind:      envelope.KindResponse,
		Payload:   payload,
		SentAt:    time.Now(),
	})
}

func (a *Agent) sendError(ctx context.Context, taskID string, attempt int, msg string) {
	payload, _ := json.Marshal(envelope.Result{Error: msg, Attempt: attempt})
	a.send(ctx, &envelope.Envelope{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sender:    a.cfg.ID,
		Recipient: envelope.OrchestratorID,
		Kind:      envelope.KindError,
		Payload:   payload,
		SentAt:    time.Now(),
	})
}

func (a *Agent) send(ctx context.Context, env *envelope.Envelope) {
	if _, err := a.router.Send(ctx, env); err != nil {
		slog.Error("send outcome failed", "agent_id", a.cfg.ID, "task_id", env.TaskID, "kind", env.Kind, "error", err)
	}
}

func (a *Agent) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}
