package http

import (
	"net/http"
	"time"

	"github.com/pulsedash/controlplane/internal/adapter/ws"
	"github.com/pulsedash/controlplane/internal/config"
	"github.com/pulsedash/controlplane/internal/domain/agent"
	"github.com/pulsedash/controlplane/internal/domain/task"
	"github.com/pulsedash/controlplane/internal/port/eventstore"
	"github.com/pulsedash/controlplane/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Registry     *service.RegistryService
	Orchestrator *service.OrchestratorService
	Resources    *service.ResourceService
	Events       eventstore.Store
	Hub          *ws.Hub
	Config       config.Config

	StartedAt time.Time
}

// SubmitTask accepts a new task and returns its id. The task is accepted for
// scheduling, not executed inline, hence 202.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}
	id, err := h.Orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// ListTasks returns views of all known tasks, newest first.
func (h *Handlers) ListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.ListTasks())
}

// GetTask returns the current view of one task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	v, err := h.Orchestrator.GetStatus(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListTaskEvents returns the task's audit trail, oldest first.
func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Orchestrator.History(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// CancelTask requests cancellation. Pending tasks finalize immediately;
// dispatched tasks resolve once the in-flight attempt completes.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Orchestrator.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

// RegisterAgent registers (or re-registers) an agent.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	rec, err := h.Registry.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// agentStatus decorates a registry record with its live reserved load.
type agentStatus struct {
	agent.Record
	CurrentLoad int `json:"current_load"`
}

// ListAgents returns all registered agents with their live load.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	records := h.Registry.List()
	out := make([]agentStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, agentStatus{Record: rec, CurrentLoad: h.Resources.CurrentLoad(rec.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAgent returns one agent record.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rec, err := h.Registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentStatus{Record: *rec, CurrentLoad: h.Resources.CurrentLoad(id)})
}

// DeregisterAgent removes an agent from the scheduling pool.
func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Deregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	Load          int `json:"load"`
	MaxConcurrent int `json:"max_concurrent"`
}

// HeartbeatAgent refreshes an agent's liveness over HTTP.
func (h *Handlers) HeartbeatAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[heartbeatRequest](w, r)
	if !ok {
		return
	}
	if err := h.Registry.Heartbeat(r.Context(), urlParam(r, "id"), req.Load, req.MaxConcurrent); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgentEvents returns the agent's audit trail, oldest first. It works for
// purged agents too: the trail outlives the registry record.
func (h *Handlers) ListAgentEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	events, err := h.Events.LoadByAgent(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type agentCounts struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unreachable int `json:"unreachable"`
}

type systemStatus struct {
	Status        string             `json:"status"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Agents        agentCounts        `json:"agents"`
	Tasks         map[task.State]int `json:"tasks"`
	Subscribers   int                `json:"subscribers"`
}

// SystemStatus is the dashboard's overview endpoint: agent health counts,
// task state counts and connected push subscribers.
func (h *Handlers) SystemStatus(w http.ResponseWriter, _ *http.Request) {
	status := systemStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
		Tasks:         h.Orchestrator.Counts(),
	}
	for _, rec := range h.Registry.List() {
		status.Agents.Total++
		switch rec.Health {
		case agent.HealthHealthy:
			status.Agents.Healthy++
		case agent.HealthDegraded:
			status.Agents.Degraded++
		case agent.HealthUnreachable:
			status.Agents.Unreachable++
		}
	}
	if h.Hub != nil {
		status.Subscribers = h.Hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, status)
}

// retryPolicyView mirrors config.RetryPolicy with durations as strings.
type retryPolicyView struct {
	MaxAttempts       int     `json:"max_attempts"`
	BaseBackoff       string  `json:"base_backoff"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	Jitter            bool    `json:"jitter"`
}

// systemConfig is the dashboard's read-only view of the effective runtime
// configuration. Connection strings are reduced to enabled flags so
// credentials never leave the process.
type systemConfig struct {
	LogLevel           string                     `json:"log_level"`
	PostgresEnabled    bool                       `json:"postgres_enabled"`
	NATSEnabled        bool                       `json:"nats_enabled"`
	HeartbeatTimeout   string                     `json:"heartbeat_timeout"`
	PurgeAfter         string                     `json:"purge_after"`
	SweepInterval      string                     `json:"sweep_interval"`
	TickInterval       string                     `json:"tick_interval"`
	DispatchTimeout    string                     `json:"dispatch_timeout"`
	Retry              retryPolicyView            `json:"retry"`
	RetryClasses       map[string]retryPolicyView `json:"retry_classes,omitempty"`
	BreakerMaxFailures int                        `json:"breaker_max_failures"`
	BreakerTimeout     string                     `json:"breaker_timeout"`
	CacheStatusTTL     string                     `json:"cache_status_ttl"`
}

func retryView(p config.RetryPolicy) retryPolicyView {
	return retryPolicyView{
		MaxAttempts:       p.MaxAttempts,
		BaseBackoff:       p.BaseBackoff.String(),
		BackoffMultiplier: p.BackoffMultiplier,
		Jitter:            p.Jitter,
	}
}

// SystemConfig exposes the effective configuration to the dashboard.
// Changing configuration takes a restart; the endpoint is read-only.
func (h *Handlers) SystemConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := h.Config
	out := systemConfig{
		LogLevel:           cfg.Logging.Level,
		PostgresEnabled:    cfg.Postgres.DSN != "",
		NATSEnabled:        cfg.NATS.URL != "",
		HeartbeatTimeout:   cfg.Registry.HeartbeatTimeout.String(),
		PurgeAfter:         cfg.Registry.PurgeAfter.String(),
		SweepInterval:      cfg.Registry.SweepInterval.String(),
		TickInterval:       cfg.Scheduler.TickInterval.String(),
		DispatchTimeout:    cfg.Scheduler.DispatchTimeout.String(),
		Retry:              retryView(cfg.Retry.Default),
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerTimeout:     cfg.Breaker.Timeout.String(),
		CacheStatusTTL:     cfg.Cache.StatusTTL.String(),
	}
	if len(cfg.Retry.Classes) > 0 {
		out.RetryClasses = make(map[string]retryPolicyView, len(cfg.Retry.Classes))
		for tag, p := range cfg.Retry.Classes {
			out.RetryClasses[tag] = retryView(p)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
