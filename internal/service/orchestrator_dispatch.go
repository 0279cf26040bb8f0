package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/agent"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/domain/event"
	"github.com/pulsedash/controlplane/internal/domain/task"
	"github.com/pulsedash/controlplane/internal/resilience"
)

// Tick runs one scheduling pass: expire overdue pending tasks, then walk the
// eligible pending tasks in priority order and dispatch each to the
// least-loaded capable agent that grants a reservation. Admission failures
// (no capable agent, capacity rejected, agent not healthy) are absorbed; the
// task stays pending for the next pass.
func (s *OrchestratorService) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var expired []resolution
	var eligible []*task.Task
	for _, t := range s.tasks {
		if t.State != task.StatePending {
			continue
		}
		if t.DeadlineElapsed(now) {
			// Deadline dominates: an overdue task never reaches an agent.
			expired = append(expired, s.finalizeLocked(t, task.StateExhausted, "deadline elapsed"))
			continue
		}
		if t.Eligible(now) {
			eligible = append(eligible, t)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].SubmittedAt.Before(eligible[j].SubmittedAt)
	})
	queue := make([]string, len(eligible))
	caps := make([]string, len(eligible))
	for i, t := range eligible {
		queue[i] = t.ID
		caps[i] = t.Capability
	}
	s.mu.Unlock()

	for _, res := range expired {
		s.emit(ctx, res)
	}

	for i, taskID := range queue {
		for _, candidate := range s.registry.FindCapable(caps[i]) {
			if s.breakers != nil && s.breakers.For(candidate.ID).Open() {
				continue
			}
			resv, err := s.resources.TryReserve(candidate.ID, taskID)
			if err != nil {
				continue
			}
			if s.dispatch(ctx, taskID, candidate, resv.ID, now) {
				break
			}
		}
	}
}

// dispatch moves one pending task through admitted to dispatched against a
// reservation already held. It returns false when the task is no longer
// schedulable or the send failed; the reservation is released in both cases.
func (s *OrchestratorService) dispatch(ctx context.Context, taskID string, candidate agent.Record, reservationID string, now time.Time) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || !t.Eligible(now) {
		s.mu.Unlock()
		s.resources.Release(reservationID)
		return false
	}
	t.State = task.StateAdmitted
	t.AgentID = candidate.ID
	attemptNum := t.Attempts + 1
	req := envelope.Request{
		Capability: t.Capability,
		Input:      t.Payload,
		Attempt:    attemptNum,
		Deadline:   t.Deadline,
	}
	schemaID := t.SchemaID
	deadline := t.Deadline
	admitted := t.Snapshot()
	s.mu.Unlock()

	s.appendTaskEvent(ctx, admitted, event.TypeTaskAdmitted, "")
	s.invalidateStatus(ctx, taskID)

	payload, err := json.Marshal(req)
	if err != nil {
		s.revertToPending(ctx, taskID, reservationID)
		slog.Error("marshal dispatch request", "task_id", taskID, "error", err)
		return false
	}
	env := &envelope.Envelope{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Sender:    envelope.OrchestratorID,
		Recipient: candidate.ID,
		Kind:      envelope.KindRequest,
		Payload:   payload,
		SchemaID:  schemaID,
		SentAt:    now,
	}

	// The send itself is bounded so a stalled transport cannot wedge the
	// scheduling pass; ctx here is the long-lived tick context.
	send := func() error {
		sendCtx, cancel := context.WithTimeout(ctx, s.schedCfg.DispatchTimeout)
		defer cancel()
		_, err := s.router.Send(sendCtx, env)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("send to %s: %w", candidate.ID, domain.ErrTimeout)
		}
		return err
	}
	if s.breakers != nil {
		err = s.breakers.For(candidate.ID).Execute(send)
	} else {
		err = send()
	}
	if err != nil {
		// Transient: the slot goes back, the task stays pending and the agent
		// is flagged so the sweep and breaker decide its fate.
		s.revertToPending(ctx, taskID, reservationID)
		s.registry.MarkUnreachable(ctx, candidate.ID, agent.HealthDegraded)
		slog.Warn("dispatch send failed", "task_id", taskID, "agent_id", candidate.ID, "error", err)
		return false
	}

	timeout := s.schedCfg.DispatchTimeout
	if deadline != nil {
		if until := deadline.Sub(now); until < timeout {
			timeout = until
		}
	}

	s.mu.Lock()
	t, ok = s.tasks[taskID]
	if !ok || t.State != task.StateAdmitted {
		s.mu.Unlock()
		s.resources.Release(reservationID)
		return false
	}
	t.State = task.StateDispatched
	t.Attempts = attemptNum
	s.inflight[taskID] = &attempt{
		number:        attemptNum,
		agentID:       candidate.ID,
		reservationID: reservationID,
		startedAt:     now,
		timer: time.AfterFunc(timeout, func() {
			s.resolveFailure(context.Background(), taskID, attemptNum, "", resilience.ErrorKindTimeout, "attempt timed out")
		}),
	}
	dispatched := t.Snapshot()
	s.mu.Unlock()

	s.appendTaskEvent(ctx, dispatched, event.TypeTaskDispatched, "")
	s.invalidateStatus(ctx, taskID)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(event.TypeTaskDispatched), dispatched)
	}
	if s.metrics != nil {
		s.metrics.TasksDispatched.Add(ctx, 1)
	}
	slog.Info("task dispatched", "task_id", taskID, "agent_id", candidate.ID, "attempt", attemptNum)
	return true
}

// revertToPending undoes a failed admission: the task (if still admitted)
// goes back to pending without consuming an attempt.
func (s *OrchestratorService) revertToPending(ctx context.Context, taskID, reservationID string) {
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok && t.State == task.StateAdmitted {
		t.State = task.StatePending
		t.AgentID = ""
	}
	s.mu.Unlock()
	s.resources.Release(reservationID)
	s.invalidateStatus(ctx, taskID)
}

// HandleEnvelope is the orchestrator's inbox handler. Agents report attempt
// outcomes with Response and Error envelopes; bus-attached agents also send
// their heartbeats here.
func (s *OrchestratorService) HandleEnvelope(ctx context.Context, env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindResponse:
		var result envelope.Result
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			slog.Error("malformed response payload", "task_id", env.TaskID, "sender", env.Sender, "error", err)
			return
		}
		s.resolveSuccess(ctx, env.TaskID, result.Attempt, env.Sender, result.Output)
	case envelope.KindError:
		var result envelope.Result
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			slog.Error("malformed error payload", "task_id", env.TaskID, "sender", env.Sender, "error", err)
			return
		}
		s.resolveFailure(ctx, env.TaskID, result.Attempt, env.Sender, resilience.ErrorKindAgent, result.Error)
	case envelope.KindHeartbeat:
		var hb envelope.Heartbeat
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			slog.Error("malformed heartbeat payload", "sender", env.Sender, "error", err)
			return
		}
		if err := s.registry.Heartbeat(ctx, env.Sender, hb.Load, hb.MaxConcurrent); err != nil {
			slog.Warn("heartbeat rejected", "agent_id", env.Sender, "error", err)
		}
	default:
		slog.Warn("unexpected envelope kind", "kind", env.Kind, "sender", env.Sender, "task_id", env.TaskID)
	}
}

// resolveSuccess finalizes a dispatched task whose assigned agent returned a
// Response. Late or duplicate responses (attempt already resolved, from an
// agent the task is no longer assigned to, or echoing an attempt number the
// orchestrator has already given up on) are ignored; attemptNum zero skips
// the attempt check.
func (s *OrchestratorService) resolveSuccess(ctx context.Context, taskID string, attemptNum int, sender string, output json.RawMessage) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	fl := s.inflight[taskID]
	if !ok || t.State != task.StateDispatched || fl == nil || fl.agentID != sender ||
		(attemptNum > 0 && fl.number != attemptNum) {
		s.mu.Unlock()
		slog.Debug("stale response ignored", "task_id", taskID, "sender", sender, "attempt", attemptNum)
		return
	}
	latency := s.now().Sub(fl.startedAt)
	var res resolution
	if t.CancelRequested {
		res = s.finalizeLocked(t, task.StateCancelled, "cancelled while in flight")
	} else {
		t.Result = output
		res = s.finalizeLocked(t, task.StateSucceeded, "")
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.DispatchLatency.Record(ctx, latency.Seconds())
	}
	s.emit(ctx, res)
	s.poke()
}

// resolveFailure settles a failed attempt: Error envelope, attempt timeout or
// the assigned agent going unreachable. attemptNum > 0 and sender guard
// against stale signals; zero values skip the corresponding check.
func (s *OrchestratorService) resolveFailure(ctx context.Context, taskID string, attemptNum int, sender string, kind resilience.ErrorKind, detail string) {
	now := s.now()

	s.mu.Lock()
	t, ok := s.tasks[taskID]
	fl := s.inflight[taskID]
	if !ok || t.State != task.StateDispatched || fl == nil {
		s.mu.Unlock()
		return
	}
	if attemptNum > 0 && fl.number != attemptNum {
		s.mu.Unlock()
		return
	}
	if sender != "" && fl.agentID != sender {
		s.mu.Unlock()
		slog.Debug("stale failure ignored", "task_id", taskID, "sender", sender)
		return
	}

	if t.CancelRequested {
		kind = resilience.ErrorKindCancelled
	}
	decision := resilience.Decide(s.retryCfg.ForCapability(t.Capability), t.Attempts, kind, now, t.Deadline)

	// The failed attempt itself gets an audit event; the follow-up event
	// (retrying, exhausted, cancelled) records what the policy decided.
	failed := t.Snapshot()
	failed.State = task.StateFailed
	failed.AgentID = fl.agentID
	failed.LastError = detail

	var res resolution
	switch decision.Outcome {
	case resilience.OutcomeCancel:
		res = s.finalizeLocked(t, task.StateCancelled, "cancelled while in flight")
	case resilience.OutcomeExhausted:
		t.LastError = detail
		res = s.finalizeLocked(t, task.StateExhausted, detail)
	case resilience.OutcomeRetry:
		res = s.retryLocked(t, now, decision.Backoff, detail)
	}
	s.mu.Unlock()

	s.appendTaskEvent(ctx, failed, event.TypeTaskFailed, detail)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(event.TypeTaskFailed), failed)
	}
	slog.Warn("attempt failed",
		"task_id", taskID, "agent_id", res.view.AgentID, "attempt", fl.number,
		"kind", kind, "error", detail, "outcome", res.evType)
	s.emit(ctx, res)
	s.poke()
}

// handleHealthChange reacts to registry health transitions: an agent going
// unreachable fails its in-flight attempts immediately rather than waiting
// for their timers; an agent coming back pokes the scheduler; a purged agent
// takes its breaker state with it.
func (s *OrchestratorService) handleHealthChange(c agent.HealthChange) {
	switch c.To {
	case agent.HealthUnknown:
		if s.breakers != nil {
			s.breakers.Forget(c.AgentID)
		}
	case agent.HealthUnreachable:
		s.mu.Lock()
		var affected []string
		for taskID, fl := range s.inflight {
			if fl.agentID == c.AgentID {
				affected = append(affected, taskID)
			}
		}
		s.mu.Unlock()
		for _, taskID := range affected {
			s.resolveFailure(context.Background(), taskID, 0, "", resilience.ErrorKindUnreachable, "agent unreachable")
		}
	case agent.HealthHealthy:
		s.poke()
	}
}

// resolution carries everything emit needs once the task lock is dropped.
type resolution struct {
	view          task.View
	evType        event.Type
	detail        string
	reservationID string
	backoff       time.Duration
}

// finalizeLocked moves a task into a terminal state. Caller holds s.mu.
// Terminal is forever: the inflight entry and its timer are discarded, and
// the reservation id is handed back for release outside the lock.
func (s *OrchestratorService) finalizeLocked(t *task.Task, state task.State, detail string) resolution {
	t.State = state
	if state == task.StateExhausted && detail != "" {
		t.LastError = detail
	}
	res := resolution{
		detail: detail,
	}
	if fl, ok := s.inflight[t.ID]; ok {
		fl.timer.Stop()
		res.reservationID = fl.reservationID
		delete(s.inflight, t.ID)
	}
	switch state {
	case task.StateSucceeded:
		res.evType = event.TypeTaskSucceeded
	case task.StateExhausted:
		res.evType = event.TypeTaskExhausted
	case task.StateCancelled:
		res.evType = event.TypeTaskCancelled
	}
	res.view = t.Snapshot()
	return res
}

// retryLocked re-queues a failed attempt: the task returns to pending with a
// backoff gate and no assigned agent. Caller holds s.mu.
func (s *OrchestratorService) retryLocked(t *task.Task, now time.Time, backoff time.Duration, detail string) resolution {
	res := resolution{
		evType:  event.TypeTaskRetrying,
		detail:  detail,
		backoff: backoff,
	}
	if fl, ok := s.inflight[t.ID]; ok {
		fl.timer.Stop()
		res.reservationID = fl.reservationID
		delete(s.inflight, t.ID)
	}
	failedAgent := t.AgentID
	t.State = task.StatePending
	t.AgentID = ""
	t.LastError = detail
	t.NotBefore = now.Add(backoff)
	res.view = t.Snapshot()
	// The retrying event names the agent that failed the attempt.
	res.view.AgentID = failedAgent
	return res
}

// emit publishes one settled transition: release the reservation, append the
// audit event, push to dashboard subscribers, bump metrics, drop the cached
// status. Runs without s.mu held.
func (s *OrchestratorService) emit(ctx context.Context, res resolution) {
	if res.evType == "" {
		return
	}
	if res.reservationID != "" {
		s.resources.Release(res.reservationID)
	}
	s.appendTaskEvent(ctx, res.view, res.evType, res.detail)
	s.invalidateStatus(ctx, res.view.ID)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, string(res.evType), res.view)
	}
	if s.metrics != nil {
		switch res.evType {
		case event.TypeTaskSucceeded:
			s.metrics.TasksSucceeded.Add(ctx, 1)
		case event.TypeTaskExhausted:
			s.metrics.TasksExhausted.Add(ctx, 1)
		case event.TypeTaskRetrying:
			s.metrics.TasksRetried.Add(ctx, 1)
		case event.TypeTaskCancelled:
			s.metrics.TasksCancelled.Add(ctx, 1)
		}
	}
	switch res.evType {
	case event.TypeTaskRetrying:
		slog.Info("task retrying", "task_id", res.view.ID, "attempt", res.view.Attempts, "backoff", res.backoff)
	default:
		slog.Info("task settled", "task_id", res.view.ID, "state", res.view.State, "attempts", res.view.Attempts)
	}
}
