package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsedash/controlplane/internal/adapter/memstore"
	"github.com/pulsedash/controlplane/internal/config"
	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/agent"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/domain/event"
	"github.com/pulsedash/controlplane/internal/domain/task"
	"github.com/pulsedash/controlplane/internal/port/transport"
	"github.com/pulsedash/controlplane/internal/resilience"
)

// stubRouter records sends and lets tests inject per-recipient failures.
// Envelopes are never delivered; tests feed outcomes straight into
// HandleEnvelope to keep scenarios synchronous.
type stubRouter struct {
	mu        sync.Mutex
	sent      []*envelope.Envelope
	deadlines []bool // per send, whether the context carried one
	fail      map[string]error
}

func newStubRouter() *stubRouter {
	return &stubRouter{fail: make(map[string]error)}
}

func (r *stubRouter) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[env.Recipient]; err != nil {
		return nil, err
	}
	_, bounded := ctx.Deadline()
	r.deadlines = append(r.deadlines, bounded)
	r.sent = append(r.sent, env)
	return &envelope.Receipt{EnvelopeID: env.ID, AcceptedAt: env.SentAt}, nil
}

func (r *stubRouter) Subscribe(string, transport.Handler) (func(), error) {
	return func() {}, nil
}

func (r *stubRouter) Close() error { return nil }

func (r *stubRouter) setFail(recipient string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, recipient)
	} else {
		r.fail[recipient] = err
	}
}

// take returns and clears the recorded envelopes.
func (r *stubRouter) take() []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func (r *stubRouter) sendDeadlines() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.deadlines...)
}

type orchFixture struct {
	t        *testing.T
	clock    *fakeClock
	reg      *RegistryService
	res      *ResourceService
	router   *stubRouter
	store    *memstore.EventStore
	breakers *resilience.BreakerSet
	orch     *OrchestratorService
}

func defaultTestRetry() config.Retry {
	return config.Retry{
		Default: config.RetryPolicy{
			MaxAttempts:       3,
			BaseBackoff:       time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            false,
		},
	}
}

func newOrchFixture(t *testing.T, retry config.Retry) *orchFixture {
	t.Helper()
	clock := newFakeClock()
	store := memstore.NewEventStore()

	reg := NewRegistryService(testRegistryConfig(), nil, store)
	reg.now = clock.now
	res := NewResourceService(reg)
	res.now = clock.now
	router := newStubRouter()
	breakers := resilience.NewBreakerSet(3, 30*time.Second)

	orch := NewOrchestratorService(
		config.Scheduler{TickInterval: time.Second, DispatchTimeout: time.Minute},
		retry,
		reg, res, router, nil, store, nil, nil,
		breakers,
	)
	orch.now = clock.now

	return &orchFixture{t: t, clock: clock, reg: reg, res: res, router: router, store: store, breakers: breakers, orch: orch}
}

func (f *orchFixture) registerAgent(id string, maxConcurrent int, caps ...string) {
	f.t.Helper()
	req := agent.RegisterRequest{ID: id, Name: id, MaxConcurrent: maxConcurrent}
	for _, c := range caps {
		req.Capabilities = append(req.Capabilities, agent.Capability{Name: c})
	}
	if _, err := f.reg.Register(context.Background(), req); err != nil {
		f.t.Fatalf("register %s: %v", id, err)
	}
}

func (f *orchFixture) submit(capability string, priority int, deadline *time.Time) string {
	f.t.Helper()
	id, err := f.orch.Submit(context.Background(), task.SubmitRequest{
		Capability: capability,
		Payload:    json.RawMessage(`{"text":"hello"}`),
		Priority:   priority,
		Deadline:   deadline,
	})
	if err != nil {
		f.t.Fatalf("submit: %v", err)
	}
	return id
}

func (f *orchFixture) view(taskID string) task.View {
	f.t.Helper()
	v, err := f.orch.GetStatus(context.Background(), taskID)
	if err != nil {
		f.t.Fatalf("status %s: %v", taskID, err)
	}
	return *v
}

func (f *orchFixture) respond(taskID, agentID string, attempt int, output string) {
	f.t.Helper()
	payload, _ := json.Marshal(envelope.Result{Output: json.RawMessage(output), Attempt: attempt})
	f.orch.HandleEnvelope(context.Background(), &envelope.Envelope{
		ID:        "resp-" + taskID,
		TaskID:    taskID,
		Sender:    agentID,
		Recipient: envelope.OrchestratorID,
		Kind:      envelope.KindResponse,
		Payload:   payload,
		SentAt:    f.clock.now(),
	})
}

func (f *orchFixture) respondError(taskID, agentID string, attempt int, msg string) {
	f.t.Helper()
	payload, _ := json.Marshal(envelope.Result{Error: msg, Attempt: attempt})
	f.orch.HandleEnvelope(context.Background(), &envelope.Envelope{
		ID:        "err-" + taskID,
		TaskID:    taskID,
		Sender:    agentID,
		Recipient: envelope.OrchestratorID,
		Kind:      envelope.KindError,
		Payload:   payload,
		SentAt:    f.clock.now(),
	})
}

func requestsTo(envs []*envelope.Envelope, agentID string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range envs {
		if env.Recipient == agentID && env.Kind == envelope.KindRequest {
			out = append(out, env)
		}
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()

	if _, err := f.orch.Submit(ctx, task.SubmitRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty capability: expected ErrValidation, got %v", err)
	}
	if _, err := f.orch.Submit(ctx, task.SubmitRequest{Capability: "summarize"}); !errors.Is(err, domain.ErrUnsupportedCapability) {
		t.Errorf("undeclared capability: expected ErrUnsupportedCapability, got %v", err)
	}

	// Once declared, the capability stays known even with no agent available.
	f.registerAgent("a1", 1, "summarize")
	if err := f.reg.Deregister(ctx, "a1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := f.orch.Submit(ctx, task.SubmitRequest{Capability: "summarize"}); err != nil {
		t.Errorf("known capability with no live agent: expected pending submit, got %v", err)
	}
}

func TestDispatchAndComplete(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	if got := f.view(id).State; got != task.StatePending {
		t.Fatalf("expected pending before tick, got %s", got)
	}

	f.orch.Tick(ctx)

	v := f.view(id)
	if v.State != task.StateDispatched || v.AgentID != "a1" || v.Attempts != 1 {
		t.Fatalf("after tick: %+v", v)
	}
	reqs := requestsTo(f.router.take(), "a1")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request envelope, got %d", len(reqs))
	}
	var req envelope.Request
	if err := json.Unmarshal(reqs[0].Payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Capability != "summarize" || req.Attempt != 1 {
		t.Errorf("unexpected request payload: %+v", req)
	}
	if got := f.res.CurrentLoad("a1"); got != 1 {
		t.Errorf("expected load 1 while dispatched, got %d", got)
	}

	f.respond(id, "a1", 1, `{"summary":"ok"}`)

	v = f.view(id)
	if v.State != task.StateSucceeded || string(v.Result) != `{"summary":"ok"}` {
		t.Fatalf("after response: %+v", v)
	}
	if got := f.res.CurrentLoad("a1"); got != 0 {
		t.Errorf("expected load 0 after completion, got %d", got)
	}

	events, err := f.orch.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTypes := []event.Type{event.TypeTaskSubmitted, event.TypeTaskAdmitted, event.TypeTaskDispatched, event.TypeTaskSucceeded}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
}

func TestCapacitySerializesDispatch(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	t1 := f.submit("summarize", 0, nil)
	f.clock.advance(time.Millisecond)
	t2 := f.submit("summarize", 0, nil)

	f.orch.Tick(ctx)
	if got := f.view(t1).State; got != task.StateDispatched {
		t.Fatalf("t1: expected dispatched, got %s", got)
	}
	if got := f.view(t2).State; got != task.StatePending {
		t.Fatalf("t2: expected pending while a1 is at capacity, got %s", got)
	}

	// Further ticks must not over-commit the agent.
	f.orch.Tick(ctx)
	if got := f.res.CurrentLoad("a1"); got != 1 {
		t.Fatalf("expected load 1, got %d", got)
	}

	f.respond(t1, "a1", 1, `{}`)
	f.orch.Tick(ctx)
	v := f.view(t2)
	if v.State != task.StateDispatched || v.AgentID != "a1" {
		t.Fatalf("t2 after slot freed: %+v", v)
	}
}

func TestPriorityThenFIFO(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	low := f.submit("summarize", 1, nil)
	f.clock.advance(time.Millisecond)
	highFirst := f.submit("summarize", 5, nil)
	f.clock.advance(time.Millisecond)
	highSecond := f.submit("summarize", 5, nil)

	var order []string
	for range 3 {
		f.orch.Tick(ctx)
		for _, env := range requestsTo(f.router.take(), "a1") {
			order = append(order, env.TaskID)
			f.respond(env.TaskID, "a1", 1, `{}`)
		}
	}

	want := []string{highFirst, highSecond, low}
	if len(order) != len(want) {
		t.Fatalf("expected %d dispatches, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)
	f.respondError(id, "a1", 1, "transient failure")

	v := f.view(id)
	if v.State != task.StatePending || v.Attempts != 1 || v.LastError != "transient failure" {
		t.Fatalf("after first failure: %+v", v)
	}
	if got := f.res.CurrentLoad("a1"); got != 0 {
		t.Fatalf("expected reservation released on failure, got load %d", got)
	}

	// Backoff gates re-dispatch: a tick before it elapses does nothing.
	f.orch.Tick(ctx)
	if got := f.view(id).State; got != task.StatePending {
		t.Fatalf("expected pending during backoff, got %s", got)
	}

	f.clock.advance(2 * time.Second)
	f.orch.Tick(ctx)
	v = f.view(id)
	if v.State != task.StateDispatched || v.Attempts != 2 {
		t.Fatalf("after backoff: %+v", v)
	}
	reqs := requestsTo(f.router.take(), "a1")
	var req envelope.Request
	if err := json.Unmarshal(reqs[len(reqs)-1].Payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Attempt != 2 {
		t.Errorf("expected attempt 2 in request, got %d", req.Attempt)
	}

	f.respond(id, "a1", 2, `{}`)
	v = f.view(id)
	if v.State != task.StateSucceeded || v.Attempts != 2 {
		t.Fatalf("after success: %+v", v)
	}
}

func TestRetriesExhausted(t *testing.T) {
	retry := defaultTestRetry()
	retry.Default.MaxAttempts = 2
	f := newOrchFixture(t, retry)
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	for i := 0; i < 2; i++ {
		f.clock.advance(time.Minute)
		f.orch.Tick(ctx)
		f.respondError(id, "a1", i+1, "broken")
	}

	v := f.view(id)
	if v.State != task.StateExhausted || v.Attempts != 2 || v.LastError != "broken" {
		t.Fatalf("after exhaustion: %+v", v)
	}

	// Terminal is forever.
	f.clock.advance(time.Minute)
	f.orch.Tick(ctx)
	f.respond(id, "a1", 2, `{}`)
	if got := f.view(id).State; got != task.StateExhausted {
		t.Errorf("terminal task transitioned to %s", got)
	}
}

func TestDeadlineDominatesScheduling(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	// a1 is busy with blocker until after the deadline passes.
	blocker := f.submit("summarize", 9, nil)
	deadline := f.clock.now().Add(30 * time.Second)
	id := f.submit("summarize", 0, &deadline)

	f.orch.Tick(ctx)
	if got := f.view(blocker).State; got != task.StateDispatched {
		t.Fatalf("blocker: expected dispatched, got %s", got)
	}

	f.clock.advance(time.Minute)
	f.orch.Tick(ctx)

	v := f.view(id)
	if v.State != task.StateExhausted || v.Attempts != 0 {
		t.Fatalf("overdue task: %+v", v)
	}
	if got := requestsTo(f.router.take(), "a1"); len(got) != 1 {
		t.Errorf("overdue task reached an agent: %d requests", len(got))
	}
}

func TestDeadlineCutsRetriesShort(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	// Attempts remain, but the backoff would overrun the deadline.
	deadline := f.clock.now().Add(500 * time.Millisecond)
	id := f.submit("summarize", 0, &deadline)

	f.orch.Tick(ctx)
	f.respondError(id, "a1", 1, "broken")

	v := f.view(id)
	if v.State != task.StateExhausted || v.Attempts != 1 {
		t.Fatalf("expected exhausted with 1 attempt, got %+v", v)
	}
}

func TestCancelPendingTask(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	blocker := f.submit("summarize", 9, nil)
	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)

	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.view(id).State; got != task.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}

	// The cancelled task never dispatches, the blocker is untouched.
	f.respond(blocker, "a1", 1, `{}`)
	f.orch.Tick(ctx)
	if got := f.view(id).State; got != task.StateCancelled {
		t.Errorf("cancelled task transitioned to %s", got)
	}
}

func TestCancelDispatchedTaskIsCooperative(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)
	f.router.take()

	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Still dispatched: the agent was asked to stop, not preempted.
	if got := f.view(id).State; got != task.StateDispatched {
		t.Fatalf("expected dispatched after cancel request, got %s", got)
	}
	sent := f.router.take()
	if len(sent) != 1 || sent[0].Kind != envelope.KindCancel || sent[0].Recipient != "a1" {
		t.Fatalf("expected one cancel envelope to a1, got %+v", sent)
	}
	if got := f.res.CurrentLoad("a1"); got != 1 {
		t.Fatalf("reservation released before the attempt resolved")
	}

	// The outcome resolves the cancellation regardless of success.
	f.respond(id, "a1", 1, `{"summary":"late"}`)
	v := f.view(id)
	if v.State != task.StateCancelled {
		t.Fatalf("expected cancelled after in-flight outcome, got %s", v.State)
	}
	if got := f.res.CurrentLoad("a1"); got != 0 {
		t.Errorf("expected load 0 after resolution, got %d", got)
	}
}

func TestCancelErrors(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	if err := f.orch.Cancel(ctx, "no-such-task"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)
	f.respond(id, "a1", 1, `{}`)
	if err := f.orch.Cancel(ctx, id); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Errorf("expected ErrTaskTerminal, got %v", err)
	}
}

func TestUnreachableAgentFailsInflight(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)
	if got := f.view(id).State; got != task.StateDispatched {
		t.Fatalf("expected dispatched, got %s", got)
	}

	// The agent stops heartbeating; the sweep writes it off and the attempt
	// fails immediately instead of waiting out its timer.
	f.clock.advance(2 * time.Minute)
	f.reg.SweepExpired(ctx, f.clock.now())

	v := f.view(id)
	if v.State != task.StatePending || v.Attempts != 1 {
		t.Fatalf("after agent loss: %+v", v)
	}
	if got := f.res.CurrentLoad("a1"); got != 0 {
		t.Errorf("crashed agent still holds capacity: %d", got)
	}

	// A healthy replacement picks the task up after backoff.
	f.registerAgent("a2", 1, "summarize")
	f.clock.advance(5 * time.Second)
	f.orch.Tick(ctx)
	v = f.view(id)
	if v.State != task.StateDispatched || v.AgentID != "a2" {
		t.Fatalf("after replacement: %+v", v)
	}
}

func TestAttemptTimeout(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)

	f.clock.advance(time.Minute)
	f.orch.resolveFailure(ctx, id, 1, "", resilience.ErrorKindTimeout, "attempt timed out")

	v := f.view(id)
	if v.State != task.StatePending || v.Attempts != 1 || v.LastError != "attempt timed out" {
		t.Fatalf("after timeout: %+v", v)
	}

	// A stale timer for an already-resolved attempt is a no-op.
	f.orch.resolveFailure(ctx, id, 1, "", resilience.ErrorKindTimeout, "attempt timed out")
	if got := f.view(id).Attempts; got != 1 {
		t.Errorf("stale timeout consumed an attempt: %d", got)
	}
}

func TestStaleResponseIgnored(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")
	f.registerAgent("a2", 1, "classify")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)

	// Response from an agent the task is not assigned to.
	f.respond(id, "a2", 1, `{}`)
	if got := f.view(id).State; got != task.StateDispatched {
		t.Errorf("response from wrong agent resolved the task: %s", got)
	}

	// Response for an unknown task.
	f.respond("no-such-task", "a1", 1, `{}`)
}

func TestSendFailureLeavesTaskPending(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")
	f.router.setFail("a1", errors.New("connection refused"))

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)

	// The send never happened: no attempt consumed, no capacity held.
	v := f.view(id)
	if v.State != task.StatePending || v.Attempts != 0 {
		t.Fatalf("after failed send: %+v", v)
	}
	if got := f.res.CurrentLoad("a1"); got != 0 {
		t.Fatalf("failed send leaked a reservation: %d", got)
	}
	if got := f.reg.Health("a1"); got != agent.HealthDegraded {
		t.Errorf("expected degraded after send failure, got %s", got)
	}

	// The agent recovers, heartbeats, and the task goes out.
	f.router.setFail("a1", nil)
	if err := f.reg.Heartbeat(ctx, "a1", 0, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	f.orch.Tick(ctx)
	if got := f.view(id).State; got != task.StateDispatched {
		t.Errorf("expected dispatched after recovery, got %s", got)
	}
}

func TestGetStatusUnknownTask(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	if _, err := f.orch.GetStatus(context.Background(), "no-such-task"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetryHistoryTrail(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)
	f.respondError(id, "a1", 1, "transient")
	f.clock.advance(2 * time.Second)
	f.orch.Tick(ctx)
	f.respond(id, "a1", 2, `{}`)

	events, err := f.orch.History(ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	want := []event.Type{
		event.TypeTaskSubmitted,
		event.TypeTaskAdmitted, event.TypeTaskDispatched, event.TypeTaskFailed, event.TypeTaskRetrying,
		event.TypeTaskAdmitted, event.TypeTaskDispatched, event.TypeTaskSucceeded,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, w := range want {
		if events[i].Type != w {
			t.Errorf("event %d: expected %s, got %s", i, w, events[i].Type)
		}
	}
	// Both the failed and the retrying entries name the agent that failed
	// the attempt.
	if events[3].AgentID != "a1" || events[3].Attempt != 1 || events[3].Detail != "transient" {
		t.Errorf("failed event: %+v", events[3])
	}
	if events[4].AgentID != "a1" || events[4].Attempt != 1 {
		t.Errorf("retrying event: %+v", events[4])
	}
}

func TestStaleOutcomeAfterRetryIgnored(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	id := f.submit("summarize", 0, nil)
	f.orch.Tick(ctx)

	// Attempt 1 times out; after backoff the same agent gets attempt 2.
	f.orch.resolveFailure(ctx, id, 1, "a1", resilience.ErrorKindTimeout, "attempt timed out")
	f.clock.advance(2 * time.Second)
	f.orch.Tick(ctx)
	v := f.view(id)
	if v.State != task.StateDispatched || v.AgentID != "a1" || v.Attempts != 2 {
		t.Fatalf("after re-dispatch: %+v", v)
	}

	// The agent was still working on attempt 1 and finally reports it.
	// Neither a late error nor a late response may settle attempt 2.
	f.respondError(id, "a1", 1, "late failure from attempt 1")
	v = f.view(id)
	if v.State != task.StateDispatched || v.Attempts != 2 {
		t.Fatalf("stale error resolved attempt 2: %+v", v)
	}
	if v.LastError == "late failure from attempt 1" {
		t.Errorf("stale error recorded against attempt 2: %+v", v)
	}
	f.respond(id, "a1", 1, `{"stale":true}`)
	if got := f.view(id).State; got != task.StateDispatched {
		t.Fatalf("stale response resolved attempt 2: %s", got)
	}
	if got := f.res.CurrentLoad("a1"); got != 1 {
		t.Fatalf("stale outcome released attempt 2's reservation: load %d", got)
	}

	// Attempt 2's own outcome settles the task.
	f.respond(id, "a1", 2, `{"ok":true}`)
	v = f.view(id)
	if v.State != task.StateSucceeded || v.Attempts != 2 {
		t.Fatalf("after attempt 2 response: %+v", v)
	}
}

func TestDispatchSendCarriesDeadline(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	f.registerAgent("a1", 1, "summarize")

	f.submit("summarize", 0, nil)
	f.orch.Tick(context.Background())

	// The tick context lives as long as the process; the send must not.
	got := f.router.sendDeadlines()
	if len(got) != 1 || !got[0] {
		t.Fatalf("expected the dispatch send to carry a deadline, got %v", got)
	}
}

func TestPurgedAgentBreakerForgotten(t *testing.T) {
	f := newOrchFixture(t, defaultTestRetry())
	ctx := context.Background()
	f.registerAgent("a1", 1, "summarize")

	refused := errors.New("connection refused")
	for range 3 {
		_ = f.breakers.For("a1").Execute(func() error { return refused })
	}
	if !f.breakers.For("a1").Open() {
		t.Fatal("expected breaker open after repeated failures")
	}

	// The agent misses heartbeats until the registry writes it off and then
	// purges it; the purge must take the breaker state with it.
	f.clock.advance(2 * time.Minute)
	f.reg.SweepExpired(ctx, f.clock.now())
	f.clock.advance(20 * time.Minute)
	f.reg.SweepExpired(ctx, f.clock.now())

	if f.breakers.For("a1").Open() {
		t.Error("purged agent kept its open breaker")
	}
}
