package inproc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsedash/controlplane/internal/adapter/inproc"
	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
)

func newEnvelope(id, recipient string) *envelope.Envelope {
	return &envelope.Envelope{
		ID:        id,
		TaskID:    "task-1",
		Sender:    envelope.OrchestratorID,
		Recipient: recipient,
		Kind:      envelope.KindRequest,
		SentAt:    time.Now(),
	}
}

func TestSendWithoutSubscriptionUndeliverable(t *testing.T) {
	r := inproc.NewRouter()
	defer func() { _ = r.Close() }()

	_, err := r.Send(context.Background(), newEnvelope("e1", "nobody"))
	if !errors.Is(err, domain.ErrUndeliverable) {
		t.Errorf("expected ErrUndeliverable, got %v", err)
	}
}

func TestDeliveryInSendOrder(t *testing.T) {
	r := inproc.NewRouter()
	defer func() { _ = r.Close() }()

	const n = 100
	var mu sync.Mutex
	got := make([]string, 0, n)
	done := make(chan struct{})

	cancel, err := r.Subscribe("worker", func(_ context.Context, env *envelope.Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	for i := range n {
		if _, err := r.Send(ctx, newEnvelope(fmt.Sprintf("e%03d", i), "worker")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range n {
		want := fmt.Sprintf("e%03d", i)
		if got[i] != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i])
		}
	}
}

func TestResubscribeReplacesPrior(t *testing.T) {
	r := inproc.NewRouter()
	defer func() { _ = r.Close() }()

	first := make(chan string, 1)
	if _, err := r.Subscribe("worker", func(_ context.Context, env *envelope.Envelope) {
		first <- env.ID
	}); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	second := make(chan string, 1)
	cancel, err := r.Subscribe("worker", func(_ context.Context, env *envelope.Envelope) {
		second <- env.ID
	})
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	defer cancel()

	if _, err := r.Send(context.Background(), newEnvelope("e1", "worker")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case id := <-second:
		if id != "e1" {
			t.Errorf("expected e1, got %s", id)
		}
	case id := <-first:
		t.Errorf("replaced subscription received envelope %s", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestCancelSubscription(t *testing.T) {
	r := inproc.NewRouter()
	defer func() { _ = r.Close() }()

	cancel, err := r.Subscribe("worker", func(context.Context, *envelope.Envelope) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	_, err = r.Send(context.Background(), newEnvelope("e1", "worker"))
	if !errors.Is(err, domain.ErrUndeliverable) {
		t.Errorf("expected ErrUndeliverable after cancel, got %v", err)
	}
}

func TestCloseCancelsAll(t *testing.T) {
	r := inproc.NewRouter()

	if _, err := r.Subscribe("worker", func(context.Context, *envelope.Envelope) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err := r.Send(context.Background(), newEnvelope("e1", "worker"))
	if !errors.Is(err, domain.ErrUndeliverable) {
		t.Errorf("expected ErrUndeliverable after close, got %v", err)
	}
}
