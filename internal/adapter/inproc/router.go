// Package inproc implements the transport port over in-process channels.
// It backs single-binary deployments and tests; the orchestrator cannot tell
// it apart from the NATS binding.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/port/transport"
)

// queueDepth bounds each recipient's mailbox. Send blocks (up to the caller's
// context) once the mailbox is full rather than dropping envelopes.
const queueDepth = 256

// Router is a channel-backed message router. One goroutine per recipient
// drains its mailbox in FIFO order, which gives send-order delivery for every
// sender→recipient pair.
type Router struct {
	mu     sync.Mutex
	subs   map[string]*mailbox
	closed bool
}

type mailbox struct {
	ch   chan *envelope.Envelope
	done chan struct{}
}

// NewRouter creates an in-process router.
func NewRouter() *Router {
	return &Router{subs: make(map[string]*mailbox)}
}

// Send enqueues the envelope for its recipient. It fails with
// domain.ErrUndeliverable when the recipient has no active subscription.
func (r *Router) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Receipt, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("send to %s: router closed: %w", env.Recipient, domain.ErrUndeliverable)
	}
	mb, ok := r.subs[env.Recipient]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("send to %s: no subscription: %w", env.Recipient, domain.ErrUndeliverable)
	}

	select {
	case mb.ch <- env:
		return &envelope.Receipt{EnvelopeID: env.ID, AcceptedAt: env.SentAt}, nil
	case <-mb.done:
		return nil, fmt.Errorf("send to %s: subscription cancelled: %w", env.Recipient, domain.ErrUndeliverable)
	case <-ctx.Done():
		return nil, fmt.Errorf("send to %s: %w", env.Recipient, ctx.Err())
	}
}

// Subscribe registers the handler for the recipient, replacing any prior
// subscription. The returned function cancels the subscription and stops the
// delivery goroutine.
func (r *Router) Subscribe(recipient string, handler transport.Handler) (func(), error) {
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}

	mb := &mailbox{
		ch:   make(chan *envelope.Envelope, queueDepth),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: router closed", recipient)
	}
	if prior, ok := r.subs[recipient]; ok {
		close(prior.done)
	}
	r.subs[recipient] = mb
	r.mu.Unlock()

	go func() {
		for {
			select {
			case env := <-mb.ch:
				handler(context.Background(), env)
			case <-mb.done:
				return
			}
		}
	}()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.subs[recipient]; ok && current == mb {
			delete(r.subs, recipient)
			close(mb.done)
		}
	}
	return cancel, nil
}

// Close shuts the router down and cancels all subscriptions.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for recipient, mb := range r.subs {
		close(mb.done)
		delete(r.subs, recipient)
	}
	return nil
}
