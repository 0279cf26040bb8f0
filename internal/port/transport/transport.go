// Package transport defines the message router port. The same orchestrator
// logic runs over in-process channels or a message bus; implementations are
// serialization-agnostic and never interpret payload content.
package transport

import (
	"context"

	"github.com/pulsedash/controlplane/internal/domain/envelope"
)

// Handler processes an envelope delivered to a subscribed recipient.
type Handler func(ctx context.Context, env *envelope.Envelope)

// Router delivers envelopes between the orchestrator and agents.
//
// Ordering: for a single sender→recipient pair, envelopes are delivered in
// send order. No ordering is guaranteed across different pairs.
type Router interface {
	// Send delivers the envelope to its recipient. It returns an error
	// wrapping domain.ErrUndeliverable when the recipient is not currently
	// reachable; retrying is the caller's concern.
	Send(ctx context.Context, env *envelope.Envelope) (*envelope.Receipt, error)

	// Subscribe registers the delivery handler for envelopes addressed to
	// the recipient. At most one subscription is active per recipient;
	// re-subscribing replaces the prior one. The returned function cancels
	// the subscription.
	Subscribe(recipient string, handler Handler) (cancel func(), err error)

	// Close shuts the router down and cancels all subscriptions.
	Close() error
}
