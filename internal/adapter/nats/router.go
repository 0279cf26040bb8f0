// Package nats implements the transport port over NATS JetStream for
// multi-process deployments where agents attach over the bus.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pulsedash/controlplane/internal/domain"
	"github.com/pulsedash/controlplane/internal/domain/envelope"
	"github.com/pulsedash/controlplane/internal/port/transport"
)

const (
	streamName    = "CONTROLPLANE"
	subjectPrefix = "envelopes."
)

// Router implements transport.Router using NATS JetStream. Each recipient
// owns one subject (envelopes.<recipient>); JetStream's per-subject ordering
// gives send-order delivery for every sender→recipient pair.
type Router struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the envelope stream exists.
func Connect(ctx context.Context, url string) (*Router, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Router{nc: nc, js: js}, nil
}

// Send publishes the envelope to its recipient's subject. Delivery over the
// bus is durable: an envelope for a recipient that is temporarily offline is
// held by the stream, so only a broken connection is undeliverable here.
func (r *Router) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Receipt, error) {
	if !r.nc.IsConnected() {
		return nil, fmt.Errorf("send to %s: nats disconnected: %w", env.Recipient, domain.ErrUndeliverable)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	if _, err := r.js.Publish(ctx, subjectFor(env.Recipient), data); err != nil {
		return nil, fmt.Errorf("send to %s: %w: %w", env.Recipient, domain.ErrUndeliverable, err)
	}
	return &envelope.Receipt{EnvelopeID: env.ID, AcceptedAt: time.Now()}, nil
}

// Subscribe consumes the recipient's subject. The durable consumer name is
// derived from the recipient, so re-subscribing replaces the prior consumer
// rather than fanning out.
func (r *Router) Subscribe(recipient string, handler transport.Handler) (func(), error) {
	consumer, err := r.js.CreateOrUpdateConsumer(context.Background(), streamName, jetstream.ConsumerConfig{
		Durable:       durableName(recipient),
		FilterSubject: subjectFor(recipient),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var env envelope.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			slog.Error("drop malformed envelope", "subject", msg.Subject(), "error", err)
			if termErr := msg.Term(); termErr != nil {
				slog.Error("nats term failed", "error", termErr)
			}
			return
		}
		handler(context.Background(), &env)
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "envelope_id", env.ID, "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Close shuts down the NATS connection.
func (r *Router) Close() error {
	r.nc.Close()
	return nil
}

func subjectFor(recipient string) string {
	return subjectPrefix + sanitizeToken(recipient)
}

func durableName(recipient string) string {
	return "cp-" + sanitizeToken(recipient)
}

// sanitizeToken maps a recipient id onto the NATS token alphabet.
func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
