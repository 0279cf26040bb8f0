package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "controlplane"

// Metrics holds all control-plane metric instruments.
type Metrics struct {
	TasksSubmitted  metric.Int64Counter
	TasksDispatched metric.Int64Counter
	TasksSucceeded  metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TasksExhausted  metric.Int64Counter
	TasksCancelled  metric.Int64Counter
	DispatchLatency metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("controlplane.tasks.submitted",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("controlplane.tasks.dispatched",
		metric.WithDescription("Number of dispatch attempts started"))
	if err != nil {
		return nil, err
	}

	m.TasksSucceeded, err = meter.Int64Counter("controlplane.tasks.succeeded",
		metric.WithDescription("Number of tasks succeeded"))
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("controlplane.tasks.retried",
		metric.WithDescription("Number of failed attempts re-queued for retry"))
	if err != nil {
		return nil, err
	}

	m.TasksExhausted, err = meter.Int64Counter("controlplane.tasks.exhausted",
		metric.WithDescription("Number of tasks exhausted"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("controlplane.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram("controlplane.dispatch.duration_seconds",
		metric.WithDescription("Wall time from dispatch to attempt outcome"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterAgentLoadGauge exposes the per-agent reservation count as an
// observable gauge. loads is called on every metric collection.
func RegisterAgentLoadGauge(loads func() map[string]int) error {
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("controlplane.agents.load",
		metric.WithDescription("Live reservations per agent"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for agentID, load := range loads() {
			o.ObserveInt64(gauge, int64(load), metric.WithAttributes(attribute.String("agent_id", agentID)))
		}
		return nil
	}, gauge)
	return err
}
