// Package eventbus is the notification side-channel of spec §4.8: a thin
// NATS publisher the Orchestrator and Watcher call on every status
// transition or liveness timeout. It carries no state of its own — the
// store and the Blackboard remain the only sources of truth; a nil *Bus
// makes every Publish a no-op, so wiring it in is optional.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Bus wraps a NATS connection with trace-context-propagating publish and
// subscribe helpers.
type Bus struct {
	nc *nats.Conn
}

// Connect dials the given NATS URL. Callers that don't want event
// notifications should simply not call Connect and pass a nil *Bus
// around instead.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// Close closes the underlying connection without draining it.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.nc.Close()
}

// ExperimentStatusChanged publishes to experiment.<id>.status, per §4.3's
// requirement that every Orchestrator state transition be observable by
// out-of-scope collaborators (e.g. an admin dashboard).
func (b *Bus) ExperimentStatusChanged(ctx context.Context, experimentID, status string) error {
	return b.publish(ctx, fmt.Sprintf("experiment.%s.status", experimentID), map[string]string{
		"experiment_id": experimentID,
		"status":        status,
	})
}

// ExecutorSilent publishes to executor.<id>.silent when the Watcher gives
// up waiting for a heartbeat.
func (b *Bus) ExecutorSilent(ctx context.Context, executorID string) error {
	return b.publish(ctx, fmt.Sprintf("executor.%s.silent", executorID), map[string]string{
		"executor_id": executorID,
	})
}

func (b *Bus) publish(ctx context.Context, subject string, payload interface{}) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := b.nc.PublishMsg(msg); err != nil {
		slog.Error("event bus publish failed", "subject", subject, "error", err)
		return err
	}
	return nil
}

// Subscribe wraps nc.Subscribe, extracting propagated trace context into a
// child span for each delivered message before calling handler.
func (b *Bus) Subscribe(subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, fmt.Errorf("eventbus: not connected")
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tracer := otel.Tracer("netexp-orchestrator")
		ctx, span := tracer.Start(ctx, "eventbus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
