package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/seabed/spyglass/internal/bus"
)

// StartBridge subscribes to the bus and feeds replica activity into the
// metric instruments. It runs until ctx is cancelled; the subscription
// is removed on exit.
func StartBridge(ctx context.Context, b *bus.Bus, m *Metrics) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				record(ctx, m, event)
			}
		}
	}()
}

func record(ctx context.Context, m *Metrics, event bus.Event) {
	switch event.Topic {
	case bus.TopicObjectCreated, bus.TopicObjectUpdated, bus.TopicObjectDeleted:
		attrs := metric.WithAttributes(attribute.String("topic", event.Topic))
		if obj, ok := event.Payload.(bus.ObjectEvent); ok {
			attrs = metric.WithAttributes(
				attribute.String("topic", event.Topic),
				attribute.String("kind", obj.Kind.String()),
			)
		}
		m.EventsApplied.Add(ctx, 1, attrs)

	case bus.TopicTaskLog:
		m.EventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", event.Topic)))
		if log, ok := event.Payload.(bus.TaskLogEvent); ok {
			m.TaskLogBytes.Add(ctx, int64(len(log.Tail)))
		}

	case bus.TopicFrameDropped:
		attrs := metric.WithAttributes()
		if drop, ok := event.Payload.(bus.FrameDroppedEvent); ok && drop.Event != "" {
			attrs = metric.WithAttributes(attribute.String("event", drop.Event))
		}
		m.EventsDropped.Add(ctx, 1, attrs)

	case bus.TopicVaultLocked, bus.TopicVaultUnlocked:
		m.VaultTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", event.Topic)))

	case bus.TopicSessionState:
		if state, ok := event.Payload.(bus.SessionStateEvent); ok {
			m.SessionStates.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.State)))
		}
	}
}
