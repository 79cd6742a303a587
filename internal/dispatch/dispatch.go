// Package dispatch maps inbound stream envelopes to replica mutations.
// Protocol problems (malformed frames, unknown events or kinds) are
// logged and dropped; they never tear the session down.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/seabed/spyglass/internal/access"
	"github.com/seabed/spyglass/internal/bus"
	"github.com/seabed/spyglass/internal/protocol"
	"github.com/seabed/spyglass/internal/store"
)

// Dispatcher applies stream events to one replica store and publishes
// change notifications on the bus.
type Dispatcher struct {
	store  *store.Store
	grants *access.Grants
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	redraw func() bool
}

// New returns a Dispatcher wired to the session's store, grants and bus.
func New(s *store.Store, g *access.Grants, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: s, grants: g, bus: b, logger: logger}
}

// SetRedrawGate installs the view layer's live-redraw opt-in. When the
// gate returns true after a mutation, a redraw notification is
// published. The gate is owned by the view layer, not the replica.
func (d *Dispatcher) SetRedrawGate(gate func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.redraw = gate
}

// Apply handles one parsed envelope. A false return means the frame was
// dropped (unknown event, unknown kind, or unusable data); the caller
// carries on either way.
func (d *Dispatcher) Apply(env protocol.Envelope) bool {
	applied := d.apply(env)
	if applied {
		d.notifyRedraw()
	}
	return applied
}

func (d *Dispatcher) apply(env protocol.Envelope) bool {
	switch env.Event {
	case protocol.EventCreateObject:
		return d.mutate(env, bus.TopicObjectCreated, d.store.Insert)

	case protocol.EventUpdateObject, protocol.EventHealthUpdate:
		return d.mutate(env, bus.TopicObjectUpdated, d.store.Update)

	case protocol.EventDeleteObject:
		kind, entity, ok := d.decode(env)
		if !ok {
			return false
		}
		d.store.Delete(kind, entity)
		d.bus.Publish(bus.TopicObjectDeleted, bus.ObjectEvent{Kind: kind, UUID: entity.UUID()})
		return true

	case protocol.EventTaskStatusUpdate:
		entity, err := env.Entity()
		if err != nil {
			return d.drop(env, err.Error())
		}
		if err := d.store.Update(store.KindTask, entity); err != nil {
			return d.drop(env, err.Error())
		}
		d.bus.Publish(bus.TopicObjectUpdated, bus.ObjectEvent{Kind: store.KindTask, UUID: entity.UUID()})
		return true

	case protocol.EventTaskLogUpdate:
		entity, err := env.Entity()
		if err != nil {
			return d.drop(env, err.Error())
		}
		uuid, tail := entity.UUID(), entity.Str("tail")
		if !d.store.AppendTaskLog(uuid, tail) {
			return d.drop(env, "log tail for unknown task "+uuid)
		}
		d.bus.Publish(bus.TopicTaskLog, bus.TaskLogEvent{UUID: uuid, Tail: tail})
		return true

	case protocol.EventLockCore:
		d.grants.SetLocked(true)
		d.bus.Publish(bus.TopicVaultLocked, nil)
		return true

	case protocol.EventUnlockCore:
		d.grants.SetLocked(false)
		d.bus.Publish(bus.TopicVaultUnlocked, nil)
		return true

	default:
		return d.drop(env, "unrecognized event")
	}
}

// drop logs a discarded frame and publishes the drop so observers can
// count it. Always returns false.
func (d *Dispatcher) drop(env protocol.Envelope, reason string) bool {
	d.logger.Warn("dispatch: dropping frame", "event", env.Event, "type", env.Type, "reason", reason)
	d.bus.Publish(bus.TopicFrameDropped, bus.FrameDroppedEvent{Event: env.Event, Reason: reason})
	return false
}

func (d *Dispatcher) mutate(env protocol.Envelope, topic string, op func(store.Kind, store.Entity) error) bool {
	kind, entity, ok := d.decode(env)
	if !ok {
		return false
	}
	if err := op(kind, entity); err != nil {
		return d.drop(env, err.Error())
	}
	d.bus.Publish(topic, bus.ObjectEvent{Kind: kind, UUID: entity.UUID()})
	return true
}

func (d *Dispatcher) decode(env protocol.Envelope) (store.Kind, store.Entity, bool) {
	kind, err := store.ParseKind(env.Type)
	if err != nil {
		d.drop(env, err.Error())
		return 0, nil, false
	}
	entity, err := env.Entity()
	if err != nil {
		d.drop(env, err.Error())
		return 0, nil, false
	}
	return kind, entity, true
}

func (d *Dispatcher) notifyRedraw() {
	d.mu.RLock()
	gate := d.redraw
	d.mu.RUnlock()
	if gate != nil && gate() {
		d.bus.Publish(bus.TopicViewRedraw, nil)
	}
}
