// Package signaling is the Fan-out & Event Bridge (spec §4.5): it
// subscribes to the Media Engine Adapter's lifecycle events once Start
// is called, folds them into the Client and Room Registries, and
// exposes the broadcastToRoom primitive every message handler in
// internal/v1/session builds on.
package signaling

import (
	"context"

	"github.com/coresignal/sfuplane/internal/v1/bus"
	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"go.uber.org/zap"
)

// Bridge owns the subscription to the adapter's event channel and the
// single broadcastToRoom primitive. Its three event handlers are the
// closed sum named in spec's design notes: transport-closed,
// producer-closed, consumer-closed.
type Bridge struct {
	clients *registry.Registry
	rooms   *room.Registry
	adapter *mediaengine.Adapter
	bus     *bus.Service // optional: replicates broadcasts to sibling instances
}

// NewBridge wires a Bridge over the given registries and adapter. Call
// Start once to begin consuming adapter events; bus may be nil for
// single-instance deployments.
func NewBridge(clients *registry.Registry, rooms *room.Registry, adapter *mediaengine.Adapter, busService *bus.Service) *Bridge {
	return &Bridge{clients: clients, rooms: rooms, adapter: adapter, bus: busService}
}

// Start launches the goroutine that drains adapter.Events() until ctx is
// done. Must be called exactly once.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		events := b.adapter.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				b.handle(ctx, ev)
			}
		}
	}()
}

func (b *Bridge) handle(ctx context.Context, ev mediaengine.Event) {
	switch ev.Type {
	case mediaengine.EventTransportClosed:
		b.onTransportClosed(ev)
	case mediaengine.EventProducerClosed:
		b.onProducerClosed(ctx, ev)
	case mediaengine.EventConsumerClosed:
		b.onConsumerClosed(ev)
	default:
		logging.Warn(ctx, "unknown media engine event type", zap.String("type", string(ev.Type)))
	}
}

// onTransportClosed removes the transport from the owning client's
// bookkeeping. The client registry entry may already be gone if the
// engine event arrives after a disconnect has already cleaned up — that
// is expected per spec §5 and handled as a no-op.
func (b *Bridge) onTransportClosed(ev mediaengine.Event) {
	c, ok := b.clients.Get(ev.ClientID)
	if !ok {
		return
	}
	c.RemoveTransport(ev.ID)
}

// onProducerClosed removes the producer from the room's and the owning
// client's bookkeeping, then fans out sfu.producerClosed to every
// current member of the room. Idempotent: a producer id no longer
// present in the room's table produces no broadcast, so an explicit
// sfu.closeProducer racing this event fires the notification exactly
// once.
func (b *Bridge) onProducerClosed(ctx context.Context, ev mediaengine.Event) {
	rm, ok := b.rooms.Get(ev.RoomName)
	if !ok {
		return
	}
	if _, existed := rm.HasProducer(ev.ID); !existed {
		return
	}
	b.rooms.RemoveProducer(rm, ev.ID)

	if c, ok := b.clients.Get(ev.ClientID); ok {
		c.RemoveProducer(ev.ID)
	}

	b.BroadcastToRoom(ev.RoomName, map[string]any{
		"type":       "sfu.producerClosed",
		"room":       ev.RoomName,
		"producerId": ev.ID,
		"clientId":   ev.ClientID,
	}, "")
}

// onConsumerClosed removes the consumer from the owning client's
// bookkeeping.
func (b *Bridge) onConsumerClosed(ev mediaengine.Event) {
	c, ok := b.clients.Get(ev.ClientID)
	if !ok {
		return
	}
	c.RemoveConsumer(ev.ID)
}

// BroadcastToRoom iterates roomName's members, skipping exclude if
// non-empty, and calls SendTo on each. Failures are silent: a dead
// channel's own close path drives the disconnect cleanup separately. If
// a bus is configured, the payload is also replicated to sibling
// instances so their local members receive it too.
func (b *Bridge) BroadcastToRoom(roomName string, payload any, exclude string) {
	rm, ok := b.rooms.Get(roomName)
	if !ok {
		return
	}
	for _, id := range rm.Members() {
		if id == exclude {
			continue
		}
		b.clients.SendTo(id, payload)
	}

	if b.bus != nil {
		event, _ := payload.(map[string]any)
		eventType, _ := event["type"].(string)
		_ = b.bus.Publish(context.Background(), roomName, eventType, payload, exclude, nil)
	}
}
