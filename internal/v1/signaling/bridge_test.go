package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/config"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeChannel) snapshot() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.frames...)
}

func newTestBridge(t *testing.T) (*Bridge, *registry.Registry, *room.Registry, *mediaengine.Adapter) {
	t.Helper()
	clients := registry.NewRegistry()
	rooms := room.NewRegistry(&config.Config{})
	adapter := mediaengine.NewAdapter(nil) // engine unused: events are injected directly

	bridge := NewBridge(clients, rooms, adapter, nil)
	return bridge, clients, rooms, adapter
}

func TestBroadcastToRoom_ExcludesGivenClient(t *testing.T) {
	bridge, clients, rooms, _ := newTestBridge(t)

	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	clients.Add("alice", aliceCh, nil)
	clients.Add("bob", bobCh, nil)

	rm := rooms.Ensure("lobby")
	rooms.AddMember(rm, "alice", room.RolePublisher)
	rooms.AddMember(rm, "bob", room.RolePublisher)

	bridge.BroadcastToRoom("lobby", map[string]any{"type": "member-joined", "id": "alice"}, "alice")

	assert.Empty(t, aliceCh.snapshot())
	require.Len(t, bobCh.snapshot(), 1)
	assert.Equal(t, "member-joined", bobCh.snapshot()[0]["type"])
}

func TestBroadcastToRoom_UnknownRoomIsNoOp(t *testing.T) {
	bridge, _, _, _ := newTestBridge(t)
	// Must not panic when the room does not exist.
	bridge.BroadcastToRoom("ghost-room", map[string]any{"type": "x"}, "")
}

func TestOnProducerClosed_RemovesBookkeepingAndBroadcastsOnce(t *testing.T) {
	bridge, clients, rooms, _ := newTestBridge(t)

	aliceCh := &fakeChannel{}
	bobCh := &fakeChannel{}
	alice := clients.Add("alice", aliceCh, nil)
	clients.Add("bob", bobCh, nil)

	rm := rooms.Ensure("lobby")
	rooms.AddMember(rm, "alice", room.RolePublisher)
	rooms.AddMember(rm, "bob", room.RolePublisher)
	rooms.AddProducer(rm, "p1", "alice", "video", time.Now())
	alice.AddProducer("p1")

	bridge.handle(context.Background(), mediaengine.Event{
		Type: mediaengine.EventProducerClosed, RoomName: "lobby", ClientID: "alice", ID: "p1",
	})

	_, exists := rm.HasProducer("p1")
	assert.False(t, exists)
	assert.Empty(t, alice.Producers())

	for _, ch := range []*fakeChannel{aliceCh, bobCh} {
		require.Len(t, ch.snapshot(), 1)
		assert.Equal(t, "sfu.producerClosed", ch.snapshot()[0]["type"])
	}

	// A second delivery of the same event (e.g. a race with an explicit
	// sfu.closeProducer ack) must not broadcast again: the producer id is
	// already gone from the room.
	bridge.handle(context.Background(), mediaengine.Event{
		Type: mediaengine.EventProducerClosed, RoomName: "lobby", ClientID: "alice", ID: "p1",
	})
	assert.Len(t, aliceCh.snapshot(), 1)
	assert.Len(t, bobCh.snapshot(), 1)
}

func TestOnTransportClosed_RemovesTransportFromClient(t *testing.T) {
	bridge, clients, _, _ := newTestBridge(t)
	alice := clients.Add("alice", &fakeChannel{}, nil)
	alice.AddTransport("t1", registry.TransportBinding{Room: "lobby", Direction: "send"})

	bridge.handle(context.Background(), mediaengine.Event{
		Type: mediaengine.EventTransportClosed, ClientID: "alice", ID: "t1",
	})

	assert.False(t, alice.OwnsTransport("t1"))
}

func TestOnTransportClosed_UnknownClientIsNoOp(t *testing.T) {
	bridge, _, _, _ := newTestBridge(t)
	bridge.handle(context.Background(), mediaengine.Event{
		Type: mediaengine.EventTransportClosed, ClientID: "ghost", ID: "t1",
	})
}

func TestOnConsumerClosed_UnknownClientIsNoOp(t *testing.T) {
	bridge, _, _, _ := newTestBridge(t)
	// RemoveConsumer has no externally observable side effect on an unknown
	// client; this only asserts the dispatch does not panic.
	bridge.handle(context.Background(), mediaengine.Event{
		Type: mediaengine.EventConsumerClosed, ClientID: "ghost", ID: "c1",
	})
}
