package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinRoom(t *testing.T, th *testHub, w *connWrapper, id, roomName, role string) {
	t.Helper()
	th.hub.dispatch(context.Background(), id, w, &inbound{Type: "join", Room: roomName, Role: role})
	drain(w)
}

func TestDispatchSFU_NoAdapterRejectsEveryMessage(t *testing.T) {
	cfg := testConfig(t)
	th := newTestHubT(t, cfg)
	th.hub.adapter = nil
	w := th.connect("alice", nil)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleCreateTransport_Success(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby", Direction: "send"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "sfu.transportCreated", frames[0]["type"])
	assert.NotEmpty(t, frames[0]["transportId"])
}

func TestHandleCreateTransport_NotAMember(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	th.rooms.Ensure("lobby")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleCreateTransport_InvalidDirection(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby", Direction: "sideways"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleConnectTransport_UnownedTransportIsError(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.connectTransport", TransportID: "not-mine"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleConnectTransport_MissingOfferIsError(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby"})
	created := drain(w)
	transportID := created[0]["transportId"].(string)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.connectTransport", TransportID: transportID})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_ObserverCannotProduce(t *testing.T) {
	cfg := testConfig(t)
	cfg.RoomDefaults.AllowObservers = true
	th := newTestHubT(t, cfg)
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "observer")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby", TransportID: "t1", Kind: "video"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_MissingFieldsIsError(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_NotAMember(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	th.rooms.Ensure("lobby")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby", TransportID: "t1", Kind: "video"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_TransportNotOwned(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby", TransportID: "not-mine", Kind: "video"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_InvalidKind(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby"})
	created := drain(w)
	transportID := created[0]["transportId"].(string)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby", TransportID: transportID, Kind: "smell"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleProduce_VideoProducerLimitEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.RoomDefaults.MaxVideoProducers = 1
	th := newTestHubT(t, cfg)
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	rm, ok := th.rooms.Get("lobby")
	require.True(t, ok)
	// Pre-populate room bookkeeping directly (no engine call) to simulate
	// an existing video producer from another client without negotiating
	// real media.
	th.rooms.AddProducer(rm, "existing", "bob", "video", time.Now())

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.createTransport", Room: "lobby"})
	created := drain(w)
	transportID := created[0]["transportId"].(string)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.produce", Room: "lobby", TransportID: transportID, Kind: "video"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleListProducers_UnknownRoomIsError(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.listProducers", Room: "ghost"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleCloseProducer_NotOwnedIsError(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.closeProducer", ProducerID: "not-mine"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestHandleStartRecording_NoRecorderConfigured(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)
	joinRoom(t, th, w, "alice", "lobby", "")

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.startRecording", ProducerID: "p1"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "recording is not configured", frames[0]["message"])
}

func TestHandleStopRecording_NoRecorderConfigured(t *testing.T) {
	th := newTestHubT(t, testConfig(t))
	w := th.connect("alice", nil)

	th.hub.dispatch(context.Background(), "alice", w, &inbound{Type: "sfu.stopRecording"})

	frames := drain(w)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "recording is not configured", frames[0]["message"])
}
