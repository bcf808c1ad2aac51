package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/recorder"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/coresignal/sfuplane/pkg/mediaengine"
	"go.uber.org/zap"
)

// dispatchSFU routes every `sfu.*` message type. Feature availability is
// checked once here: an adapter-less deployment (no media engine wired)
// fails every sfu.* call with a single message, per spec §4.4.
func (h *Hub) dispatchSFU(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if h.adapter == nil {
		w.sendJSON(withRequestID(errorMessage("sfu not enabled"), msg.RequestID))
		return
	}

	switch msg.Type {
	case "sfu.createTransport":
		h.handleCreateTransport(ctx, id, c, w, msg)
	case "sfu.connectTransport":
		h.handleConnectTransport(ctx, id, c, w, msg)
	case "sfu.produce":
		h.handleProduce(ctx, id, c, w, msg)
	case "sfu.consume":
		h.handleConsume(ctx, id, c, w, msg)
	case "sfu.listProducers":
		h.handleListProducers(ctx, id, c, w, msg)
	case "sfu.closeProducer":
		h.handleCloseProducer(ctx, id, c, w, msg)
	case "sfu.startRecording":
		h.handleStartRecording(ctx, id, c, w, msg)
	case "sfu.stopRecording":
		h.handleStopRecording(ctx, id, c, w, msg)
	default:
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("unknown message type %q", msg.Type)), msg.RequestID))
	}
}

func (h *Hub) handleCreateTransport(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.Room == "" {
		w.sendJSON(withRequestID(errorMessage("room is required"), msg.RequestID))
		return
	}
	rm, ok := h.rooms.Get(msg.Room)
	if !ok || !rm.HasMember(id) {
		w.sendJSON(withRequestID(errorMessage("not a member of this room"), msg.RequestID))
		return
	}

	var direction mediaengine.Direction
	switch msg.Direction {
	case "", "send":
		direction = mediaengine.DirectionSend
	case "recv":
		direction = mediaengine.DirectionRecv
	default:
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("invalid direction %q", msg.Direction)), msg.RequestID))
		return
	}

	info, err := h.adapter.CreateWebRtcTransport(ctx, msg.Room, id, direction)
	if err != nil {
		w.sendJSON(withRequestID(errorMessage(err.Error()), msg.RequestID))
		return
	}
	c.AddTransport(info.TransportID, registry.TransportBinding{Room: msg.Room, Direction: string(direction)})

	// This engine negotiates over a single SDP offer/answer per transport
	// rather than mediasoup's discrete iceParameters/dtlsParameters, so
	// those fields from the spec's table are omitted here; iceServers and
	// routerRtpCapabilities are carried as documented, plus the fields
	// this engine actually needs.
	w.sendJSON(withRequestID(map[string]any{
		"type":                  "sfu.transportCreated",
		"transportId":           info.TransportID,
		"direction":             string(direction),
		"iceServers":            h.cfg.ICEServers,
		"routerRtpCapabilities": info.RouterRtpCapabilities,
	}, msg.RequestID))
}

func (h *Hub) handleConnectTransport(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.TransportID == "" {
		w.sendJSON(withRequestID(errorMessage("transportId is required"), msg.RequestID))
		return
	}
	if !c.OwnsTransport(msg.TransportID) {
		w.sendJSON(withRequestID(errorMessage("transport not owned by this client"), msg.RequestID))
		return
	}

	var offer sdpPayload
	if len(msg.DtlsParameters) == 0 || json.Unmarshal(msg.DtlsParameters, &offer) != nil || offer.SDP == "" {
		w.sendJSON(withRequestID(errorMessage("dtlsParameters must carry a valid session description"), msg.RequestID))
		return
	}

	answer, err := h.adapter.ConnectTransport(ctx, msg.TransportID, mediaengine.SessionDescription{Type: offer.Type, SDP: offer.SDP})
	if err != nil {
		w.sendJSON(withRequestID(errorMessage(err.Error()), msg.RequestID))
		return
	}

	w.sendJSON(withRequestID(map[string]any{
		"type":        "sfu.transportConnected",
		"transportId": msg.TransportID,
		"answer":      sdpPayload{Type: answer.Type, SDP: answer.SDP},
	}, msg.RequestID))
}

func (h *Hub) handleProduce(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if c.Role() == room.RoleObserver {
		w.sendJSON(withRequestID(errorMessage("observers cannot produce"), msg.RequestID))
		return
	}
	if msg.TransportID == "" || msg.Kind == "" || msg.Room == "" {
		w.sendJSON(withRequestID(errorMessage("transportId, kind and room are required"), msg.RequestID))
		return
	}
	rm, ok := h.rooms.Get(msg.Room)
	if !ok || !rm.HasMember(id) {
		w.sendJSON(withRequestID(errorMessage("not a member of this room"), msg.RequestID))
		return
	}
	if !c.OwnsTransport(msg.TransportID) {
		w.sendJSON(withRequestID(errorMessage("transport not owned by this client"), msg.RequestID))
		return
	}

	kind := mediaengine.Kind(msg.Kind)
	if kind != mediaengine.KindAudio && kind != mediaengine.KindVideo {
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("invalid kind %q", msg.Kind)), msg.RequestID))
		return
	}

	opts := rm.Options()
	if kind == mediaengine.KindVideo && opts.MaxVideoProducers > 0 && rm.VideoProducerCount() >= opts.MaxVideoProducers {
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("room already has %d video producers", opts.MaxVideoProducers)), msg.RequestID))
		return
	}

	info, err := h.adapter.CreateProducer(ctx, msg.TransportID, msg.Room, id, kind)
	if err != nil {
		w.sendJSON(withRequestID(errorMessage(err.Error()), msg.RequestID))
		return
	}

	h.rooms.AddProducer(rm, info.ProducerID, id, string(kind), time.Now())
	c.AddProducer(info.ProducerID)

	w.sendJSON(withRequestID(map[string]any{
		"type":       "sfu.produced",
		"producerId": info.ProducerID,
		"kind":       string(info.Kind),
	}, msg.RequestID))

	event := map[string]any{
		"type":       "sfu.newProducer",
		"room":       msg.Room,
		"producerId": info.ProducerID,
		"clientId":   id,
		"kind":       string(info.Kind),
	}
	if c.User != nil {
		event["producerUser"] = map[string]any{"id": c.User.ID, "name": c.User.Name}
	}
	h.bridge.BroadcastToRoom(msg.Room, event, id)

	if kind == mediaengine.KindVideo && h.cfg.AutoRecordVideo && h.recorder != nil {
		go h.autoRecord(context.WithoutCancel(ctx), msg.Room, info.ProducerID)
	}
}

// autoRecord implements the Config.AutoRecordVideo opt-in: every video
// producer is recorded from the moment it's created, with no client
// message involved. Runs detached from the request that created the
// producer, since it outlives it.
func (h *Hub) autoRecord(ctx context.Context, roomName, producerID string) {
	src, err := h.adapter.RecordingSource(producerID)
	if err != nil {
		logging.Warn(ctx, "auto-record: producer RTP source unavailable", zap.String("producerId", producerID), zap.Error(err))
		return
	}

	resp, err := h.recorder.Start(ctx, recorder.StartRequest{
		IP:          h.cfg.RecorderRTPHost,
		Port:        h.cfg.RecorderRTPPort,
		Codec:       src.MimeType,
		ProducerID:  producerID,
		PayloadType: int(src.PayloadType),
		SSRC:        src.SSRC,
	})
	if err != nil {
		logging.Warn(ctx, "auto-record: recorder rejected start", zap.String("producerId", producerID), zap.Error(err))
		return
	}

	h.bridge.BroadcastToRoom(roomName, map[string]any{
		"type":       "sfu.recordingStarted",
		"producerId": producerID,
		"outputFile": resp.OutputFile,
	}, "")
}

func (h *Hub) handleConsume(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.TransportID == "" || msg.ProducerID == "" {
		w.sendJSON(withRequestID(errorMessage("transportId and producerId are required"), msg.RequestID))
		return
	}
	if msg.Room != "" {
		rm, ok := h.rooms.Get(msg.Room)
		if !ok {
			w.sendJSON(withRequestID(errorMessage("room does not exist"), msg.RequestID))
			return
		}
		if _, exists := rm.HasProducer(msg.ProducerID); !exists {
			w.sendJSON(withRequestID(errorMessage("producer not found in this room"), msg.RequestID))
			return
		}
	}
	if !c.OwnsTransport(msg.TransportID) {
		w.sendJSON(withRequestID(errorMessage("transport not owned by this client"), msg.RequestID))
		return
	}

	info, err := h.adapter.CreateConsumer(ctx, msg.TransportID, msg.ProducerID, id, msg.RtpCapabilities)
	if err != nil {
		w.sendJSON(withRequestID(errorMessage(err.Error()), msg.RequestID))
		return
	}
	c.AddConsumer(info.ConsumerID)

	w.sendJSON(withRequestID(map[string]any{
		"type":          "sfu.consumed",
		"consumerId":    info.ConsumerID,
		"producerId":    info.ProducerID,
		"kind":          string(info.Kind),
		"rtpParameters": nil, // negotiated implicitly via the transport's own SDP, not surfaced discretely
	}, msg.RequestID))
}

func (h *Hub) handleListProducers(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.Room == "" {
		w.sendJSON(withRequestID(errorMessage("room is required"), msg.RequestID))
		return
	}
	rm, ok := h.rooms.Get(msg.Room)
	if !ok {
		w.sendJSON(withRequestID(errorMessage("room does not exist"), msg.RequestID))
		return
	}
	w.sendJSON(withRequestID(map[string]any{
		"type":      "sfu.producers",
		"room":      msg.Room,
		"producers": producerSummaries(rm),
	}, msg.RequestID))
}

func (h *Hub) handleCloseProducer(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.ProducerID == "" {
		w.sendJSON(withRequestID(errorMessage("producerId is required"), msg.RequestID))
		return
	}
	owned := false
	for _, pid := range c.Producers() {
		if pid == msg.ProducerID {
			owned = true
			break
		}
	}
	if !owned {
		w.sendJSON(withRequestID(errorMessage("producer not owned by this client"), msg.RequestID))
		return
	}

	if err := h.adapter.CloseProducer(ctx, msg.ProducerID); err != nil {
		w.sendJSON(withRequestID(errorMessage(err.Error()), msg.RequestID))
		return
	}

	// Room/client bookkeeping and the room-wide broadcast are driven by
	// the engine's producer-closed event through the Event Bridge; this
	// reply only acknowledges the request to the caller.
	w.sendJSON(withRequestID(map[string]any{
		"type":       "sfu.producerClosed",
		"producerId": msg.ProducerID,
	}, msg.RequestID))
}

// handleStartRecording and handleStopRecording implement the explicit
// recording message pair from spec §9's open-question resolution: the
// automatic per-video-producer path only fires when Config.AutoRecordVideo
// is set, from within the produce handler's own completion, never here.
func (h *Hub) handleStartRecording(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if h.recorder == nil {
		w.sendJSON(withRequestID(errorMessage("recording is not configured"), msg.RequestID))
		return
	}
	owned := false
	for _, pid := range c.Producers() {
		if pid == msg.ProducerID {
			owned = true
			break
		}
	}
	if !owned {
		w.sendJSON(withRequestID(errorMessage("producer not owned by this client"), msg.RequestID))
		return
	}

	resp, err := h.recorder.Start(ctx, recorder.StartRequest{
		IP:          msg.IP,
		Port:        msg.Port,
		Codec:       msg.Codec,
		ProducerID:  msg.ProducerID,
		PayloadType: msg.PayloadType,
		SSRC:        msg.SSRC,
	})
	if err != nil {
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("sfu.startRecording failed: %v", err)), msg.RequestID))
		return
	}

	w.sendJSON(withRequestID(map[string]any{
		"type":       "sfu.recordingStarted",
		"producerId": msg.ProducerID,
		"outputFile": resp.OutputFile,
	}, msg.RequestID))
}

func (h *Hub) handleStopRecording(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if h.recorder == nil {
		w.sendJSON(withRequestID(errorMessage("recording is not configured"), msg.RequestID))
		return
	}
	if msg.ProducerID == "" {
		w.sendJSON(withRequestID(errorMessage("producerId is required"), msg.RequestID))
		return
	}

	if err := h.recorder.Stop(ctx, msg.ProducerID); err != nil {
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("sfu.stopRecording failed: %v", err)), msg.RequestID))
		return
	}

	w.sendJSON(withRequestID(map[string]any{
		"type":       "sfu.recordingStopped",
		"producerId": msg.ProducerID,
	}, msg.RequestID))
}
