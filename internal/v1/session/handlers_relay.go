package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/registry"
)

// handleRelay implements the ICE relay and the legacy offer/answer/
// candidate relay from spec §4.4: both forward the inbound message
// largely unchanged, annotated with `from`, either to a named peer or to
// the sender's room minus itself.
func (h *Hub) handleRelay(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	payload := map[string]any{}
	_ = json.Unmarshal(msg.raw, &payload)
	payload["type"] = msg.Type
	payload["from"] = id

	if msg.To != "" {
		if !h.clients.SendTo(msg.To, payload) {
			w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("no such peer %q", msg.To)), msg.RequestID))
		}
		return
	}

	if msg.Room != "" {
		h.bridge.BroadcastToRoom(msg.Room, payload, id)
		return
	}

	if msg.Type == "ice" {
		w.sendJSON(withRequestID(errorMessage("ice relay requires either to or room"), msg.RequestID))
	}
}

// dispatchAdmin routes `admin.*` message types, requiring an
// authenticated admin principal per spec §4.4.
func (h *Hub) dispatchAdmin(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if c.User == nil || c.User.Role != "admin" {
		w.sendJSON(withRequestID(errorMessage("admin access required"), msg.RequestID))
		return
	}

	switch msg.Type {
	case "admin.rooms":
		w.sendJSON(withRequestID(map[string]any{
			"type":  "admin.rooms",
			"rooms": h.rooms.Overview(),
		}, msg.RequestID))
	case "admin.roomInfo":
		if msg.Room == "" {
			w.sendJSON(withRequestID(errorMessage("room is required"), msg.RequestID))
			return
		}
		info, ok := h.rooms.Info(msg.Room)
		if !ok {
			w.sendJSON(withRequestID(errorMessage("room does not exist"), msg.RequestID))
			return
		}
		w.sendJSON(withRequestID(map[string]any{
			"type":     "admin.roomInfo",
			"roomInfo": info,
		}, msg.RequestID))
	case "admin.metrics":
		var engineMetrics mediaengine.AggregateStats
		if h.adapter != nil {
			engineMetrics = h.adapter.Metrics(ctx)
		}
		w.sendJSON(withRequestID(map[string]any{
			"type":    "admin.metrics",
			"metrics": engineMetrics,
		}, msg.RequestID))
	default:
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("unknown message type %q", msg.Type)), msg.RequestID))
	}
}
