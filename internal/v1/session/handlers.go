package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"go.uber.org/zap"
)

// dispatch is the single entry point readPump hands every decoded frame
// to. Validation order follows spec §4.4: feature availability, required
// fields, client existence, role permissions, room existence and
// room-scoped preconditions.
func (h *Hub) dispatch(ctx context.Context, id string, w *connWrapper, msg *inbound) {
	c, ok := h.clients.Get(id)
	if !ok {
		return
	}

	status := "ok"
	defer func() {
		metrics.WebsocketEvents.WithLabelValues(msg.Type, status).Inc()
	}()

	switch {
	case msg.Type == "join":
		h.handleJoin(ctx, id, c, w, msg)
	case msg.Type == "leaveRoom":
		h.handleLeaveRoom(ctx, id, c, w, msg)
	case msg.Type == "leave":
		// no-op per spec §6: the real cleanup path is the channel-close
		// disconnect handler, not this message.
	case msg.Type == "list":
		h.handleList(ctx, id, w, msg)
	case msg.Type == "rooms":
		h.handleRooms(ctx, id, w, msg)
	case msg.Type == "ice" || msg.Type == "offer" || msg.Type == "answer" || msg.Type == "candidate":
		h.handleRelay(ctx, id, c, w, msg)
	case strings.HasPrefix(msg.Type, "sfu."):
		h.dispatchSFU(ctx, id, c, w, msg)
	case strings.HasPrefix(msg.Type, "admin."):
		h.dispatchAdmin(ctx, id, c, w, msg)
	default:
		status = "error"
		logging.Warn(ctx, "unrecognized message type", zap.String("clientId", id), zap.String("type", msg.Type))
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("unknown message type %q", msg.Type)), msg.RequestID))
	}
}

func roleFromString(s string) (room.Role, bool) {
	switch room.Role(s) {
	case room.RolePublisher, room.RoleObserver, room.RoleModerator:
		return room.Role(s), true
	case "":
		return room.RolePublisher, true
	default:
		return "", false
	}
}

// handleJoin implements the join semantics of spec §4.4.
func (h *Hub) handleJoin(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.Room == "" {
		w.sendJSON(withRequestID(errorMessage("room is required"), msg.RequestID))
		return
	}
	role, ok := roleFromString(msg.Role)
	if !ok {
		w.sendJSON(withRequestID(errorMessage(fmt.Sprintf("invalid role %q", msg.Role)), msg.RequestID))
		return
	}
	if role == room.RoleModerator {
		if c.User == nil || c.User.Role != "admin" {
			w.sendJSON(withRequestID(errorMessage("only admin users can join as moderator"), msg.RequestID))
			return
		}
	}

	rm := h.rooms.Ensure(msg.Room)

	if role == room.RoleObserver {
		opts := rm.Options()
		if !opts.AllowObservers {
			w.sendJSON(withRequestID(errorMessage("observers are not allowed in this room"), msg.RequestID))
			return
		}
		if opts.MaxObservers > 0 && rm.ObserverCount() >= opts.MaxObservers {
			w.sendJSON(withRequestID(errorMessage("room has reached its observer limit"), msg.RequestID))
			return
		}
	}

	if !h.rooms.AddMember(rm, id, role) {
		// already a member: treat as a no-op success, matching ensure's
		// own idempotency.
		w.sendJSON(withRequestID(map[string]any{"type": "joined", "room": msg.Room, "id": id, "role": string(role)}, msg.RequestID))
		return
	}

	c.SetRole(role)
	c.AddRoom(msg.Room)

	w.sendJSON(withRequestID(map[string]any{"type": "joined", "room": msg.Room, "id": id, "role": string(role)}, msg.RequestID))

	h.bridge.BroadcastToRoom(msg.Room, map[string]any{
		"type": "member-joined",
		"room": msg.Room,
		"id":   id,
		"role": string(role),
	}, id)

	if role == room.RoleObserver {
		w.sendJSON(map[string]any{
			"type":      "sfu.producers",
			"room":      msg.Room,
			"producers": producerSummaries(rm),
		})
	}
}

// handleLeaveRoom implements explicit leaveRoom (spec §4.4 Leave).
func (h *Hub) handleLeaveRoom(ctx context.Context, id string, c *registry.Client, w *connWrapper, msg *inbound) {
	if msg.Room == "" {
		w.sendJSON(withRequestID(errorMessage("room is required"), msg.RequestID))
		return
	}
	rm, ok := h.rooms.Get(msg.Room)
	if !ok || !rm.HasMember(id) {
		w.sendJSON(withRequestID(errorMessage("not a member of this room"), msg.RequestID))
		return
	}

	closed := h.rooms.CloseClientProducers(ctx, rm, id, h.adapter)
	for _, pid := range closed {
		c.RemoveProducer(pid)
		h.bridge.BroadcastToRoom(msg.Room, map[string]any{
			"type":       "sfu.producerClosed",
			"room":       msg.Room,
			"producerId": pid,
			"clientId":   id,
		}, "")
	}

	h.rooms.RemoveMember(rm, id)
	c.RemoveRoom(msg.Room)

	w.sendJSON(withRequestID(map[string]any{"type": "left", "room": msg.Room, "id": id}, msg.RequestID))

	h.bridge.BroadcastToRoom(msg.Room, map[string]any{
		"type": "member-left",
		"room": msg.Room,
		"id":   id,
	}, id)

	h.rooms.DeleteIfEmpty(msg.Room)
}

// handleList replies with every currently connected client id (spec §6).
func (h *Hub) handleList(ctx context.Context, id string, w *connWrapper, msg *inbound) {
	w.sendJSON(withRequestID(map[string]any{"type": "list", "clients": h.clients.AllIDs()}, msg.RequestID))
}

// handleRooms replies with every currently tracked room's name and member
// count (spec §6). Unlike admin.rooms this is available to any connected
// client and carries no producer/role detail.
func (h *Hub) handleRooms(ctx context.Context, id string, w *connWrapper, msg *inbound) {
	overview := h.rooms.Overview()
	out := make([]map[string]any, 0, len(overview))
	for _, o := range overview {
		out = append(out, map[string]any{"name": o.Name, "count": o.MemberCount})
	}
	w.sendJSON(withRequestID(map[string]any{"type": "rooms", "rooms": out}, msg.RequestID))
}

func producerSummaries(rm *room.Room) []map[string]any {
	summaries := rm.Producers()
	out := make([]map[string]any, 0, len(summaries))
	for _, p := range summaries {
		out = append(out, map[string]any{"producerId": p.ProducerID, "kind": p.Kind, "clientId": p.ClientID})
	}
	return out
}
