package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/auth"
	"github.com/coresignal/sfuplane/internal/v1/config"
	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"github.com/coresignal/sfuplane/internal/v1/ratelimit"
	"github.com/coresignal/sfuplane/internal/v1/recorder"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/coresignal/sfuplane/internal/v1/signaling"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errUnauthorized = errors.New("unauthorized")

// noopEngineCloser stands in for the Media Engine Adapter in SFU-disabled
// deployments (h.adapter == nil): it satisfies both registry.EngineCloser
// and room.ProducerCloser so disconnect's bookkeeping (room/registry
// cleanup, member-left fan-out) still runs in full, with no engine
// resource to actually release.
type noopEngineCloser struct{}

func (noopEngineCloser) CloseTransport(ctx context.Context, id string) error { return nil }
func (noopEngineCloser) CloseProducer(ctx context.Context, id string) error  { return nil }
func (noopEngineCloser) CloseConsumer(ctx context.Context, id string) error  { return nil }

// Hub is the process-wide wiring point for the Signaling Session (spec
// §4.4): it owns the registries, the media engine adapter, the event
// bridge, and the upgrade/auth handshake that turns an HTTP request into
// an authenticated Client.
type Hub struct {
	cfg       *config.Config
	clients   *registry.Registry
	rooms     *room.Registry
	adapter   *mediaengine.Adapter
	bridge    *signaling.Bridge
	validator auth.TokenValidator
	limiter   *ratelimit.RateLimiter
	recorder  *recorder.Client

	upgrader websocket.Upgrader
}

// NewHub wires a Hub from already-constructed dependencies. validator may
// be *auth.MockValidator in development; recorder may be nil if
// RECORDER_API_URL is unset.
func NewHub(
	cfg *config.Config,
	clients *registry.Registry,
	rooms *room.Registry,
	adapter *mediaengine.Adapter,
	bridge *signaling.Bridge,
	validator auth.TokenValidator,
	limiter *ratelimit.RateLimiter,
	rec *recorder.Client,
) *Hub {
	return &Hub{
		cfg:       cfg,
		clients:   clients,
		rooms:     rooms,
		adapter:   adapter,
		bridge:    bridge,
		validator: validator,
		limiter:   limiter,
		recorder:  rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWs implements the unauthenticated → authenticated connect
// handshake (spec §4.5 state machine) and then hands the connection to
// the read/write pumps. Registered as a gin handler for GET /ws.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	user, err := h.authenticate(ctx, c.Query("token"))
	if err != nil {
		conn, upErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if upErr != nil {
			return
		}
		data, _ := json.Marshal(errorMessage(err.Error()))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.Close()
		return
	}

	if user != nil && h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(ctx, user.ID); err != nil {
			conn, upErr := h.upgrader.Upgrade(c.Writer, c.Request, nil)
			if upErr != nil {
				return
			}
			data, _ := json.Marshal(errorMessage("rate limit exceeded"))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			_ = conn.Close()
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	var regUser *registry.User
	if user != nil {
		regUser = &registry.User{ID: user.ID, Name: user.Name, Role: user.Role}
	}

	w := newConnWrapper(id, conn)
	h.clients.Add(id, w, regUser)

	logging.Info(ctx, "client connected", zap.String("clientId", id))

	go w.writePump()
	w.sendJSON(map[string]any{"type": "id", "id": id})

	runCtx := context.Background()
	w.readPump(runCtx, func(hctx context.Context, msg *inbound) {
		start := time.Now()
		h.dispatch(hctx, id, w, msg)
		metrics.MessageProcessingDuration.WithLabelValues(msg.Type).Observe(time.Since(start).Seconds())
	})

	h.disconnect(runCtx, id)
}

// authenticate implements the auth branch of the connect handshake: with
// auth disabled every connection is accepted anonymously; with auth
// enabled a missing or invalid token closes the connection before it is
// ever registered.
func (h *Hub) authenticate(ctx context.Context, token string) (*auth.User, error) {
	if !h.cfg.EnableAuth {
		return nil, nil
	}
	if token == "" {
		return nil, errUnauthorized
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "token validation failed", zap.Error(err))
		return nil, errUnauthorized
	}
	return claims.ToUser(), nil
}

// disconnect runs the channel-closed path (spec §4.4): leave every room
// the client belonged to, release every engine resource, drop the
// registry entry, and tell everyone else the client is gone.
func (h *Hub) disconnect(ctx context.Context, id string) {
	logging.Info(ctx, "client disconnected", zap.String("clientId", id))

	var closer registry.EngineCloser = noopEngineCloser{}
	if h.adapter != nil {
		closer = h.adapter
	}

	h.clients.RemoveFromAllRooms(ctx, id, h.rooms, closer, h.bridge.BroadcastToRoom)
	h.clients.CloseResources(ctx, id, closer)
	if h.adapter != nil {
		if err := h.adapter.CloseClient(ctx, id); err != nil {
			logging.Warn(ctx, "adapter closeClient failed", zap.String("clientId", id), zap.Error(err))
		}
	}
	h.clients.Remove(id)

	for _, other := range h.clients.AllIDs() {
		h.clients.SendTo(other, map[string]any{"type": "leave", "id": id})
	}
}
