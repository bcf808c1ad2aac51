package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/auth"
	"github.com/coresignal/sfuplane/internal/v1/config"
	"github.com/coresignal/sfuplane/internal/v1/mediaengine"
	"github.com/coresignal/sfuplane/internal/v1/ratelimit"
	"github.com/coresignal/sfuplane/internal/v1/registry"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"github.com/coresignal/sfuplane/internal/v1/signaling"
	pkgmediaengine "github.com/coresignal/sfuplane/pkg/mediaengine"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RoomDefaults: config.RoomDefaults{
			MaxVideoProducers: 1,
			AllowObservers:    true,
			MaxObservers:      1,
		},
		RateLimitAPIGlobal:   "1000-M",
		RateLimitAPIPublic:   "1000-M",
		RateLimitAPIRooms:    "1000-M",
		RateLimitAPIMessages: "1000-M",
		RateLimitWsIP:        "1000-M",
		RateLimitWsUser:      "1000-M",
	}
}

// fakeWsConn satisfies wsConn without ever touching the network; every
// test in this package drives handlers directly and inspects connWrapper's
// internal send channel instead of running the read/write pumps.
type fakeWsConn struct{}

func (fakeWsConn) ReadMessage() (int, []byte, error)     { return 0, nil, nil }
func (fakeWsConn) WriteMessage(int, []byte) error        { return nil }
func (fakeWsConn) Close() error                          { return nil }
func (fakeWsConn) SetReadDeadline(time.Time) error       { return nil }
func (fakeWsConn) SetWriteDeadline(time.Time) error      { return nil }
func (fakeWsConn) SetReadLimit(int64)                    {}
func (fakeWsConn) SetPongHandler(func(string) error)     {}

func newTestConn(id string) *connWrapper {
	return newConnWrapper(id, fakeWsConn{})
}

// drain reads every frame currently buffered on w's send channel, decoded
// as JSON, without blocking.
func drain(w *connWrapper) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data := <-w.send:
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

type testHub struct {
	hub     *Hub
	clients *registry.Registry
	rooms   *room.Registry
	adapter *mediaengine.Adapter
	bridge  *signaling.Bridge
}

func newTestHubT(t *testing.T, cfg *config.Config) *testHub {
	t.Helper()

	engine, err := pkgmediaengine.NewEngine(pkgmediaengine.Config{WorkerCount: 1}, func(reason string) {
		t.Errorf("unexpected media engine worker death: %s", reason)
	})
	require.NoError(t, err)

	adapter := mediaengine.NewAdapter(engine)
	clients := registry.NewRegistry()
	rooms := room.NewRegistry(cfg)
	bridge := signaling.NewBridge(clients, rooms, adapter, nil)
	bridge.Start(context.Background())

	limiter, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	hub := NewHub(cfg, clients, rooms, adapter, bridge, &auth.MockValidator{}, limiter, nil)

	return &testHub{hub: hub, clients: clients, rooms: rooms, adapter: adapter, bridge: bridge}
}

// connect registers a client directly in the registry (bypassing ServeWs's
// HTTP upgrade) and returns its connWrapper for frame inspection.
func (th *testHub) connect(id string, user *registry.User) *connWrapper {
	w := newTestConn(id)
	th.clients.Add(id, w, user)
	return w
}
