package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB, generous for a signaling frame
	sendBufferSize = 256
)

var errChannelClosed = errors.New("session: channel closed")

// wsConn is the subset of *websocket.Conn a connWrapper needs. The
// indirection exists purely for testability, mirroring the teacher's own
// wsConnection interface in session/client.go.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// connWrapper adapts a gorilla/websocket connection to registry.Channel
// and drives the two-pump pattern: one goroutine reading frames off the
// socket and dispatching them through the Hub serially, one goroutine
// draining the outbound buffer onto the wire. No lock is ever held across
// either pump's blocking I/O.
type connWrapper struct {
	id   string
	conn wsConn
	send chan []byte

	closed    chan struct{}
	closeOnce func()
}

func newConnWrapper(id string, conn wsConn) *connWrapper {
	w := &connWrapper{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	w.closeOnce = sync1(func() { close(w.closed) })
	return w
}

// sync1 returns a function that runs fn at most once across all calls.
func sync1(fn func()) func() {
	var done bool
	return func() {
		if !done {
			done = true
			fn()
		}
	}
}

// Send implements registry.Channel. A full buffer means the client is
// not draining fast enough; the frame is dropped and reported as a
// failed send rather than blocking the caller's handler goroutine.
func (w *connWrapper) Send(data []byte) error {
	select {
	case <-w.closed:
		return errChannelClosed
	default:
	}
	select {
	case w.send <- data:
		return nil
	case <-w.closed:
		return errChannelClosed
	default:
		logging.Warn(context.Background(), "client send buffer full, dropping frame", zap.String("clientId", w.id))
		return errors.New("session: send buffer full")
	}
}

func (w *connWrapper) sendJSON(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal direct message", zap.String("clientId", w.id), zap.Error(err))
		return
	}
	_ = w.Send(data)
}

// readPump decodes one JSON frame at a time and feeds it to handle
// synchronously — the next frame is not read until handle returns,
// which is what gives the signaling session its per-connection ordering
// guarantee (spec §5): join must finish before a following sfu.produce
// on the same connection is dispatched.
func (w *connWrapper) readPump(ctx context.Context, handle func(context.Context, *inbound)) {
	defer func() {
		w.closeOnce()
		_ = w.conn.Close()
	}()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			logging.Warn(ctx, "dropping unparseable frame", zap.String("clientId", w.id), zap.Error(err))
			continue
		}
		msg.raw = data

		handle(ctx, &msg)
	}
}

// writePump drains the outbound buffer onto the wire and pings on an
// interval so intermediaries don't reap an idle connection.
func (w *connWrapper) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()

	for {
		select {
		case data, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-w.closed:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = w.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
