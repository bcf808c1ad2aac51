// Package mediaengine is a standalone WebRTC media engine: a worker pool,
// one Router per room, and pion/webrtc-backed Transport, Producer and
// Consumer primitives. It knows nothing about rooms, roles or signaling
// messages — internal/v1/mediaengine adapts it to those concerns.
package mediaengine

import (
	"runtime"

	"github.com/pion/webrtc/v3"
)

// ListenIP is one local interface the engine listens on, plus the address
// it announces in ICE candidates (NAT 1:1 mapping).
type ListenIP struct {
	IP          string
	AnnouncedIP string
}

// Config configures the engine at construction time. WorkerCount <= 0
// means max(1, runtime.NumCPU()-1), matching the engine's default pool
// size.
type Config struct {
	WorkerCount int
	ListenIPs   []ListenIP
	ICEServers  []webrtc.ICEServer
}

func (c Config) workerCount() int {
	if c.WorkerCount > 0 {
		return c.WorkerCount
	}
	if n := runtime.NumCPU() - 1; n > 0 {
		return n
	}
	return 1
}
