package mediaengine

import (
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// Worker owns one pion API instance (MediaEngine + SettingEngine) and the
// rooms assigned to it by the engine's round-robin scheduler. Rooms never
// move between workers once assigned.
type Worker struct {
	id      int
	api     *webrtc.API
	healthy atomic.Bool
	dead    chan struct{}
}

func newWorker(id int, cfg Config) (*Worker, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	var announced []string
	var locals []string
	for _, l := range cfg.ListenIPs {
		if l.AnnouncedIP != "" {
			announced = append(announced, l.AnnouncedIP)
			locals = append(locals, l.IP)
		}
	}
	if len(announced) > 0 {
		se.SetNAT1To1IPs(announced, webrtc.ICECandidateTypeHost)
		_ = locals // pion only needs the announced side for NAT1To1IPs; locals documents the bind side
	}

	w := &Worker{
		id:   id,
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		dead: make(chan struct{}),
	}
	w.healthy.Store(true)
	return w, nil
}

// Healthy reports whether this worker can still service engine calls.
func (w *Worker) Healthy() bool {
	return w.healthy.Load()
}

// kill marks the worker dead. A worker never recovers: in-memory router
// state on a dead worker cannot be reconstructed, so the engine's
// supervisor treats this as a fatal process condition.
func (w *Worker) kill() {
	if w.healthy.CompareAndSwap(true, false) {
		close(w.dead)
	}
}
