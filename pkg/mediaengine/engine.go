package mediaengine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// FatalFunc is invoked when a worker dies. The default, used by NewEngine,
// exits the process with a non-zero status — a dead worker's in-memory
// router state (transports, producers, consumers) cannot be
// reconstructed, so the engine does not attempt to recover or migrate
// rooms off it.
type FatalFunc func(reason string)

// Engine is the top-level media engine: a fixed worker pool and the
// rooms bound to it. Rooms are assigned to workers round-robin on first
// reference and never move.
type Engine struct {
	cfg     Config
	workers []*Worker
	next    uint64

	mu    sync.RWMutex
	rooms map[string]*Router

	fatal FatalFunc
}

// NewEngine spawns cfg.workerCount() workers (default max(1, NumCPU-1))
// and starts a supervisor goroutine per worker that invokes fatal when
// that worker dies.
func NewEngine(cfg Config, fatal FatalFunc) (*Engine, error) {
	if fatal == nil {
		fatal = func(reason string) {
			fmt.Fprintln(os.Stderr, "mediaengine: fatal worker death:", reason)
			os.Exit(1)
		}
	}

	n := cfg.workerCount()
	e := &Engine{
		cfg:     cfg,
		workers: make([]*Worker, 0, n),
		rooms:   make(map[string]*Router),
		fatal:   fatal,
	}

	for i := 0; i < n; i++ {
		w, err := newWorker(i, cfg)
		if err != nil {
			return nil, fmt.Errorf("mediaengine: spawn worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
		go e.superviseWorker(w)
	}

	return e, nil
}

func (e *Engine) superviseWorker(w *Worker) {
	<-w.dead
	e.fatal(fmt.Sprintf("worker %d", w.id))
}

// Healthy reports whether every pooled worker is still alive. Used by
// internal/v1/mediaengine to satisfy the health package's EngineChecker.
func (e *Engine) Healthy() bool {
	for _, w := range e.workers {
		if !w.Healthy() {
			return false
		}
	}
	return true
}

// Room returns the router for name, creating it lazily and binding it to
// the next worker in round-robin order on first reference.
func (e *Engine) Room(name string) *Router {
	e.mu.RLock()
	r, ok := e.rooms[name]
	e.mu.RUnlock()
	if ok {
		return r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rooms[name]; ok {
		return r
	}

	idx := atomic.AddUint64(&e.next, 1) - 1
	worker := e.workers[int(idx%uint64(len(e.workers)))]
	r = newRouter(name, worker, e.cfg)
	e.rooms[name] = r
	return r
}

// RoomIfExists returns the router for name without creating one.
func (e *Engine) RoomIfExists(name string) (*Router, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[name]
	return r, ok
}

// DeleteRoom drops the router from the engine's table. Callers are
// expected to have already closed every transport on it.
func (e *Engine) DeleteRoom(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, name)
}

// Rooms returns a snapshot of all routers currently tracked.
func (e *Engine) Rooms() []*Router {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Router, 0, len(e.rooms))
	for _, r := range e.rooms {
		out = append(out, r)
	}
	return out
}
