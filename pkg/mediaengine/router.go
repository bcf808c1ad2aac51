package mediaengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Router owns one room's worth of transports, producers and consumers, all
// bound to a single worker. It is created lazily by Engine.Room on first
// reference.
type Router struct {
	name   string
	worker *Worker
	cfg    Config

	mu          sync.RWMutex
	transports  map[string]*Transport
	producers   map[string]*Producer
	consumers   map[string]*Consumer
	totalProds  uint64
	totalConsum uint64
}

func newRouter(name string, worker *Worker, cfg Config) *Router {
	return &Router{
		name:       name,
		worker:     worker,
		cfg:        cfg,
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
	}
}

// Name is the room name this router serves.
func (r *Router) Name() string { return r.name }

// RTPCapabilities returns the codec set this router negotiates, handed
// back to clients in sfu.transportCreated.
func (r *Router) RTPCapabilities() RTPCapabilities {
	return RTPCapabilities{Codecs: append(
		capabilitiesFor(KindAudio).Codecs,
		capabilitiesFor(KindVideo).Codecs...,
	)}
}

// CreateTransport creates a new PeerConnection for clientID and registers
// it under a fresh id.
func (r *Router) CreateTransport(clientID string, direction Direction) (*Transport, error) {
	id := uuid.NewString()
	t, err := newTransport(id, r, r.worker, clientID, direction)
	if err != nil {
		return nil, err
	}

	t.OnClose(func(string) {
		r.mu.Lock()
		delete(r.transports, id)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.transports[id] = t
	r.mu.Unlock()
	return t, nil
}

// Transport looks up a transport by id.
func (r *Router) Transport(id string) (*Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	return t, ok
}

// CreateProducer claims the inbound track of kind on transportID and
// starts relaying it. transportID must name a transport created on this
// router; the producer's RoomName is this router's name.
func (r *Router) CreateProducer(ctx context.Context, transportID, clientID string, kind Kind) (*Producer, error) {
	t, ok := r.Transport(transportID)
	if !ok {
		return nil, fmt.Errorf("mediaengine: unknown transport %s", transportID)
	}

	id := uuid.NewString()
	p, err := createProducer(ctx, id, t, kind, r.name, clientID)
	if err != nil {
		return nil, err
	}

	p.OnClose(func(string) {
		r.mu.Lock()
		delete(r.producers, id)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.producers[id] = p
	r.totalProds++
	r.mu.Unlock()
	return p, nil
}

// Producer looks up a producer by id.
func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

// CanConsume reports whether the router can serve producerID to a
// consumer declaring rtpCaps. The check is intentionally shallow (codec
// negotiation is a media-engine internal, not a control-plane concern):
// it only verifies the producer still exists.
func (r *Router) CanConsume(producerID string) bool {
	_, ok := r.Producer(producerID)
	return ok
}

// CreateConsumer attaches a new outbound track on transportID, sourced
// from producerID.
func (r *Router) CreateConsumer(transportID, producerID, clientID string) (*Consumer, error) {
	t, ok := r.Transport(transportID)
	if !ok {
		return nil, fmt.Errorf("mediaengine: unknown transport %s", transportID)
	}
	p, ok := r.Producer(producerID)
	if !ok {
		return nil, fmt.Errorf("mediaengine: unknown producer %s", producerID)
	}

	id := uuid.NewString()
	c, err := createConsumer(id, t, p, clientID)
	if err != nil {
		return nil, err
	}

	c.OnClose(func(string) {
		r.mu.Lock()
		delete(r.consumers, id)
		r.mu.Unlock()
	})

	r.mu.Lock()
	r.consumers[id] = c
	r.totalConsum++
	r.mu.Unlock()
	return c, nil
}

// Consumer looks up a consumer by id.
func (r *Router) Consumer(id string) (*Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	return c, ok
}

// Stats is a snapshot of a router's active and lifetime resource counts,
// used by roomsOverview() and metrics().
type Stats struct {
	RoomName          string
	ActiveTransports  int
	ActiveProducers   int
	ActiveConsumers   int
	TotalProducers    uint64
	TotalConsumers    uint64
}

// Stats returns a consistent snapshot of this router's counters.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		RoomName:         r.name,
		ActiveTransports: len(r.transports),
		ActiveProducers:  len(r.producers),
		ActiveConsumers:  len(r.consumers),
		TotalProducers:   r.totalProds,
		TotalConsumers:   r.totalConsum,
	}
}

// Transports returns a snapshot of every live transport on this router.
func (r *Router) Transports() []*Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// Producers returns a snapshot of every live producer on this router.
func (r *Router) Producers() []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// Consumers returns a snapshot of every live consumer on this router.
func (r *Router) Consumers() []*Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, c)
	}
	return out
}

// IsEmpty reports whether the router has no live resources left, meaning
// its owning room can be safely deleted from the engine's table.
func (r *Router) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports) == 0 && len(r.producers) == 0 && len(r.consumers) == 0
}
