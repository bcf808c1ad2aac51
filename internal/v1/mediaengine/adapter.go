// Package mediaengine is the Media Engine Adapter: it wraps the
// standalone pkg/mediaengine engine, owns the transport/producer/consumer
// id-to-room index, wraps every engine call in a circuit breaker, and
// normalizes engine lifecycle events for the signaling package's Event
// Bridge.
package mediaengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"github.com/coresignal/sfuplane/pkg/mediaengine"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// EventType is one of the three event kinds the adapter emits: a closed
// sum, per spec's design notes.
type EventType string

const (
	EventTransportClosed EventType = "transport-closed"
	EventProducerClosed  EventType = "producer-closed"
	EventConsumerClosed  EventType = "consumer-closed"
)

// Event is a normalized lifecycle notification the signaling package's
// Event Bridge subscribes to at startup.
type Event struct {
	Type     EventType
	RoomName string
	ClientID string
	ID       string
	Reason   string
}

// TransportInfo is returned from CreateWebRtcTransport. It carries no SDP:
// the client sends its own offer through ConnectTransport and receives the
// server's answer, standing in for the discrete iceParameters/
// dtlsParameters exchange a mediasoup-style engine would use.
type TransportInfo struct {
	TransportID           string
	RoomName               string
	Direction              mediaengine.Direction
	IceServers             []mediaengine.ListenIP
	RouterRtpCapabilities  mediaengine.RTPCapabilities
}

// ProducerInfo is returned from CreateProducer.
type ProducerInfo struct {
	ProducerID string
	Kind       mediaengine.Kind
}

// ConsumerInfo is returned from CreateConsumer.
type ConsumerInfo struct {
	ConsumerID string
	ProducerID string
	Kind       mediaengine.Kind
}

// AggregateStats is the process-wide summary returned by Metrics().
type AggregateStats struct {
	Rooms              int    `json:"rooms"`
	ActiveTransports   int    `json:"activeTransports"`
	ActiveProducers    int    `json:"activeProducers"`
	ActiveConsumers    int    `json:"activeConsumers"`
	TotalProducersEver uint64 `json:"totalProducersEver"`
	TotalConsumersEver uint64 `json:"totalConsumersEver"`
}

// Adapter is the Media Engine Adapter described in spec §4.3.
type Adapter struct {
	engine *mediaengine.Engine
	cb     *gobreaker.CircuitBreaker

	mu         sync.RWMutex
	transports map[string]string // transportID -> roomName
	producers  map[string]string // producerID -> roomName
	consumers  map[string]string // consumerID -> roomName

	events chan Event
}

// NewAdapter wraps engine with circuit breaking and event normalization.
// engine's worker-death fatal callback is the caller's responsibility
// (wire mediaengine.NewEngine's FatalFunc before constructing an Adapter).
func NewAdapter(engine *mediaengine.Engine) *Adapter {
	st := gobreaker.Settings{
		Name:        "media-engine",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("media-engine").Set(stateVal)
		},
	}

	return &Adapter{
		engine:     engine,
		cb:         gobreaker.NewCircuitBreaker(st),
		transports: make(map[string]string),
		producers:  make(map[string]string),
		consumers:  make(map[string]string),
		events:     make(chan Event, 256),
	}
}

// Events returns the channel the Event Bridge subscribes to. Never closed
// during normal operation.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Healthy satisfies internal/v1/health.EngineChecker.
func (a *Adapter) Healthy(ctx context.Context) bool {
	return a.engine.Healthy()
}

func (a *Adapter) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := a.cb.Execute(fn)
	status := "ok"
	if err != nil {
		status = "error"
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("media-engine").Inc()
		}
	}
	metrics.EngineCallDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
	return result, err
}

// CreateWebRtcTransport creates a new transport on roomName's router for
// clientID and registers its room binding in the adapter's index.
func (a *Adapter) CreateWebRtcTransport(ctx context.Context, roomName, clientID string, direction mediaengine.Direction) (*TransportInfo, error) {
	router := a.engine.Room(roomName)

	res, err := a.call(ctx, "createWebRtcTransport", func() (any, error) {
		return router.CreateTransport(clientID, direction)
	})
	if err != nil {
		return nil, fmt.Errorf("sfu.createTransport failed: %w", err)
	}
	t := res.(*mediaengine.Transport)

	a.mu.Lock()
	a.transports[t.ID] = roomName
	a.mu.Unlock()

	t.OnClose(func(reason string) {
		a.mu.Lock()
		delete(a.transports, t.ID)
		a.mu.Unlock()
		metrics.ActiveTransports.WithLabelValues(roomName).Dec()
		a.emit(Event{Type: EventTransportClosed, RoomName: roomName, ClientID: clientID, ID: t.ID, Reason: reason})
	})

	metrics.ActiveTransports.WithLabelValues(roomName).Inc()

	return &TransportInfo{
		TransportID:           t.ID,
		RoomName:               roomName,
		Direction:              direction,
		RouterRtpCapabilities: router.RTPCapabilities(),
	}, nil
}

func (a *Adapter) roomOf(index map[string]string, id string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	room, ok := index[id]
	return room, ok
}

// ConnectTransport applies the client's offer to transportID and returns
// the server's answer.
func (a *Adapter) ConnectTransport(ctx context.Context, transportID string, offer mediaengine.SessionDescription) (mediaengine.SessionDescription, error) {
	roomName, ok := a.roomOf(a.transports, transportID)
	if !ok {
		return mediaengine.SessionDescription{}, fmt.Errorf("unknown transport %s", transportID)
	}
	router := a.engine.Room(roomName)
	t, ok := router.Transport(transportID)
	if !ok {
		return mediaengine.SessionDescription{}, fmt.Errorf("unknown transport %s", transportID)
	}

	res, err := a.call(ctx, "connectTransport", func() (any, error) {
		return t.Connect(offer)
	})
	if err != nil {
		return mediaengine.SessionDescription{}, fmt.Errorf("sfu.connectTransport failed: %w", err)
	}
	return res.(mediaengine.SessionDescription), nil
}

// CloseTransport closes a transport by id; idempotent.
func (a *Adapter) CloseTransport(ctx context.Context, transportID string) error {
	roomName, ok := a.roomOf(a.transports, transportID)
	if !ok {
		return nil
	}
	router := a.engine.Room(roomName)
	t, ok := router.Transport(transportID)
	if !ok {
		return nil
	}
	t.Close("close")
	return nil
}

// CreateProducer registers a new producer on transportID. If roomName is
// non-empty it must match the transport's own room.
func (a *Adapter) CreateProducer(ctx context.Context, transportID, roomName, clientID string, kind mediaengine.Kind) (*ProducerInfo, error) {
	actualRoom, ok := a.roomOf(a.transports, transportID)
	if !ok {
		return nil, fmt.Errorf("unknown transport %s", transportID)
	}
	if roomName != "" && roomName != actualRoom {
		return nil, fmt.Errorf("transport belongs to different room")
	}

	router := a.engine.Room(actualRoom)
	res, err := a.call(ctx, "createProducer", func() (any, error) {
		return router.CreateProducer(ctx, transportID, clientID, kind)
	})
	if err != nil {
		return nil, fmt.Errorf("sfu.produce failed: %w", err)
	}
	p := res.(*mediaengine.Producer)

	a.mu.Lock()
	a.producers[p.ID] = actualRoom
	a.mu.Unlock()

	p.OnClose(func(reason string) {
		a.mu.Lock()
		delete(a.producers, p.ID)
		a.mu.Unlock()
		metrics.ActiveProducers.WithLabelValues(actualRoom, string(kind)).Dec()
		a.emit(Event{Type: EventProducerClosed, RoomName: actualRoom, ClientID: clientID, ID: p.ID, Reason: reason})
	})

	metrics.ActiveProducers.WithLabelValues(actualRoom, string(kind)).Inc()

	return &ProducerInfo{ProducerID: p.ID, Kind: kind}, nil
}

// RTPSourceInfo is what a collaborator needs to receive a producer's RTP
// stream directly, outside of the Consumer fan-out path.
type RTPSourceInfo struct {
	PayloadType uint8
	SSRC        uint32
	MimeType    string
}

// RecordingSource returns producerID's RTP source, for the automatic
// record-on-publish path.
func (a *Adapter) RecordingSource(producerID string) (RTPSourceInfo, error) {
	roomName, ok := a.roomOf(a.producers, producerID)
	if !ok {
		return RTPSourceInfo{}, fmt.Errorf("unknown producer %s", producerID)
	}
	router := a.engine.Room(roomName)
	p, ok := router.Producer(producerID)
	if !ok {
		return RTPSourceInfo{}, fmt.Errorf("unknown producer %s", producerID)
	}
	pt, ssrc, mime := p.RTPSource()
	return RTPSourceInfo{PayloadType: pt, SSRC: ssrc, MimeType: mime}, nil
}

// CloseProducer closes a producer by id; idempotent.
func (a *Adapter) CloseProducer(ctx context.Context, producerID string) error {
	roomName, ok := a.roomOf(a.producers, producerID)
	if !ok {
		return nil
	}
	router := a.engine.Room(roomName)
	p, ok := router.Producer(producerID)
	if !ok {
		return nil
	}
	p.Close("close")
	return nil
}

// CreateConsumer attaches a new consumer on transportID sourced from
// producerID. The room is derived from the transport, not the producer,
// per spec: the session layer does not verify they match.
func (a *Adapter) CreateConsumer(ctx context.Context, transportID, producerID, clientID string, rtpCapabilities []byte) (*ConsumerInfo, error) {
	roomName, ok := a.roomOf(a.transports, transportID)
	if !ok {
		return nil, fmt.Errorf("unknown transport %s", transportID)
	}
	producerRoom, ok := a.roomOf(a.producers, producerID)
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}

	producerRouter := a.engine.Room(producerRoom)
	if !producerRouter.CanConsume(producerID) {
		return nil, fmt.Errorf("cannot consume with provided rtpCapabilities")
	}

	router := a.engine.Room(roomName)
	res, err := a.call(ctx, "createConsumer", func() (any, error) {
		return router.CreateConsumer(transportID, producerID, clientID)
	})
	if err != nil {
		return nil, fmt.Errorf("sfu.consume failed: %w", err)
	}
	c := res.(*mediaengine.Consumer)

	a.mu.Lock()
	a.consumers[c.ID] = roomName
	a.mu.Unlock()

	c.OnClose(func(reason string) {
		a.mu.Lock()
		delete(a.consumers, c.ID)
		a.mu.Unlock()
		metrics.ActiveConsumers.WithLabelValues(roomName).Dec()
		a.emit(Event{Type: EventConsumerClosed, RoomName: roomName, ClientID: clientID, ID: c.ID, Reason: reason})
	})

	if err := c.Resume(); err != nil {
		logging.Warn(ctx, "consumer resume failed", zap.String("consumerId", c.ID), zap.Error(err))
	}

	metrics.ActiveConsumers.WithLabelValues(roomName).Inc()

	return &ConsumerInfo{ConsumerID: c.ID, ProducerID: producerID, Kind: c.Kind}, nil
}

// CloseConsumer closes a consumer by id; idempotent.
func (a *Adapter) CloseConsumer(ctx context.Context, consumerID string) error {
	roomName, ok := a.roomOf(a.consumers, consumerID)
	if !ok {
		return nil
	}
	router := a.engine.Room(roomName)
	c, ok := router.Consumer(consumerID)
	if !ok {
		return nil
	}
	c.Close("close")
	return nil
}

// CloseClient scans every table for records owned by clientID and closes
// them. Safe to call multiple times.
func (a *Adapter) CloseClient(ctx context.Context, clientID string) error {
	for _, router := range a.engine.Rooms() {
		for _, t := range router.Transports() {
			if t.ClientID == clientID {
				t.Close("close")
			}
		}
		for _, p := range router.Producers() {
			if p.ClientID == clientID {
				p.Close("close")
			}
		}
		for _, c := range router.Consumers() {
			if c.ClientID == clientID {
				c.Close("close")
			}
		}
	}
	return nil
}

// RoomsOverview returns a per-room snapshot, used by the admin surface's
// GET /admin/rooms.
func (a *Adapter) RoomsOverview(ctx context.Context) []mediaengine.Stats {
	rooms := a.engine.Rooms()
	out := make([]mediaengine.Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	return out
}

// Metrics returns a process-wide aggregate, used by GET /admin/metrics.
func (a *Adapter) Metrics(ctx context.Context) AggregateStats {
	var agg AggregateStats
	for _, r := range a.engine.Rooms() {
		s := r.Stats()
		agg.Rooms++
		agg.ActiveTransports += s.ActiveTransports
		agg.ActiveProducers += s.ActiveProducers
		agg.ActiveConsumers += s.ActiveConsumers
		agg.TotalProducersEver += s.TotalProducers
		agg.TotalConsumersEver += s.TotalConsumers
	}
	return agg
}

func (a *Adapter) emit(e Event) {
	select {
	case a.events <- e:
	default:
		logging.Warn(context.Background(), "media engine event dropped: subscriber too slow",
			zap.String("type", string(e.Type)), zap.String("id", e.ID))
	}
}
