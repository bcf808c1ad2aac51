// Package registry is the Client Registry: the process-wide mapping from
// connection identifier to session state described in spec §4.1. It owns
// the lifecycle of a client's resource sets (transports, producers,
// consumers, rooms) but never the engine handles themselves — those
// belong exclusively to the Media Engine Adapter.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"github.com/coresignal/sfuplane/internal/v1/room"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// User is the authenticated principal attached to a Client, or nil for an
// unauthenticated connection when auth is disabled.
type User struct {
	ID   string
	Name string
	Role string
}

// Channel is the outbound message sink a Client owns. It is satisfied by
// a gorilla/websocket-backed connection in internal/v1/session; tests use
// an in-memory fake.
type Channel interface {
	// Send writes one frame. Returns an error once the channel has been
	// closed; SendTo treats any error as "channel not open" and swallows
	// it, per spec §4.1 — the session's own close path drives cleanup.
	Send(data []byte) error
}

// TransportBinding is the per-transport metadata a Client tracks locally;
// the authoritative copy lives in the adapter's own table.
type TransportBinding struct {
	Room      string
	Direction string
}

// Client is one connection's session state (spec §3, Client Session).
type Client struct {
	ID      string
	channel Channel
	User    *User

	mu            sync.RWMutex
	role          room.Role
	transports    set.Set[string]
	transportInfo map[string]TransportBinding
	producers     set.Set[string]
	consumers     set.Set[string]
	rooms         set.Set[string]
}

func newClient(id string, ch Channel, user *User) *Client {
	return &Client{
		ID:            id,
		channel:       ch,
		User:          user,
		role:          room.RolePublisher,
		transports:    set.New[string](),
		transportInfo: make(map[string]TransportBinding),
		producers:     set.New[string](),
		consumers:     set.New[string](),
		rooms:         set.New[string](),
	}
}

// Role returns the client's current room role, defaulting to publisher.
func (c *Client) Role() room.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetRole updates the client's current room role.
func (c *Client) SetRole(r room.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = r
}

// Rooms returns a snapshot of the room names the client has joined.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms.UnsortedList()
}

// InRoom reports whether the client has joined name.
func (c *Client) InRoom(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms.Has(name)
}

// AddRoom records that the client has joined name.
func (c *Client) AddRoom(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Insert(name)
}

// RemoveRoom records that the client has left name.
func (c *Client) RemoveRoom(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms.Delete(name)
}

// AddTransport records ownership of a newly created transport.
func (c *Client) AddTransport(id string, binding TransportBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports.Insert(id)
	c.transportInfo[id] = binding
}

// TransportBinding looks up the room/direction a transport id was
// created with.
func (c *Client) TransportBinding(id string) (TransportBinding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.transportInfo[id]
	return b, ok
}

// OwnsTransport reports whether the client owns transport id.
func (c *Client) OwnsTransport(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transports.Has(id)
}

// RemoveTransport drops a transport id, invoked by the Event Bridge on
// transport-closed.
func (c *Client) RemoveTransport(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports.Delete(id)
	delete(c.transportInfo, id)
}

// AddProducer records ownership of a newly created producer.
func (c *Client) AddProducer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers.Insert(id)
}

// RemoveProducer drops a producer id.
func (c *Client) RemoveProducer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers.Delete(id)
}

// Producers returns a snapshot of owned producer ids.
func (c *Client) Producers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.producers.UnsortedList()
}

// AddConsumer records ownership of a newly created consumer.
func (c *Client) AddConsumer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers.Insert(id)
}

// RemoveConsumer drops a consumer id.
func (c *Client) RemoveConsumer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers.Delete(id)
}

// snapshotResources returns every transport/producer/consumer id owned
// by the client, for closeResources/closeClient sweeps.
func (c *Client) snapshotResources() (transports, producers, consumers []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transports.UnsortedList(), c.producers.UnsortedList(), c.consumers.UnsortedList()
}

// Registry is the process-wide client table (spec §4.1). Construct with
// NewRegistry; the zero value is not usable.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty client table.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers a new client under id, created on channel-open after any
// required auth has succeeded.
func (r *Registry) Add(id string, ch Channel, user *User) *Client {
	c := newClient(id, ch, user)
	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()
	metrics.IncConnection()
	return c
}

// Get looks up a client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove deletes a client's registry entry. Callers must have already
// released its engine resources and room memberships.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if existed {
		metrics.DecConnection()
	}
}

// AllIDs returns a snapshot of every currently registered client id, used
// by `list` and the process-wide `leave` broadcast.
func (r *Registry) AllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// SendTo marshals payload as JSON and writes it to id's channel. Returns
// false if the client is unknown or its channel write fails — in both
// cases the failure is advisory: the channel's own close path is what
// drives cleanup, per spec §9.
func (r *Registry) SendTo(id string, payload any) bool {
	c, ok := r.Get(id)
	if !ok {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message", zap.String("clientId", id), zap.Error(err))
		return false
	}
	if err := c.channel.Send(data); err != nil {
		return false
	}
	return true
}

// EngineCloser is the subset of the Media Engine Adapter that
// closeResources needs; kept narrow so this package does not import
// internal/v1/mediaengine.
type EngineCloser interface {
	CloseTransport(ctx context.Context, id string) error
	CloseProducer(ctx context.Context, id string) error
	CloseConsumer(ctx context.Context, id string) error
}

// CloseResources iterates id's transport/producer/consumer sets and
// invokes the adapter's close operation for each. Failures are logged and
// skipped: cleanup is best-effort and must never leak bookkeeping.
func (r *Registry) CloseResources(ctx context.Context, id string, closer EngineCloser) {
	c, ok := r.Get(id)
	if !ok {
		return
	}
	transports, producers, consumers := c.snapshotResources()

	for _, tid := range transports {
		if err := closer.CloseTransport(ctx, tid); err != nil {
			logging.Warn(ctx, "transport close failed during cleanup", zap.String("clientId", id), zap.String("transportId", tid), zap.Error(err))
		}
	}
	for _, pid := range producers {
		if err := closer.CloseProducer(ctx, pid); err != nil {
			logging.Warn(ctx, "producer close failed during cleanup", zap.String("clientId", id), zap.String("producerId", pid), zap.Error(err))
		}
	}
	for _, cid := range consumers {
		if err := closer.CloseConsumer(ctx, cid); err != nil {
			logging.Warn(ctx, "consumer close failed during cleanup", zap.String("clientId", id), zap.String("consumerId", cid), zap.Error(err))
		}
	}
}

// Broadcaster sends a notification to every member of a room, optionally
// excluding one client. Implemented by internal/v1/signaling.Bridge;
// declared here so RemoveFromAllRooms does not need to import it.
type Broadcaster func(roomName string, payload any, exclude string)

// RemoveFromAllRooms walks the rooms id belongs to, closes its producers
// in each, removes its membership, broadcasts member-left, and deletes
// any room left empty. It is called by the disconnect path for every room
// at once; the explicit leaveRoom handler performs the same steps for its
// single room itself.
func (r *Registry) RemoveFromAllRooms(ctx context.Context, id string, rooms *room.Registry, closer room.ProducerCloser, broadcast Broadcaster) {
	c, ok := r.Get(id)
	if !ok {
		return
	}

	for _, roomName := range c.Rooms() {
		rm, ok := rooms.Get(roomName)
		if !ok {
			c.RemoveRoom(roomName)
			continue
		}

		closedProducers := rooms.CloseClientProducers(ctx, rm, id, closer)
		for _, pid := range closedProducers {
			c.RemoveProducer(pid)
			broadcast(roomName, map[string]any{
				"type":       "sfu.producerClosed",
				"room":       roomName,
				"producerId": pid,
				"clientId":   id,
			}, "")
		}

		rooms.RemoveMember(rm, id)
		c.RemoveRoom(roomName)

		broadcast(roomName, map[string]any{
			"type": "member-left",
			"room": roomName,
			"id":   id,
		}, id)

		rooms.DeleteIfEmpty(roomName)
	}
}
