// Package room is the Room Registry: the process-wide mapping from room
// name to room state described in spec §4.2 — membership, roles,
// producers and the Config-sourced options a room is stamped with at
// creation.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/coresignal/sfuplane/internal/v1/config"
	"github.com/coresignal/sfuplane/internal/v1/logging"
	"github.com/coresignal/sfuplane/internal/v1/metrics"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// Role is a member's current role within one room.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleObserver  Role = "observer"
	RoleModerator Role = "moderator"
)

// Options are the Config-sourced policy knobs captured at room creation
// (spec §3, Room.options). A zero-value Limit means unlimited.
type Options struct {
	MaxVideoProducers int  `json:"maxVideoProducers"`
	AllowObservers    bool `json:"allowObservers"`
	MaxObservers      int  `json:"maxObservers"`
}

// ProducerRecord is one entry of Room.Producers.
type ProducerRecord struct {
	ClientID  string
	Kind      string
	CreatedAt time.Time
}

// ProducerSummary is the shape returned by ProducersPayload, used to
// build sfu.producers/sfu.listProducers replies without leaking the
// internal record type.
type ProducerSummary struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	ClientID   string `json:"clientId"`
}

// Room is one named multiplexing domain. All mutation goes through the
// owning Registry's methods; the zero value is never valid on its own.
type Room struct {
	Name string

	mu          sync.RWMutex
	members     set.Set[string]
	joinOrder   []string // insertion order, for owner-reassignment scans
	memberRoles map[string]Role
	observers   set.Set[string]
	moderators  set.Set[string]
	ownerID     string
	producers   map[string]ProducerRecord
	options     Options
}

func newRoom(name string, opts Options) *Room {
	return &Room{
		Name:        name,
		members:     set.New[string](),
		memberRoles: make(map[string]Role),
		observers:   set.New[string](),
		moderators:  set.New[string](),
		producers:   make(map[string]ProducerRecord),
		options:     opts,
	}
}

// Options returns the room's policy knobs.
func (r *Room) Options() Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.options
}

// OwnerID returns the current owner, or "" if none.
func (r *Room) OwnerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerID
}

// MemberCount returns the number of current members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.Len()
}

// HasMember reports whether clientID is currently a member.
func (r *Room) HasMember(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.Has(clientID)
}

// MemberRole returns the role of clientID, if present.
func (r *Room) MemberRole(clientID string) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.memberRoles[clientID]
	return role, ok
}

// ObserverCount returns the current number of observers.
func (r *Room) ObserverCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.observers.Len()
}

// Members returns a snapshot of every current member id.
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.joinOrder...)
}

// IsModerator reports whether clientID is a moderator of this room.
func (r *Room) IsModerator(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.moderators.Has(clientID)
}

// VideoProducerCount counts producers with kind "video" currently
// registered, used by the produce handler's capacity check.
func (r *Room) VideoProducerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.producers {
		if p.Kind == "video" {
			n++
		}
	}
	return n
}

// Producers returns a snapshot of the room's producer table.
func (r *Room) Producers() []ProducerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerSummary, 0, len(r.producers))
	for id, p := range r.producers {
		out = append(out, ProducerSummary{ProducerID: id, Kind: p.Kind, ClientID: p.ClientID})
	}
	return out
}

// HasProducer reports whether producerID is registered in this room, and
// returns its owning client id.
func (r *Room) HasProducer(producerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[producerID]
	return p.ClientID, ok
}

// Registry is the process-wide room table (spec §4.2). The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	defaults func() Options
}

// NewRegistry builds a Registry that stamps every newly created room with
// a fresh snapshot of cfg — re-read on each Ensure so a config reload
// between room creations is picked up without restarting the process.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		defaults: func() Options {
			d := cfg.RoomDefaults
			return Options{
				MaxVideoProducers: d.MaxVideoProducers,
				AllowObservers:    d.AllowObservers,
				MaxObservers:      d.MaxObservers,
			}
		},
	}
}

// Ensure returns the room named name, creating it with Config-sourced
// defaults on first reference. Idempotent.
func (reg *Registry) Ensure(name string) *Room {
	reg.mu.RLock()
	r, ok := reg.rooms[name]
	reg.mu.RUnlock()
	if ok {
		return r
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[name]; ok {
		return r
	}
	r = newRoom(name, reg.defaults())
	reg.rooms[name] = r
	metrics.ActiveRooms.Inc()
	return r
}

// Get looks up a room without creating one.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[name]
	return r, ok
}

// AddMember joins clientID to room under role. If the room had no owner
// and role is not observer, clientID becomes the owner. Returns false if
// clientID was already a member (callers should treat that as a no-op
// join rather than an error).
func (reg *Registry) AddMember(r *Room, clientID string, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members.Has(clientID) {
		return false
	}

	r.members.Insert(clientID)
	r.joinOrder = append(r.joinOrder, clientID)
	r.memberRoles[clientID] = role

	switch role {
	case RoleObserver:
		r.observers.Insert(clientID)
	case RoleModerator:
		r.moderators.Insert(clientID)
	}

	if r.ownerID == "" && role != RoleObserver {
		r.ownerID = clientID
	}

	metrics.RoomParticipants.WithLabelValues(r.Name).Set(float64(r.members.Len()))
	return true
}

// RemoveMember removes clientID from every membership set, recomputing
// ownerID by scanning joinOrder for the first remaining publisher or
// moderator. Safe to call on a clientID that is not a member.
func (reg *Registry) RemoveMember(r *Room, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.removeMemberLocked(r, clientID)
}

func (reg *Registry) removeMemberLocked(r *Room, clientID string) {
	if !r.members.Has(clientID) {
		return
	}

	r.members.Delete(clientID)
	r.observers.Delete(clientID)
	r.moderators.Delete(clientID)
	delete(r.memberRoles, clientID)

	for i, id := range r.joinOrder {
		if id == clientID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}

	if r.ownerID == clientID {
		r.ownerID = ""
		for _, id := range r.joinOrder {
			if role := r.memberRoles[id]; role == RolePublisher || role == RoleModerator {
				r.ownerID = id
				break
			}
		}
	}

	if r.members.Len() > 0 {
		metrics.RoomParticipants.WithLabelValues(r.Name).Set(float64(r.members.Len()))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(r.Name)
	}
}

// AddProducer registers a new producer entry, inserted by the caller
// after the engine-side producer exists. Returns false if producerID was
// already present (it is treated as a no-op, not an error).
func (reg *Registry) AddProducer(r *Room, producerID, clientID, kind string, createdAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.producers[producerID]; exists {
		return false
	}
	r.producers[producerID] = ProducerRecord{ClientID: clientID, Kind: kind, CreatedAt: createdAt}
	return true
}

// RemoveProducer deletes one producer entry; a no-op if absent.
func (reg *Registry) RemoveProducer(r *Room, producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, producerID)
}

// ProducerCloser is implemented by the Media Engine Adapter; kept as a
// narrow interface here so the room package does not depend on
// internal/v1/mediaengine.
type ProducerCloser interface {
	CloseProducer(ctx context.Context, producerID string) error
}

// CloseClientProducers closes every engine producer owned by clientID in
// room r and removes their room-side entries, even if the engine call
// fails — the control-plane invariant is that a failed engine close never
// leaves a dangling bookkeeping entry. Returns the closed producer ids so
// the caller can fan out sfu.producerClosed notifications.
func (reg *Registry) CloseClientProducers(ctx context.Context, r *Room, clientID string, closer ProducerCloser) []string {
	r.mu.Lock()
	var owned []string
	for id, p := range r.producers {
		if p.ClientID == clientID {
			owned = append(owned, id)
		}
	}
	r.mu.Unlock()

	for _, id := range owned {
		if err := closer.CloseProducer(ctx, id); err != nil {
			logging.Warn(ctx, "engine producer close failed during cleanup",
				zap.String("room", r.Name), zap.String("producerId", id), zap.Error(err))
		}
	}

	r.mu.Lock()
	for _, id := range owned {
		delete(r.producers, id)
	}
	r.mu.Unlock()

	return owned
}

// DeleteIfEmpty drops r from the registry's table if it has no members
// left. Returns true if the room was deleted.
func (reg *Registry) DeleteIfEmpty(name string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	if !ok {
		return false
	}
	if r.MemberCount() > 0 {
		return false
	}
	delete(reg.rooms, name)
	metrics.ActiveRooms.Dec()
	return true
}

// Overview is the per-room summary returned by admin.rooms.
type Overview struct {
	Name           string `json:"name"`
	MemberCount    int    `json:"memberCount"`
	ProducerCount  int    `json:"producerCount"`
	ObserverCount  int    `json:"observerCount"`
	ModeratorCount int    `json:"moderatorCount"`
}

// Overview lists every currently tracked room, for GET /admin/rooms and
// the admin.rooms message.
func (reg *Registry) Overview() []Overview {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	out := make([]Overview, 0, len(rooms))
	for _, r := range rooms {
		r.mu.RLock()
		out = append(out, Overview{
			Name:           r.Name,
			MemberCount:    r.members.Len(),
			ProducerCount:  len(r.producers),
			ObserverCount:  r.observers.Len(),
			ModeratorCount: r.moderators.Len(),
		})
		r.mu.RUnlock()
	}
	return out
}

// Info is the detailed per-room snapshot returned by admin.roomInfo.
type Info struct {
	Name        string            `json:"name"`
	Members     []string          `json:"members"`
	MemberRoles map[string]Role   `json:"memberRoles"`
	Observers   []string          `json:"observers"`
	Moderators  []string          `json:"moderators"`
	OwnerID     string            `json:"ownerId"`
	Producers   []ProducerSummary `json:"producers"`
	Options     Options           `json:"options"`
}

// Info returns a detailed snapshot of one room, for GET /admin/room/:name
// and the admin.roomInfo message.
func (reg *Registry) Info(name string) (Info, bool) {
	r, ok := reg.Get(name)
	if !ok {
		return Info{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make(map[string]Role, len(r.memberRoles))
	for k, v := range r.memberRoles {
		roles[k] = v
	}
	producers := make([]ProducerSummary, 0, len(r.producers))
	for id, p := range r.producers {
		producers = append(producers, ProducerSummary{ProducerID: id, Kind: p.Kind, ClientID: p.ClientID})
	}

	return Info{
		Name:        r.Name,
		Members:     append([]string(nil), r.joinOrder...),
		MemberRoles: roles,
		Observers:   r.observers.UnsortedList(),
		Moderators:  r.moderators.UnsortedList(),
		OwnerID:     r.ownerID,
		Producers:   producers,
		Options:     r.options,
	}, true
}
