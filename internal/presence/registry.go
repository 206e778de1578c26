package presence

import (
	"errors"
	"sync"
)

var (
	ErrTooManyMembers  = errors.New("connection limit reached")
	ErrDuplicateMember = errors.New("member already registered")
	ErrUnknownMember   = errors.New("unknown member")
)

// Member is one live connection. Send must not block: it returns false when
// the member cannot take more data. Close must be safe to call repeatedly.
type Member interface {
	ID() string
	Send(msg []byte) bool
	Close()
}

type Kind string

const (
	KindParticipant Kind = "participant"
	KindStation     Kind = "station"
	KindDevice      Kind = "device"
)

// Identity is what a connection has told us it is.
type Identity struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (i Identity) Room() string {
	return string(i.Kind) + ":" + i.ID
}

func StationRoom(id string) string     { return Identity{KindStation, id}.Room() }
func ParticipantRoom(id string) string { return Identity{KindParticipant, id}.Room() }
func DeviceRoom(id string) string      { return Identity{KindDevice, id}.Room() }

type entry struct {
	member   Member
	rooms    map[string]struct{}
	identity *Identity
}

// Registry tracks live connections, their rooms and their identities.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*entry
	rooms   map[string]map[string]Member
	limit   int
}

// NewRegistry returns an empty registry. limit <= 0 means unlimited.
func NewRegistry(limit int) *Registry {
	return &Registry{
		members: make(map[string]*entry),
		rooms:   make(map[string]map[string]Member),
		limit:   limit,
	}
}

func (r *Registry) Add(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID()]; ok {
		return ErrDuplicateMember
	}
	if r.limit > 0 && len(r.members) >= r.limit {
		return ErrTooManyMembers
	}
	r.members[m.ID()] = &entry{member: m, rooms: make(map[string]struct{})}
	return nil
}

// Remove drops a member from every room. It returns the identity the member
// had claimed, if any.
func (r *Registry) Remove(id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[id]
	if !ok {
		return Identity{}, false
	}
	for room := range e.rooms {
		r.leaveLocked(id, room)
	}
	delete(r.members, id)
	if e.identity == nil {
		return Identity{}, false
	}
	return *e.identity, true
}

func (r *Registry) Join(id, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.members[id]
	if !ok {
		return ErrUnknownMember
	}
	e.rooms[room] = struct{}{}
	set, ok := r.rooms[room]
	if !ok {
		set = make(map[string]Member)
		r.rooms[room] = set
	}
	set[id] = e.member
	return nil
}

func (r *Registry) Leave(id, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.members[id]; ok {
		delete(e.rooms, room)
	}
	r.leaveLocked(id, room)
}

func (r *Registry) leaveLocked(id, room string) {
	set, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}

// Identify records what the member is and joins it to its own room. A member
// holds at most one identity; claiming a new one leaves the old room.
func (r *Registry) Identify(id string, ident Identity) error {
	r.mu.Lock()
	e, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownMember
	}
	if e.identity != nil && *e.identity != ident {
		delete(e.rooms, e.identity.Room())
		r.leaveLocked(id, e.identity.Room())
	}
	e.identity = &ident
	r.mu.Unlock()
	return r.Join(id, ident.Room())
}

func (r *Registry) Identity(id string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[id]
	if !ok || e.identity == nil {
		return Identity{}, false
	}
	return *e.identity, true
}

func (r *Registry) Get(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return e.member, true
}

// InRoom returns a snapshot of the members currently in room.
func (r *Registry) InRoom(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[room]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

func (r *Registry) All() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, e := range r.members {
		out = append(out, e.member)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
	Stations     int `json:"stations"`
	Devices      int `json:"devices"`
	Rooms        int `json:"rooms"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Connections: len(r.members), Rooms: len(r.rooms)}
	for _, e := range r.members {
		if e.identity == nil {
			continue
		}
		switch e.identity.Kind {
		case KindParticipant:
			s.Participants++
		case KindStation:
			s.Stations++
		case KindDevice:
			s.Devices++
		}
	}
	return s
}
