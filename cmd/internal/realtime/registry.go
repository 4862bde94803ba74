package realtime

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatrelay/cmd/internal/metrics"
)

// ErrRegistryClosed is returned by Acquire after Close.
var ErrRegistryClosed = errors.New("realtime: registry closed")

// RoomFactory builds the Room for a room id on first use.
type RoomFactory func(roomID string) *Room

// Registry is the routing table from room id to loaded Room.
//
// Lookup-or-create is atomic per room id. Each Acquire holds a reference;
// when the last reference is released the room is unloaded after the grace
// period unless it is acquired again first.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Relay
	grace   time.Duration
	factory RoomFactory

	mu     sync.Mutex
	rooms  map[string]*roomSlot
	closed bool
}

type roomSlot struct {
	room  *Room
	refs  int
	timer *time.Timer
	gen   uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, grace time.Duration, factory RoomFactory, m *metrics.Relay) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if grace < 0 {
		grace = 0
	}
	if factory == nil {
		factory = func(roomID string) *Room { return NewRoom(log, roomID, defaultMailboxSize) }
	}
	return &Registry{
		log:     log,
		metrics: m,
		grace:   grace,
		factory: factory,
		rooms:   make(map[string]*roomSlot),
	}
}

// Acquire returns the Room for roomID, creating it when absent, and takes a
// reference on it. Every successful Acquire must be paired with Release.
func (g *Registry) Acquire(roomID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrRegistryClosed
	}

	s := g.rooms[roomID]
	if s == nil {
		s = &roomSlot{room: g.factory(roomID)}
		g.rooms[roomID] = s
		g.metrics.RoomsLoaded(len(g.rooms))
		g.log.Info("room.load", "room_id", roomID)
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}
	s.refs++
	return s.room, nil
}

// Release drops one reference taken by Acquire.
func (g *Registry) Release(room *Room) {
	if room == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.rooms[room.ID]
	if s == nil || s.room != room {
		return
	}
	if s.refs > 0 {
		s.refs--
	}
	if s.refs == 0 {
		g.onRoomEmpty(room.ID, s)
	}
}

// onRoomEmpty schedules unloading of an unreferenced room. Caller holds g.mu.
func (g *Registry) onRoomEmpty(roomID string, s *roomSlot) {
	if g.closed {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(g.grace, func() { g.expire(roomID, gen) })
}

func (g *Registry) expire(roomID string, gen uint64) {
	g.mu.Lock()
	s := g.rooms[roomID]
	if s == nil || s.gen != gen || s.refs > 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, roomID)
	n := len(g.rooms)
	g.mu.Unlock()

	s.room.Stop()
	g.metrics.RoomsLoaded(n)
	g.log.Info("room.unload", "room_id", roomID)
}

// Lookup returns the loaded room for roomID without taking a reference.
func (g *Registry) Lookup(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.rooms[roomID]
	if s == nil {
		return nil, false
	}
	return s.room, true
}

// Len reports the number of loaded rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Rooms returns the sorted ids of loaded rooms.
func (g *Registry) Rooms() []string {
	g.mu.Lock()
	out := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		out = append(out, id)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close stops every room and rejects further Acquire calls.
func (g *Registry) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	slots := make([]*roomSlot, 0, len(g.rooms))
	for id, s := range g.rooms {
		if s.timer != nil {
			s.timer.Stop()
		}
		slots = append(slots, s)
		delete(g.rooms, id)
	}
	g.mu.Unlock()

	for _, s := range slots {
		s.room.Stop()
	}
	g.metrics.RoomsLoaded(0)
}
