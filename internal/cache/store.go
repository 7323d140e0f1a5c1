// Package cache holds the in-memory room lists, one per category.
package cache

import (
	"cmp"
	"slices"
	"sync"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/room"
)

// RoomsChanged is the payload of bus.KindRoomsChanged.
type RoomsChanged struct {
	Category room.Category
	Rooms    []room.ChatRoom
}

// RefetchRequested is the payload of bus.KindRefetchRequested.
type RefetchRequested struct {
	Category room.Category
	RoomID   room.ID
}

// collection is an immutable sorted list. Mutations build a new collection and
// swap the pointer, so readers never see a half-applied patch.
type collection struct {
	rooms []room.ChatRoom
	index map[int64]int
}

func newCollection(rooms []room.ChatRoom) *collection {
	sortRooms(rooms)
	c := &collection{rooms: rooms, index: make(map[int64]int, len(rooms))}
	for i, r := range rooms {
		c.index[r.ID.Num] = i
	}
	return c
}

type partition struct {
	mu  sync.RWMutex
	cur *collection
}

// Store is the room cache. Every method is safe for concurrent use.
type Store struct {
	bus   *bus.Bus
	parts map[room.Category]*partition

	missMu sync.RWMutex
	onMiss func(room.Category, room.ID)
}

// New creates an empty store publishing change notifications on b. b may be nil.
func New(b *bus.Bus) *Store {
	s := &Store{bus: b, parts: make(map[room.Category]*partition, len(room.Categories))}
	for _, c := range room.Categories {
		s.parts[c] = &partition{cur: newCollection(nil)}
	}
	return s
}

// SetMissHandler registers the callback run when Patch targets an unknown room.
func (s *Store) SetMissHandler(fn func(room.Category, room.ID)) {
	s.missMu.Lock()
	s.onMiss = fn
	s.missMu.Unlock()
}

// Get returns a copy of the category's rooms, most recent first.
func (s *Store) Get(cat room.Category) []room.ChatRoom {
	p, ok := s.parts[cat]
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.cur.rooms)
}

// Lookup returns one room by id.
func (s *Store) Lookup(id room.ID) (room.ChatRoom, bool) {
	p, ok := s.parts[id.Category]
	if !ok {
		return room.ChatRoom{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	i, ok := p.cur.index[id.Num]
	if !ok {
		return room.ChatRoom{}, false
	}
	return p.cur.rooms[i], true
}

// Patch replaces the room with update(room) and resorts the category. A missing
// room is not an error: Patch returns false and raises the refetch signal.
func (s *Store) Patch(cat room.Category, id room.ID, update func(room.ChatRoom) room.ChatRoom) bool {
	p, ok := s.parts[cat]
	if !ok {
		return false
	}

	p.mu.Lock()
	i, found := p.cur.index[id.Num]
	if !found {
		p.mu.Unlock()
		s.miss(cat, id)
		return false
	}
	rooms := slices.Clone(p.cur.rooms)
	rooms[i] = update(rooms[i])
	p.cur = newCollection(rooms)
	snapshot := slices.Clone(rooms)
	p.mu.Unlock()

	s.changed(cat, snapshot)
	return true
}

// Replace installs a freshly fetched list for the category.
func (s *Store) Replace(cat room.Category, rooms []room.ChatRoom) {
	p, ok := s.parts[cat]
	if !ok {
		return
	}
	list := make([]room.ChatRoom, 0, len(rooms))
	seen := make(map[int64]int, len(rooms))
	for _, r := range rooms {
		r.ID.Category = cat
		// Keep the most advanced copy when the backend repeats a room.
		if j, dup := seen[r.ID.Num]; dup {
			if room.Newer(r, list[j]) {
				list[j] = r
			}
			continue
		}
		seen[r.ID.Num] = len(list)
		list = append(list, r)
	}

	p.mu.Lock()
	p.cur = newCollection(list)
	snapshot := slices.Clone(p.cur.rooms)
	p.mu.Unlock()

	s.changed(cat, snapshot)
}

// Reset empties every category.
func (s *Store) Reset() {
	for _, c := range room.Categories {
		p := s.parts[c]
		p.mu.Lock()
		p.cur = newCollection(nil)
		p.mu.Unlock()
		s.changed(c, nil)
	}
}

// Snapshot returns a copy of every category.
func (s *Store) Snapshot() map[room.Category][]room.ChatRoom {
	out := make(map[room.Category][]room.ChatRoom, len(s.parts))
	for _, c := range room.Categories {
		out[c] = s.Get(c)
	}
	return out
}

// Len returns the number of cached rooms in cat.
func (s *Store) Len(cat room.Category) int {
	p, ok := s.parts[cat]
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cur.rooms)
}

func (s *Store) miss(cat room.Category, id room.ID) {
	s.bus.Publish(bus.Event{
		Kind:    bus.KindRefetchRequested,
		Payload: RefetchRequested{Category: cat, RoomID: id},
	})
	s.missMu.RLock()
	fn := s.onMiss
	s.missMu.RUnlock()
	if fn != nil {
		fn(cat, id)
	}
}

func (s *Store) changed(cat room.Category, rooms []room.ChatRoom) {
	s.bus.Publish(bus.Event{
		Kind:    bus.KindRoomsChanged,
		Payload: RoomsChanged{Category: cat, Rooms: rooms},
	})
}

// sortRooms orders by LastMessageAt descending. Rooms without a message go
// last; ties fall back to the room number so the order is stable.
func sortRooms(rooms []room.ChatRoom) {
	slices.SortStableFunc(rooms, func(a, b room.ChatRoom) int {
		az, bz := a.LastMessageAt.IsZero(), b.LastMessageAt.IsZero()
		switch {
		case az && !bz:
			return 1
		case !az && bz:
			return -1
		}
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.Num, b.ID.Num)
	})
}
