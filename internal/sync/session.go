package sync

import (
	"sync/atomic"

	"github.com/matheus3301/roomsync/internal/room"
)

// Generation numbers login sessions. Async work captures the generation when
// it starts and drops its result if the session has changed since.
type Generation struct {
	n atomic.Uint64
}

// Current returns the live generation.
func (g *Generation) Current() uint64 { return g.n.Load() }

// Next starts a new generation and returns it.
func (g *Generation) Next() uint64 { return g.n.Add(1) }

// Valid reports whether n is still the live generation.
func (g *Generation) Valid(n uint64) bool { return g.n.Load() == n }

// Active is the live reference to the room the user has open. The unread
// tracker reads it at event time, not at subscription time.
type Active struct {
	id atomic.Pointer[room.ID]
}

// Set marks id as the open room.
func (a *Active) Set(id room.ID) { a.id.Store(&id) }

// Clear marks no room as open.
func (a *Active) Clear() { a.id.Store(nil) }

// Get returns the open room, if any.
func (a *Active) Get() (room.ID, bool) {
	p := a.id.Load()
	if p == nil {
		return room.ID{}, false
	}
	return *p, true
}

// Is reports whether id is the open room.
func (a *Active) Is(id room.ID) bool {
	cur, ok := a.Get()
	return ok && cur == id
}

// Member holds the current member id.
type Member struct {
	id atomic.Pointer[string]
}

func (m *Member) Set(id string) { m.id.Store(&id) }

func (m *Member) Get() string {
	if p := m.id.Load(); p != nil {
		return *p
	}
	return ""
}
