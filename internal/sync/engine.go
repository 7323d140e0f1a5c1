package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/transport"
)

// DroppedUpdate is the payload of bus.KindRoomUpdateDropped.
type DroppedUpdate struct {
	Destination string
	Reason      string
}

// Engine ingests room update frames. Frames arrive on subscription goroutines
// and are handed to the loop, where they are decoded and folded into the cache.
type Engine struct {
	loop   *Loop
	cache  *cache.Store
	gen    *Generation
	active *Active
	member *Member
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEngine creates an engine. gen, active and member are shared with the
// lifecycle controller, which owns their values.
func NewEngine(loop *Loop, c *cache.Store, gen *Generation, active *Active, member *Member, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		loop:   loop,
		cache:  c,
		gen:    gen,
		active: active,
		member: member,
		bus:    b,
		logger: logger,
	}
}

// Handler returns the subscription handler for both room update destinations
// of session generation gen. Frames reaching it after that session ended are
// discarded.
func (e *Engine) Handler(gen uint64) func(transport.Frame) {
	return func(f transport.Frame) {
		if !e.gen.Valid(gen) {
			return
		}
		if !e.loop.Post(func() {
			if !e.gen.Valid(gen) {
				return
			}
			e.handleFrame(f)
		}) {
			e.logger.Debug("event loop stopped, frame discarded", zap.String("destination", f.Destination))
		}
	}
}

func (e *Engine) handleFrame(f transport.Frame) {
	evt, err := room.DecodeEvent(f.Body)
	if err != nil {
		e.logger.Warn("dropping malformed room update",
			zap.String("destination", f.Destination),
			zap.ByteString("body", truncate(f.Body, 256)),
			zap.Error(err))
		e.bus.Publish(bus.Event{
			Kind:    bus.KindRoomUpdateDropped,
			Payload: DroppedUpdate{Destination: f.Destination, Reason: err.Error()},
		})
		return
	}
	e.Apply(evt)
}

// Apply folds evt into the cached room. It must run on the loop. A room the
// cache does not know yet triggers the cache's refetch signal instead.
func (e *Engine) Apply(evt room.UpdateEvent) bool {
	isActive := e.active.Is(evt.RoomID)
	member := e.member.Get()
	return e.cache.Patch(evt.RoomID.Category, evt.RoomID, func(r room.ChatRoom) room.ChatRoom {
		return room.Apply(r, evt, isActive, member)
	})
}

// MarkRead forces the room to read on the loop and waits for it.
func (e *Engine) MarkRead(ctx context.Context, id room.ID) (bool, error) {
	var found bool
	err := e.loop.Do(ctx, func() {
		found = e.cache.Patch(id.Category, id, room.MarkRead)
	})
	return found, err
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
