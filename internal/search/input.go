package search

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/room"
)

// Input debounces query changes. A remote search runs only after the query has
// been stable for the debounce window, and each change cancels any search still
// in flight. Results are published as bus.KindSearchUpdated.
type Input struct {
	engine *Engine
	bus    *bus.Bus

	mu     sync.Mutex
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	latest Result
	closed bool
}

func NewInput(e *Engine, b *bus.Bus) *Input {
	return &Input{engine: e, bus: b}
}

// Set records a new query. Local hits are published right away; the merged
// result follows after the debounce window when the query is long enough.
func (in *Input) Set(query string, cat room.Category) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.stopLocked()
	in.seq++
	seq := in.seq

	in.publishLocked(Result{Query: query, Category: cat, Hits: in.engine.Local(query, cat)})
	if !in.engine.Eligible(query) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.timer = time.AfterFunc(in.engine.opts.Debounce, func() {
		res := in.engine.Search(ctx, query, cat)
		in.mu.Lock()
		defer in.mu.Unlock()
		if seq != in.seq || ctx.Err() != nil {
			return
		}
		in.publishLocked(res)
	})
}

// Latest returns the most recently published result.
func (in *Input) Latest() Result {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.latest
}

// Close cancels pending work. Later calls to Set are ignored.
func (in *Input) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.stopLocked()
}

// Reset cancels pending work and forgets the last result.
func (in *Input) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopLocked()
	in.seq++
	in.latest = Result{}
}

func (in *Input) stopLocked() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
}

func (in *Input) publishLocked(res Result) {
	in.latest = res
	in.bus.Publish(bus.Event{Kind: bus.KindSearchUpdated, Payload: res})
}
