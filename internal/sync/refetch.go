package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/room"
)

// ErrStaleSession is returned when a fetch finished after the session it was
// started for ended.
var ErrStaleSession = errors.New("session changed during fetch")

// Fetcher loads the full room list of a category from the backend.
type Fetcher interface {
	FetchRooms(ctx context.Context, cat room.Category) ([]room.ChatRoom, error)
}

// Refetcher performs bulk room fetches. Concurrent requests for the same
// category collapse into one backend call.
type Refetcher struct {
	fetcher Fetcher
	cache   *cache.Store
	loop    *Loop
	gen     *Generation
	logger  *zap.Logger
	timeout time.Duration

	group singleflight.Group
}

// NewRefetcher creates a refetcher. timeout bounds each background fetch
// started by Request.
func NewRefetcher(f Fetcher, c *cache.Store, loop *Loop, gen *Generation, timeout time.Duration, logger *zap.Logger) *Refetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Refetcher{fetcher: f, cache: c, loop: loop, gen: gen, timeout: timeout, logger: logger}
}

// SyncAll fetches every category concurrently and installs the results.
func (r *Refetcher) SyncAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, cat := range room.Categories {
		g.Go(func() error {
			return r.Sync(ctx, cat)
		})
	}
	return g.Wait()
}

// Sync fetches one category and merges it into the cache on the loop.
func (r *Refetcher) Sync(ctx context.Context, cat room.Category) error {
	gen := r.gen.Current()
	key := fmt.Sprintf("%d/%s", gen, cat)

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetcher.FetchRooms(ctx, cat)
	})
	if err != nil {
		return err
	}
	fetched := v.([]room.ChatRoom)

	var stale bool
	if err := r.loop.Do(ctx, func() {
		if !r.gen.Valid(gen) {
			stale = true
			return
		}
		r.cache.Replace(cat, merge(r.cache.Get(cat), fetched))
	}); err != nil {
		return err
	}
	if stale {
		return ErrStaleSession
	}
	r.logger.Debug("rooms synced", zap.String("category", string(cat)), zap.Int("rooms", len(fetched)))
	return nil
}

// Request starts a background fetch of one category. It is the cache miss
// handler, so it may be called from the loop and must not block.
func (r *Refetcher) Request(cat room.Category, id room.ID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.Sync(ctx, cat); err != nil && !errors.Is(err, ErrStaleSession) {
			r.logger.Warn("refetch failed", zap.String("category", string(cat)), zap.Stringer("room", id), zap.Error(err))
		}
	}()
}

// merge keeps the message state of cached rooms that are ahead of the fetched
// copy, which happens when live events arrive while the fetch is in flight.
// Room membership and metadata always come from the fetch. The unread count
// is recomputed from the merged sequences.
func merge(cached, fetched []room.ChatRoom) []room.ChatRoom {
	byNum := make(map[int64]room.ChatRoom, len(cached))
	for _, c := range cached {
		byNum[c.ID.Num] = c
	}
	out := make([]room.ChatRoom, 0, len(fetched))
	for _, f := range fetched {
		c, ok := byNum[f.ID.Num]
		if !ok {
			out = append(out, f)
			continue
		}
		if room.Newer(c, f) {
			f.LastMessageContent = c.LastMessageContent
			f.LastMessageAt = c.LastMessageAt
			f.LatestSequence = c.LatestSequence
		}
		f.LastReadSequence = max(f.LastReadSequence, c.LastReadSequence)
		f.UnreadCount = int(max(0, f.LatestSequence-f.LastReadSequence))
		out = append(out, f)
	}
	return out
}
