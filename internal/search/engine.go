package search

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/room"
)

const (
	DefaultMinQueryLength = 2
	DefaultDebounce       = 300 * time.Millisecond
)

// Remote is the backend full-text search.
type Remote interface {
	SearchMessages(ctx context.Context, query string, cat room.Category) ([]room.SearchHit, error)
}

// Rooms reads the cached room list of a category.
type Rooms interface {
	Get(cat room.Category) []room.ChatRoom
}

type Options struct {
	MinQueryLength int
	Debounce       time.Duration
}

func (o *Options) defaults() {
	if o.MinQueryLength <= 0 {
		o.MinQueryLength = DefaultMinQueryLength
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
}

// Result is one merged search result. When the remote search fails the result
// is Degraded, Err holds the failure and Hits still contains the local hits.
type Result struct {
	Query    string
	Category room.Category
	Hits     []room.SearchHit
	Remote   bool
	Degraded bool
	Err      string
}

type Engine struct {
	remote Remote
	rooms  Rooms
	opts   Options
	logger *zap.Logger
}

func NewEngine(remote Remote, rooms Rooms, opts Options, logger *zap.Logger) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{remote: remote, rooms: rooms, opts: opts, logger: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Eligible reports whether query is long enough to reach the backend.
func (e *Engine) Eligible(query string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(query)) >= e.opts.MinQueryLength
}

// Local returns the cache-only hits for query. An empty category searches all.
func (e *Engine) Local(query string, cat room.Category) []room.SearchHit {
	var hits []room.SearchHit
	for _, c := range categories(cat) {
		hits = append(hits, LocalHits(e.rooms.Get(c), query)...)
	}
	return hits
}

// Search runs the merged search immediately. Queries too short for the backend
// return local hits only.
func (e *Engine) Search(ctx context.Context, query string, cat room.Category) Result {
	query = strings.TrimSpace(query)
	res := Result{Query: query, Category: cat}
	local := e.Local(query, cat)
	if !e.Eligible(query) {
		res.Hits = local
		return res
	}

	res.Remote = true
	remote, err := e.remote.SearchMessages(ctx, query, cat)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("remote search failed", zap.String("query", query), zap.Error(err))
		}
		res.Degraded = true
		res.Err = err.Error()
		res.Hits = local
		return res
	}
	res.Hits = Merge(local, remote)
	return res
}

func categories(cat room.Category) []room.Category {
	if cat == "" {
		return room.Categories
	}
	return []room.Category{cat}
}
