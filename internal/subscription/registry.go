// Package subscription keeps track of the room-update destinations subscribed
// on the live transport channel.
package subscription

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/transport"
)

// ErrNoDestination is returned when neither room-update destination could be subscribed.
var ErrNoDestination = errors.New("no room update destination subscribed")

const (
	DefaultTopicPrefix = "/topic/chat"
	DefaultUserPrefix  = "/user"
)

// Options configures destination naming.
type Options struct {
	TopicPrefix string
	UserPrefix  string
}

// Subscription describes one live destination.
type Subscription struct {
	Destination string
	Active      bool
}

type entry struct {
	destination string
	unsub       transport.Unsubscriber
	once        sync.Once
	err         error
}

func (e *entry) cancel() error {
	e.once.Do(func() {
		e.err = e.unsub.Unsubscribe()
	})
	return e.err
}

// Registry owns the subscriptions made for the current session. The backend
// delivers the same event on a broadcast topic and a personal queue; both are
// routed to one handler and deduplication is left to the unread tracker.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	entries []*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.UserPrefix == "" {
		opts.UserPrefix = DefaultUserPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{opts: opts, logger: logger}
}

// Destinations returns the broadcast topic and the personal queue for memberID.
func (r *Registry) Destinations(memberID string) []string {
	topic := strings.TrimSuffix(r.opts.TopicPrefix, ".") + ".users." + memberID + ".rooms.update"
	queue := strings.TrimSuffix(r.opts.UserPrefix, "/") + "/queue/rooms.update"
	return []string{topic, queue}
}

// SubscribeRoomUpdates drops every subscription made earlier and subscribes
// both room-update destinations on ch. A failing destination is logged; the
// call fails only when no destination could be subscribed.
func (r *Registry) SubscribeRoomUpdates(ch transport.Channel, memberID string, handler func(transport.Frame)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.unsubscribeLocked(); err != nil {
		r.logger.Debug("release previous subscriptions", zap.Error(err))
	}

	var errs error
	for _, dest := range r.Destinations(memberID) {
		unsub, err := ch.Subscribe(dest, handler)
		if err != nil {
			r.logger.Warn("subscribe failed", zap.String("destination", dest), zap.Error(err))
			errs = multierror.Append(errs, err)
			continue
		}
		r.entries = append(r.entries, &entry{destination: dest, unsub: unsub})
		r.logger.Info("subscribed", zap.String("destination", dest))
	}
	if len(r.entries) == 0 {
		return multierror.Append(ErrNoDestination, errs)
	}
	return nil
}

// UnsubscribeAll cancels every live subscription and waits for the broker.
// Each one is cancelled exactly once even when called repeatedly; errors are
// aggregated.
func (r *Registry) UnsubscribeAll() error {
	r.mu.Lock()
	entries := r.detachLocked()
	r.mu.Unlock()
	return cancelAll(entries)
}

// Release forgets every live subscription and cancels them in the background.
// It is the teardown path: the connection is closed right after, so nobody
// waits for the broker's receipts.
func (r *Registry) Release() {
	r.mu.Lock()
	entries := r.detachLocked()
	r.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	go func() {
		if err := cancelAll(entries); err != nil {
			r.logger.Debug("release subscriptions", zap.Error(err))
		}
	}()
}

func (r *Registry) unsubscribeLocked() error {
	return cancelAll(r.detachLocked())
}

func (r *Registry) detachLocked() []*entry {
	entries := r.entries
	r.entries = nil
	return entries
}

// cancelAll cancels entries concurrently so one slow receipt does not delay the others.
func cancelAll(entries []*entry) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.cancel(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", e.destination, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Active lists the live subscriptions.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Subscription{Destination: e.destination, Active: true})
	}
	return out
}
