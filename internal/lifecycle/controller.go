// Package lifecycle ties the authenticated session to the connection, the
// subscriptions and the room cache.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/identity"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/search"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/subscription"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"github.com/matheus3301/roomsync/internal/transport"
)

var (
	ErrEmptyCredential = errors.New("empty credential")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrUnknownRoom     = errors.New("room not in cache")
)

// Transport is the connection the controller drives.
type Transport interface {
	Connect(credential string, onConnected func(transport.Channel))
	Disconnect()
	OnStateChange(fn func(transport.State))
	State() transport.State
}

// TokenSetter receives the credential for REST calls.
type TokenSetter interface {
	SetToken(token string)
}

// Deps are the collaborators of a Controller. Reconciler, Search and Tokens
// are optional.
type Deps struct {
	Transport  Transport
	Registry   *subscription.Registry
	Engine     *intsync.Engine
	Refetcher  *intsync.Refetcher
	Reconciler *intsync.Reconciler
	Cache      *cache.Store
	Loop       *intsync.Loop
	Gen        *intsync.Generation
	Active     *intsync.Active
	Member     *intsync.Member
	Machine    *status.Machine
	Search     *search.Input
	Tokens     TokenSetter
	Bus        *bus.Bus

	// MemberOverride replaces the member id resolved from the credential.
	MemberOverride string
	// SyncRetry is the first delay between failed bulk fetches.
	SyncRetry time.Duration
}

// Login is the payload of bus.KindLoggedIn.
type Login struct {
	SessionID string
	MemberID  string
	Warm      bool
}

// Status describes the session for status queries.
type Status struct {
	State         status.State
	Transport     transport.State
	SessionID     string
	MemberID      string
	ActiveRoom    room.ID
	Subscriptions []subscription.Subscription
	LastSyncedAt  time.Time
	RoomCounts    map[room.Category]int
	// DroppedEvents counts bus deliveries lost to slow subscribers.
	DroppedEvents int64
}

// Controller owns the session. Login and Logout are serialized.
type Controller struct {
	d      Deps
	logger *zap.Logger

	mu         sync.Mutex
	sessionID  string
	syncCancel context.CancelFunc
	lastSync   time.Time
}

// New creates a controller and hooks it to transport state changes.
func New(d Deps, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.SyncRetry <= 0 {
		d.SyncRetry = time.Second
	}
	c := &Controller{d: d, logger: logger}
	d.Transport.OnStateChange(c.onTransportState)
	d.Cache.SetMissHandler(d.Refetcher.Request)
	return c
}

// Login starts a session for the credential's member. Logging in as another
// member ends the current session first; logging in again as the same member
// only rotates the credential.
func (c *Controller) Login(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrEmptyCredential
	}
	memberID := c.d.MemberOverride
	if memberID == "" {
		var err error
		if memberID, err = identity.FromToken(credential); err != nil {
			return "", fmt.Errorf("resolve member id: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		if c.d.Member.Get() == memberID {
			c.setToken(credential)
			c.d.Transport.Connect(credential, c.onConnected(c.d.Gen.Current()))
			c.logger.Info("credential rotated", zap.String("member", memberID))
			return memberID, nil
		}
		c.logger.Info("switching member", zap.String("from", c.d.Member.Get()), zap.String("to", memberID))
		if err := c.logoutLocked(ctx); err != nil {
			return "", err
		}
	}

	gen := c.d.Gen.Next()
	c.sessionID = uuid.NewString()
	c.d.Member.Set(memberID)
	c.setToken(credential)

	if err := c.d.Loop.Do(ctx, c.d.Cache.Reset); err != nil {
		return "", fmt.Errorf("reset cache: %w", err)
	}
	warm := c.warmStart(ctx, memberID)

	if err := c.d.Machine.Transition(status.Connecting); err != nil {
		return "", err
	}
	c.d.Bus.Publish(bus.Event{
		Kind:    bus.KindLoggedIn,
		Payload: Login{SessionID: c.sessionID, MemberID: memberID, Warm: warm},
	})
	c.logger.Info("logged in", zap.String("member", memberID), zap.String("session_id", c.sessionID), zap.Bool("warm", warm))

	c.d.Transport.Connect(credential, c.onConnected(gen))
	return memberID, nil
}

// warmStart primes the cache with the persisted snapshot of the same member.
func (c *Controller) warmStart(ctx context.Context, memberID string) bool {
	rec := c.d.Reconciler
	if rec == nil {
		return false
	}
	snap, ok, err := rec.Restore(memberID)
	if err != nil {
		c.logger.Warn("restore snapshot", zap.Error(err))
	}
	if err := rec.Claim(memberID); err != nil {
		c.logger.Warn("claim snapshot", zap.Error(err))
	}
	if !ok {
		return false
	}
	if at, err := rec.LastSynced(); err == nil {
		c.lastSync = at
	}
	if err := c.d.Loop.Do(ctx, func() {
		for cat, rooms := range snap {
			c.d.Cache.Replace(cat, rooms)
		}
	}); err != nil {
		return false
	}
	return true
}

// Logout ends the session: subscriptions, connection, active room, cache and
// persisted snapshot are all discarded. Results of work started for the old
// session are ignored once they arrive.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return ErrNotLoggedIn
	}
	return c.logoutLocked(ctx)
}

func (c *Controller) logoutLocked(ctx context.Context) error {
	c.d.Gen.Next()
	if c.syncCancel != nil {
		c.syncCancel()
		c.syncCancel = nil
	}
	c.d.Registry.Release()
	c.d.Transport.Disconnect()
	c.d.Active.Clear()
	if c.d.Search != nil {
		c.d.Search.Reset()
	}
	if err := c.d.Loop.Do(ctx, c.d.Cache.Reset); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	if c.d.Reconciler != nil {
		if err := c.d.Reconciler.Forget(); err != nil {
			c.logger.Warn("forget snapshot", zap.Error(err))
		}
	}
	c.setToken("")
	member := c.d.Member.Get()
	c.d.Member.Set("")
	sessionID := c.sessionID
	c.sessionID = ""
	c.lastSync = time.Time{}

	if c.d.Machine.Current() != status.Disconnected {
		if err := c.d.Machine.Transition(status.Disconnected); err != nil {
			return err
		}
	}
	c.d.Bus.Publish(bus.Event{Kind: bus.KindLoggedOut, Payload: Login{SessionID: sessionID, MemberID: member}})
	c.logger.Info("logged out", zap.String("member", member))
	return nil
}

// onConnected returns the connect callback for one session generation. It runs
// on every (re)connection: subscriptions are rebuilt and the room lists are
// fetched again to cover anything missed while disconnected.
func (c *Controller) onConnected(gen uint64) func(transport.Channel) {
	return func(ch transport.Channel) {
		if !c.d.Gen.Valid(gen) {
			return
		}
		member := c.d.Member.Get()
		if err := c.d.Registry.SubscribeRoomUpdates(ch, member, c.d.Engine.Handler(gen)); err != nil {
			c.logger.Error("room update subscription failed", zap.Error(err))
		}
		if !c.d.Machine.TransitionFrom(status.Syncing, status.Connecting, status.Reconnecting) {
			return
		}
		// Connect may invoke this callback synchronously from Login.
		go c.startSync(gen)
	}
}

func (c *Controller) startSync(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if !c.d.Gen.Valid(gen) {
		c.mu.Unlock()
		cancel()
		return
	}
	if c.syncCancel != nil {
		c.syncCancel()
	}
	c.syncCancel = cancel
	c.mu.Unlock()

	go c.syncUntilReady(ctx, gen)
}

// syncUntilReady retries the bulk fetch until it succeeds or the session ends.
func (c *Controller) syncUntilReady(ctx context.Context, gen uint64) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.d.SyncRetry
	eb.MaxInterval = 30 * c.d.SyncRetry
	eb.MaxElapsedTime = 0

	op := func() error {
		err := c.d.Refetcher.SyncAll(ctx)
		if errors.Is(err, intsync.ErrStaleSession) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("room sync failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify); err != nil {
		return
	}
	if !c.d.Gen.Valid(gen) {
		return
	}
	if !c.d.Machine.TransitionFrom(status.Ready, status.Syncing) {
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.lastSync = now
	c.mu.Unlock()
	if c.d.Reconciler != nil {
		if err := c.d.Reconciler.MarkSynced(now); err != nil {
			c.logger.Warn("record sync checkpoint", zap.Error(err))
		}
	}
	c.logger.Info("rooms synced", zap.Int("direct", c.d.Cache.Len(room.Direct)),
		zap.Int("group", c.d.Cache.Len(room.Group)), zap.Int("ai", c.d.Cache.Len(room.AI)))
}

func (c *Controller) onTransportState(s transport.State) {
	if s != transport.StateConnecting {
		return
	}
	// The transport fell back to connecting: the link dropped.
	if c.d.Machine.TransitionFrom(status.Reconnecting, status.Syncing, status.Ready) {
		c.logger.Warn("connection lost, reconnecting")
	}
}

// OpenRoom marks id as the room the user is viewing and reads it. An unknown
// room is not left open.
func (c *Controller) OpenRoom(ctx context.Context, id room.ID) error {
	if c.d.Member.Get() == "" {
		return ErrNotLoggedIn
	}
	c.d.Active.Set(id)
	found, err := c.d.Engine.MarkRead(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		if c.d.Active.Is(id) {
			c.d.Active.Clear()
		}
		return fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return nil
}

// CloseRoom clears the open room.
func (c *Controller) CloseRoom() {
	c.d.Active.Clear()
}

// Status reports the session state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	active, _ := c.d.Active.Get()
	counts := make(map[room.Category]int, len(room.Categories))
	for _, cat := range room.Categories {
		counts[cat] = c.d.Cache.Len(cat)
	}
	return Status{
		State:         c.d.Machine.Current(),
		Transport:     c.d.Transport.State(),
		SessionID:     c.sessionID,
		MemberID:      c.d.Member.Get(),
		ActiveRoom:    active,
		Subscriptions: c.d.Registry.Active(),
		LastSyncedAt:  c.lastSync,
		RoomCounts:    counts,
		DroppedEvents: c.d.Bus.Dropped(),
	}
}

func (c *Controller) setToken(token string) {
	if c.d.Tokens != nil {
		c.d.Tokens.SetToken(token)
	}
}
