package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/store"
)

// Reconciler mirrors the room cache into rooms.db and restores it on the
// next login of the same member.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, bus: b, logger: logger}
}

// Start persists every rooms.changed notification until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Subscribe(bus.KindRoomsChanged, 256)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops persisting and waits for the writer to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reconciler) handleEvent(evt bus.Event) {
	p, ok := evt.Payload.(cache.RoomsChanged)
	if !ok {
		return
	}
	if err := r.db.ReplaceRooms(p.Category, p.Rooms); err != nil {
		r.logger.Error("failed to persist rooms", zap.String("category", string(p.Category)), zap.Error(err))
	}
}

// Restore returns the persisted rooms when they were stored for memberID.
// A snapshot belonging to another member is never returned.
func (r *Reconciler) Restore(memberID string) (map[room.Category][]room.ChatRoom, bool, error) {
	stored, err := r.db.GetState(store.KeyMemberID)
	if err != nil {
		return nil, false, fmt.Errorf("read member checkpoint: %w", err)
	}
	if stored == "" || stored != memberID {
		return nil, false, nil
	}
	out := make(map[room.Category][]room.ChatRoom, len(room.Categories))
	for _, cat := range room.Categories {
		rooms, err := r.db.ListRooms(cat)
		if err != nil {
			return nil, false, fmt.Errorf("list %s rooms: %w", cat, err)
		}
		out[cat] = rooms
	}
	return out, true, nil
}

// Claim records memberID as the owner of the persisted snapshot, wiping a
// snapshot left by a different member.
func (r *Reconciler) Claim(memberID string) error {
	stored, err := r.db.GetState(store.KeyMemberID)
	if err != nil {
		return fmt.Errorf("read member checkpoint: %w", err)
	}
	if stored != "" && stored != memberID {
		if err := r.db.Reset(); err != nil {
			return fmt.Errorf("reset foreign snapshot: %w", err)
		}
	}
	return r.db.SetState(store.KeyMemberID, memberID)
}

// MarkSynced records the completion time of a full sync.
func (r *Reconciler) MarkSynced(at time.Time) error {
	return r.db.SetState(store.KeyLastSyncAt, at.UTC().Format(time.RFC3339Nano))
}

// LastSynced returns when the last full sync completed, or the zero time.
func (r *Reconciler) LastSynced() (time.Time, error) {
	v, err := r.db.GetState(store.KeyLastSyncAt)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Forget wipes the persisted snapshot and checkpoints.
func (r *Reconciler) Forget() error {
	return r.db.Reset()
}
