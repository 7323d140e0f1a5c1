package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/room"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func groupRoom(n int64, at time.Time) room.ChatRoom {
	return room.ChatRoom{ID: room.ID{Category: room.Group, Num: n}, DisplayName: "room", LastMessageAt: at}
}

func ids(rooms []room.ChatRoom) []int64 {
	out := make([]int64, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID.Num
	}
	return out
}

func assertSorted(t *testing.T, rooms []room.ChatRoom) {
	t.Helper()
	seenZero := false
	for i, r := range rooms {
		if r.LastMessageAt.IsZero() {
			seenZero = true
			continue
		}
		if seenZero {
			t.Fatalf("room %d with timestamp after timestamp-less room: %v", r.ID.Num, ids(rooms))
		}
		if i > 0 && r.LastMessageAt.After(rooms[i-1].LastMessageAt) {
			t.Fatalf("not sorted descending: %v", ids(rooms))
		}
	}
}

func TestReplaceSorts(t *testing.T) {
	s := New(nil)
	s.Replace(room.Group, []room.ChatRoom{
		groupRoom(1, base),
		groupRoom(2, time.Time{}),
		groupRoom(3, base.Add(time.Hour)),
		groupRoom(4, base.Add(-time.Hour)),
	})

	got := ids(s.Get(room.Group))
	want := []int64{3, 1, 4, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestPatchResortsEveryTime(t *testing.T) {
	s := New(nil)
	s.Replace(room.Group, []room.ChatRoom{
		groupRoom(1, base),
		groupRoom(2, base.Add(time.Minute)),
		groupRoom(3, time.Time{}),
		groupRoom(4, base.Add(2*time.Minute)),
	})

	patches := []struct {
		id int64
		at time.Time
	}{
		{3, base.Add(time.Hour)},
		{1, base.Add(2 * time.Hour)},
		{4, base.Add(30 * time.Minute)},
		{2, base.Add(3 * time.Hour)},
	}
	for _, p := range patches {
		ok := s.Patch(room.Group, room.ID{Category: room.Group, Num: p.id}, func(r room.ChatRoom) room.ChatRoom {
			r.LastMessageAt = p.at
			return r
		})
		if !ok {
			t.Fatalf("patch %d reported miss", p.id)
		}
		assertSorted(t, s.Get(room.Group))
	}
	if got := s.Get(room.Group)[0].ID.Num; got != 2 {
		t.Errorf("head = %d, want 2", got)
	}
}

func TestPatchMissRaisesRefetch(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("rooms.refetch", 4)
	defer unsub()

	s := New(b)
	var mu sync.Mutex
	var missed []room.ID
	s.SetMissHandler(func(_ room.Category, id room.ID) {
		mu.Lock()
		missed = append(missed, id)
		mu.Unlock()
	})

	id := room.ID{Category: room.AI, Num: 99}
	called := false
	if s.Patch(room.AI, id, func(r room.ChatRoom) room.ChatRoom { called = true; return r }) {
		t.Fatal("patch of unknown room reported success")
	}
	if called {
		t.Error("updater ran for unknown room")
	}

	select {
	case evt := <-events:
		p, ok := evt.Payload.(RefetchRequested)
		if !ok || p.Category != room.AI || p.RoomID != id {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for refetch event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(missed) != 1 || missed[0] != id {
		t.Errorf("missed = %v", missed)
	}
}

func TestPatchPublishesChange(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("rooms.changed", 4)
	defer unsub()

	s := New(b)
	s.Replace(room.Direct, []room.ChatRoom{{ID: room.ID{Category: room.Direct, Num: 3}}})
	<-events

	s.Patch(room.Direct, room.ID{Category: room.Direct, Num: 3}, func(r room.ChatRoom) room.ChatRoom {
		r.UnreadCount = 5
		return r
	})

	select {
	case evt := <-events:
		p := evt.Payload.(RoomsChanged)
		if p.Category != room.Direct || len(p.Rooms) != 1 || p.Rooms[0].UnreadCount != 5 {
			t.Errorf("payload = %#v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for rooms.changed")
	}
}

func TestCategoriesIndependent(t *testing.T) {
	s := New(nil)
	s.Replace(room.Group, []room.ChatRoom{groupRoom(7, base)})
	s.Replace(room.Direct, []room.ChatRoom{{ID: room.ID{Category: room.Direct, Num: 7}}})

	if s.Patch(room.AI, room.ID{Category: room.AI, Num: 7}, func(r room.ChatRoom) room.ChatRoom { return r }) {
		t.Error("ai patch should miss")
	}
	if s.Len(room.Group) != 1 || s.Len(room.Direct) != 1 || s.Len(room.AI) != 0 {
		t.Errorf("lens = %d/%d/%d", s.Len(room.Direct), s.Len(room.Group), s.Len(room.AI))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(nil)
	s.Replace(room.Group, []room.ChatRoom{groupRoom(1, base)})

	got := s.Get(room.Group)
	got[0].UnreadCount = 42

	r, _ := s.Lookup(room.ID{Category: room.Group, Num: 1})
	if r.UnreadCount != 0 {
		t.Error("mutating Get result leaked into the cache")
	}
}

func TestReplaceDeduplicates(t *testing.T) {
	s := New(nil)
	old := groupRoom(1, base)
	old.LatestSequence = 3
	fresh := groupRoom(1, base.Add(time.Minute))
	fresh.LatestSequence = 5
	s.Replace(room.Group, []room.ChatRoom{old, fresh})

	rooms := s.Get(room.Group)
	if len(rooms) != 1 || rooms[0].LatestSequence != 5 {
		t.Errorf("rooms = %#v", rooms)
	}
}

func TestReset(t *testing.T) {
	s := New(nil)
	s.Replace(room.Group, []room.ChatRoom{groupRoom(1, base)})
	s.Reset()
	for cat, rooms := range s.Snapshot() {
		if len(rooms) != 0 {
			t.Errorf("%s not empty after reset", cat)
		}
	}
}

func TestConcurrentReadersSeeWholeLists(t *testing.T) {
	s := New(nil)
	var rooms []room.ChatRoom
	for i := range 50 {
		rooms = append(rooms, groupRoom(int64(i), base.Add(time.Duration(i)*time.Second)))
	}
	s.Replace(room.Group, rooms)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			n := int64(i % 50)
			s.Patch(room.Group, room.ID{Category: room.Group, Num: n}, func(r room.ChatRoom) room.ChatRoom {
				r.LastMessageAt = base.Add(time.Duration(1000+i) * time.Second)
				return r
			})
		}
	}()
	for range 200 {
		got := s.Get(room.Group)
		if len(got) != 50 {
			t.Fatalf("len = %d, want 50", len(got))
		}
		assertSorted(t, got)
	}
	wg.Wait()
}
