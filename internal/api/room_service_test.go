package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/lifecycle"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/rpc"
	"github.com/matheus3301/roomsync/internal/search"
	"github.com/matheus3301/roomsync/internal/status"
)

type fakeSession struct {
	mu     sync.Mutex
	member string
	opened []room.ID
	closed int
	known  map[room.ID]bool
}

func (f *fakeSession) Login(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", lifecycle.ErrEmptyCredential
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.member = "m-" + credential
	return f.member, nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.member == "" {
		return lifecycle.ErrNotLoggedIn
	}
	f.member = ""
	return nil
}

func (f *fakeSession) OpenRoom(_ context.Context, id room.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return lifecycle.ErrUnknownRoom
	}
	f.opened = append(f.opened, id)
	return nil
}

func (f *fakeSession) CloseRoom() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSession) Status() lifecycle.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lifecycle.Status{State: status.Disconnected, MemberID: f.member}
}

type fakeRemote struct {
	hits []room.SearchHit
	err  error
}

func (f fakeRemote) SearchMessages(context.Context, string, room.Category) ([]room.SearchHit, error) {
	return f.hits, f.err
}

type harness struct {
	client  *rpc.Client
	session *fakeSession
	cache   *cache.Store
	bus     *bus.Bus
	machine *status.Machine
}

func newHarness(t *testing.T, remote fakeRemote) *harness {
	t.Helper()
	// Short path to stay under the Unix socket path limit.
	dir, err := os.MkdirTemp("/tmp", "roomsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "d.sock")

	b := bus.New()
	machine := status.NewMachine(b)
	store := cache.New(b)
	sess := &fakeSession{known: map[room.ID]bool{{Category: room.Group, Num: 7}: true}}
	engine := search.NewEngine(remote, store, search.Options{Debounce: 10 * time.Millisecond}, nil)
	input := search.NewInput(engine, b)
	t.Cleanup(input.Close)

	svc := NewRoomService("test", sess, store, engine, input, b)
	hl := NewHealth(b, machine, nil)
	hl.Start(context.Background())
	t.Cleanup(hl.Stop)

	srv := grpc.NewServer()
	rpc.RegisterRoomServiceServer(srv, svc)
	healthpb.RegisterHealthServer(srv, hl.Server())
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(srv.Stop)

	client, err := rpc.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &harness{client: client, session: sess, cache: store, bus: b, machine: machine}
}

func testRooms() []room.ChatRoom {
	now := time.Now()
	return []room.ChatRoom{
		{ID: room.ID{Category: room.Group, Num: 7}, DisplayName: "Hiking club", LastMessageContent: "see you at the trail", LastMessageAt: now, UnreadCount: 2, LatestSequence: 12, LastReadSequence: 10},
		{ID: room.ID{Category: room.Group, Num: 8}, DisplayName: "Book club", LastMessageAt: now.Add(-time.Minute)},
	}
}

func codeOf(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx := context.Background()

	st, err := h.client.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	fields := st.GetFields()
	if got := fields["session"].GetStringValue(); got != "test" {
		t.Errorf("session = %q, want test", got)
	}
	if got := fields["state"].GetStringValue(); got != string(status.Disconnected) {
		t.Errorf("state = %q, want DISCONNECTED", got)
	}
	if fields["ready"].GetBoolValue() {
		t.Error("ready = true, want false")
	}
}

func TestLoginLogout(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx := context.Background()

	if _, err := h.client.Login(ctx, ""); codeOf(err) != codes.InvalidArgument {
		t.Fatalf("empty credential code = %v, want InvalidArgument", codeOf(err))
	}
	resp, err := h.client.Login(ctx, "abc")
	if err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if got := resp.GetFields()["member_id"].GetStringValue(); got != "m-abc" {
		t.Errorf("member_id = %q, want m-abc", got)
	}
	if err := h.client.Logout(ctx); err != nil {
		t.Fatalf("Logout error = %v", err)
	}
	if err := h.client.Logout(ctx); codeOf(err) != codes.FailedPrecondition {
		t.Errorf("second logout code = %v, want FailedPrecondition", codeOf(err))
	}
}

func TestListRooms(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx := context.Background()
	h.cache.Replace(room.Group, testRooms())
	h.cache.Replace(room.Direct, []room.ChatRoom{{ID: room.ID{Category: room.Direct, Num: 1}, DisplayName: "Ana"}})

	resp, err := h.client.ListRooms(ctx, "group")
	if err != nil {
		t.Fatalf("ListRooms error = %v", err)
	}
	rooms := resp.GetFields()["rooms"].GetListValue().GetValues()
	if len(rooms) != 2 {
		t.Fatalf("len(rooms) = %d, want 2", len(rooms))
	}
	first := rooms[0].GetStructValue().GetFields()
	if got := first["room_id"].GetStringValue(); got != "group-7" {
		t.Errorf("first room = %q, want group-7", got)
	}
	if got := first["unread_count"].GetNumberValue(); got != 2 {
		t.Errorf("unread_count = %v, want 2", got)
	}

	all, err := h.client.ListRooms(ctx, "")
	if err != nil {
		t.Fatalf("ListRooms(all) error = %v", err)
	}
	if n := len(all.GetFields()["rooms"].GetListValue().GetValues()); n != 3 {
		t.Errorf("len(all rooms) = %d, want 3", n)
	}

	if _, err := h.client.ListRooms(ctx, "channel"); codeOf(err) != codes.InvalidArgument {
		t.Errorf("bad category code = %v, want InvalidArgument", codeOf(err))
	}
}

func TestOpenCloseRoom(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx := context.Background()

	if err := h.client.OpenRoom(ctx, "group-7"); err != nil {
		t.Fatalf("OpenRoom error = %v", err)
	}
	if err := h.client.OpenRoom(ctx, "group-99"); codeOf(err) != codes.NotFound {
		t.Errorf("unknown room code = %v, want NotFound", codeOf(err))
	}
	if err := h.client.OpenRoom(ctx, "nonsense"); codeOf(err) != codes.InvalidArgument {
		t.Errorf("bad id code = %v, want InvalidArgument", codeOf(err))
	}
	if err := h.client.CloseRoom(ctx); err != nil {
		t.Fatalf("CloseRoom error = %v", err)
	}

	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	if len(h.session.opened) != 1 || h.session.opened[0] != (room.ID{Category: room.Group, Num: 7}) {
		t.Errorf("opened = %v, want [group-7]", h.session.opened)
	}
	if h.session.closed != 1 {
		t.Errorf("closed = %d, want 1", h.session.closed)
	}
}

func TestSearchMergesLocalAndRemote(t *testing.T) {
	remote := fakeRemote{hits: []room.SearchHit{{
		MessageID:  "m1",
		ChatRoomID: room.ID{Category: room.Group, Num: 8},
		Content:    "club meeting moved",
		Origin:     room.OriginRemote,
	}}}
	h := newHarness(t, remote)
	h.cache.Replace(room.Group, testRooms())

	resp, err := h.client.Search(context.Background(), "club", "group")
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	hits := resp.GetFields()["hits"].GetListValue().GetValues()
	if len(hits) != 3 {
		t.Fatalf("len(hits) = %d, want 3", len(hits))
	}
	last := hits[2].GetStructValue().GetFields()
	if got := last["origin"].GetStringValue(); got != "remote" {
		t.Errorf("last hit origin = %q, want remote", got)
	}
}

func TestSearchDegraded(t *testing.T) {
	h := newHarness(t, fakeRemote{err: errors.New("backend down")})
	h.cache.Replace(room.Group, testRooms())

	resp, err := h.client.Search(context.Background(), "hiking", "")
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	fields := resp.GetFields()
	if !fields["degraded"].GetBoolValue() {
		t.Error("degraded = false, want true")
	}
	if n := len(fields["hits"].GetListValue().GetValues()); n != 1 {
		t.Errorf("len(hits) = %d, want 1 local hit", n)
	}
}

func TestWatchRoomsStreamsChanges(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Keep publishing until the stream has subscribed.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				h.cache.Replace(room.Group, testRooms())
			case <-ctx.Done():
				return
			}
		}
	}()

	errFound := errors.New("found")
	var got *structpb.Struct
	err := h.client.WatchRooms(ctx, "rooms.", func(evt *structpb.Struct) error {
		got = evt
		return errFound
	})
	if !errors.Is(err, errFound) {
		t.Fatalf("WatchRooms error = %v", err)
	}
	fields := got.GetFields()
	if kind := fields["kind"].GetStringValue(); kind != bus.KindRoomsChanged {
		t.Errorf("kind = %q, want %q", kind, bus.KindRoomsChanged)
	}
	if fields["event_id"].GetStringValue() == "" {
		t.Error("event_id is empty")
	}
	payload := fields["payload"].GetStructValue().GetFields()
	if n := len(payload["rooms"].GetListValue().GetValues()); n != 2 {
		t.Errorf("payload rooms = %d, want 2", n)
	}
}

func TestHealthFollowsReady(t *testing.T) {
	h := newHarness(t, fakeRemote{})
	ctx := context.Background()

	st, err := h.client.Health(ctx)
	if err != nil {
		t.Fatalf("Health error = %v", err)
	}
	if st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial health = %v, want NOT_SERVING", st)
	}

	for _, s := range []status.State{status.Connecting, status.Syncing, status.Ready} {
		if err := h.machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err = h.client.Health(ctx)
		if err == nil && st == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %v (err %v), want SERVING", st, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
