package api

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/identity"
	"github.com/matheus3301/roomsync/internal/lifecycle"
	"github.com/matheus3301/roomsync/internal/room"
	"github.com/matheus3301/roomsync/internal/rpc"
	"github.com/matheus3301/roomsync/internal/search"
)

// Session is the part of the lifecycle controller the service drives.
type Session interface {
	Login(ctx context.Context, credential string) (string, error)
	Logout(ctx context.Context) error
	OpenRoom(ctx context.Context, id room.ID) error
	CloseRoom()
	Status() lifecycle.Status
}

// Rooms reads the room cache.
type Rooms interface {
	Get(cat room.Category) []room.ChatRoom
}

// RoomService implements roomsync.v1.RoomService.
type RoomService struct {
	rpc.UnimplementedRoomServiceServer

	sessionName string
	session     Session
	rooms       Rooms
	search      *search.Engine
	input       *search.Input
	bus         *bus.Bus
}

// NewRoomService creates a new room service.
func NewRoomService(sessionName string, s Session, rooms Rooms, engine *search.Engine, input *search.Input, b *bus.Bus) *RoomService {
	return &RoomService{
		sessionName: sessionName,
		session:     s,
		rooms:       rooms,
		search:      engine,
		input:       input,
		bus:         b,
	}
}

func (s *RoomService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(statusToMap(s.sessionName, s.session.Status()))
}

func (s *RoomService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	member, err := s.session.Login(ctx, stringField(req, "credential"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"member_id": member})
}

func (s *RoomService) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.session.Logout(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *RoomService) ListRooms(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cats, err := requestCategories(req)
	if err != nil {
		return nil, err
	}
	var rooms []room.ChatRoom
	for _, c := range cats {
		rooms = append(rooms, s.rooms.Get(c)...)
	}
	return toStruct(map[string]any{"rooms": roomsToList(rooms)})
}

func (s *RoomService) OpenRoom(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := room.ParseID(stringField(req, "room_id"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err := s.session.OpenRoom(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *RoomService) CloseRoom(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.session.CloseRoom()
	return &emptypb.Empty{}, nil
}

func (s *RoomService) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cat, err := requestCategory(req)
	if err != nil {
		return nil, err
	}
	res := s.search.Search(ctx, stringField(req, "query"), cat)
	return toStruct(resultToMap(res))
}

func (s *RoomService) SetSearchQuery(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	cat, err := requestCategory(req)
	if err != nil {
		return nil, err
	}
	s.input.Set(stringField(req, "query"), cat)
	return &emptypb.Empty{}, nil
}

// WatchRooms streams bus events. The optional prefix narrows the kinds sent;
// without one, room, search and session events are all sent.
func (s *RoomService) WatchRooms(req *structpb.Struct, stream rpc.WatchRoomsServer) error {
	prefixes := []string{"rooms.", "search.", "session."}
	if p := stringField(req, "prefix"); p != "" {
		prefixes = []string{p}
	}

	merged := make(chan bus.Event, 256)
	ctx := stream.Context()
	for _, p := range prefixes {
		ch, unsub := s.bus.Subscribe(p, 256)
		defer unsub()
		go func() {
			for {
				select {
				case evt := <-ch:
					select {
					case merged <- evt:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case evt := <-merged:
			env, err := toStruct(map[string]any{
				"event_id":            uuid.New().String(),
				"session":             s.sessionName,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"kind":                evt.Kind,
				"payload":             payloadToMap(evt.Payload),
			})
			if err != nil {
				return err
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func requestCategory(req *structpb.Struct) (room.Category, error) {
	raw := stringField(req, "category")
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	c, err := room.ParseCategory(raw)
	if err != nil {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	return c, nil
}

func requestCategories(req *structpb.Struct) ([]room.Category, error) {
	c, err := requestCategory(req)
	if err != nil {
		return nil, err
	}
	if c == "" {
		return room.Categories, nil
	}
	return []room.Category{c}, nil
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// toStatus maps controller errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrEmptyCredential):
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, identity.ErrNoMemberID), errors.Is(err, identity.ErrInvalidCredential):
		return grpcstatus.Errorf(codes.Unauthenticated, "%v", err)
	case errors.Is(err, lifecycle.ErrNotLoggedIn):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%v", err)
	case errors.Is(err, lifecycle.ErrUnknownRoom):
		return grpcstatus.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%v", err)
	}
	return grpcstatus.Errorf(codes.Internal, "%v", err)
}
