// Package rpc defines the roomsync.v1.RoomService gRPC contract between
// roomsyncd and its clients. Requests and responses are
// google.protobuf.Struct values whose fields are documented per method.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified service name, also used for health checks.
const ServiceName = "roomsync.v1.RoomService"

const (
	MethodGetStatus      = "/" + ServiceName + "/GetStatus"
	MethodLogin          = "/" + ServiceName + "/Login"
	MethodLogout         = "/" + ServiceName + "/Logout"
	MethodListRooms      = "/" + ServiceName + "/ListRooms"
	MethodOpenRoom       = "/" + ServiceName + "/OpenRoom"
	MethodCloseRoom      = "/" + ServiceName + "/CloseRoom"
	MethodSearch         = "/" + ServiceName + "/Search"
	MethodSetSearchQuery = "/" + ServiceName + "/SetSearchQuery"
	MethodWatchRooms     = "/" + ServiceName + "/WatchRooms"
)

// RoomServiceServer is implemented by the daemon.
//
//	GetStatus      {} -> {state, transport, session, session_id, member_id, active_room, subscriptions[], last_synced_at, ready}
//	Login          {credential} -> {member_id}
//	Logout         {} -> {}
//	ListRooms      {category?} -> {rooms[]}
//	OpenRoom       {room_id} -> {}
//	CloseRoom      {} -> {}
//	Search         {query, category?} -> {query, hits[], degraded, error}
//	SetSearchQuery {query, category?} -> {}; the debounced result arrives on WatchRooms
//	WatchRooms     {prefix?} -> stream of {event_id, session, kind, occurred_at_unix_ms, payload}
type RoomServiceServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListRooms(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenRoom(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CloseRoom(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetSearchQuery(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchRooms(*structpb.Struct, WatchRoomsServer) error
}

// WatchRoomsServer is the server side of the WatchRooms stream.
type WatchRoomsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// UnimplementedRoomServiceServer answers every method with codes.Unimplemented.
type UnimplementedRoomServiceServer struct{}

func (UnimplementedRoomServiceServer) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func (UnimplementedRoomServiceServer) Login(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Login not implemented")
}

func (UnimplementedRoomServiceServer) Logout(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
}

func (UnimplementedRoomServiceServer) ListRooms(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListRooms not implemented")
}

func (UnimplementedRoomServiceServer) OpenRoom(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method OpenRoom not implemented")
}

func (UnimplementedRoomServiceServer) CloseRoom(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseRoom not implemented")
}

func (UnimplementedRoomServiceServer) Search(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Search not implemented")
}

func (UnimplementedRoomServiceServer) SetSearchQuery(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetSearchQuery not implemented")
}

func (UnimplementedRoomServiceServer) WatchRooms(*structpb.Struct, WatchRoomsServer) error {
	return status.Error(codes.Unimplemented, "method WatchRooms not implemented")
}

// RegisterRoomServiceServer registers srv on s.
func RegisterRoomServiceServer(s grpc.ServiceRegistrar, srv RoomServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary adapts a typed method to a grpc.MethodHandler.
func unary[Req proto.Message, Resp proto.Message](fullMethod string, newReq func() Req, call func(RoomServiceServer, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RoomServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RoomServiceServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty   { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

func watchRoomsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RoomServiceServer).WatchRooms(in, &watchRoomsServer{stream})
}

type watchRoomsServer struct {
	grpc.ServerStream
}

func (x *watchRoomsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// ServiceDesc describes roomsync.v1.RoomService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary(MethodGetStatus, newEmpty, RoomServiceServer.GetStatus)},
		{MethodName: "Login", Handler: unary(MethodLogin, newStruct, RoomServiceServer.Login)},
		{MethodName: "Logout", Handler: unary(MethodLogout, newEmpty, RoomServiceServer.Logout)},
		{MethodName: "ListRooms", Handler: unary(MethodListRooms, newStruct, RoomServiceServer.ListRooms)},
		{MethodName: "OpenRoom", Handler: unary(MethodOpenRoom, newStruct, RoomServiceServer.OpenRoom)},
		{MethodName: "CloseRoom", Handler: unary(MethodCloseRoom, newEmpty, RoomServiceServer.CloseRoom)},
		{MethodName: "Search", Handler: unary(MethodSearch, newStruct, RoomServiceServer.Search)},
		{MethodName: "SetSearchQuery", Handler: unary(MethodSetSearchQuery, newStruct, RoomServiceServer.SetSearchQuery)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRooms", Handler: watchRoomsHandler, ServerStreams: true},
	},
	Metadata: "roomsync/v1/room_service.proto",
}
