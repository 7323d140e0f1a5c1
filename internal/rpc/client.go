package rpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health reports the serving status of the room service. It is SERVING only
// while the session is READY.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodGetStatus, &emptypb.Empty{}, out)
}

func (c *Client) Login(ctx context.Context, credential string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"credential": credential})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodLogin, in, out)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.conn.Invoke(ctx, MethodLogout, &emptypb.Empty{}, &emptypb.Empty{})
}

// ListRooms lists the cached rooms. An empty category lists all of them.
func (c *Client) ListRooms(ctx context.Context, category string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"category": category})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodListRooms, in, out)
}

func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	in, err := structpb.NewStruct(map[string]any{"room_id": roomID})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, MethodOpenRoom, in, &emptypb.Empty{})
}

func (c *Client) CloseRoom(ctx context.Context) error {
	return c.conn.Invoke(ctx, MethodCloseRoom, &emptypb.Empty{}, &emptypb.Empty{})
}

func (c *Client) Search(ctx context.Context, query, category string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"query": query, "category": category})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodSearch, in, out)
}

func (c *Client) SetSearchQuery(ctx context.Context, query, category string) error {
	in, err := structpb.NewStruct(map[string]any{"query": query, "category": category})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, MethodSetSearchQuery, in, &emptypb.Empty{})
}

// WatchRooms streams daemon events whose kind starts with prefix until ctx
// ends or the stream fails. fn is called for every event.
func (c *Client) WatchRooms(ctx context.Context, prefix string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatchRooms)
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
