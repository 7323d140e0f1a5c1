package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/server"
	"go.uber.org/zap"
)

func startBroker(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().String()
}

func testManager(addr string) *Manager {
	return NewManager(TCPDialer{Addr: addr, Timeout: time.Second}, Options{ReconnectDelay: 50 * time.Millisecond}, zap.NewNop())
}

func waitChannel(t *testing.T, ch <-chan Channel) Channel {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for onConnected")
		return nil
	}
}

func TestConnectInvokesCallback(t *testing.T) {
	m := testManager(startBroker(t))
	defer m.Disconnect()

	got := make(chan Channel, 1)
	m.Connect("token-1", func(c Channel) { got <- c })
	waitChannel(t, got)

	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected", m.State())
	}
}

func TestConnectIdempotentWhenConnected(t *testing.T) {
	m := testManager(startBroker(t))
	defer m.Disconnect()

	var transitions atomic.Int32
	m.OnStateChange(func(s State) {
		if s == StateConnecting {
			transitions.Add(1)
		}
	})

	first := make(chan Channel, 1)
	m.Connect("token-1", func(c Channel) { first <- c })
	waitChannel(t, first)

	// A second Connect while connected must call back synchronously without redialing.
	var called atomic.Bool
	m.Connect("token-1", func(Channel) { called.Store(true) })
	if !called.Load() {
		t.Fatal("onConnected not invoked immediately on connected manager")
	}
	if n := transitions.Load(); n != 1 {
		t.Errorf("connecting transitions = %d, want 1", n)
	}
}

func TestSubscribeDeliversFrames(t *testing.T) {
	addr := startBroker(t)
	m := testManager(addr)
	defer m.Disconnect()

	connected := make(chan Channel, 1)
	m.Connect("token-1", func(c Channel) { connected <- c })
	ch := waitChannel(t, connected)

	const dest = "/topic/chat.users.7.rooms.update"
	frames := make(chan Frame, 16)
	sub, err := ch.Subscribe(dest, func(f Frame) { frames <- f })
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	pub, err := stomp.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = pub.Disconnect() }()

	// Topics drop messages sent before the subscription reaches the broker, so keep publishing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case f := <-frames:
			if f.Destination != dest || string(f.Body) != `{"roomId":7}` {
				t.Errorf("frame = %s %q", f.Destination, f.Body)
			}
			return
		case <-tick.C:
			if err := pub.Send(dest, "application/json", []byte(`{"roomId":7}`)); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("timeout waiting for frame")
		}
	}
}

func TestDisconnectDiscardsSession(t *testing.T) {
	m := testManager(startBroker(t))

	got := make(chan Channel, 1)
	m.Connect("token-1", func(c Channel) { got <- c })
	waitChannel(t, got)

	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}

	// A later Connect starts a new connection rather than reusing the old one.
	again := make(chan Channel, 1)
	m.Connect("token-2", func(c Channel) { again <- c })
	waitChannel(t, again)
	m.Disconnect()
}

type flakyDialer struct {
	failures atomic.Int32
	next     Dialer
}

func (d *flakyDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if d.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	return d.next.Dial(ctx)
}

func TestConnectRetriesFailures(t *testing.T) {
	d := &flakyDialer{next: TCPDialer{Addr: startBroker(t)}}
	d.failures.Store(2)
	m := NewManager(d, Options{ReconnectDelay: 10 * time.Millisecond}, nil)
	defer m.Disconnect()

	got := make(chan Channel, 1)
	m.Connect("token", func(c Channel) { got <- c })
	waitChannel(t, got)
}

func TestReconnectAfterDrop(t *testing.T) {
	addr := startBroker(t)
	var current atomic.Pointer[net.Conn]
	d := dialerFunc(func(ctx context.Context) (io.ReadWriteCloser, error) {
		var nd net.Dialer
		c, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		current.Store(&c)
		return c, nil
	})
	m := NewManager(d, Options{ReconnectDelay: 10 * time.Millisecond}, nil)
	defer m.Disconnect()

	got := make(chan Channel, 4)
	m.Connect("token", func(c Channel) { got <- c })
	waitChannel(t, got)

	// Kill the socket underneath the STOMP session.
	_ = (*current.Load()).Close()

	waitChannel(t, got)
	if m.State() != StateConnected {
		t.Errorf("state = %s, want connected after reconnect", m.State())
	}
}

type dialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f dialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) { return f(ctx) }

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.defaults()
	if o.ReconnectDelay != 5*time.Second {
		t.Errorf("reconnect delay = %v", o.ReconnectDelay)
	}
	if o.UnsubscribeTimeout != 2*time.Second {
		t.Errorf("unsubscribe timeout = %v", o.UnsubscribeTimeout)
	}

	o = Options{UnsubscribeTimeout: 100 * time.Millisecond}
	o.defaults()
	if o.UnsubscribeTimeout != 100*time.Millisecond {
		t.Errorf("explicit unsubscribe timeout overridden: %v", o.UnsubscribeTimeout)
	}
}
