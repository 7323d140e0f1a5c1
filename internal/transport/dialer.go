package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Dialer opens the byte stream the STOMP session runs over.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// WebSocketDialer connects to a STOMP-over-WebSocket endpoint.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial performs the WebSocket handshake and adapts the connection to a stream.
func (d WebSocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: []string{"v12.stomp", "v11.stomp"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	// The stream outlives the dial context; closing it closes the socket.
	return websocket.NetConn(context.Background(), c, websocket.MessageText), nil
}

// TCPDialer connects to a broker speaking plain STOMP over TCP.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

// Dial opens the TCP connection.
func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}
	return conn, nil
}

// watchedConn closes done the first time a read fails or the stream is closed,
// which is how a dropped connection is noticed.
type watchedConn struct {
	io.ReadWriteCloser
	once sync.Once
	done chan struct{}
}

func watch(rwc io.ReadWriteCloser) *watchedConn {
	return &watchedConn{ReadWriteCloser: rwc, done: make(chan struct{})}
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.ReadWriteCloser.Read(p)
	if err != nil {
		w.lost()
	}
	return n, err
}

func (w *watchedConn) Close() error {
	w.lost()
	return w.ReadWriteCloser.Close()
}

func (w *watchedConn) lost() {
	w.once.Do(func() { close(w.done) })
}

// Done is closed once the stream is gone.
func (w *watchedConn) Done() <-chan struct{} {
	return w.done
}
