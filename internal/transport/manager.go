// Package transport owns the single persistent STOMP connection to the backend
// event channel: connect, disconnect, heart-beats and fixed-delay reconnects.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-stomp/stomp/v3"
	"go.uber.org/zap"
)

// State is the connection state observed by callers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Options tunes the connection.
type Options struct {
	// HeartBeat is used for both directions. Zero disables heart-beating.
	HeartBeat time.Duration
	// ReconnectDelay is the fixed wait between connection attempts.
	ReconnectDelay time.Duration
	// Host is sent as the STOMP virtual host; empty leaves the library default.
	Host string
	// UnsubscribeTimeout bounds the wait for the broker's UNSUBSCRIBE receipt.
	UnsubscribeTimeout time.Duration
}

func (o *Options) defaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.UnsubscribeTimeout <= 0 {
		o.UnsubscribeTimeout = 2 * time.Second
	}
}

// Manager keeps at most one live connection. Connection failures are logged and
// retried; they are never returned to callers, who only see state changes.
type Manager struct {
	dialer Dialer
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	credential  string
	conn        *stomp.Conn
	onConnected func(Channel)
	cancel      context.CancelFunc
	epoch       uint64
	listeners   []func(State)
}

// NewManager creates a disconnected manager.
func NewManager(d Dialer, opts Options, logger *zap.Logger) *Manager {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dialer: d,
		opts:   opts,
		logger: logger,
		state:  StateDisconnected,
	}
}

// OnStateChange registers a listener invoked after every state change.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect is idempotent. When already connected, onConnected runs immediately
// with the live channel and no new connection is made. Otherwise onConnected
// runs once the connection is up and again after every reconnect. The
// credential is read when each attempt activates, so a rotated credential is
// used from the next attempt on.
func (m *Manager) Connect(credential string, onConnected func(Channel)) {
	m.mu.Lock()
	m.credential = credential
	m.onConnected = onConnected

	switch m.state {
	case StateConnected:
		ch := m.channelLocked()
		m.mu.Unlock()
		if onConnected != nil {
			onConnected(ch)
		}
		return
	case StateConnecting:
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.epoch++
	epoch := m.epoch
	listeners := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	notify(listeners, StateConnecting)
	go m.run(ctx, epoch)
}

// Disconnect tears the connection down and forgets the credential and callback,
// so a later Connect starts from scratch. It does not wait for the broker.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, conn := m.cancel, m.conn
	m.cancel = nil
	m.conn = nil
	m.credential = ""
	m.onConnected = nil
	m.epoch++
	var listeners []func(State)
	if m.state != StateDisconnected {
		listeners = m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		go func() {
			if err := conn.Disconnect(); err != nil {
				m.logger.Debug("broker disconnect", zap.Error(err))
			}
		}()
	}
	notify(listeners, StateDisconnected)
}

func (m *Manager) run(ctx context.Context, epoch uint64) {
	b := backoff.WithContext(backoff.NewConstantBackOff(m.opts.ReconnectDelay), ctx)
	for {
		var (
			conn *stomp.Conn
			lost <-chan struct{}
		)
		op := func() error {
			c, done, err := m.activate(ctx)
			if err != nil {
				return err
			}
			conn, lost = c, done
			return nil
		}
		onRetry := func(err error, wait time.Duration) {
			m.logger.Warn("broker connection failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}
		if err := backoff.RetryNotify(op, b, onRetry); err != nil {
			return
		}
		if !m.connected(epoch, conn) {
			_ = conn.Disconnect()
			return
		}

		select {
		case <-lost:
			m.logger.Warn("broker connection lost")
			if !m.dropped(epoch) {
				return
			}
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(m.opts.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// activate dials and performs the STOMP handshake with the current credential.
func (m *Manager) activate(ctx context.Context) (*stomp.Conn, <-chan struct{}, error) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	rwc, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	w := watch(rwc)

	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(m.opts.HeartBeat, m.opts.HeartBeat),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(m.opts.UnsubscribeTimeout),
	}
	if credential != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+credential))
	}
	if m.opts.Host != "" {
		opts = append(opts, stomp.ConnOpt.Host(m.opts.Host))
	}

	conn, err := stomp.Connect(w, opts...)
	if err != nil {
		_ = w.Close()
		return nil, nil, fmt.Errorf("stomp connect: %w", err)
	}
	return conn, w.Done(), nil
}

// connected publishes a fresh connection unless the attempt was superseded.
func (m *Manager) connected(epoch uint64, conn *stomp.Conn) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	listeners := m.setStateLocked(StateConnected)
	cb := m.onConnected
	ch := m.channelLocked()
	m.mu.Unlock()

	m.logger.Info("broker connected")
	notify(listeners, StateConnected)
	if cb != nil {
		cb(ch)
	}
	return true
}

func (m *Manager) dropped(epoch uint64) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	m.conn = nil
	listeners := m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	notify(listeners, StateConnecting)
	return true
}

func (m *Manager) channelLocked() Channel {
	return &stompChannel{conn: m.conn, logger: m.logger}
}

func (m *Manager) setStateLocked(s State) []func(State) {
	m.state = s
	return append([]func(State){}, m.listeners...)
}

func notify(listeners []func(State), s State) {
	for _, fn := range listeners {
		fn(s)
	}
}
