// Package connection maintains the agent's long-lived, auto-reconnecting
// duplex channel to the operator. It owns the WebSocket transport, the
// registration handshake, the reconnect/backoff supervisor, and the bounded
// outbound send queue.
//
// The supervisor shape (connect -> run loops -> reconnect with backoff)
// follows a long-lived gRPC connection manager's overall structure; the
// transport itself and its ping/pong handling follow a gorilla/websocket
// client pattern.
package connection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/wire"
)

// State is the connection's position in its lifecycle.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// ErrQueueFull is returned by Send when the outbound queue has no room.
var ErrQueueFull = fmt.Errorf("connection: outbound queue full")

const defaultQueueCapacity = 256

// Handler processes one inbound envelope.
type Handler func(wire.Envelope)

// Registration builds the registration envelope payload sent as the first
// message on every fresh connection.
type Registration func() map[string]interface{}

// Config controls reconnect and liveness behavior.
type Config struct {
	URL                  string
	ReconnectInterval     time.Duration
	ReconnectMaxAttempts int // 0 = infinite
	PingInterval         time.Duration
	PingTimeout          time.Duration
	QueueCapacity        int
	AgentID              string
}

// Manager is the connection manager described by the component design.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger
	dialer *websocket.Dialer
	reg    Registration

	handlersMu sync.Mutex
	handlers   map[string][]Handler
	wildcard   []Handler

	stateMu sync.RWMutex
	state   State

	connMu sync.Mutex
	conn   *websocket.Conn

	outbound chan wire.Envelope

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New creates a Manager. reg supplies the registration payload at connect
// time (capabilities may change between restarts, so it is a callback
// rather than a fixed value).
func New(cfg Config, c clock.Clock, log *zap.Logger, reg Registration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	return &Manager{
		cfg:      cfg,
		clock:    c,
		log:      log,
		dialer:   websocket.DefaultDialer,
		reg:      reg,
		handlers: make(map[string][]Handler),
		state:    Disconnected,
		outbound: make(chan wire.Envelope, cfg.QueueCapacity),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// On registers handler for kind. Use "*" to register a wildcard handler
// invoked for every envelope in addition to any kind-specific handlers.
// Dispatch order is specific handlers in registration order, then wildcards
// in registration order.
func (m *Manager) On(kind string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if kind == "*" {
		m.wildcard = append(m.wildcard, h)
		return
	}
	m.handlers[kind] = append(m.handlers[kind], h)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// IsConnected reports whether the manager currently holds an open
// connection.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Send enqueues an outbound envelope of the given kind and payload.
// Non-blocking: returns ErrQueueFull immediately if the queue has no room.
func (m *Manager) Send(kind string, payload map[string]interface{}) error {
	env := wire.New(kind, payload, m.clock.Now())
	select {
	case m.outbound <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the supervisor loop. Safe to call once.
func (m *Manager) Start() {
	go m.supervise()
}

// Stop halts the supervisor, closes any open connection, and waits for
// shutdown to complete. Idempotent.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
	m.setState(Disconnected)
}

func (m *Manager) supervise() {
	defer close(m.doneCh)

	attempts := 0
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if attempts > 0 {
			m.setState(Reconnecting)
			if m.cfg.ReconnectMaxAttempts > 0 && attempts >= m.cfg.ReconnectMaxAttempts {
				m.log.Error("reconnect attempts exhausted, giving up",
					zap.Int("attempts", attempts))
				return
			}
			delay := backoffDelay(m.cfg.ReconnectInterval, attempts)
			select {
			case <-m.clock.After(delay):
			case <-m.stopCh:
				return
			}
		}

		m.setState(Connecting)
		conn, err := m.connect()
		if err != nil {
			m.log.Warn("connect failed", zap.Error(err))
			attempts++
			continue
		}

		attempts = 0
		m.setState(Connected)
		m.runConnection(conn)
		m.setState(Disconnected)

		select {
		case <-m.stopCh:
			return
		default:
			attempts = 1
		}
	}
}

// backoffDelay implements the documented exponential-backoff-with-jitter
// schedule: min(base * 2^min(attempts-1,5), 60s) * (0.5 + rand[0,1)).
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	shift := attempts - 1
	if shift > 5 {
		shift = 5
	}
	if shift < 0 {
		shift = 0
	}
	capped := base * time.Duration(int64(1)<<uint(shift))
	if capped > 60*time.Second {
		capped = 60 * time.Second
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(capped) * jitter)
}

func (m *Manager) connect() (*websocket.Conn, error) {
	conn, _, err := m.dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connection: dial: %w", err)
	}

	pingTimeout := m.cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	pingInterval := m.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	return conn, nil
}

// runConnection owns a single connection's lifetime: send the registration
// envelope synchronously, then run the receive/send/ping loops until the
// transport closes.
func (m *Manager) runConnection(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
	defer func() {
		conn.Close()
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
	}()

	regPayload := map[string]interface{}{}
	if m.reg != nil {
		regPayload = m.reg()
	}
	if err := m.writeEnvelope(conn, wire.New("register", regPayload, m.clock.Now())); err != nil {
		m.log.Warn("failed to send registration", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		m.receiveLoop(conn)
	}()
	go func() {
		defer wg.Done()
		m.sendLoop(ctx, conn)
	}()
	go m.pingLoop(ctx, conn, m.pingIntervalOrDefault())

	// Stop() closing stopCh must unblock a healthy connection's
	// ReadMessage promptly: the pong handler keeps extending the read
	// deadline, so nothing else would ever wake receiveLoop.
	go func() {
		select {
		case <-m.stopCh:
			conn.Close()
		case <-ctx.Done():
		}
	}()

	wg.Wait()
}

func (m *Manager) pingIntervalOrDefault() time.Duration {
	if m.cfg.PingInterval > 0 {
		return m.cfg.PingInterval
	}
	return 30 * time.Second
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.log.Debug("read loop exiting", zap.Error(err))
			return
		}
		env, err := wire.Decode(data, m.clock.Now())
		if err != nil {
			m.log.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env wire.Envelope) {
	m.handlersMu.Lock()
	specific := append([]Handler(nil), m.handlers[env.Type]...)
	wildcard := append([]Handler(nil), m.wildcard...)
	m.handlersMu.Unlock()

	if len(specific) == 0 && len(wildcard) == 0 {
		m.log.Warn("no handler for envelope kind", zap.String("kind", env.Type))
		return
	}
	for _, h := range specific {
		m.safeInvoke(h, env)
	}
	for _, h := range wildcard {
		m.safeInvoke(h, env)
	}
}

func (m *Manager) safeInvoke(h Handler, env wire.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("envelope handler panicked",
				zap.String("kind", env.Type), zap.Any("recover", r))
		}
	}()
	h(env)
}

func (m *Manager) sendLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.outbound:
			if err := m.writeEnvelope(conn, env); err != nil {
				m.log.Warn("send failed, closing connection", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) writeEnvelope(conn *websocket.Conn, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}
