// Package conn owns the single streaming connection to the monitoring
// server.
//
// The Manager runs a four-state machine:
//
//	Disconnected -> Connecting -> Connected <-> Reconnecting -> Connecting -> ...
//
// Any close or error on an open connection, and any failed dial, moves
// it to Reconnecting and schedules exactly one new attempt after a fixed
// delay. Close is the only way back to Disconnected, and it cancels any
// pending attempt.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
)

// Defaults for the reconnect loop.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// MessageHandler receives every successfully decoded frame, in arrival
// order, on the connection's read goroutine. It must not block.
type MessageHandler func(protocol.Message)

// Observer is notified of connection activity, for metrics.
type Observer interface {
	StateChanged(State)
	FrameReceived()
	FrameRejected(err error)
	ReconnectScheduled()
	SendDropped(t protocol.Type)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)        {}
func (nopObserver) FrameReceived()            {}
func (nopObserver) FrameRejected(error)       {}
func (nopObserver) ReconnectScheduled()       {}
func (nopObserver) SendDropped(protocol.Type) {}

// Manager owns one logical streaming connection.
type Manager struct {
	url         string
	dialer      Dialer
	clock       clock.Clock
	delay       time.Duration
	dialTimeout time.Duration
	frameType   protocol.FrameType
	logger      *slog.Logger
	observer    Observer

	mu         sync.Mutex
	state      State
	conn       Conn
	epoch      uint64
	timer      *clock.Timer
	dialCtx    context.Context
	dialCancel context.CancelFunc
	handlers   []MessageHandler

	writeMu  sync.Mutex
	notifier notifier
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock sets the clock used for the reconnect delay.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithReconnectDelay sets the fixed delay between a drop and the next
// attempt. Non-positive values keep the default.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.delay = d
		}
	}
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithBinaryFrames makes outbound messages CBOR binary frames instead of
// JSON text frames. Inbound frames of either kind are always accepted.
func WithBinaryFrames() Option {
	return func(m *Manager) { m.frameType = protocol.BinaryFrame }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// New creates a Manager for url in the Disconnected state. Call Connect
// to open the connection.
func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:         url,
		dialer:      &WebsocketDialer{},
		clock:       clock.Real(),
		delay:       DefaultReconnectDelay,
		dialTimeout: DefaultDialTimeout,
		frameType:   protocol.TextFrame,
		logger:      slog.Default(),
		observer:    nopObserver{},
		state:       Disconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "conn")
	return m
}

// OnMessage registers a handler for decoded frames.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// OnStateChange registers a listener for state transitions. Listeners
// are called in transition order, outside the manager's lock. A
// transition into Connected is the connection-established event.
func (m *Manager) OnStateChange(fn func(State)) {
	m.notifier.subscribe(fn)
}

// CurrentState returns the connection state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts a connection attempt. It is a no-op while Connecting or
// Connected; from Reconnecting it skips the remaining delay.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state == Reconnecting && m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.connectLocked()
	m.mu.Unlock()
	m.notifier.flush()
}

// Close shuts the connection down for good: the state becomes
// Disconnected and no reconnect is scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCtx, m.dialCancel = nil, nil
	}
	c := m.conn
	m.conn = nil
	m.transitionLocked(Disconnected)
	m.mu.Unlock()

	closeConn(c)
	m.notifier.flush()
}

// Send writes env to the connection. While not Connected the message is
// dropped, not queued, and Send returns false.
func (m *Manager) Send(env protocol.Envelope) bool {
	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		m.observer.SendDropped(env.Type)
		m.logger.Debug("send dropped", "type", env.Type, "tag", env.Tag)
		return false
	}
	c, epoch := m.conn, m.epoch
	m.mu.Unlock()

	data, err := protocol.Encode(m.frameType, env)
	if err != nil {
		m.logger.Error("encode outbound message", "type", env.Type, "error", err)
		return false
	}

	m.writeMu.Lock()
	err = c.WriteMessage(int(m.frameType), data)
	m.writeMu.Unlock()
	if err != nil {
		m.drop(epoch, err)
		return false
	}
	return true
}

func (m *Manager) connectLocked() {
	if m.state == Connecting || m.state == Connected {
		return
	}
	if m.dialCtx == nil {
		m.dialCtx, m.dialCancel = context.WithCancel(context.Background())
	}
	m.epoch++
	m.transitionLocked(Connecting)
	go m.dial(m.dialCtx, m.epoch)
}

func (m *Manager) dial(parent context.Context, epoch uint64) {
	ctx, cancel := context.WithTimeout(parent, m.dialTimeout)
	c, err := m.dialer.Dial(ctx, m.url)
	cancel()

	m.mu.Lock()
	if epoch != m.epoch || m.state != Connecting {
		m.mu.Unlock()
		closeConn(c)
		return
	}
	if err != nil {
		stale := m.dropLocked(err)
		m.mu.Unlock()
		closeConn(stale)
		m.notifier.flush()
		return
	}
	m.conn = c
	m.transitionLocked(Connected)
	m.mu.Unlock()

	m.logger.Info("connection established", "url", m.url)
	m.notifier.flush()
	go m.readLoop(c, epoch)
}

func (m *Manager) readLoop(c Conn, epoch uint64) {
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			m.drop(epoch, err)
			return
		}
		m.observer.FrameReceived()

		msg, err := protocol.Decode(protocol.FrameType(mt), data)
		if err != nil {
			m.observer.FrameRejected(err)
			m.logger.Warn("dropping frame", "error", err, "size", len(data))
			continue
		}

		m.mu.Lock()
		handlers := make([]MessageHandler, len(m.handlers))
		copy(handlers, m.handlers)
		m.mu.Unlock()
		for _, h := range handlers {
			h(msg)
		}
	}
}

func (m *Manager) drop(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	stale := m.dropLocked(err)
	m.mu.Unlock()
	closeConn(stale)
	m.notifier.flush()
}

// dropLocked detaches the current connection, enters Reconnecting and
// makes sure exactly one attempt is pending. The caller closes the
// returned connection after releasing the lock.
func (m *Manager) dropLocked(err error) Conn {
	stale := m.conn
	m.conn = nil
	m.epoch++
	m.transitionLocked(Reconnecting)
	if m.timer == nil {
		m.timer = m.clock.AfterFunc(m.delay, m.reconnect)
		m.observer.ReconnectScheduled()
	}
	m.logger.Info("connection lost, reconnect scheduled",
		"delay", m.delay,
		"error", telerr.Wrap(err, telerr.ErrTransport, "transport failure"))
	return stale
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.connectLocked()
	m.mu.Unlock()
	m.notifier.flush()
}

func (m *Manager) transitionLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.observer.StateChanged(s)
	m.notifier.push(s)
}

func closeConn(c Conn) {
	if c != nil {
		_ = c.Close()
	}
}
