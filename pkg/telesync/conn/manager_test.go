package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/telesync/pkg/telesync/clock"
	"github.com/chosenoffset/telesync/pkg/telesync/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type frame struct {
	mt   int
	data []byte
}

// fakeConn is an in-memory transport connection. The test plays the
// server by pushing frames and closing it.
type fakeConn struct {
	in     chan frame
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.mt, f.data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(data string) {
	c.in <- frame{mt: int(protocol.TextFrame), data: []byte(data)}
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeDialer hands out fakeConns, failing the next failNext dials.
type fakeDialer struct {
	mu       sync.Mutex
	attempts int
	failNext int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *clock.FakeClock, *stateRecorder) {
	t.Helper()
	dialer := &fakeDialer{}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New("ws://example.test/ws/monitoring/",
		WithDialer(dialer),
		WithClock(clk),
		WithReconnectDelay(5*time.Second),
	)
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Close)
	return m, dialer, clk, rec
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.CurrentState() == want }, waitFor, tick,
		"state never became %s (now %s)", want, m.CurrentState())
}

func TestManager(t *testing.T) {
	t.Run("InitialState", testInitialState)
	t.Run("ConnectTransitions", testConnectTransitions)
	t.Run("SendDroppedWhenNotConnected", testSendDroppedWhenNotConnected)
	t.Run("SendWhenConnected", testSendWhenConnected)
	t.Run("FramesDeliveredInOrder", testFramesDeliveredInOrder)
	t.Run("MalformedFrameDropped", testMalformedFrameDropped)
	t.Run("ReconnectAfterClose", testReconnectAfterClose)
	t.Run("SingleReconnectTimer", testSingleReconnectTimer)
	t.Run("DialFailureRetries", testDialFailureRetries)
	t.Run("CloseIsTerminal", testCloseIsTerminal)
	t.Run("ConnectSkipsDelay", testConnectSkipsDelay)
}

func testInitialState(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)
	assert.Equal(t, Disconnected, m.CurrentState())
	assert.Zero(t, dialer.attemptCount())
}

func testConnectTransitions(t *testing.T) {
	m, _, _, rec := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, waitFor, tick)
	assert.Equal(t, []State{Connecting, Connected}, rec.all())

	// Connecting again while connected is a no-op.
	m.Connect()
	assert.Equal(t, Connected, m.CurrentState())
}

func testSendDroppedWhenNotConnected(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	assert.False(t, m.Send(protocol.Subscribe("t1")))
}

func testSendWhenConnected(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)

	require.True(t, m.Send(protocol.Subscribe("pressure_1")))
	writes := dialer.last().written()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"type":"subscribe_sensor","tag":"pressure_1"}`, string(writes[0]))
}

func testFramesDeliveredInOrder(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)
	var (
		mu   sync.Mutex
		seen []float64
	)
	m.OnMessage(func(msg protocol.Message) {
		if msg.Type != protocol.TypeSensorUpdate {
			return
		}
		mu.Lock()
		seen = append(seen, msg.Reading.Value)
		mu.Unlock()
	})

	m.Connect()
	waitState(t, m, Connected)
	c := dialer.last()
	c.push(`{"type":"connection_established","message":"hi"}`)
	for _, v := range []string{"1", "2", "3"} {
		c.push(`{"type":"sensor_update","tag":"t1","data":{"timestamp":"2026-01-01T00:00:00Z","value":` + v + `}}`)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []float64{1, 2, 3}, seen)
	mu.Unlock()
}

func testMalformedFrameDropped(t *testing.T) {
	m, dialer, _, _ := newTestManager(t)
	got := make(chan protocol.Message, 4)
	m.OnMessage(func(msg protocol.Message) { got <- msg })

	m.Connect()
	waitState(t, m, Connected)
	c := dialer.last()
	c.push(`{"type":"sensor_update",`)
	c.push(`{"type":"incident_alert","incident":{"tag":"t1","value":5,"violation_type":"below_min"}}`)

	select {
	case msg := <-got:
		assert.Equal(t, protocol.TypeIncidentAlert, msg.Type)
	case <-time.After(waitFor):
		t.Fatal("frame after malformed frame was not delivered")
	}
	assert.Equal(t, Connected, m.CurrentState())
}

func testReconnectAfterClose(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)

	dialer.last().Close()
	waitState(t, m, Reconnecting)
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, 1, dialer.attemptCount())

	clk.Advance(4 * time.Second)
	assert.Equal(t, Reconnecting, m.CurrentState(), "delay has not elapsed")

	clk.Advance(time.Second)
	waitState(t, m, Connected)
	assert.Equal(t, 2, dialer.attemptCount())

	require.Eventually(t, func() bool { return len(rec.all()) == 5 }, waitFor, tick)
	assert.Equal(t, []State{Connecting, Connected, Reconnecting, Connecting, Connected}, rec.all())
}

func testSingleReconnectTimer(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)

	c := dialer.last()
	c.Close()
	waitState(t, m, Reconnecting)

	// Further failures on the dead connection do not add timers.
	c.Close()
	assert.False(t, m.Send(protocol.Subscribe("t1")))
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(5 * time.Second)
	waitState(t, m, Connected)
	assert.Equal(t, 2, dialer.attemptCount())
	assert.Zero(t, clk.Pending())
}

func testDialFailureRetries(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	dialer.failNext = 2

	m.Connect()
	waitState(t, m, Reconnecting)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return dialer.attemptCount() == 2 }, waitFor, tick)
	waitState(t, m, Reconnecting)

	clk.Advance(5 * time.Second)
	waitState(t, m, Connected)
	assert.Equal(t, 3, dialer.attemptCount())
}

func testCloseIsTerminal(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)

	dialer.last().Close()
	waitState(t, m, Reconnecting)

	m.Close()
	assert.Equal(t, Disconnected, m.CurrentState())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Minute)
	assert.Equal(t, Disconnected, m.CurrentState())
	assert.Equal(t, 1, dialer.attemptCount())
}

func testConnectSkipsDelay(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t)
	m.Connect()
	waitState(t, m, Connected)
	dialer.last().Close()
	waitState(t, m, Reconnecting)

	m.Connect()
	waitState(t, m, Connected)
	assert.Zero(t, clk.Pending())
	assert.Equal(t, 2, dialer.attemptCount())
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Reconnecting: "reconnecting",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
		text, err := s.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}
