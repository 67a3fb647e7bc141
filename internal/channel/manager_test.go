package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			out = append(out, timer)
		}
	}
	return out
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fireActive runs every active timer, as if the delay elapsed.
func (c *fakeClock) fireActive() {
	for _, timer := range c.active() {
		c.mu.Lock()
		timer.fired = true
		c.mu.Unlock()
		timer.fn()
	}
}

type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{}), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.frames:
		return websocket.TextMessage, frame, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	})
	return nil
}

// drop simulates the server closing the connection.
func (c *fakeConn) drop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

type fakeDialer struct {
	mu      sync.Mutex
	targets []string
	results chan dialResult
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, target string) (Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	d.mu.Unlock()
	select {
	case result := <-d.results:
		if result.err != nil {
			return nil, result.err
		}
		return result.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

type harness struct {
	manager *Manager
	dialer  *fakeDialer
	clock   *fakeClock
	frames  chan string
	opens   chan struct{}
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  &fakeClock{},
		frames: make(chan string, 16),
		opens:  make(chan struct{}, 16),
	}
	h.manager = NewManager(Options{
		URL:     "ws://grid.test/ws/dashboard/",
		Token:   token,
		Dialer:  h.dialer,
		Clock:   h.clock,
		OnFrame: func(raw []byte) { h.frames <- string(raw) },
		OnOpen:  func() { h.opens <- struct{}{} },
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return h.manager.Phase() == want }, 2*time.Second, 5*time.Millisecond,
		"phase never reached %s (now %s)", want, h.manager.Phase())
}

func (h *harness) open(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	h.waitPhase(t, PhaseOpen)
	select {
	case <-h.opens:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnOpen not called")
	}
	return conn
}

func TestConnectOpensAndDeliversFramesInOrder(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	conn := h.open(t)

	conn.frames <- []byte(`{"type":"stats_update"}`)
	conn.frames <- []byte(`{"type":"models_update"}`)
	assert.Equal(t, `{"type":"stats_update"}`, <-h.frames)
	assert.Equal(t, `{"type":"models_update"}`, <-h.frames)
	assert.Equal(t, []string{"ws://grid.test/ws/dashboard/"}, h.dialer.dials())
}

func TestConnectIsNoOpWhileConnectingOrOpen(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	h.manager.Connect()
	assert.Equal(t, PhaseConnecting, h.manager.Phase())

	h.open(t)
	h.manager.Connect()
	assert.Len(t, h.dialer.dials(), 1)
}

func TestTokenIsAddedAsQueryParameter(t *testing.T) {
	h := newHarness(t, "secret-token")
	h.manager.Connect()
	h.open(t)
	require.Len(t, h.dialer.dials(), 1)
	assert.Equal(t, "ws://grid.test/ws/dashboard/?token=secret-token", h.dialer.dials()[0])
}

func TestCloseSchedulesExactlyOneReconnect(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	conn := h.open(t)

	conn.drop()
	h.waitPhase(t, PhaseClosed)

	active := h.clock.active()
	require.Len(t, active, 1)
	assert.Equal(t, DefaultReconnectDelay, active[0].delay)

	h.clock.fireActive()
	h.waitPhase(t, PhaseConnecting)
	h.open(t)
	assert.Len(t, h.dialer.dials(), 2)
	assert.Empty(t, h.clock.active())
}

func TestOnlyOneTimerPendingAcrossRepeatedCloses(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	h.dialer.results <- dialResult{err: errors.New("refused")}
	h.waitPhase(t, PhaseClosed)
	require.Len(t, h.clock.active(), 1)
	first := h.clock.all()[0]

	// A second close inside the delay window supersedes the first timer.
	h.manager.Connect()
	h.dialer.results <- dialResult{err: errors.New("refused again")}
	require.Eventually(t, func() bool { return len(h.clock.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	h.waitPhase(t, PhaseClosed)
	assert.Len(t, h.clock.active(), 1)
	assert.True(t, first.stopped)

	// A superseded callback that runs anyway must not dial.
	first.fn()
	assert.Equal(t, PhaseClosed, h.manager.Phase())
	assert.Len(t, h.dialer.dials(), 2)
}

func TestTokenChangeWhileOpenReopensOnce(t *testing.T) {
	h := newHarness(t, "old")
	h.manager.Connect()
	oldConn := h.open(t)

	assert.True(t, h.manager.SetToken("new"))
	assert.False(t, h.manager.SetToken("new"))
	newConn := h.open(t)

	assert.True(t, oldConn.isClosed())
	assert.False(t, newConn.isClosed())
	dials := h.dialer.dials()
	require.Len(t, dials, 2)
	assert.Contains(t, dials[1], "token=new")
	assert.Empty(t, h.clock.active(), "teardown must not schedule a reconnect")
}

func TestTeardownWaitsForFrameBeingDelivered(t *testing.T) {
	dialer := newFakeDialer()
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var delivered atomic.Int32
	m := NewManager(Options{
		URL:    "ws://grid.test/ws/dashboard/",
		Dialer: dialer,
		Clock:  &fakeClock{},
		OnFrame: func([]byte) {
			entered <- struct{}{}
			<-release
			delivered.Add(1)
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(m.Close)

	m.Connect()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	require.Eventually(t, func() bool { return m.Phase() == PhaseOpen }, 2*time.Second, 5*time.Millisecond)

	conn.frames <- []byte(`{"type":"balance_update","balance":"1"}`)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("frame never reached OnFrame")
	}

	done := make(chan struct{})
	go func() {
		m.Teardown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("Teardown returned while a frame was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Teardown never returned")
	}
	assert.Equal(t, int32(1), delivered.Load())

	// Frames still buffered on the old connection are never delivered.
	conn.frames <- []byte(`{"type":"balance_update","balance":"2"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, PhaseDisconnected, m.Phase())
}

func TestOnOpenSkippedWhenSupersededBeforeDelivery(t *testing.T) {
	dialer := newFakeDialer()
	opens := make(chan struct{}, 4)
	var once sync.Once
	var m *Manager
	m = NewManager(Options{
		URL:    "ws://grid.test/ws/dashboard/",
		Dialer: dialer,
		Clock:  &fakeClock{},
		OnOpen: func() { opens <- struct{}{} },
		// A teardown that lands between the dial completing and OnOpen.
		OnPhase: func(phase Phase) {
			if phase == PhaseOpen {
				once.Do(m.Teardown)
			}
		},
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(m.Close)

	m.Connect()
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	require.Eventually(t, conn.isClosed, 2*time.Second, 5*time.Millisecond)

	select {
	case <-opens:
		t.Fatalf("OnOpen ran for a superseded connection")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, PhaseDisconnected, m.Phase())
	assert.Len(t, dialer.dials(), 1)
}

func TestLogoutDropsTokenFromURL(t *testing.T) {
	h := newHarness(t, "tok")
	h.manager.Connect()
	h.open(t)

	h.manager.SetToken("")
	h.open(t)
	assert.Equal(t, "ws://grid.test/ws/dashboard/", h.dialer.dials()[1])
}

func TestTeardownCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	conn := h.open(t)
	conn.drop()
	h.waitPhase(t, PhaseClosed)
	require.Len(t, h.clock.active(), 1)

	h.manager.Teardown()
	h.manager.Teardown()
	assert.Equal(t, PhaseDisconnected, h.manager.Phase())
	assert.Empty(t, h.clock.active())
}

func TestTeardownDuringDialDiscardsLateConnection(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	h.manager.Teardown()

	assert.Equal(t, PhaseDisconnected, h.manager.Phase())
	require.Eventually(t, func() bool { return len(h.dialer.dials()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, PhaseDisconnected, h.manager.Phase())
	assert.Empty(t, h.clock.active())
}

func TestClosePreventsFurtherConnects(t *testing.T) {
	h := newHarness(t, "")
	h.manager.Connect()
	conn := h.open(t)

	h.manager.Close()
	assert.True(t, conn.isClosed())
	h.manager.Connect()
	assert.False(t, h.manager.SetToken("late"))
	assert.Equal(t, PhaseDisconnected, h.manager.Phase())
	assert.Len(t, h.dialer.dials(), 1)
}

func TestPhaseCallbackSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var phases []Phase
	dialer := newFakeDialer()
	manager := NewManager(Options{
		URL:    "ws://grid.test/ws/",
		Dialer: dialer,
		Clock:  &fakeClock{},
		OnPhase: func(p Phase) {
			mu.Lock()
			phases = append(phases, p)
			mu.Unlock()
		},
	})
	t.Cleanup(manager.Close)

	manager.Connect()
	dialer.results <- dialResult{err: errors.New("down")}
	require.Eventually(t, func() bool { return manager.Phase() == PhaseClosed }, 2*time.Second, 5*time.Millisecond)
	manager.Teardown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseConnecting, PhaseClosed, PhaseDisconnected}, phases)
}

func TestWebsocketEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	tokens := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stats_update","stats":{"active_nodes":1}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x1})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"balance_update","balance":"5"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	frames := make(chan string, 4)
	manager := NewManager(Options{
		URL:     "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/dashboard/",
		Token:   "abc",
		OnFrame: func(raw []byte) { frames <- string(raw) },
		Logger:  zaptest.NewLogger(t),
	})
	defer manager.Close()
	manager.Connect()

	assert.Equal(t, "abc", <-tokens)
	for _, want := range []string{"stats_update", "balance_update"} {
		select {
		case frame := <-frames:
			assert.Contains(t, frame, want)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	assert.Equal(t, PhaseOpen, manager.Phase())
}
