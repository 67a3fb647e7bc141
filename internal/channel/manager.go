// Package channel owns the push-channel connection: it dials, reads frames,
// and re-dials after a fixed delay whenever the connection drops.
package channel

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bcrosbie/gridlink/internal/observability"
	"github.com/bcrosbie/gridlink/internal/redact"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Dialer         Dialer
	Clock          Clock
	// OnFrame receives every inbound text frame, in arrival order, on the
	// reader goroutine.
	OnFrame func([]byte)
	// OnOpen fires after each successful dial that is still current. Neither
	// callback may call Teardown or SetToken.
	OnOpen func()
	// OnPhase fires after every phase transition, outside the manager lock.
	OnPhase  func(Phase)
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Redactor *redact.Redactor
}

// pendingReconnect is the owned handle of the one scheduled reconnect. A
// callback whose handle is no longer current does nothing.
type pendingReconnect struct {
	timer Timer
}

type Manager struct {
	baseURL     string
	delay       time.Duration
	dialTimeout time.Duration
	dialer      Dialer
	clock       Clock
	onFrame     func([]byte)
	onOpen      func()
	onPhase     func(Phase)
	logger      *zap.Logger
	metrics     *observability.Metrics
	redactor    *redact.Redactor

	// generation changes on every dial and teardown; goroutines started
	// for an older generation exit without touching state.
	generation atomic.Uint64
	// deliver is held across the generation check and each OnOpen/OnFrame
	// call. Teardown and SetToken take it once after bumping the generation,
	// so no callback for an older generation runs after they return. Neither
	// may be called from inside OnFrame or OnOpen.
	deliver sync.Mutex

	mu         sync.Mutex
	phase      Phase
	token      string
	conn       Conn
	pending    *pendingReconnect
	dialCancel context.CancelFunc
	closed     bool
	events     []Phase
	wg         sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		baseURL:     strings.TrimSpace(opts.URL),
		delay:       opts.ReconnectDelay,
		dialTimeout: opts.DialTimeout,
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		onFrame:     opts.OnFrame,
		onOpen:      opts.OnOpen,
		onPhase:     opts.OnPhase,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		redactor:    opts.Redactor,
		token:       strings.TrimSpace(opts.Token),
		phase:       PhaseDisconnected,
	}
	if m.delay <= 0 {
		m.delay = DefaultReconnectDelay
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.dialer == nil {
		m.dialer = WebsocketDialer{}
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.redactor == nil {
		m.redactor = redact.New(true, nil)
	}
	if m.onFrame == nil {
		m.onFrame = func([]byte) {}
	}
	return m
}

func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Connect dials unless a connection is already open or being opened. It
// returns immediately; the dial runs in the background.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.unlock()
	m.connectLocked()
}

// Teardown cancels the pending reconnect and drops the live connection.
// No reconnect follows. Safe to call any number of times.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.teardownLocked()
	m.unlock()
	m.barrier()
}

// SetToken switches the credential. When it differs from the current one
// the connection is torn down and dialed again immediately.
func (m *Manager) SetToken(token string) bool {
	token = strings.TrimSpace(token)
	m.mu.Lock()
	if token == m.token {
		m.unlock()
		return false
	}
	m.token = token
	if m.closed {
		m.unlock()
		return false
	}
	m.logger.Info("channel_credential_changed", zap.Bool("authenticated", token != ""))
	m.metrics.CredentialChanged()
	m.teardownLocked()
	m.connectLocked()
	m.unlock()
	m.barrier()
	return true
}

// Close tears down permanently and waits for background goroutines. Later
// calls to Connect are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.closed = true
	m.unlock()
	m.wg.Wait()
}

func (m *Manager) connectLocked() {
	if m.closed || m.phase == PhaseOpen || m.phase == PhaseConnecting {
		return
	}
	m.stopPendingLocked()

	gen := m.generation.Add(1)
	target := m.targetURL()
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	m.dialCancel = cancel
	m.setPhaseLocked(PhaseConnecting)
	m.metrics.Dial()
	m.logger.Debug("channel_dial", zap.String("url", m.redactor.Apply(target)), zap.Uint64("generation", gen))

	m.wg.Add(1)
	go m.dial(ctx, cancel, gen, target)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer m.wg.Done()
	conn, err := m.dialer.Dial(ctx, target)
	cancel()

	m.mu.Lock()
	if gen != m.generation.Load() {
		m.unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		m.logger.Debug("channel_dial_failed", zap.Error(err))
		m.closedLocked()
		m.unlock()
		return
	}
	m.conn = conn
	m.setPhaseLocked(PhaseOpen)
	m.unlock()

	m.deliver.Lock()
	current := gen == m.generation.Load()
	if current && m.onOpen != nil {
		m.onOpen()
	}
	m.deliver.Unlock()
	if !current {
		return
	}
	m.logger.Info("channel_open", zap.String("url", m.redactor.Apply(target)))

	m.wg.Add(1)
	go m.read(gen, conn)
}

func (m *Manager) read(gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			m.mu.Lock()
			if gen == m.generation.Load() {
				m.logger.Info("channel_closed", zap.Error(err))
				m.conn = nil
				m.closedLocked()
			}
			m.unlock()
			return
		}
		if messageType != websocket.TextMessage {
			m.logger.Debug("channel_non_text_frame", zap.Int("message_type", messageType))
			continue
		}
		m.deliver.Lock()
		if gen != m.generation.Load() {
			m.deliver.Unlock()
			return
		}
		m.onFrame(data)
		m.deliver.Unlock()
	}
}

// closedLocked records an unexpected close and schedules the one reconnect.
func (m *Manager) closedLocked() {
	m.setPhaseLocked(PhaseClosed)
	m.stopPendingLocked()

	pending := &pendingReconnect{}
	m.pending = pending
	pending.timer = m.clock.AfterFunc(m.delay, func() { m.fire(pending) })
	m.metrics.ReconnectScheduled()
	m.logger.Debug("channel_reconnect_scheduled", zap.Duration("delay", m.delay))
}

func (m *Manager) fire(pending *pendingReconnect) {
	m.mu.Lock()
	defer m.unlock()
	if m.pending != pending {
		return
	}
	m.pending = nil
	if m.phase != PhaseClosed {
		return
	}
	m.connectLocked()
}

func (m *Manager) teardownLocked() {
	m.stopPendingLocked()
	m.generation.Add(1)
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.phase != PhaseDisconnected {
		m.setPhaseLocked(PhaseDisconnected)
	}
}

func (m *Manager) stopPendingLocked() {
	if m.pending == nil {
		return
	}
	if m.pending.timer != nil {
		m.pending.timer.Stop()
	}
	m.pending = nil
}

func (m *Manager) setPhaseLocked(phase Phase) {
	m.phase = phase
	m.metrics.SetPhase(int(phase))
	m.events = append(m.events, phase)
}

// barrier waits for a callback already past its generation check.
func (m *Manager) barrier() {
	m.deliver.Lock()
	m.deliver.Unlock()
}

// unlock releases the lock and then reports the phase transitions made
// while it was held.
func (m *Manager) unlock() {
	events := m.events
	m.events = nil
	m.mu.Unlock()
	if m.onPhase == nil {
		return
	}
	for _, phase := range events {
		m.onPhase(phase)
	}
}

func (m *Manager) targetURL() string {
	if m.token == "" {
		return m.baseURL
	}
	parsed, err := url.Parse(m.baseURL)
	if err != nil {
		sep := "?"
		if strings.Contains(m.baseURL, "?") {
			sep = "&"
		}
		return m.baseURL + sep + "token=" + url.QueryEscape(m.token)
	}
	query := parsed.Query()
	query.Set("token", m.token)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
