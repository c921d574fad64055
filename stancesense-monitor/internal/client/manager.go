package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"stancesense/common/models"

	"go.uber.org/zap"
)

// Status is the connection state shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error" // retries exhausted, only Reconnect leaves it
)

const (
	DefaultMaxAttempts    = 10
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultUpdateThrottle = 2 * time.Second
	DefaultAlertLimit     = 50
)

// ErrClosed is returned by Reconnect after Close.
var ErrClosed = errors.New("manager closed")

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	URL            string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	UpdateThrottle time.Duration
	AlertLimit     int

	Dialer    Dialer
	Scheduler Scheduler
	Now       func() time.Time
}

// Snapshot is a copy of the manager's UI-visible state.
type Snapshot struct {
	Status          Status
	IsConnected     bool
	LatestData      *models.ProcessedData
	Alerts          []models.Alert
	RAGAnalysis     *models.RAGAnalysis
	Attempts        int
	MessageCount    int64
	HasReceivedData bool
	LastMessageAt   time.Time
}

// Manager keeps a dashboard subscription to the hub alive. Every connection
// attempt gets a generation number; events from older generations are
// ignored, so a manual reconnect or Close never races a stale socket.
type Manager struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	status     Status
	attempts   int
	generation uint64
	conn       Conn
	cancelDial context.CancelFunc
	retry      Timer
	closed     bool

	latest        *models.ProcessedData
	pending       *models.ProcessedData
	lastUpdate    time.Time
	throttle      Timer
	alerts        []models.Alert
	rag           *models.RAGAnalysis
	messageCount  int64
	lastMessageAt time.Time

	listeners []func(Snapshot)
}

// NewManager creates a manager in the disconnected state. Call Start to
// connect.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.UpdateThrottle <= 0 {
		opts.UpdateThrottle = DefaultUpdateThrottle
	}
	if opts.AlertLimit <= 0 {
		opts.AlertLimit = DefaultAlertLimit
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		logger: logger.With(zap.String("url", opts.URL)),
		ctx:    ctx,
		cancel: cancel,
		status: StatusDisconnected,
	}
}

// Backoff returns the delay before retry number attempt: base doubled per
// attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// OnUpdate registers fn to receive a snapshot after every visible change.
// Callbacks run outside the manager lock, in the goroutine that caused the
// change.
func (m *Manager) OnUpdate(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Start opens the first connection.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed || m.status != StatusDisconnected || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.connectLocked()
	m.publishUnlock()
}

// Reconnect drops the current connection and any pending retry, resets the
// attempt counter and connects immediately. It is the only way out of
// StatusError.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.logger.Info("Manual reconnect requested", zap.String("status", string(m.status)))
	m.teardownLocked()
	m.attempts = 0
	m.connectLocked()
	m.publishUnlock()
	return nil
}

// Close cancels pending timers, closes the live connection and waits for the
// connection goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.teardownLocked()
	if m.throttle != nil {
		m.throttle.Stop()
		m.throttle = nil
	}
	m.status = StatusDisconnected
	m.publishUnlock()

	m.cancel()
	m.wg.Wait()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Status:          m.status,
		IsConnected:     m.status == StatusConnected,
		LatestData:      m.latest,
		Alerts:          append([]models.Alert(nil), m.alerts...),
		RAGAnalysis:     m.rag,
		Attempts:        m.attempts,
		MessageCount:    m.messageCount,
		HasReceivedData: m.messageCount > 0,
		LastMessageAt:   m.lastMessageAt,
	}
}

// publishUnlock releases the lock and notifies listeners.
func (m *Manager) publishUnlock() {
	snap := m.snapshotLocked()
	listeners := append(([]func(Snapshot))(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// teardownLocked invalidates the current generation, cancels the pending
// retry and closes the connection or in-flight dial.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) connectLocked() {
	m.generation++
	gen := m.generation
	m.status = StatusConnecting

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel

	m.wg.Add(1)
	go m.run(ctx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	conn, err := m.opts.Dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("Failed to connect to hub", zap.Int("attempt", m.attempts), zap.Error(err))
		m.disconnectedLocked()
		m.publishUnlock()
		return
	}
	m.conn = conn
	m.status = StatusConnected
	m.attempts = 0
	m.logger.Info("Connected to hub")
	m.publishUnlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.generation {
				m.mu.Unlock()
				return
			}
			m.logger.Info("Hub connection closed", zap.Error(err))
			_ = conn.Close()
			m.conn = nil
			m.disconnectedLocked()
			m.publishUnlock()
			return
		}
		m.handleMessage(gen, data)
	}
}

// disconnectedLocked moves to disconnected and schedules the next retry, or
// to error once the retries are used up.
func (m *Manager) disconnectedLocked() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.status = StatusError
		m.logger.Error("Max reconnection attempts reached", zap.Int("attempts", m.attempts))
		return
	}

	m.status = StatusDisconnected
	delay := Backoff(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	gen := m.generation
	m.logger.Info("Reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts+1),
		zap.Int("max_attempts", m.opts.MaxAttempts),
	)
	m.retry = m.opts.Scheduler.AfterFunc(delay, func() { m.retryFired(gen) })
}

func (m *Manager) retryFired(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.attempts++
	m.connectLocked()
	m.publishUnlock()
}

// handleMessage applies one hub message read on connection gen. Messages
// from a connection that was torn down meanwhile are dropped.
func (m *Manager) handleMessage(gen uint64, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("Failed to parse hub message", zap.Error(err))
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	now := m.opts.Now()
	m.messageCount++
	m.lastMessageAt = now

	switch env.Type {
	case models.MessageTypeProcessedData:
		var pd models.ProcessedData
		if err := json.Unmarshal(env.Data, &pd); err != nil {
			m.mu.Unlock()
			m.logger.Warn("Failed to parse processed data", zap.Error(err))
			return
		}
		if !m.applyProcessedLocked(&pd, now) {
			m.mu.Unlock()
			return
		}

	case models.MessageTypeAlert:
		var alert models.Alert
		if err := json.Unmarshal(env.Data, &alert); err != nil {
			m.mu.Unlock()
			m.logger.Warn("Failed to parse alert", zap.Error(err))
			return
		}
		m.alerts = append([]models.Alert{alert}, m.alerts...)
		if len(m.alerts) > m.opts.AlertLimit {
			m.alerts = m.alerts[:m.opts.AlertLimit]
		}

	case models.MessageTypeRAGAnalysis:
		var rag models.RAGAnalysis
		if err := json.Unmarshal(env.Data, &rag); err != nil {
			m.mu.Unlock()
			m.logger.Warn("Failed to parse rag analysis", zap.Error(err))
			return
		}
		m.rag = &rag

	default:
		m.mu.Unlock()
		m.logger.Debug("Ignoring hub message", zap.String("type", env.Type))
		return
	}
	m.publishUnlock()
}

// applyProcessedLocked applies the throttle: the first update in a window is
// shown at once, later ones replace the pending value that a timer publishes
// when the window ends. It reports whether latest changed now.
func (m *Manager) applyProcessedLocked(pd *models.ProcessedData, now time.Time) bool {
	elapsed := now.Sub(m.lastUpdate)
	if m.lastUpdate.IsZero() || elapsed >= m.opts.UpdateThrottle {
		m.latest = pd
		m.pending = nil
		m.lastUpdate = now
		return true
	}

	m.pending = pd
	if m.throttle == nil {
		m.throttle = m.opts.Scheduler.AfterFunc(m.opts.UpdateThrottle-elapsed, m.flushPending)
	}
	return false
}

func (m *Manager) flushPending() {
	m.mu.Lock()
	m.throttle = nil
	if m.closed || m.pending == nil {
		m.mu.Unlock()
		return
	}
	m.latest = m.pending
	m.pending = nil
	m.lastUpdate = m.opts.Now()
	m.publishUnlock()
}
