package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stancesense/common/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeScheduler hands scheduled calls to the test instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
	added  chan *fakeTimer
}

type fakeTimer struct {
	delay time.Duration
	f     func()

	mu      sync.Mutex
	stopped bool
	fired   bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{added: make(chan *fakeTimer, 64)}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{delay: d, f: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	s.added <- t
	return t
}

func (s *fakeScheduler) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-s.added:
		return timer
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was scheduled")
		return nil
	}
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

// fakeConn delivers queued messages until closed.
type fakeConn struct {
	messages chan []byte
	once     sync.Once
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{messages: make(chan []byte, 128), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.messages:
		return websocket.TextMessage, msg, nil
	case <-c.done:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// fakeDialer fails while failing is set, otherwise hands out fresh conns.
type fakeDialer struct {
	mu      sync.Mutex
	failing bool
	dials   int
	conns   chan *fakeConn
}

func newFakeDialer(failing bool) *fakeDialer {
	return &fakeDialer{failing: failing, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was dialed")
		return nil
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, dialer Dialer, sched Scheduler, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(Options{
		URL:       "ws://hub.test/ws/frontend-data",
		Dialer:    dialer,
		Scheduler: sched,
		Now:       clock.Now,
	}, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Snapshot().Status == want }, 2*time.Second, time.Millisecond,
		"status never became %s", want)
}

func envelope(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	env, err := models.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func processed(gait float64) models.ProcessedData {
	return models.ProcessedData{
		Frame:    models.Frame{DeviceID: "wrist_unit_001", Timestamp: "2024-01-01T00:00:00Z"},
		Analysis: models.Analysis{GaitStabilityScore: gait},
	}
}

func TestBackoff(t *testing.T) {
	var got []int64
	for attempt := 0; attempt < 8; attempt++ {
		got = append(got, Backoff(attempt, time.Second, 30*time.Second).Milliseconds())
	}
	assert.Equal(t, []int64{1000, 2000, 4000, 8000, 16000, 30000, 30000, 30000}, got)
	assert.Equal(t, 30*time.Second, Backoff(200, time.Second, 30*time.Second))
}

func TestManager_RetriesUntilError(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(true)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()

	var delays []time.Duration
	for i := 0; i < DefaultMaxAttempts; i++ {
		timer := sched.next(t)
		assert.Equal(t, StatusDisconnected, m.Snapshot().Status)
		delays = append(delays, timer.delay)
		timer.fire()
	}

	waitStatus(t, m, StatusError)
	assert.Equal(t, DefaultMaxAttempts, m.Snapshot().Attempts)
	assert.Equal(t, DefaultMaxAttempts+1, dialer.dialCount())
	assert.Zero(t, sched.active(), "no retry may be scheduled in the error state")

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
}

func TestManager_ManualReconnectLeavesError(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(true)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	for i := 0; i < DefaultMaxAttempts; i++ {
		sched.next(t).fire()
	}
	waitStatus(t, m, StatusError)

	var statuses []Status
	var mu sync.Mutex
	m.OnUpdate(func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	require.NoError(t, m.Reconnect())
	mu.Lock()
	assert.Contains(t, statuses, StatusConnecting)
	mu.Unlock()
	assert.Equal(t, 0, m.Snapshot().Attempts)

	// the counter starts over
	timer := sched.next(t)
	assert.Equal(t, time.Second, timer.delay)

	dialer.setFailing(false)
	timer.fire()
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, 0, m.Snapshot().Attempts)
}

func TestManager_ReconnectCancelsPendingRetry(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(true)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	pending := sched.next(t)

	dialer.setFailing(false)
	require.NoError(t, m.Reconnect())
	waitStatus(t, m, StatusConnected)

	pending.fire()
	assert.Equal(t, 2, dialer.dialCount(), "a cancelled retry must not dial")
}

func TestManager_ConnectionLossSchedulesRetry(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(false)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	conn := dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	conn.Close()
	timer := sched.next(t)
	assert.Equal(t, time.Second, timer.delay)
	assert.Equal(t, StatusDisconnected, m.Snapshot().Status)

	timer.fire()
	dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)
	assert.Equal(t, 0, m.Snapshot().Attempts)
}

func TestManager_ThrottlesProcessedData(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(false)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	m := newTestManager(t, dialer, sched, clock)

	m.Start()
	conn := dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	for i := 1; i <= 5; i++ {
		conn.messages <- envelope(t, models.MessageTypeProcessedData, processed(float64(i)))
		require.Eventually(t, func() bool { return m.Snapshot().MessageCount == int64(i) }, 2*time.Second, time.Millisecond)
		clock.Advance(100 * time.Millisecond)
	}

	// leading edge shows the first message only
	snap := m.Snapshot()
	require.NotNil(t, snap.LatestData)
	assert.Equal(t, 1.0, snap.LatestData.Analysis.GaitStabilityScore)

	flush := sched.next(t)
	assert.Equal(t, 1900*time.Millisecond, flush.delay)
	assert.Equal(t, 1, sched.active(), "one trailing update per window")

	clock.Advance(1500 * time.Millisecond)
	flush.fire()
	assert.Equal(t, 5.0, m.Snapshot().LatestData.Analysis.GaitStabilityScore)
}

func TestManager_AlertsNewestFirstAndBounded(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(false)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	conn := dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	for i := 0; i < 60; i++ {
		conn.messages <- envelope(t, models.MessageTypeAlert, models.Alert{
			ID:       fmt.Sprintf("alert-%d", i),
			Severity: models.SeverityWarning,
			Message:  "Tremor above threshold",
			Type:     models.AlertTypeTremor,
		})
	}
	require.Eventually(t, func() bool { return m.Snapshot().MessageCount == 60 }, 2*time.Second, time.Millisecond)

	alerts := m.Snapshot().Alerts
	require.Len(t, alerts, DefaultAlertLimit)
	assert.Equal(t, "alert-59", alerts[0].ID)
	assert.Equal(t, "alert-10", alerts[len(alerts)-1].ID)
}

func TestManager_ParseErrorsAreSoft(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(false)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	conn := dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	conn.messages <- []byte("not json")
	conn.messages <- []byte(`{"type":"alert","data":"oops"}`)
	conn.messages <- envelope(t, models.MessageTypeRAGAnalysis, models.RAGAnalysis{UserID: "p1", Insights: "stable"})

	require.Eventually(t, func() bool { return m.Snapshot().RAGAnalysis != nil }, 2*time.Second, time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Empty(t, snap.Alerts)
	assert.Equal(t, "stable", snap.RAGAnalysis.Insights)
	assert.Zero(t, sched.active())
}

func TestManager_CloseStopsEverything(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(true)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	timer := sched.next(t)
	m.Close()

	assert.Zero(t, sched.active())
	timer.fire()
	assert.Equal(t, 1, dialer.dialCount())
	assert.ErrorIs(t, m.Reconnect(), ErrClosed)
}

func TestManager_RealWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, envelope(t, models.MessageTypeAlert, models.Alert{
			ID: "fall-1", Severity: models.SeverityCritical, Message: "Fall detected", Type: models.AlertTypeFall,
		}))
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	m := NewManager(Options{URL: "ws" + strings.TrimPrefix(server.URL, "http")}, zap.NewNop())
	defer m.Close()
	m.Start()

	require.Eventually(t, func() bool { return len(m.Snapshot().Alerts) == 1 }, 3*time.Second, 5*time.Millisecond)
	snap := m.Snapshot()
	assert.True(t, snap.IsConnected)
	assert.Equal(t, "fall-1", snap.Alerts[0].ID)
}

func TestManager_IgnoresMessagesFromTornDownConnection(t *testing.T) {
	sched := newFakeScheduler()
	dialer := newFakeDialer(false)
	m := newTestManager(t, dialer, sched, &fakeClock{now: time.Unix(0, 0)})

	m.Start()
	dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	m.mu.Lock()
	stale := m.generation
	m.mu.Unlock()

	require.NoError(t, m.Reconnect())
	dialer.nextConn(t)
	waitStatus(t, m, StatusConnected)

	alert := envelope(t, models.MessageTypeAlert, models.Alert{ID: "late", Severity: models.SeverityCritical, Type: models.AlertTypeFall})
	m.handleMessage(stale, alert)
	m.handleMessage(stale, envelope(t, models.MessageTypeProcessedData, processed(0.4)))

	snap := m.Snapshot()
	assert.Empty(t, snap.Alerts)
	assert.Nil(t, snap.LatestData)
	assert.Zero(t, snap.MessageCount)

	m.mu.Lock()
	current := m.generation
	m.mu.Unlock()
	m.Close()
	m.handleMessage(current, alert)
	assert.Empty(t, m.Snapshot().Alerts)
}
