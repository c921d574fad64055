package listener

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/forwarder"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/pipeline"
	"stancesense/stancesense-ingest/internal/simulator"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	frames  []*models.Frame
	sources []string
}

func (r *recordingSubmitter) Submit(frame *models.Frame, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.sources = append(r.sources, source)
	return true
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingSubmitter) snapshot() ([]*models.Frame, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Frame(nil), r.frames...), append([]string(nil), r.sources...)
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/device"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestListener_ForwardsBackfilledTremorEndToEnd(t *testing.T) {
	bodies := make(chan map[string]interface{}, 4)
	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","id":"doc-1"}`))
	}))
	defer processor.Close()

	logger := zap.NewNop()
	m := metrics.New()
	fwd := forwarder.New(forwarder.Config{URL: processor.URL + "/ingest/data", Timeout: 2 * time.Second}, logger)
	p := pipeline.New(pipeline.Options{Workers: 1, QueueSize: 8}, fwd, nil, nil, m, logger)
	p.Start(context.Background())
	defer p.Close()

	l := New(context.Background(), Options{}, p, m, logger)
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	conn := dial(t, server)
	defer conn.Close()

	frame := `{"timestamp":"2024-03-01T10:00:00.000Z",
		"safety":{"fall_detected":false,"accel_x_g":0.1,"accel_y_g":0.2,"accel_z_g":0.98},
		"tremor":{"frequency_hz":5.2,"amplitude_g":12}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case body := <-bodies:
		tremor, ok := body["tremor"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, true, tremor["tremor_detected"])
		assert.Equal(t, 12.0, tremor["amplitude_g"])
		assert.Equal(t, "2024-03-01T10:00:00.000Z", body["timestamp"])
	case <-time.After(3 * time.Second):
		t.Fatal("frame was not forwarded")
	}
}

func TestListener_DropsInvalidFramesInOrder(t *testing.T) {
	m := metrics.New()
	sub := &recordingSubmitter{}
	l := New(context.Background(), Options{}, sub, m, zap.NewNop())
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	conn := dial(t, server)
	defer conn.Close()

	messages := []string{
		`{"timestamp":"t1","safety":{"fall_detected":false}}`,
		`not json`,
		`{"timestamp":"t2"}`,
		`{"safety":{"fall_detected":true}}`,
		`{"timestamp":"t3","safety":{"fall_detected":true}}`,
	}
	for _, msg := range messages {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	require.Eventually(t, func() bool { return sub.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	frames, sources := sub.snapshot()
	assert.Equal(t, "t1", frames[0].Timestamp)
	assert.Equal(t, "t3", frames[1].Timestamp)
	assert.Equal(t, []string{models.SourceDevice, models.SourceDevice}, sources)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDropped.WithLabelValues("incomplete")))
}

func TestListener_SimulatorStopsWithConnection(t *testing.T) {
	m := metrics.New()
	sub := &recordingSubmitter{}
	sim := simulator.New(simulator.Options{})
	l := New(context.Background(), Options{Simulator: sim, SimulatorInterval: 10 * time.Millisecond}, sub, m, zap.NewNop())
	server := httptest.NewServer(l)
	defer server.Close()
	defer l.Close()

	conn := dial(t, server)

	// the device receives the simulated frames too
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pushed models.Frame
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.NotEmpty(t, pushed.Timestamp)

	require.Eventually(t, func() bool { return sub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, l.ConnectionCount())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return l.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	after := sub.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sub.count())

	_, sources := sub.snapshot()
	for _, s := range sources {
		assert.Equal(t, models.SourceSimulator, s)
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DeviceConnections))
}

func TestListener_CloseDisconnectsDevices(t *testing.T) {
	m := metrics.New()
	l := New(context.Background(), Options{}, &recordingSubmitter{}, m, zap.NewNop())
	server := httptest.NewServer(l)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	l.Close()
	assert.Equal(t, 0, l.ConnectionCount())

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestListener_RejectsPlainHTTP(t *testing.T) {
	l := New(context.Background(), Options{}, &recordingSubmitter{}, metrics.New(), zap.NewNop())
	server := httptest.NewServer(l)
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws/device")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
