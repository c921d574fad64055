package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/cache"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/simulator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRouter(t *testing.T) (*Router, *cache.RecentCache, *HealthHandler) {
	logger := zap.NewNop()

	rc := cache.NewRecentCache(cache.NewMemoryKVStore(), logger)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	registry := simulator.NewStatusRegistry(simulator.DefaultProfiles(), rand.New(rand.NewSource(1)), func() time.Time { return now })
	health := NewHealthHandler(logger)

	r := NewRouter(logger)
	r.RegisterHealthRoutes(health, metrics.New().Handler())
	r.RegisterHardwareRoutes(NewHardwareHandler(registry, logger))
	r.RegisterPatientRoutes(NewPatientHandler(rc, logger))
	r.RegisterDeviceLinkRoutes(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	return r, rc, health
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	r, _, health := newTestRouter(t)
	health.SetConnectionCounter(func() int { return 3 })
	health.AddCheck("redis", func(context.Context) error { return nil })

	w := do(r, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Services["redis"])
	require.NotNil(t, body.DeviceConnections)
	assert.Equal(t, 3, *body.DeviceConnections)

	health.AddCheck("database", func(context.Context) error { return errors.New("down") })
	w = do(r, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy: down")

	assert.Equal(t, http.StatusMethodNotAllowed, do(r, http.MethodPost, "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestHardwareStatus(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/hardware/status")
	require.Equal(t, http.StatusOK, w.Code)
	var all models.HardwareStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all.Devices, 2)
	assert.NotEmpty(t, all.Gateway.ConnectionType)

	w = do(r, http.MethodGet, "/api/hardware/status/arm_patch_002")
	require.Equal(t, http.StatusOK, w.Code)
	var one models.DeviceStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.Equal(t, "arm_patch_002", one.DeviceID)
	assert.Equal(t, models.StatusWarning, one.Status)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/hardware/status/nope").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/hardware/status/").Code)
}

func TestPatientRoutes(t *testing.T) {
	r, rc, _ := newTestRouter(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/patients/p1/latest").Code)

	for i := 0; i < 30; i++ {
		require.NoError(t, rc.Record(ctx, "p1", &models.Frame{
			Timestamp: "t",
			Tremor:    &models.Tremor{AmplitudeG: float64(i)},
		}))
	}

	w := do(r, http.MethodGet, "/api/patients/p1/recent")
	require.Equal(t, http.StatusOK, w.Code)
	var recent RecentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recent))
	assert.Equal(t, "p1", recent.PatientID)
	assert.Equal(t, cache.DefaultRecentCount, recent.Count)
	assert.Equal(t, 29.0, recent.Data[0].Tremor.AmplitudeG)

	w = do(r, http.MethodGet, "/api/patients/p1/recent?count=5")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recent))
	assert.Equal(t, 5, recent.Count)

	w = do(r, http.MethodGet, "/api/patients/p1/latest")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"amplitude_g":29`)

	w = do(r, http.MethodGet, "/api/patients/p1/cache-stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 30, stats.RecentCount)
	assert.Equal(t, 30, stats.AggregateBuffered)

	w = do(r, http.MethodGet, "/api/patients/p2/recent")
	assert.True(t, strings.Contains(w.Body.String(), `"data":[]`))

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/patients/p1/unknown").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/patients/p1").Code)
}

func TestUnmatchedPathsGoToDeviceLink(t *testing.T) {
	r, _, _ := newTestRouter(t)
	assert.Equal(t, http.StatusTeapot, do(r, http.MethodGet, "/").Code)
	assert.Equal(t, http.StatusTeapot, do(r, http.MethodGet, "/ws/device").Code)
}
