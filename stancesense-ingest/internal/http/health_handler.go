package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Check reports a component's health.
type Check func(ctx context.Context) error

// HealthHandler serves /health.
type HealthHandler struct {
	checks      map[string]Check
	connections func() int
	logger      *zap.Logger
}

// NewHealthHandler creates a handler with no checks.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks: make(map[string]Check),
		logger: logger,
	}
}

// AddCheck registers a named dependency check.
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// SetConnectionCounter reports open device connections in the response.
func (h *HealthHandler) SetConnectionCounter(fn func() int) {
	h.connections = fn
}

// HealthCheckResponse is the /health body.
type HealthCheckResponse struct {
	Status            string            `json:"status"`
	Timestamp         time.Time         `json:"timestamp"`
	Services          map[string]string `json:"services"`
	DeviceConnections *int              `json:"device_connections,omitempty"`
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "unhealthy"
			services[name] = "unhealthy: " + err.Error()
			h.logger.Warn("Health check failed", zap.String("service", name), zap.Error(err))
			continue
		}
		services[name] = "healthy"
	}

	resp := HealthCheckResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
	}
	if h.connections != nil {
		n := h.connections()
		resp.DeviceConnections = &n
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
