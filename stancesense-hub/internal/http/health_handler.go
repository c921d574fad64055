package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Check reports a dependency's health.
type Check func(ctx context.Context) error

// HealthHandler serves /health for the hub.
type HealthHandler struct {
	checks  map[string]Check
	clients func() int
	logger  *zap.Logger
}

// NewHealthHandler reports clients() as the connected dashboard count.
func NewHealthHandler(clients func() int, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  make(map[string]Check),
		clients: clients,
		logger:  logger,
	}
}

func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// HealthCheckResponse is the /health body.
type HealthCheckResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Clients   int               `json:"clients"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthCheckResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string, len(h.checks)),
	}
	if h.clients != nil {
		resp.Clients = h.clients()
	}

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			resp.Status = "unhealthy"
			resp.Services[name] = "unhealthy: " + err.Error()
			h.logger.Warn("Health check failed", zap.String("service", name), zap.Error(err))
			continue
		}
		resp.Services[name] = "healthy"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
