package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router wraps the standard library ServeMux.
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

// Handle registers a handler function for pattern.
func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler registers an http.Handler (metrics, websocket endpoints).
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// ServeHTTP dispatches to the registered handlers.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceLinkRoutes mounts the device listener. Devices connect to the
// bare root as well as to /ws/device.
func (r *Router) RegisterDeviceLinkRoutes(listener http.Handler) {
	r.HandleHandler("/ws/device", listener)
	r.HandleHandler("/", listener)
}

// RegisterHealthRoutes mounts /health and /metrics.
func (r *Router) RegisterHealthRoutes(h *HealthHandler, metrics http.Handler) {
	r.Handle("/health", getOnly(h.HealthCheck))
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}

// RegisterHardwareRoutes mounts the simulated hardware status API.
func (r *Router) RegisterHardwareRoutes(h *HardwareHandler) {
	r.Handle("/api/hardware/status", getOnly(h.GetAll))
	r.Handle("/api/hardware/status/", getOnly(h.GetDevice))
}

// RegisterPatientRoutes mounts the recent-data cache API.
func (r *Router) RegisterPatientRoutes(h *PatientHandler) {
	r.Handle("/api/patients/", getOnly(h.ServeHTTP))
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
