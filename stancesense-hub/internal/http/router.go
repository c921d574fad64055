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

// RegisterDashboardRoutes mounts the dashboard websocket.
func (r *Router) RegisterDashboardRoutes(ws http.HandlerFunc) {
	r.Handle("/ws/frontend-data", ws)
}

// RegisterBroadcastRoutes mounts the internal push endpoint.
func (r *Router) RegisterBroadcastRoutes(h *BroadcastHandler) {
	r.Handle("/internal/broadcast", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Broadcast(w, req)
	})
}

// RegisterHealthRoutes mounts /health and, when non-nil, /metrics.
func (r *Router) RegisterHealthRoutes(h *HealthHandler, metrics http.Handler) {
	r.Handle("/health", h.HealthCheck)
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}
