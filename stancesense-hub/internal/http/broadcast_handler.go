package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"stancesense/common/models"

	"go.uber.org/zap"
)

// InternalKeyHeader authenticates service-to-service pushes.
const InternalKeyHeader = "X-Internal-Key"

const maxBroadcastBody = 1 << 20

// Broadcaster is the hub surface used by the push endpoint.
type Broadcaster interface {
	Broadcast(ctx context.Context, env *models.Envelope) error
	ClientCount() int
}

// BroadcastHandler accepts envelopes from the processing service.
type BroadcastHandler struct {
	hub         Broadcaster
	internalKey string
	logger      *zap.Logger
}

// NewBroadcastHandler creates the handler. An empty internalKey disables the
// header check.
func NewBroadcastHandler(hub Broadcaster, internalKey string, logger *zap.Logger) *BroadcastHandler {
	return &BroadcastHandler{hub: hub, internalKey: internalKey, logger: logger}
}

type broadcastResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// Broadcast handles POST /internal/broadcast.
func (h *BroadcastHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	if h.internalKey != "" {
		key := r.Header.Get(InternalKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.internalKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid internal key")
			return
		}
	}

	var env models.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBroadcastBody)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.hub.Broadcast(r.Context(), &env); err != nil {
		h.logger.Error("Failed to broadcast message", zap.String("type", env.Type), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "hub unavailable")
		return
	}

	writeJSON(w, http.StatusOK, broadcastResponse{Status: "ok", Clients: h.hub.ClientCount()})
}
