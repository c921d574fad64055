package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/simulator"

	"go.uber.org/zap"
)

// HardwareSource reports device and gateway health.
type HardwareSource interface {
	Hardware() models.HardwareStatus
	Status(deviceID string) (models.DeviceStatus, error)
}

// HardwareHandler serves /api/hardware/status.
type HardwareHandler struct {
	source HardwareSource
	logger *zap.Logger
}

// NewHardwareHandler serves device status snapshots from source.
func NewHardwareHandler(source HardwareSource, logger *zap.Logger) *HardwareHandler {
	return &HardwareHandler{source: source, logger: logger}
}

func (h *HardwareHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Hardware())
}

func (h *HardwareHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/hardware/status/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	status, err := h.source.Status(id)
	if err != nil {
		if errors.Is(err, simulator.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "device not found")
			return
		}
		h.logger.Error("Failed to read device status", zap.String("device_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read device status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
