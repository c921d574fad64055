package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/cache"

	"go.uber.org/zap"
)

// PatientCache is the read side of the recent-data cache.
type PatientCache interface {
	GetRecent(ctx context.Context, patientID string, count int) ([]models.Frame, error)
	GetLatest(ctx context.Context, patientID string) (*models.Frame, error)
	Stats(ctx context.Context, patientID string) (*cache.Stats, error)
}

// RecentResponse is the /recent body.
type RecentResponse struct {
	PatientID string         `json:"patient_id"`
	Count     int            `json:"count"`
	Data      []models.Frame `json:"data"`
}

// PatientHandler serves /api/patients/{id}/recent|latest|cache-stats.
type PatientHandler struct {
	cache  PatientCache
	logger *zap.Logger
}

// NewPatientHandler serves cached frames from c.
func NewPatientHandler(c PatientCache, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{cache: c, logger: logger}
}

func (h *PatientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	patientID, action := parts[0], parts[1]

	switch action {
	case "recent":
		h.getRecent(w, r, patientID)
	case "latest":
		h.getLatest(w, r, patientID)
	case "cache-stats":
		h.getStats(w, r, patientID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *PatientHandler) getRecent(w http.ResponseWriter, r *http.Request, patientID string) {
	count := parseInt(r, "count", cache.DefaultRecentCount)
	frames, err := h.cache.GetRecent(r.Context(), patientID, count)
	if err != nil {
		h.logger.Error("Failed to read recent frames", zap.String("patient_id", patientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read recent data")
		return
	}
	if frames == nil {
		frames = []models.Frame{}
	}
	writeJSON(w, http.StatusOK, RecentResponse{PatientID: patientID, Count: len(frames), Data: frames})
}

func (h *PatientHandler) getLatest(w http.ResponseWriter, r *http.Request, patientID string) {
	frame, err := h.cache.GetLatest(r.Context(), patientID)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			writeError(w, http.StatusNotFound, "no data for patient")
			return
		}
		h.logger.Error("Failed to read latest frame", zap.String("patient_id", patientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read latest data")
		return
	}
	writeJSON(w, http.StatusOK, frame)
}

func (h *PatientHandler) getStats(w http.ResponseWriter, r *http.Request, patientID string) {
	stats, err := h.cache.Stats(r.Context(), patientID)
	if err != nil {
		h.logger.Error("Failed to read cache stats", zap.String("patient_id", patientID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
