package pipeline

import (
	"context"
	"errors"
	"sync"

	"stancesense/stancesense-ingest/internal/repository"

	"go.uber.org/zap"
)

// DeviceLookup finds the registered device record.
type DeviceLookup interface {
	GetDevice(ctx context.Context, deviceID string) (*repository.Device, error)
}

// PatientResolver maps device ids to patient ids. Hits are memoized; misses
// and lookup errors fall back to the default patient and are retried on the
// next frame.
type PatientResolver struct {
	lookup    DeviceLookup
	defaultID string
	logger    *zap.Logger

	mu    sync.RWMutex
	known map[string]string
}

// NewPatientResolver creates a resolver. lookup may be nil, in which case
// every device resolves to defaultID.
func NewPatientResolver(lookup DeviceLookup, defaultID string, logger *zap.Logger) *PatientResolver {
	return &PatientResolver{
		lookup:    lookup,
		defaultID: defaultID,
		logger:    logger,
		known:     make(map[string]string),
	}
}

// Resolve returns the patient id for deviceID.
func (r *PatientResolver) Resolve(ctx context.Context, deviceID string) string {
	if r.lookup == nil || deviceID == "" {
		return r.defaultID
	}

	r.mu.RLock()
	patientID, ok := r.known[deviceID]
	r.mu.RUnlock()
	if ok {
		return patientID
	}

	device, err := r.lookup.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			r.logger.Debug("Device not registered, using default patient", zap.String("device_id", deviceID))
		} else {
			r.logger.Warn("Failed to resolve device", zap.String("device_id", deviceID), zap.Error(err))
		}
		return r.defaultID
	}
	if device.PatientID == "" {
		return r.defaultID
	}

	r.mu.Lock()
	r.known[deviceID] = device.PatientID
	r.mu.Unlock()
	return device.PatientID
}
