// Package cache keeps recent frames per patient for dashboards and the
// periodic aggregation job.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"stancesense/common/models"

	"go.uber.org/zap"
)

const (
	// RecentLimit caps the per-patient recent list.
	RecentLimit = 100
	// DefaultRecentCount is returned when the caller does not ask for a count.
	DefaultRecentCount = 20
	// AggregateBufferLimit caps the per-patient aggregation buffer; the
	// oldest frames go first when nothing drains it.
	AggregateBufferLimit = 1000
)

// Stats summarises one patient's cache state.
type Stats struct {
	PatientID         string `json:"patient_id"`
	RecentCount       int    `json:"recent_count"`
	AggregateBuffered int    `json:"aggregate_buffered"`
	HasLatest         bool   `json:"has_latest"`
}

// RecentCache stores frames under patient:{id}:recent, :latest and
// :aggregate_buffer.
type RecentCache struct {
	kv     KVStore
	logger *zap.Logger

	// nil buffers every patient
	aggregated map[string]struct{}
}

// NewRecentCache creates a cache on top of kv.
func NewRecentCache(kv KVStore, logger *zap.Logger) *RecentCache {
	return &RecentCache{kv: kv, logger: logger}
}

func recentKey(patientID string) string    { return fmt.Sprintf("patient:%s:recent", patientID) }
func latestKey(patientID string) string    { return fmt.Sprintf("patient:%s:latest", patientID) }
func aggregateKey(patientID string) string { return fmt.Sprintf("patient:%s:aggregate_buffer", patientID) }

// LimitAggregation buffers frames for aggregation only for patientIDs.
// Called with no IDs it turns buffering off. Call it before the first Record.
func (c *RecentCache) LimitAggregation(patientIDs ...string) {
	c.aggregated = make(map[string]struct{}, len(patientIDs))
	for _, id := range patientIDs {
		c.aggregated[id] = struct{}{}
	}
}

func (c *RecentCache) buffers(patientID string) bool {
	if c.aggregated == nil {
		return true
	}
	_, ok := c.aggregated[patientID]
	return ok
}

// Record stores a frame as recent and latest and appends it to the
// aggregation buffer when the patient is aggregated.
func (c *RecentCache) Record(ctx context.Context, patientID string, frame *models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	value := string(data)

	if err := c.kv.PushFront(ctx, recentKey(patientID), value, RecentLimit); err != nil {
		return fmt.Errorf("failed to store recent frame: %w", err)
	}
	if err := c.kv.Set(ctx, latestKey(patientID), value, 0); err != nil {
		return fmt.Errorf("failed to store latest frame: %w", err)
	}
	if c.buffers(patientID) {
		if err := c.kv.Append(ctx, aggregateKey(patientID), value, AggregateBufferLimit); err != nil {
			return fmt.Errorf("failed to append to aggregate buffer: %w", err)
		}
	}

	c.logger.Debug("Cached frame",
		zap.String("patient_id", patientID),
		zap.String("device_id", frame.DeviceID),
	)
	return nil
}

// GetRecent returns up to count frames, newest first. count <= 0 means
// DefaultRecentCount.
func (c *RecentCache) GetRecent(ctx context.Context, patientID string, count int) ([]models.Frame, error) {
	if count <= 0 {
		count = DefaultRecentCount
	}
	if count > RecentLimit {
		count = RecentLimit
	}
	values, err := c.kv.Range(ctx, recentKey(patientID), count)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent frames: %w", err)
	}
	return c.decode(patientID, values), nil
}

// GetLatest returns the newest frame or ErrCacheMiss.
func (c *RecentCache) GetLatest(ctx context.Context, patientID string) (*models.Frame, error) {
	value, err := c.kv.Get(ctx, latestKey(patientID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to read latest frame: %w", err)
	}
	var frame models.Frame
	if err := json.Unmarshal([]byte(value), &frame); err != nil {
		return nil, fmt.Errorf("failed to decode latest frame: %w", err)
	}
	return &frame, nil
}

// DrainAggregateBuffer returns every buffered frame in arrival order and
// empties the buffer.
func (c *RecentCache) DrainAggregateBuffer(ctx context.Context, patientID string) ([]models.Frame, error) {
	values, err := c.kv.Drain(ctx, aggregateKey(patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to drain aggregate buffer: %w", err)
	}
	return c.decode(patientID, values), nil
}

// Stats reports list sizes for one patient.
func (c *RecentCache) Stats(ctx context.Context, patientID string) (*Stats, error) {
	recent, err := c.kv.Len(ctx, recentKey(patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent frames: %w", err)
	}
	buffered, err := c.kv.Len(ctx, aggregateKey(patientID))
	if err != nil {
		return nil, fmt.Errorf("failed to count aggregate buffer: %w", err)
	}
	_, err = c.kv.Get(ctx, latestKey(patientID))
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("failed to read latest frame: %w", err)
	}
	return &Stats{
		PatientID:         patientID,
		RecentCount:       recent,
		AggregateBuffered: buffered,
		HasLatest:         err == nil,
	}, nil
}

// decode skips entries that fail to unmarshal.
func (c *RecentCache) decode(patientID string, values []string) []models.Frame {
	frames := make([]models.Frame, 0, len(values))
	for _, v := range values {
		var f models.Frame
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			c.logger.Warn("Failed to decode cached frame", zap.String("patient_id", patientID), zap.Error(err))
			continue
		}
		frames = append(frames, f)
	}
	return frames
}
