package simulator

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"stancesense/common/models"
)

// ErrUnknownDevice is returned for device ids the registry does not track.
var ErrUnknownDevice = errors.New("unknown device")

const (
	// DecayInterval is how often battery ground truth drains.
	DecayInterval = time.Minute

	signalJitterDBM   = 2.0
	lowBatteryPercent = 20
	mockUptime        = 94680 * time.Second // ~26h
)

// DeviceProfile is the ground truth for one simulated device.
type DeviceProfile struct {
	DeviceID          string
	Name              string
	Location          string
	FirmwareVersion   string
	BatteryPercent    float64
	SignalDBM         float64
	PacketLossPercent float64
	LatencyMS         int
	DrainPerTick      float64
}

// DefaultProfiles returns the two simulated wearables.
func DefaultProfiles() []DeviceProfile {
	return []DeviceProfile{
		{
			DeviceID:          "wrist_unit_001",
			Name:              "Wrist Sensor Unit",
			Location:          "Left wrist",
			FirmwareVersion:   "v1.9.4",
			BatteryPercent:    82,
			SignalDBM:         -58,
			PacketLossPercent: 0.3,
			LatencyMS:         42,
			DrainPerTick:      0.01,
		},
		{
			DeviceID:          "arm_patch_002",
			Name:              "Arm EMG Patch",
			Location:          "Right forearm",
			FirmwareVersion:   "v1.4.1",
			BatteryPercent:    15,
			SignalDBM:         -67,
			PacketLossPercent: 1.2,
			LatencyMS:         67,
			DrainPerTick:      0.015,
		},
	}
}

// StatusRegistry serves device health snapshots.
//
// Battery is ground truth with a single writer (Decay, driven by RunDecay).
// Reads never mutate it: each read draws a fresh display jitter for signal
// strength and derives quality and status from the values it returns.
type StatusRegistry struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]*DeviceProfile

	rngMu sync.Mutex
	rng   *rand.Rand

	now       func() time.Time
	startedAt time.Time
}

// NewStatusRegistry creates a registry from profiles. rng and now may be nil.
func NewStatusRegistry(profiles []DeviceProfile, rng *rand.Rand, now func() time.Time) *StatusRegistry {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if now == nil {
		now = time.Now
	}
	r := &StatusRegistry{
		devices:   make(map[string]*DeviceProfile, len(profiles)),
		rng:       rng,
		now:       now,
		startedAt: now(),
	}
	for i := range profiles {
		p := profiles[i]
		r.order = append(r.order, p.DeviceID)
		r.devices[p.DeviceID] = &p
	}
	return r
}

// Decay drains every battery by its per-tick amount, flooring at zero.
func (r *StatusRegistry) Decay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		d.BatteryPercent = math.Max(0, d.BatteryPercent-d.DrainPerTick)
	}
}

// RunDecay calls Decay every interval until ctx is done.
func (r *StatusRegistry) RunDecay(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Decay()
		}
	}
}

// BatteryPercent returns the unrounded ground truth battery level.
func (r *StatusRegistry) BatteryPercent(deviceID string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return 0, ErrUnknownDevice
	}
	return d.BatteryPercent, nil
}

// Status returns a snapshot for one device.
func (r *StatusRegistry) Status(deviceID string) (models.DeviceStatus, error) {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	var profile DeviceProfile
	if ok {
		profile = *d
	}
	r.mu.RUnlock()

	if !ok {
		return models.DeviceStatus{}, ErrUnknownDevice
	}
	return r.snapshot(profile), nil
}

// All returns snapshots for every device in registration order.
func (r *StatusRegistry) All() []models.DeviceStatus {
	r.mu.RLock()
	profiles := make([]DeviceProfile, 0, len(r.order))
	for _, id := range r.order {
		profiles = append(profiles, *r.devices[id])
	}
	r.mu.RUnlock()

	out := make([]models.DeviceStatus, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, r.snapshot(p))
	}
	return out
}

// Gateway describes the relay host uplink.
func (r *StatusRegistry) Gateway() models.GatewayStatus {
	uptime := mockUptime + r.now().Sub(r.startedAt)
	return models.GatewayStatus{
		ConnectionType:    "Ethernet",
		PacketLossPercent: 0.3,
		LatencyMedianMS:   37,
		JitterMS:          4,
		UptimeSeconds:     int64(uptime / time.Second),
		LastReboot:        r.now().Add(-uptime).UTC().Format(time.RFC3339),
	}
}

// Hardware returns the combined device and gateway report.
func (r *StatusRegistry) Hardware() models.HardwareStatus {
	return models.HardwareStatus{Devices: r.All(), Gateway: r.Gateway()}
}

func (r *StatusRegistry) snapshot(p DeviceProfile) models.DeviceStatus {
	r.rngMu.Lock()
	jitter := r.rng.Float64()*2*signalJitterDBM - signalJitterDBM
	r.rngMu.Unlock()

	now := r.now()
	signal := int(math.Round(p.SignalDBM + jitter))
	battery := math.Round(p.BatteryPercent*10) / 10

	return models.DeviceStatus{
		DeviceID:          p.DeviceID,
		Name:              p.Name,
		Location:          p.Location,
		BatteryPercent:    battery,
		SignalStrengthDBM: signal,
		ConnectionQuality: ConnectionQuality(signal),
		FirmwareVersion:   p.FirmwareVersion,
		LastPing:          now.UTC().Format(time.RFC3339Nano),
		PacketLossPercent: p.PacketLossPercent,
		LatencyMS:         p.LatencyMS,
		UptimeSeconds:     int64((mockUptime + now.Sub(r.startedAt)) / time.Second),
		Status:            DeviceHealth(p.BatteryPercent),
	}
}

// ConnectionQuality buckets a signal strength in dBm.
func ConnectionQuality(signalDBM int) string {
	switch {
	case signalDBM > -60:
		return models.QualityStrong
	case signalDBM > -70:
		return models.QualityModerate
	default:
		return models.QualityWeak
	}
}

// DeviceHealth maps battery level to a status.
func DeviceHealth(batteryPercent float64) string {
	if batteryPercent < lowBatteryPercent {
		return models.StatusWarning
	}
	return models.StatusOperational
}
