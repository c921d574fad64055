package models

// Connection quality buckets.
const (
	QualityStrong   = "strong"
	QualityModerate = "moderate"
	QualityWeak     = "weak"
)

// Device status values.
const (
	StatusOperational = "operational"
	StatusWarning     = "warning"
)

// DeviceStatus is a point-in-time hardware health snapshot.
type DeviceStatus struct {
	DeviceID          string  `json:"device_id"`
	Name              string  `json:"name,omitempty"`
	Location          string  `json:"location,omitempty"`
	BatteryPercent    float64 `json:"battery_percent"`
	SignalStrengthDBM int     `json:"signal_strength_dbm"`
	ConnectionQuality string  `json:"connection_quality"`
	FirmwareVersion   string  `json:"firmware_version"`
	LastPing          string  `json:"last_ping"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	LatencyMS         int     `json:"latency_ms"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	Status            string  `json:"status"`
}

// GatewayStatus describes the relay host's uplink.
type GatewayStatus struct {
	ConnectionType    string  `json:"connection_type"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	LatencyMedianMS   int     `json:"latency_median_ms"`
	JitterMS          int     `json:"jitter_ms"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	LastReboot        string  `json:"last_reboot"`
}

// HardwareStatus is the /api/hardware/status response.
type HardwareStatus struct {
	Devices []DeviceStatus `json:"devices"`
	Gateway GatewayStatus  `json:"gateway"`
}
