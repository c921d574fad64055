package models

// Frame is one telemetry reading from one device at one instant.
// Frames are built once at the edge (device link, MQTT, simulator) and
// treated as read-only afterwards.
type Frame struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Safety    Safety    `json:"safety"`
	Tremor    *Tremor   `json:"tremor,omitempty"`
	Rigidity  *Rigidity `json:"rigidity,omitempty"`
}

// Safety carries fall detection and raw accelerometer data in g.
type Safety struct {
	FallDetected bool    `json:"fall_detected"`
	AccelXG      float64 `json:"accel_x_g"`
	AccelYG      float64 `json:"accel_y_g"`
	AccelZG      float64 `json:"accel_z_g"`
}

// Tremor reading.
type Tremor struct {
	FrequencyHz    float64 `json:"frequency_hz"`
	AmplitudeG     float64 `json:"amplitude_g"`
	TremorDetected bool    `json:"tremor_detected"`
}

// Rigidity reading, EMG values in mV.
type Rigidity struct {
	EMGWrist float64 `json:"emg_wrist"`
	EMGArm   float64 `json:"emg_arm"`
	Rigid    bool    `json:"rigid"`
}

// Frame sources, used in logs and metrics labels.
const (
	SourceDevice    = "device"
	SourceSimulator = "simulator"
	SourceMQTT      = "mqtt"
)
