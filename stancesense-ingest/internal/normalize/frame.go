// Package normalize turns raw device payloads into telemetry frames.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stancesense/common/models"
)

// LegacyTremorThresholdG is the amplitude above which tremor_detected is
// backfilled for payloads that omit it. Older firmware reports amplitude on
// a different scale than the simulator, hence 10g rather than 0.5g.
const LegacyTremorThresholdG = 10.0

var (
	// ErrMalformedFrame means the payload is not a JSON object, or timestamp
	// or safety has the wrong type.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrIncompleteFrame means timestamp or safety is missing.
	ErrIncompleteFrame = errors.New("incomplete frame")
)

type rawFrame struct {
	DeviceID  json.RawMessage `json:"device_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Safety    json.RawMessage `json:"safety"`
	Tremor    json.RawMessage `json:"tremor"`
	Rigidity  json.RawMessage `json:"rigidity"`
}

type rawSafety struct {
	FallDetected json.RawMessage `json:"fall_detected"`
	AccelXG      looseFloat      `json:"accel_x_g"`
	AccelYG      looseFloat      `json:"accel_y_g"`
	AccelZG      looseFloat      `json:"accel_z_g"`
}

type rawTremor struct {
	FrequencyHz    looseFloat      `json:"frequency_hz"`
	AmplitudeG     looseFloat      `json:"amplitude_g"`
	TremorDetected json.RawMessage `json:"tremor_detected"`
}

type rawRigidity struct {
	EMGWrist    looseFloat      `json:"emg_wrist"`
	EMGArm      looseFloat      `json:"emg_arm"`
	EMGWristAvg looseFloat      `json:"emg_wrist_avg"`
	EMGArmAvg   looseFloat      `json:"emg_arm_avg"`
	Rigid       json.RawMessage `json:"rigid"`
	IsRigid     json.RawMessage `json:"is_rigid"`
	IsRigidAlt  json.RawMessage `json:"isRigid"`
}

// looseFloat accepts a JSON number or a numeric string. Anything else leaves
// it unset instead of failing the decode.
type looseFloat struct {
	value float64
	set   bool
}

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	f.value, f.set = 0, false
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch val := v.(type) {
	case float64:
		f.value, f.set = val, true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			f.value, f.set = n, true
		}
	}
	return nil
}

// Parse decodes, validates and normalizes one inbound device message.
//
// It returns ErrMalformedFrame when payload is not a JSON object or when
// timestamp or safety has the wrong type, and ErrIncompleteFrame when either
// is absent. Both are wrapped with detail; use errors.Is to classify. The
// optional fields are best-effort: values of the wrong type are dropped and
// a tremor or rigidity block that is not an object is left nil.
func Parse(payload []byte) (*models.Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	// 1. required fields
	var timestamp string
	if !present(raw.Timestamp) {
		return nil, fmt.Errorf("%w: missing timestamp", ErrIncompleteFrame)
	}
	if err := json.Unmarshal(raw.Timestamp, &timestamp); err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedFrame, err)
	}
	if timestamp == "" {
		return nil, fmt.Errorf("%w: empty timestamp", ErrIncompleteFrame)
	}
	if !present(raw.Safety) {
		return nil, fmt.Errorf("%w: missing safety", ErrIncompleteFrame)
	}

	frame := &models.Frame{
		DeviceID:  deviceID(raw.DeviceID),
		Timestamp: timestamp,
	}

	// 2. safety
	var safety rawSafety
	if err := json.Unmarshal(raw.Safety, &safety); err != nil {
		return nil, fmt.Errorf("%w: safety: %v", ErrMalformedFrame, err)
	}
	frame.Safety = models.Safety{
		FallDetected: truthy(safety.FallDetected),
		AccelXG:      safety.AccelXG.value,
		AccelYG:      safety.AccelYG.value,
		AccelZG:      safety.AccelZG.value,
	}

	// 3. tremor, with tremor_detected backfill
	var tremor rawTremor
	if present(raw.Tremor) && json.Unmarshal(raw.Tremor, &tremor) == nil {
		t := &models.Tremor{
			FrequencyHz: tremor.FrequencyHz.value,
			AmplitudeG:  tremor.AmplitudeG.value,
		}
		if present(tremor.TremorDetected) {
			t.TremorDetected = truthy(tremor.TremorDetected)
		} else {
			t.TremorDetected = tremor.AmplitudeG.set && tremor.AmplitudeG.value > LegacyTremorThresholdG
		}
		frame.Tremor = t
	}

	// 4. rigidity, with field aliases
	var rigidity rawRigidity
	if present(raw.Rigidity) && json.Unmarshal(raw.Rigidity, &rigidity) == nil {
		r := &models.Rigidity{
			EMGWrist: firstSet(rigidity.EMGWrist, rigidity.EMGWristAvg),
			EMGArm:   firstSet(rigidity.EMGArm, rigidity.EMGArmAvg),
		}
		switch {
		case present(rigidity.Rigid):
			r.Rigid = truthy(rigidity.Rigid)
		case present(rigidity.IsRigid):
			r.Rigid = truthy(rigidity.IsRigid)
		case present(rigidity.IsRigidAlt):
			r.Rigid = truthy(rigidity.IsRigidAlt)
		}
		frame.Rigidity = r
	}

	return frame, nil
}

// present reports whether a field was sent with a non-null value.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// truthy coerces a JSON value to a flag. Strings "yes", "true" and "1"
// (any case) are true; numbers are true when non-zero.
func truthy(raw json.RawMessage) bool {
	if !present(raw) {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "yes", "true", "1":
			return true
		}
		return false
	case float64:
		return val != 0
	default:
		return false
	}
}

// deviceID accepts a string or a bare number; other values yield "".
func deviceID(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstSet(values ...looseFloat) float64 {
	for _, v := range values {
		if v.set {
			return v.value
		}
	}
	return 0
}
