// Package simulator generates synthetic wearable telemetry and device
// health data for running the relay without hardware.
package simulator

import (
	"math/rand"
	"sync"
	"time"

	"stancesense/common/models"
)

const (
	medicationPeriodTicks = 200
	fallCooldownTicks     = 120

	fallProbability          = 0.02
	tremorSpikeProbability   = 0.10
	rigiditySpikeProbability = 0.05

	// DetectedTremorG is the simulator's own tremor_detected threshold.
	DetectedTremorG = 0.5
	rigidEMGAverage = 0.65
	highTremorG     = 0.8
)

// DefaultDeviceIDs are the simulated wearables.
var DefaultDeviceIDs = []string{"wrist_unit_001", "arm_patch_002"}

// Options configure a Simulator. Zero values pick defaults.
type Options struct {
	DeviceIDs []string
	Rand      *rand.Rand
	Now       func() time.Time
}

// Simulator holds the shared simulation state: tick counter, medication
// flag and last fall. One Simulator is shared by every connection it feeds;
// all methods are safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	rng       *rand.Rand
	now       func() time.Time
	deviceIDs []string

	tick            int
	medicationTaken bool
	lastFallTick    int
	hasFallen       bool
}

// New creates a Simulator.
func New(opts Options) *Simulator {
	s := &Simulator{
		rng:       opts.Rand,
		now:       opts.Now,
		deviceIDs: opts.DeviceIDs,
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.deviceIDs) == 0 {
		s.deviceIDs = DefaultDeviceIDs
	}
	return s
}

// Next advances one tick and returns the generated frame.
func (s *Simulator) Next() *models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick++
	if s.tick%medicationPeriodTicks == 0 {
		s.medicationTaken = !s.medicationTaken
	}

	now := s.now()
	deviceID := s.deviceIDs[s.rng.Intn(len(s.deviceIDs))]
	state := s.stateLocked(now)

	return &models.Frame{
		DeviceID:  deviceID,
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Safety:    s.safetyLocked(),
		Tremor:    s.tremorLocked(deviceID, state),
		Rigidity:  s.rigidityLocked(state),
	}
}

// State returns the patient state the next frame would be generated under.
func (s *Simulator) State() PatientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(s.now())
}

// Tick returns the number of frames generated so far.
func (s *Simulator) Tick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// MedicationTaken reports the medication flag.
func (s *Simulator) MedicationTaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.medicationTaken
}

func (s *Simulator) stateLocked(now time.Time) PatientState {
	state := PatientStateAt(now.Hour(), s.medicationTaken)
	if s.hasFallen && s.tick-s.lastFallTick < fallCooldownTicks {
		state = state.softened()
	}
	return state
}

func (s *Simulator) tremorLocked(deviceID string, state PatientState) *models.Tremor {
	baseFrequency := 5.2
	if deviceID == "wrist_unit_001" {
		baseFrequency = 4.5
	}
	amplitude := s.between(0.3, 0.9) * state.TremorMultiplier
	if s.rng.Float64() < tremorSpikeProbability {
		amplitude = s.between(0.85, 0.95)
	}
	return &models.Tremor{
		FrequencyHz:    baseFrequency + s.between(-0.3, 0.3),
		AmplitudeG:     amplitude,
		TremorDetected: amplitude > DetectedTremorG,
	}
}

func (s *Simulator) rigidityLocked(state PatientState) *models.Rigidity {
	wrist := s.between(0.2, 0.6) * state.RigidityMultiplier
	arm := s.between(0.2, 0.6) * state.RigidityMultiplier
	if s.rng.Float64() < rigiditySpikeProbability {
		wrist = s.between(0.75, 0.9)
		arm = s.between(0.75, 0.9)
	}
	return &models.Rigidity{
		EMGWrist: wrist,
		EMGArm:   arm,
		Rigid:    (wrist+arm)/2 > rigidEMGAverage,
	}
}

func (s *Simulator) safetyLocked() models.Safety {
	if s.rng.Float64() < fallProbability {
		s.lastFallTick = s.tick
		s.hasFallen = true
		return models.Safety{
			FallDetected: true,
			AccelXG:      s.between(2.5, 4.0),
			AccelYG:      s.between(2.5, 4.0),
			AccelZG:      s.between(-2.0, -0.5),
		}
	}
	return models.Safety{
		AccelXG: s.between(-0.3, 0.3),
		AccelYG: s.between(-0.3, 0.3),
		AccelZG: s.between(0.8, 1.2),
	}
}

func (s *Simulator) between(min, max float64) float64 {
	return s.rng.Float64()*(max-min) + min
}

// Event classifies a generated frame for logging: "fall", "high_tremor",
// "rigidity_spike" or "" for an ordinary frame.
func Event(frame *models.Frame) string {
	switch {
	case frame.Safety.FallDetected:
		return "fall"
	case frame.Tremor != nil && frame.Tremor.AmplitudeG > highTremorG:
		return "high_tremor"
	case frame.Rigidity != nil && frame.Rigidity.Rigid:
		return "rigidity_spike"
	default:
		return ""
	}
}
