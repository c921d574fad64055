package simulator

// Patient state names.
const (
	StateMedicated      = "medicated"
	StateMorningStiff   = "morning_stiffness"
	StatePreMedication  = "pre_medication"
	StateEveningFatigue = "evening_fatigue"
	StateBaseline       = "baseline"
)

// PatientState scales generated symptom severity.
type PatientState struct {
	Name               string
	TremorMultiplier   float64
	RigidityMultiplier float64
}

// PatientStateAt picks the state for a wall-clock hour (0-23). Medication
// overrides every time-of-day rule; the rest are checked in order.
func PatientStateAt(hour int, medicated bool) PatientState {
	switch {
	case medicated:
		return PatientState{Name: StateMedicated, TremorMultiplier: 0.7, RigidityMultiplier: 0.6}
	case hour >= 6 && hour < 9:
		return PatientState{Name: StateMorningStiff, TremorMultiplier: 1.2, RigidityMultiplier: 1.5}
	case hour >= 13 && hour < 15:
		return PatientState{Name: StatePreMedication, TremorMultiplier: 1.4, RigidityMultiplier: 1.3}
	case hour >= 18 && hour < 21:
		return PatientState{Name: StateEveningFatigue, TremorMultiplier: 1.3, RigidityMultiplier: 1.1}
	default:
		return PatientState{Name: StateBaseline, TremorMultiplier: 1.0, RigidityMultiplier: 1.0}
	}
}

// softened caps both multipliers at 1.0 for the post-fall cooldown.
func (p PatientState) softened() PatientState {
	if p.TremorMultiplier > 1.0 {
		p.TremorMultiplier = 1.0
	}
	if p.RigidityMultiplier > 1.0 {
		p.RigidityMultiplier = 1.0
	}
	return p
}
