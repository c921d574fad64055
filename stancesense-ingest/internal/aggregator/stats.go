package aggregator

import (
	"math"
	"sort"

	"stancesense/common/models"
)

const (
	criticalTremorG     = 15.0
	criticalRigidityEMG = 500.0

	alertFallDetected = "fall_detected"
	alertHighTremor   = "high_tremor"
	alertHighRigidity = "high_rigidity"
)

// MetricStats summarizes one metric over a period.
type MetricStats struct {
	Avg         float64 `json:"avg"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Median      float64 `json:"median"`
	StdDev      float64 `json:"std_dev"`
	Critical    bool    `json:"critical"`
	SampleCount int     `json:"sample_count"`
}

// SafetySummary counts falls over a period.
type SafetySummary struct {
	FallDetectedCount int  `json:"fall_detected_count"`
	AnyFalls          bool `json:"any_falls"`
}

// PeriodAlert is a threshold crossing inside the period.
type PeriodAlert struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Value     *float64 `json:"value,omitempty"`
	Severity  string   `json:"severity"`
}

// Summary is the aggregated record sent downstream.
type Summary struct {
	Timestamp       string        `json:"timestamp"`
	PeriodStart     string        `json:"period_start"`
	PeriodEnd       string        `json:"period_end"`
	DataPointsCount int           `json:"data_points_count"`
	Tremor          *MetricStats  `json:"tremor"`
	Rigidity        *MetricStats  `json:"rigidity"`
	Safety          SafetySummary `json:"safety"`
	Alerts          []PeriodAlert `json:"alerts"`
}

// Summarize builds the period summary. frames must be in arrival order and
// non-empty; now is the summary timestamp.
func Summarize(frames []models.Frame, now string) *Summary {
	s := &Summary{
		Timestamp:       now,
		PeriodStart:     now,
		PeriodEnd:       now,
		DataPointsCount: len(frames),
		Alerts:          []PeriodAlert{},
	}
	if len(frames) > 0 {
		if ts := frames[0].Timestamp; ts != "" {
			s.PeriodStart = ts
		}
		if ts := frames[len(frames)-1].Timestamp; ts != "" {
			s.PeriodEnd = ts
		}
	}

	var tremor, rigidity []float64
	for _, f := range frames {
		if f.Tremor != nil {
			tremor = append(tremor, f.Tremor.AmplitudeG)
		}
		if f.Rigidity != nil {
			rigidity = append(rigidity, f.Rigidity.EMGWrist)
		}
		if f.Safety.FallDetected {
			s.Safety.FallDetectedCount++
		}
		s.Alerts = append(s.Alerts, alertsFor(f)...)
	}
	s.Safety.AnyFalls = s.Safety.FallDetectedCount > 0
	s.Tremor = computeStats(tremor, criticalTremorG)
	s.Rigidity = computeStats(rigidity, criticalRigidityEMG)
	return s
}

func alertsFor(f models.Frame) []PeriodAlert {
	var alerts []PeriodAlert
	if f.Safety.FallDetected {
		alerts = append(alerts, PeriodAlert{
			Type:      alertFallDetected,
			Timestamp: f.Timestamp,
			Severity:  models.SeverityCritical,
		})
	}
	if f.Tremor != nil && f.Tremor.AmplitudeG > criticalTremorG {
		v := f.Tremor.AmplitudeG
		alerts = append(alerts, PeriodAlert{
			Type:      alertHighTremor,
			Timestamp: f.Timestamp,
			Value:     &v,
			Severity:  models.SeverityWarning,
		})
	}
	if f.Rigidity != nil && f.Rigidity.EMGWrist > criticalRigidityEMG {
		v := f.Rigidity.EMGWrist
		alerts = append(alerts, PeriodAlert{
			Type:      alertHighRigidity,
			Timestamp: f.Timestamp,
			Value:     &v,
			Severity:  models.SeverityWarning,
		})
	}
	return alerts
}

// computeStats returns nil for an empty sample. The median is the upper
// middle element and the deviation is the population one.
func computeStats(values []float64, criticalAbove float64) *MetricStats {
	n := len(values)
	if n == 0 {
		return nil
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(n)

	var sq float64
	for _, v := range values {
		sq += (v - avg) * (v - avg)
	}

	highest := sorted[n-1]
	return &MetricStats{
		Avg:         round2(avg),
		Min:         round2(sorted[0]),
		Max:         round2(highest),
		Median:      round2(sorted[n/2]),
		StdDev:      round2(math.Sqrt(sq / float64(n))),
		Critical:    highest > criticalAbove,
		SampleCount: n,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
