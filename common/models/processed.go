package models

import (
	"encoding/json"
	"fmt"
)

// Message types carried by the fan-out hub.
const (
	MessageTypeProcessedData = "processed_data"
	MessageTypeAlert         = "alert"
	MessageTypeRAGAnalysis   = "rag_analysis"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert types.
const (
	AlertTypeFall       = "fall"
	AlertTypeTremor     = "tremor"
	AlertTypeRigidity   = "rigidity"
	AlertTypeMedication = "medication"
)

// Envelope is the hub-to-dashboard message. Data holds a ProcessedData,
// Alert or RAGAnalysis depending on Type.
type Envelope struct {
	Type      string          `json:"type"`
	PatientID string          `json:"patient_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Data: data}, nil
}

// Validate checks the discriminator and that a payload is present.
func (e *Envelope) Validate() error {
	switch e.Type {
	case MessageTypeProcessedData, MessageTypeAlert, MessageTypeRAGAnalysis:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return fmt.Errorf("%s message has no data", e.Type)
	}
	return nil
}

// ProcessedData is a frame plus the downstream processor's analysis.
type ProcessedData struct {
	Frame
	Analysis            Analysis         `json:"analysis"`
	Scores              *Scores          `json:"scores,omitempty"`
	CriticalEvent       *string          `json:"critical_event,omitempty"`
	RehabSuggestion     string           `json:"rehab_suggestion,omitempty"`
	CareRecommendations []string         `json:"care_recommendations,omitempty"`
	RecommendedGame     *RecommendedGame `json:"recommended_game,omitempty"`
}

// Analysis holds the processor's derived flags.
type Analysis struct {
	IsTremorConfirmed  bool    `json:"is_tremor_confirmed"`
	IsRigid            bool    `json:"is_rigid"`
	GaitStabilityScore float64 `json:"gait_stability_score"`
}

// Scores are 0-100 severity scores.
type Scores struct {
	Tremor    float64 `json:"tremor"`
	Rigidity  float64 `json:"rigidity"`
	Slowness  float64 `json:"slowness"`
	Gait      float64 `json:"gait"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// RecommendedGame is the game suggested for one processed frame.
type RecommendedGame struct {
	Name          string `json:"name"`
	Reason        string `json:"reason"`
	TargetSymptom string `json:"target_symptom,omitempty"`
}

// Alert is a discrete clinical event pushed to dashboards.
type Alert struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

// RAGAnalysis is the periodic retrieval-augmented review produced downstream
// from aggregated data.
type RAGAnalysis struct {
	UserID              string               `json:"user_id"`
	Timestamp           string               `json:"timestamp"`
	Insights            string               `json:"insights"`
	Recommendations     string               `json:"recommendations"`
	GameRecommendations []GameRecommendation `json:"game_recommendations,omitempty"`
	CriticalAlertsCount int                  `json:"critical_alerts_count"`
	Alerts              []Alert              `json:"alerts,omitempty"`
}

// GameRecommendation is one entry of an analysis game plan.
type GameRecommendation struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	SymptomTarget   string   `json:"symptom_target"`
	Difficulty      string   `json:"difficulty"`
	DurationMinutes int      `json:"duration_minutes"`
	Benefits        []string `json:"benefits,omitempty"`
}
