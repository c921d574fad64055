package main

import (
	"sync"

	"stancesense/common/models"
	"stancesense/stancesense-monitor/internal/client"

	"go.uber.org/zap"
)

// printer logs only what changed between snapshots.
type printer struct {
	logger *zap.Logger

	mu       sync.Mutex
	status   client.Status
	latest   *models.ProcessedData
	rag      *models.RAGAnalysis
	alertTop string
}

func newPrinter(logger *zap.Logger) *printer {
	return &printer{logger: logger}
}

func (p *printer) print(s client.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.Status != p.status {
		p.logger.Info("Connection status", zap.String("status", string(s.Status)), zap.Int("attempts", s.Attempts))
		if s.Status == client.StatusError {
			p.logger.Error("Hub unreachable, send SIGHUP to retry")
		}
		p.status = s.Status
	}

	if s.LatestData != nil && s.LatestData != p.latest {
		p.latest = s.LatestData
		fields := []zap.Field{
			zap.String("device_id", s.LatestData.DeviceID),
			zap.String("timestamp", s.LatestData.Timestamp),
			zap.Bool("fall_detected", s.LatestData.Safety.FallDetected),
			zap.Bool("tremor_confirmed", s.LatestData.Analysis.IsTremorConfirmed),
			zap.Bool("rigid", s.LatestData.Analysis.IsRigid),
			zap.Float64("gait_stability", s.LatestData.Analysis.GaitStabilityScore),
		}
		if s.LatestData.Tremor != nil {
			fields = append(fields, zap.Float64("tremor_amplitude_g", s.LatestData.Tremor.AmplitudeG))
		}
		if s.LatestData.CriticalEvent != nil {
			fields = append(fields, zap.String("critical_event", *s.LatestData.CriticalEvent))
		}
		p.logger.Info("Sensor update", fields...)
	}

	if len(s.Alerts) > 0 && s.Alerts[0].ID != p.alertTop {
		a := s.Alerts[0]
		p.alertTop = a.ID
		emit := p.logger.Info
		if a.Severity == models.SeverityCritical {
			emit = p.logger.Warn
		}
		emit("Alert",
			zap.String("id", a.ID),
			zap.String("type", a.Type),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
			zap.Int("stored", len(s.Alerts)),
		)
	}

	if s.RAGAnalysis != nil && s.RAGAnalysis != p.rag {
		p.rag = s.RAGAnalysis
		p.logger.Info("Analysis",
			zap.String("user_id", s.RAGAnalysis.UserID),
			zap.String("insights", s.RAGAnalysis.Insights),
			zap.Int("critical_alerts", s.RAGAnalysis.CriticalAlertsCount),
			zap.Int("games", len(s.RAGAnalysis.GameRecommendations)),
		)
	}
}
