// Package aggregator periodically summarizes buffered frames per patient and
// stores the summaries through the processor.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/forwarder"
	"stancesense/stancesense-ingest/internal/metrics"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	aggregatedPath = "/ingest/aggregated"
	analyzePath    = "/analyze-patient-data"
	triggerSource  = "aggregation_service"

	analyzeTimeout = 30 * time.Second
)

// Buffer hands out and clears the frames collected for a patient.
type Buffer interface {
	DrainAggregateBuffer(ctx context.Context, patientID string) ([]models.Frame, error)
}

// Config configures the Aggregator.
type Config struct {
	BaseURL     string
	Token       string
	InternalKey string
	AppID       string
	ActiveUsers []string
	Interval    time.Duration
	Timeout     time.Duration
}

type aggregatedRequest struct {
	UserID string   `json:"user_id"`
	AppID  string   `json:"app_id"`
	Data   *Summary `json:"data"`
}

type analyzeRequest struct {
	UserID        string `json:"user_id"`
	TriggerSource string `json:"trigger_source"`
	Timestamp     string `json:"timestamp"`
}

// Aggregator runs the aggregation cycle.
type Aggregator struct {
	cfg     Config
	buffer  Buffer
	client  *resty.Client
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Aggregator.
func New(cfg Config, buffer Buffer, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if cfg.InternalKey != "" {
		client.SetHeader(forwarder.InternalKeyHeader, cfg.InternalKey)
	}

	return &Aggregator{
		cfg:     cfg,
		buffer:  buffer,
		client:  client,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one cycle immediately and then one per interval until ctx is
// cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info("Aggregation service started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Strings("active_users", a.cfg.ActiveUsers),
	)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Aggregation service stopped")
			return nil
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce aggregates every active user. A failure for one user is logged and
// does not affect the others.
func (a *Aggregator) RunOnce(ctx context.Context) {
	for _, userID := range a.cfg.ActiveUsers {
		if ctx.Err() != nil {
			return
		}
		if err := a.aggregateUser(ctx, userID); err != nil {
			a.metrics.AggregationRuns.WithLabelValues("failed").Inc()
			a.logger.Error("Failed to aggregate patient data",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
}

func (a *Aggregator) aggregateUser(ctx context.Context, userID string) error {
	// 1. take the buffered frames
	frames, err := a.buffer.DrainAggregateBuffer(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to drain buffer: %w", err)
	}
	if len(frames) == 0 {
		a.metrics.AggregationRuns.WithLabelValues("empty").Inc()
		a.logger.Debug("No data to aggregate", zap.String("user_id", userID))
		return nil
	}

	// 2. summarize
	summary := Summarize(frames, a.timestamp())

	// 3. store
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	resp, err := a.client.R().
		SetContext(sendCtx).
		SetBody(aggregatedRequest{UserID: userID, AppID: a.cfg.AppID, Data: summary}).
		Post(aggregatedPath)
	if err != nil {
		return fmt.Errorf("failed to send aggregated data: %w", err)
	}
	if resp.IsError() {
		return &forwarder.StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	a.metrics.AggregationRuns.WithLabelValues("succeeded").Inc()
	a.logger.Info("Saved aggregated data",
		zap.String("user_id", userID),
		zap.Int("data_points", summary.DataPointsCount),
		zap.Int("alerts", len(summary.Alerts)),
	)

	// 4. analysis is best effort
	if err := a.triggerAnalysis(ctx, userID); err != nil {
		a.logger.Warn("Failed to trigger patient analysis (non-critical)",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return nil
}

func (a *Aggregator) triggerAnalysis(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(analyzeRequest{
			UserID:        userID,
			TriggerSource: triggerSource,
			Timestamp:     a.timestamp(),
		}).
		Post(analyzePath)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &forwarder.StatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

func (a *Aggregator) timestamp() string {
	return a.now().UTC().Format("2006-01-02T15:04:05.000Z")
}
