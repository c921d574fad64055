// Package forwarder posts normalized frames to the downstream processor.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"stancesense/common/models"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// InternalKeyHeader marks requests from a trusted forwarder.
const InternalKeyHeader = "X-Internal-Key"

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("processor returned status %d: %s", e.StatusCode, e.Body)
}

// IsStatusError reports whether err carries a non-2xx response.
func IsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Config configures a Forwarder.
type Config struct {
	URL         string
	Token       string
	InternalKey string
	Timeout     time.Duration

	// MaxRetries > 0 enables a bounded retry policy. Zero keeps the
	// single-attempt, at-most-once behaviour.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	CircuitBreaker bool
}

// IngestResponse is the processor's acknowledgement body.
type IngestResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
	Saved  bool   `json:"saved,omitempty"`
	User   string `json:"user,omitempty"`
}

// Forwarder delivers frames to the processor.
type Forwarder struct {
	client   *resty.Client
	url      string
	executor failsafe.Executor[*IngestResponse]
	logger   *zap.Logger
}

// New creates a Forwarder.
func New(cfg Config, logger *zap.Logger) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	if cfg.InternalKey != "" {
		client.SetHeader(InternalKeyHeader, cfg.InternalKey)
	}

	return &Forwarder{
		client:   client,
		url:      cfg.URL,
		executor: newExecutor(cfg, logger),
		logger:   logger,
	}
}

// newExecutor returns nil when no resilience policy is configured.
func newExecutor(cfg Config, logger *zap.Logger) failsafe.Executor[*IngestResponse] {
	var policies []failsafe.Policy[*IngestResponse]

	if cfg.MaxRetries > 0 {
		baseDelay, maxDelay := cfg.RetryBaseDelay, cfg.RetryMaxDelay
		if baseDelay <= 0 {
			baseDelay = 100 * time.Millisecond
		}
		if maxDelay < baseDelay {
			maxDelay = 5 * time.Second
		}
		policies = append(policies, retrypolicy.NewBuilder[*IngestResponse]().
			WithBackoff(baseDelay, maxDelay).
			WithMaxRetries(cfg.MaxRetries).
			WithJitterFactor(0.1).
			HandleIf(func(_ *IngestResponse, err error) bool {
				return ShouldRetry(err)
			}).
			Build())
	}

	if cfg.CircuitBreaker {
		policies = append(policies, circuitbreaker.NewBuilder[*IngestResponse]().
			WithFailureThresholdRatio(5, 10).
			WithDelay(15*time.Second).
			WithSuccessThreshold(1).
			HandleIf(func(_ *IngestResponse, err error) bool {
				return ShouldRetry(err)
			}).
			OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
				logger.Warn("Forwarder circuit breaker state change",
					zap.String("from_state", stateName(e.OldState)),
					zap.String("to_state", stateName(e.NewState)),
				)
			}).
			Build())
	}

	if len(policies) == 0 {
		return nil
	}
	return failsafe.With(policies...)
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}

// ShouldRetry reports whether a forward failure is transient: transport
// errors, 5xx and 429.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := IsStatusError(err); ok {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Forward posts one frame and returns the processor-assigned id. An empty id
// with a nil error means the processor accepted the frame without one.
func (f *Forwarder) Forward(ctx context.Context, frame *models.Frame) (string, error) {
	var (
		resp *IngestResponse
		err  error
	)
	if f.executor == nil {
		resp, err = f.post(ctx, frame)
	} else {
		resp, err = f.executor.WithContext(ctx).Get(func() (*IngestResponse, error) {
			return f.post(ctx, frame)
		})
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (f *Forwarder) post(ctx context.Context, frame *models.Frame) (*IngestResponse, error) {
	var result IngestResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetBody(frame).
		SetResult(&result).
		Post(f.url)
	if err != nil {
		f.logger.Debug("Forward attempt failed", zap.String("url", f.url), zap.Error(err))
		return nil, fmt.Errorf("failed to post frame: %w", err)
	}
	if !resp.IsSuccess() {
		f.logger.Debug("Forward attempt rejected", zap.String("url", f.url), zap.Int("status_code", resp.StatusCode()))
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
