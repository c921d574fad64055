// Package pipeline moves accepted frames from the edges (device link,
// simulator, MQTT) to the cache and the downstream processor without
// blocking the producers.
package pipeline

import (
	"context"
	"sync"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/metrics"

	"go.uber.org/zap"
)

// Forwarder delivers a frame downstream.
type Forwarder interface {
	Forward(ctx context.Context, frame *models.Frame) (string, error)
}

// Recorder stores a frame for a patient.
type Recorder interface {
	Record(ctx context.Context, patientID string, frame *models.Frame) error
}

// Options size the worker pool.
type Options struct {
	Workers   int
	QueueSize int
}

type job struct {
	frame  *models.Frame
	source string
}

// Pipeline is a bounded queue drained by a fixed set of workers.
type Pipeline struct {
	forwarder Forwarder
	recorder  Recorder
	resolver  *PatientResolver
	metrics   *metrics.Metrics
	logger    *zap.Logger
	workers   int

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// New creates a Pipeline. recorder and resolver may be nil.
func New(opts Options, forwarder Forwarder, recorder Recorder, resolver *PatientResolver, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if resolver == nil {
		resolver = NewPatientResolver(nil, "default", logger)
	}
	return &Pipeline{
		forwarder: forwarder,
		recorder:  recorder,
		resolver:  resolver,
		metrics:   m,
		logger:    logger,
		workers:   opts.Workers,
		queue:     make(chan job, opts.QueueSize),
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for j := range p.queue {
				p.process(ctx, j)
			}
			p.logger.Debug("Pipeline worker stopped", zap.Int("worker", id))
		}(i)
	}
	p.logger.Info("Pipeline started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
}

// Submit enqueues a frame and returns immediately. It returns false when the
// frame was dropped because the queue is full or the pipeline is closed.
func (p *Pipeline) Submit(frame *models.Frame, source string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.FramesDropped.WithLabelValues("closed").Inc()
		return false
	}

	select {
	case p.queue <- job{frame: frame, source: source}:
		p.metrics.FramesReceived.WithLabelValues(source).Inc()
		return true
	default:
		p.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		p.logger.Warn("Pipeline queue full, dropping frame",
			zap.String("device_id", frame.DeviceID),
			zap.String("source", source),
		)
		return false
	}
}

// Close stops accepting frames, lets the workers finish what is queued and
// waits for them.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Pipeline stopped")
}

func (p *Pipeline) process(ctx context.Context, j job) {
	frame := j.frame

	// 1. cache under the wearer's patient id
	if p.recorder != nil {
		patientID := p.resolver.Resolve(ctx, frame.DeviceID)
		if err := p.recorder.Record(ctx, patientID, frame); err != nil {
			p.logger.Warn("Failed to cache frame",
				zap.String("device_id", frame.DeviceID),
				zap.String("patient_id", patientID),
				zap.Error(err),
			)
		}
	}

	// 2. forward; failures are logged and never reach the producer
	start := time.Now()
	id, err := p.forwarder.Forward(ctx, frame)
	p.metrics.ForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.Forwards.WithLabelValues("failed").Inc()
		p.logger.Error("Failed to forward frame",
			zap.String("device_id", frame.DeviceID),
			zap.String("source", j.source),
			zap.Error(err),
		)
		return
	}

	p.metrics.Forwards.WithLabelValues("succeeded").Inc()
	p.logger.Debug("Forwarded frame",
		zap.String("device_id", frame.DeviceID),
		zap.String("source", j.source),
		zap.String("id", id),
	)
}
