package simulator

import (
	"context"
	"time"

	"stancesense/common/models"

	"go.uber.org/zap"
)

// EmitFunc receives each generated frame. It runs on the runner goroutine.
type EmitFunc func(frame *models.Frame)

// Runner emits frames from a shared Simulator on a fixed interval for one
// connection. It is owned by that connection and must be stopped when the
// connection closes.
type Runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start emits one frame immediately and then one per interval until ctx is
// cancelled or Stop is called.
func Start(ctx context.Context, sim *Simulator, interval time.Duration, emit EmitFunc, logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(r.done)

		logger.Info("Simulator started", zap.Duration("interval", interval))
		defer logger.Info("Simulator stopped")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.step(ctx, sim, emit, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.step(ctx, sim, emit, logger)
			}
		}
	}()

	return r
}

func (r *Runner) step(ctx context.Context, sim *Simulator, emit EmitFunc, logger *zap.Logger) {
	// a tick may race with cancellation; never emit after Stop
	if ctx.Err() != nil {
		return
	}
	frame := sim.Next()
	emit(frame)

	switch Event(frame) {
	case "fall":
		logger.Warn("Simulated fall", zap.String("device_id", frame.DeviceID))
	case "high_tremor":
		logger.Info("Simulated high tremor",
			zap.String("device_id", frame.DeviceID),
			zap.Float64("amplitude_g", frame.Tremor.AmplitudeG),
		)
	case "rigidity_spike":
		logger.Info("Simulated rigidity spike",
			zap.String("device_id", frame.DeviceID),
			zap.Float64("emg_wrist", frame.Rigidity.EMGWrist),
		)
	default:
		logger.Debug("Simulated frame", zap.String("device_id", frame.DeviceID))
	}
}

// Stop cancels the runner and waits for its goroutine to exit. No frame is
// emitted after Stop returns. Safe to call more than once.
func (r *Runner) Stop() {
	r.cancel()
	<-r.done
}

// Done is closed once the runner goroutine has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}
