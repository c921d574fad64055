package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/repository"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeForwarder struct {
	mu     sync.Mutex
	frames []*models.Frame
	err    error
	block  chan struct{}
}

func (f *fakeForwarder) Forward(ctx context.Context, frame *models.Frame) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	if f.err != nil {
		return "", f.err
	}
	return "id", nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type fakeRecorder struct {
	mu       sync.Mutex
	patients []string
}

func (r *fakeRecorder) Record(_ context.Context, patientID string, _ *models.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients = append(r.patients, patientID)
	return nil
}

type fakeLookup struct {
	mu      sync.Mutex
	calls   int
	devices map[string]string
	err     error
}

func (l *fakeLookup) GetDevice(_ context.Context, deviceID string) (*repository.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	patient, ok := l.devices[deviceID]
	if !ok {
		return nil, repository.ErrDeviceNotFound
	}
	return &repository.Device{DeviceID: deviceID, PatientID: patient}, nil
}

func TestPipeline_ForwardsAndRecords(t *testing.T) {
	fwd := &fakeForwarder{}
	rec := &fakeRecorder{}
	m := metrics.New()
	resolver := NewPatientResolver(&fakeLookup{devices: map[string]string{"d1": "p1"}}, "default", zap.NewNop())

	p := New(Options{Workers: 2, QueueSize: 8}, fwd, rec, resolver, m, zap.NewNop())
	p.Start(context.Background())

	assert.True(t, p.Submit(&models.Frame{DeviceID: "d1", Timestamp: "t"}, models.SourceDevice))
	assert.True(t, p.Submit(&models.Frame{DeviceID: "d2", Timestamp: "t"}, models.SourceSimulator))
	p.Close()

	assert.Equal(t, 2, fwd.count())
	assert.ElementsMatch(t, []string{"p1", "default"}, rec.patients)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues(models.SourceDevice)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Forwards.WithLabelValues("succeeded")))
}

func TestPipeline_ForwardFailureIsCountedNotPropagated(t *testing.T) {
	fwd := &fakeForwarder{err: errors.New("boom")}
	m := metrics.New()
	p := New(Options{Workers: 1, QueueSize: 4}, fwd, nil, nil, m, zap.NewNop())
	p.Start(context.Background())

	assert.True(t, p.Submit(&models.Frame{DeviceID: "d1", Timestamp: "t"}, models.SourceDevice))
	p.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Forwards.WithLabelValues("failed")))
}

func TestPipeline_SubmitNeverBlocks(t *testing.T) {
	fwd := &fakeForwarder{block: make(chan struct{})}
	m := metrics.New()
	p := New(Options{Workers: 1, QueueSize: 2}, fwd, nil, nil, m, zap.NewNop())
	p.Start(context.Background())

	done := make(chan int)
	go func() {
		accepted := 0
		for i := 0; i < 10; i++ {
			if p.Submit(&models.Frame{DeviceID: "d1", Timestamp: "t"}, models.SourceDevice) {
				accepted++
			}
		}
		done <- accepted
	}()

	select {
	case accepted := <-done:
		// one in the worker at most, two queued
		assert.LessOrEqual(t, accepted, 3)
		assert.GreaterOrEqual(t, testutil.ToFloat64(m.FramesDropped.WithLabelValues("queue_full")), 7.0)
	case <-time.After(time.Second):
		t.Fatal("Submit blocked")
	}

	close(fwd.block)
	p.Close()
}

func TestPipeline_SubmitAfterClose(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1}, &fakeForwarder{}, nil, nil, metrics.New(), zap.NewNop())
	p.Start(context.Background())
	p.Close()
	p.Close()

	assert.False(t, p.Submit(&models.Frame{Timestamp: "t"}, models.SourceDevice))
}

func TestPatientResolver(t *testing.T) {
	lookup := &fakeLookup{devices: map[string]string{"d1": "p1"}}
	r := NewPatientResolver(lookup, "fallback", zap.NewNop())
	ctx := context.Background()

	require.Equal(t, "p1", r.Resolve(ctx, "d1"))
	require.Equal(t, "p1", r.Resolve(ctx, "d1"))
	assert.Equal(t, 1, lookup.calls, "hits are memoized")

	assert.Equal(t, "fallback", r.Resolve(ctx, "unknown"))
	assert.Equal(t, "fallback", r.Resolve(ctx, ""))

	lookup.err = errors.New("db down")
	assert.Equal(t, "fallback", r.Resolve(ctx, "d9"))

	none := NewPatientResolver(nil, "fallback", zap.NewNop())
	assert.Equal(t, "fallback", none.Resolve(ctx, "d1"))
}
