// Package listener accepts persistent device connections and feeds their
// frames into the ingestion pipeline.
package listener

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/normalize"
	"stancesense/stancesense-ingest/internal/simulator"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame back to a device.
	writeWait = 10 * time.Second

	// Maximum inbound message size.
	maxMessageSize = 64 * 1024
)

// Submitter accepts frames without blocking.
type Submitter interface {
	Submit(frame *models.Frame, source string) bool
}

// Options configure the listener.
type Options struct {
	// Simulator, when set, is attached to every new connection.
	Simulator         *simulator.Simulator
	SimulatorInterval time.Duration
}

// Listener is the device link endpoint.
type Listener struct {
	ctx      context.Context
	upgrader websocket.Upgrader
	pipeline Submitter
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[string]*deviceConn
	closed bool
	wg     sync.WaitGroup
}

// New creates a listener. ctx bounds the lifetime of attached simulators.
func New(ctx context.Context, opts Options, pipeline Submitter, m *metrics.Metrics, logger *zap.Logger) *Listener {
	if opts.SimulatorInterval <= 0 {
		opts.SimulatorInterval = 3 * time.Second
	}
	return &Listener{
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// devices are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pipeline: pipeline,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		conns:    make(map[string]*deviceConn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("Failed to upgrade device connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := uuid.NewString()
	c := &deviceConn{
		id:     id,
		ws:     ws,
		logger: l.logger.With(zap.String("connection_id", id), zap.String("remote_addr", r.RemoteAddr)),
	}

	if !l.register(c) {
		_ = ws.Close()
		return
	}
	defer l.unregister(c)

	c.logger.Info("Device connected")

	if l.opts.Simulator != nil {
		c.runner = simulator.Start(l.ctx, l.opts.Simulator, l.opts.SimulatorInterval, l.simulatorSink(c), c.logger)
	}

	l.readLoop(c)

	// the simulator must be gone before the connection is
	if c.runner != nil {
		c.runner.Stop()
	}
	_ = ws.Close()
}

func (l *Listener) simulatorSink(c *deviceConn) simulator.EmitFunc {
	return func(frame *models.Frame) {
		l.metrics.SimulatorFrames.Inc()
		if err := c.writeJSON(frame); err != nil {
			c.logger.Debug("Failed to send simulated frame to device", zap.Error(err))
		}
		l.pipeline.Submit(frame, models.SourceSimulator)
	}
}

// readLoop handles inbound messages one at a time, in arrival order.
func (l *Listener) readLoop(c *deviceConn) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Device connection error", zap.Error(err))
			} else {
				c.logger.Info("Device disconnected")
			}
			return
		}
		l.handleMessage(c, payload)
	}
}

func (l *Listener) handleMessage(c *deviceConn, payload []byte) {
	frame, err := normalize.Parse(payload)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrIncompleteFrame):
			l.metrics.FramesDropped.WithLabelValues("incomplete").Inc()
			c.logger.Debug("Discarding incomplete frame", zap.Error(err))
		default:
			l.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.logger.Warn("Discarding malformed frame", zap.Int("size", len(payload)), zap.Error(err))
		}
		return
	}
	l.pipeline.Submit(frame, models.SourceDevice)
}

func (l *Listener) register(c *deviceConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c.id] = c
	l.wg.Add(1)
	l.metrics.DeviceConnections.Inc()
	return true
}

func (l *Listener) unregister(c *deviceConn) {
	l.mu.Lock()
	delete(l.conns, c.id)
	l.mu.Unlock()
	l.metrics.DeviceConnections.Dec()
	l.wg.Done()
}

// ConnectionCount returns the number of open device connections.
func (l *Listener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Close closes every device connection and waits for their handlers,
// including attached simulators, to finish.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	conns := make([]*deviceConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	l.wg.Wait()
}

type deviceConn struct {
	id     string
	ws     *websocket.Conn
	runner *simulator.Runner
	logger *zap.Logger

	writeMu sync.Mutex
}

func (c *deviceConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *deviceConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}
