package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stancesense/common/models"
	"stancesense/stancesense-hub/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Dashboards only send control frames
	maxMessageSize = 4096

	DefaultSendBuffer = 256
)

// ErrHubClosed is returned by Broadcast once Run has returned.
var ErrHubClosed = errors.New("hub closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub keeps the set of connected dashboard clients and fans every broadcast
// out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	sendBuffer int
	metrics    *metrics.Metrics
	logger     *zap.Logger
	mutex      sync.RWMutex
}

// Client is one dashboard connection.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	patientID string // empty receives everything
	logger    *zap.Logger
}

type outbound struct {
	msgType   string
	patientID string
	payload   []byte
}

// NewHub creates a hub. sendBuffer <= 0 uses DefaultSendBuffer.
func NewHub(sendBuffer int, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		sendBuffer: sendBuffer,
		metrics:    m,
		logger:     logger,
	}
}

// Run is the hub's main loop. On cancellation every client is closed and
// later Broadcast calls fail with ErrHubClosed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ConnectedClients.Set(float64(count))
			client.logger.Info("Client connected", zap.Int("client_count", count))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.metrics.ConnectedClients.Set(float64(count))
			client.logger.Info("Client disconnected", zap.Int("client_count", count))

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) broadcastMessage(msg outbound) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !client.accepts(msg.patientID) {
			continue
		}
		select {
		case client.send <- msg.payload:
		default:
			close(client.send)
			delete(h.clients, client)
			h.metrics.DroppedSends.Inc()
			client.logger.Warn("Dropping slow client", zap.Int("buffer", cap(client.send)))
		}
	}
	h.metrics.ConnectedClients.Set(float64(len(h.clients)))
	h.metrics.Broadcasts.WithLabelValues(msg.msgType).Inc()
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.metrics.ConnectedClients.Set(0)
}

// Broadcast queues env for delivery to every matching client. It blocks until
// the hub accepts the message or ctx is done.
func (h *Hub) Broadcast(ctx context.Context, env *models.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}

	msg := outbound{msgType: env.Type, patientID: env.PatientID, payload: payload}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades a dashboard connection. An optional patient_id query
// parameter limits delivery to that patient's messages and unscoped ones.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade dashboard connection", zap.Error(err))
		return
	}

	client := &Client{
		id:        uuid.New().String(),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.sendBuffer),
		patientID: r.URL.Query().Get("patient_id"),
	}
	client.logger = h.logger.With(
		zap.String("client_id", client.id),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("patient_filter", client.patientID),
	)

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) accepts(patientID string) bool {
	return c.patientID == "" || patientID == "" || c.patientID == patientID
}

// readPump discards client frames and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Dashboard connection error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends one websocket message per broadcast plus periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
