package fanout

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/internal/runtime/records"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

// Frame types exchanged over the websocket.
const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FramePing         = "ping"
	FramePong         = "pong"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
)

// ClientFrame is a frame sent by a subscriber.
type ClientFrame struct {
	Type       string `json:"type"`
	ResourceID string `json:"resourceId,omitempty"`
}

// ServerFrame is a control frame sent to a subscriber. Update events are
// sent as Event.
type ServerFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ErrorData describes a rejected client frame.
type ErrorData struct {
	Message string `json:"message"`
}

var clientIDCounter atomic.Uint64

// Client is one websocket subscriber.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan any
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   "ws-" + strconv.FormatUint(clientIDCounter.Add(1), 10),
		hub:  hub,
		conn: conn,
		send: make(chan any, sendBuffer),
	}
}

// ID returns the process-unique client id.
func (c *Client) ID() string { return c.id }

// Send enqueues ev without blocking.
func (c *Client) Send(ev Event) bool { return c.enqueue(ev) }

func (c *Client) enqueue(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reject(msg string) {
	c.enqueue(ServerFrame{Type: FrameError, Data: ErrorData{Message: msg}})
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("Unexpected websocket close", err, logging.LogFields{"client_id": c.id})
			}
			return
		}

		var frame ClientFrame
		if err := jsoncodec.Unmarshal(data, &frame); err != nil {
			c.reject("malformed frame")
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame ClientFrame) {
	switch frame.Type {
	case FramePing:
		c.enqueue(ServerFrame{Type: FramePong})
	case FrameSubscribe, FrameUnsubscribe:
		resourceID, err := records.ParseResourceID(frame.ResourceID)
		if err != nil {
			c.reject("invalid resource id")
			return
		}
		if frame.Type == FrameSubscribe {
			c.hub.fanout.Subscribe(c, resourceID)
			c.enqueue(ServerFrame{Type: FrameSubscribed, Data: EventData{ResourceID: resourceID}})
			return
		}
		c.hub.fanout.Unsubscribe(c, resourceID)
		c.enqueue(ServerFrame{Type: FrameUnsubscribed, Data: EventData{ResourceID: resourceID}})
	default:
		c.reject("unknown frame type")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case v, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			payload, err := jsoncodec.Marshal(v)
			if err != nil {
				c.hub.logger.Error("Failed to encode websocket frame", err, logging.LogFields{"client_id": c.id})
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub upgrades HTTP requests to websocket subscriber connections.
type Hub struct {
	fanout   *Fanout
	upgrader websocket.Upgrader
	origins  []string
	logger   logging.ServiceLogger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub returns a hub subscribing clients through f. An empty origin list
// accepts every origin.
func NewHub(f *Fanout, allowedOrigins []string, logger logging.ServiceLogger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Hub{
		fanout:  f,
		origins: allowedOrigins,
		logger:  logger,
		metrics: m,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin accepts requests without an Origin header, which only
// non-browser clients omit.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Info("Websocket origin rejected", logging.LogFields{"origin": origin})
	return false
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	c := newClient(h, conn)
	if !h.add(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
	h.remove(c)
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ConnectionsDelta(1)
	h.logger.Debug("Websocket client connected", logging.LogFields{"client_id": c.id, "clients": len(h.clients)})
	return true
}

func (h *Hub) remove(c *Client) {
	h.fanout.Drop(c)
	c.close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.ConnectionsDelta(-1)
	}
	h.logger.Debug("Websocket client disconnected", logging.LogFields{"client_id": c.id, "clients": len(h.clients)})
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops accepting connections and asks every client to disconnect.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Info("Websocket hub closed", logging.LogFields{"clients_closed": len(clients)})
}
