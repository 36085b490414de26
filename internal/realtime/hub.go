package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10

	defaultBufferSize = 16
)

// StreamSessions carries session lifecycle events of the connected identity.
const StreamSessions = "sessions"

// Message is a JSON payload delivered to connected clients.
type Message struct {
	Stream string `json:"stream"`
	Event  string `json:"event"`
	Data   any    `json:"data,omitempty"`
}

type controlMessage struct {
	Action string `json:"action"`
}

// Hub fans messages out to the WebSocket connections of each identity.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*connection]struct{}
	closed   bool
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a realtime hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*connection]struct{}),
		log:     logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same origin, or loopback during development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Serve upgrades the request and blocks until the connection of identityID closes.
func (h *Hub) Serve(identityID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := newConnection(h, conn, identityID)
	if !h.register(client) {
		_ = conn.Close()
		return
	}

	go client.writeLoop()
	client.readLoop()
}

// Publish delivers message to every connection of identityID.
func (h *Hub) Publish(identityID string, message Message) {
	if identityID == "" {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[identityID] {
		h.enqueue(client, message)
	}
}

// Connections reports how many connections identityID holds.
func (h *Hub) Connections(identityID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[identityID])
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*connection
	for _, clients := range h.clients {
		for client := range clients {
			all = append(all, client)
		}
	}
	h.mu.Unlock()

	for _, client := range all {
		client.close()
	}
}

func (h *Hub) register(client *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.clients[client.identityID] == nil {
		h.clients[client.identityID] = make(map[*connection]struct{})
	}
	h.clients[client.identityID][client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[client.identityID]
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.identityID)
	}
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (h *Hub) enqueue(client *connection, message Message) {
	select {
	case client.send <- message:
	default:
		h.log.Warn("dropping slow client", zap.String("identity_id", client.identityID))
		go client.close()
	}
}

type connection struct {
	hub        *Hub
	socket     *websocket.Conn
	identityID string
	send       chan Message
	done       chan struct{}
	once       sync.Once
}

func newConnection(hub *Hub, conn *websocket.Conn, identityID string) *connection {
	return &connection{
		hub:        hub,
		socket:     conn,
		identityID: identityID,
		send:       make(chan Message, defaultBufferSize),
		done:       make(chan struct{}),
	}
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected close", zap.String("identity_id", c.identityID), zap.Error(err))
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(ctrl.Action), "ping") {
			select {
			case c.send <- Message{Event: "pong"}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.socket.Close()
			return
		case message := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(message); err != nil {
				c.close()
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			return parsed.Hostname()
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
