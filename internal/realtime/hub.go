// Package realtime is the server side of the push channel: a websocket hub
// keyed by user, authenticated with JWTs.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskbell/internal/eventbus"
	logx "taskbell/pkg/logx"
)

var (
	ErrNotConnected = errors.New("realtime: user not connected")
	ErrBackpressure = errors.New("realtime: all client buffers full")
	ErrClosed       = errors.New("realtime: hub closed")
)

// ClientEventPrefix namespaces frames received from clients on the bus.
const ClientEventPrefix = "client."

type Config struct {
	JWTSecret      string
	Issuer         string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// Frame is the JSON envelope on the wire, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at,omitempty"`
}

// ClientFrame is the bus payload for a frame a client sent.
type ClientFrame struct {
	UserID string          `json:"userId"`
	ConnID string          `json:"connId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub tracks live connections per user.
type Hub struct {
	cfg  Config
	auth *Authenticator
	bus  eventbus.Publisher
	log  logx.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[string]*client
	closed  bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewHub(cfg Config, bus eventbus.Publisher, log logx.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	h := &Hub{
		cfg:     cfg,
		auth:    NewAuthenticator(cfg.JWTSecret, cfg.Issuer),
		bus:     bus,
		log:     log.With(logx.String("comp", "realtime")),
		clients: map[string]map[string]*client{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) Authenticator() *Authenticator { return h.auth }

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates and upgrades the request, then blocks reading
// client frames until the connection ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Verify(tokenFromRequest(r))
	if err != nil {
		h.log.Debug("websocket auth rejected", logx.String("remote", r.RemoteAddr), logx.Err(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.String("user_id", userID), logx.Err(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	log := h.log.With(logx.String("user_id", userID), logx.String("conn_id", c.id))
	log.Info("websocket connected", logx.String("remote", r.RemoteAddr))

	go h.writePump(c, log)
	h.readPump(r.Context(), c, log)

	h.unregister(c)
	c.close()
	log.Info("websocket disconnected")
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	m := h.clients[c.userID]
	if m == nil {
		m = map[string]*client{}
		h.clients[c.userID] = m
	}
	m[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.clients[c.userID]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *client, log logx.Logger) {
	pongWait := h.cfg.PingInterval * 2
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read ended", logx.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			log.Debug("invalid client frame", logx.Err(err))
			continue
		}
		if f.Event == "ping" {
			h.enqueue(c, Frame{Event: "pong", At: time.Now()})
			continue
		}
		if h.bus != nil {
			h.bus.Publish(ctx, eventbus.Event{
				Type: ClientEventPrefix + f.Event,
				Data: ClientFrame{UserID: c.userID, ConnID: c.id, Event: f.Event, Data: f.Data},
			})
		}
	}
}

func (h *Hub) writePump(c *client, log logx.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write failed", logx.Err(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) enqueue(c *client, f Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Push sends event to every live connection of userID. Slow clients drop the frame.
func (h *Hub) Push(_ context.Context, userID, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Data: raw, At: time.Now()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	conns := make([]*client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNotConnected
	}
	sent := 0
	for _, c := range conns {
		select {
		case c.send <- frame:
			sent++
		default:
			h.dropped.Add(1)
			h.log.Warn("websocket buffer full, dropping frame", logx.String("user_id", userID), logx.String("conn_id", c.id), logx.String("event", event))
		}
	}
	if sent == 0 {
		return ErrBackpressure
	}
	h.delivered.Add(uint64(sent))
	return nil
}

// Connected returns the number of live connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Stats is a point-in-time view for health output.
type Stats struct {
	Users       int    `json:"users"`
	Connections int    `json:"connections"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{Users: len(h.clients)}
	for _, m := range h.clients {
		st.Connections += len(m)
	}
	h.mu.RUnlock()
	st.Delivered = h.delivered.Load()
	st.Dropped = h.dropped.Load()
	return st
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*client
	for _, m := range h.clients {
		for _, c := range m {
			all = append(all, c)
		}
	}
	h.clients = map[string]map[string]*client{}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
		c.close()
	}
}
