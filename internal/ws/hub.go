package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/metrics"
	"github.com/leafsii/leafsii-farming/internal/store"
	"go.uber.org/zap"
)

const (
	TopicAllEvents  = engine.EventChannelPrefix + "*"
	UserTopicPrefix = "farm:user:"
)

// Channels lists every pub/sub channel the hub relays.
func Channels() []string {
	channels := make([]string, 0, len(engine.EventKinds)+2)
	for _, kind := range engine.EventKinds {
		channels = append(channels, engine.EventChannel(kind))
	}
	return append(channels, engine.KeyPoolQuote, engine.KeyVaultQuote)
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	// done is closed when Run returns so pumps stop handing clients to it.
	done       chan struct{}
	pumps      sync.WaitGroup
	cache      *store.Cache
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.Mutex
	topics     map[string]bool
	address    string
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type WSSubscriptionRequest struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Address string   `json:"address,omitempty"`
}

// eventParties is the part of an engine event used for per-user routing.
type eventParties struct {
	Actor  string `json:"actor"`
	Target string `json:"target"`
}

func NewHub(cache *store.Cache, allowedOrigins []string, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cache:      cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// same-origin requests carry no Origin header
				return origin == "" || allowed[origin]
			},
		},
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) Run(ctx context.Context) {
	go h.startSubscription(ctx)
	go h.startClientCleanup(ctx)

	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.DecrementConnections(ctx)
			}
			h.logger.Debugw("Client unregistered", "address", client.getAddress())
		}
	}
}

// shutdown closes every client's send queue; its writePump then sends a close
// frame, which ends the matching readPump.
func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) startSubscription(ctx context.Context) {
	channels := Channels()
	sub := h.cache.Subscribe(ctx, channels...)
	defer sub.Close()
	h.logger.Debugw("WebSocket hub subscribed", "channels", len(channels), "in_memory", h.cache.IsInMemoryMode())

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handleMessage(msg)
		}
	}
}

func (h *Hub) handleMessage(msg *store.Message) {
	wsMessage := Message{
		Type:      "update",
		Topic:     msg.Channel,
		Data:      json.RawMessage(msg.Payload),
		Timestamp: time.Now().Unix(),
	}

	messageBytes, err := json.Marshal(wsMessage)
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	var parties eventParties
	if strings.HasPrefix(msg.Channel, engine.EventChannelPrefix) {
		_ = json.Unmarshal([]byte(msg.Payload), &parties)
	}
	h.broadcastToClients(messageBytes, msg.Channel, parties)
}

func (h *Hub) broadcastToClients(message []byte, topic string, parties eventParties) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.wants(topic, parties) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// slow consumer
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(time.Now().Add(-60 * time.Second))
		}
	}
}

func (h *Hub) cleanupInactiveClients(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.lastSeen().Before(cutoff) {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "address", client.getAddress())
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	h.pumps.Add(2)
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleRequest(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// coalesce queued messages into this frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(message []byte) {
	var sub WSSubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}
	c.apply(sub)
	c.hub.logger.Debugw("Client subscription changed", "type", sub.Type, "topics", sub.Topics, "address", sub.Address)
}

func (c *Client) apply(sub WSSubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Address != "" {
			c.address = host.NormalizePrincipal(sub.Address)
			c.topics[UserTopicPrefix+c.address] = true
		}
	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
	}
}

// wants reports whether a message on topic should reach this client. Events
// naming the client's address as actor or target reach it through its user topic.
func (c *Client) wants(topic string, parties eventParties) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics[topic] {
		return true
	}
	if !strings.HasPrefix(topic, engine.EventChannelPrefix) {
		return false
	}
	if c.topics[TopicAllEvents] {
		return true
	}
	if c.address != "" && c.topics[UserTopicPrefix+c.address] {
		return host.NormalizePrincipal(parties.Actor) == c.address || host.NormalizePrincipal(parties.Target) == c.address
	}
	return false
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Client) getAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}
