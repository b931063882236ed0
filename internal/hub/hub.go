package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// Client represents one connected WebSocket consumer
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	ID   string
	Send chan []byte

	authed int32

	mu       sync.Mutex
	channels map[string]bool
}

// SetAuthed marks the client as authenticated
func (c *Client) SetAuthed() {
	atomic.StoreInt32(&c.authed, 1)
}

// IsAuthed reports whether the client has authenticated
func (c *Client) IsAuthed() bool {
	return atomic.LoadInt32(&c.authed) == 1
}

// SetChannels replaces the client's channel subscriptions
func (c *Client) SetChannels(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]bool, len(channels))
	for _, ch := range channels {
		c.channels[ch] = true
	}
}

// SubscribedTo reports whether the client receives the given channel.
// A client that never subscribed receives everything.
func (c *Client) SubscribedTo(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return true
	}
	return c.channels[channel]
}

type outbound struct {
	channel string
	data    []byte
}

// MessageFunc handles an inbound client frame. The owner of the hub
// decides the inbound protocol (auth, subscribe, ping).
type MessageFunc func(c *Client, data []byte)

// Hub fans messages out to connected WebSocket clients
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	mu         sync.RWMutex

	// RequireAuth gates delivery: when set, clients receive nothing
	// until the inbound handler calls SetAuthed.
	RequireAuth bool

	onMessage MessageFunc

	redisClient *redis.Client
	log         *logger.Logger
}

// New creates a hub. redisClient may be nil when the hub is not bridged
// to pub/sub.
func New(redisClient *redis.Client) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan outbound),
		redisClient: redisClient,
		log:         logger.Component("hub"),
	}
}

// SetOnMessage installs the inbound frame handler. Set it before ServeWS
// accepts connections.
func (h *Hub) SetOnMessage(fn MessageFunc) {
	h.onMessage = fn
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Infof("WS client registered: ID=%s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.log.Infof("WS client unregistered: ID=%s", client.ID)

		case out := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if h.RequireAuth && !client.IsAuthed() {
					continue
				}
				if out.channel != "" && !client.SubscribedTo(out.channel) {
					continue
				}
				select {
				case client.Send <- out.data:
				default:
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to every connected client
func (h *Hub) Broadcast(msg model.Message) {
	h.broadcastTo("", msg)
}

// BroadcastChannel sends a message to clients subscribed to the channel
func (h *Hub) BroadcastChannel(channel string, msg model.Message) {
	h.broadcastTo(channel, msg)
}

func (h *Hub) broadcastTo(channel string, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Failed to marshal WS broadcast message: %v", err)
		return
	}
	h.broadcast <- outbound{channel: channel, data: data}
}

// SendDirect queues a message on a single client, bypassing channel
// filters. Used for protocol replies (pong, connection_ack, auth_error).
func (h *Hub) SendDirect(c *Client, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Failed to marshal WS direct message: %v", err)
		return
	}
	select {
	case c.Send <- data:
	default:
		// Buffer full, the write pump will tear the client down
	}
}

// ReadPump consumes frames from the client and feeds the inbound handler
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Errorf("WS error: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if c.Hub.onMessage != nil {
			c.Hub.onMessage(c, data)
		}
	}
}

// WritePump handles outgoing messages to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

			// Drain whatever queued up behind this frame
			n := len(c.Send)
			for i := 0; i < n; i++ {
				c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				w, err := c.Conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				w.Write(<-c.Send)
				if err := w.Close(); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StartPubSubListener bridges Redis pub/sub channels onto the hub. Each
// Redis channel maps to the WS channel of the same name; payloads are
// expected to be message envelopes.
func (h *Hub) StartPubSubListener(ctx context.Context, channels ...string) {
	if h.redisClient == nil || len(channels) == 0 {
		return
	}

	pubsub := h.redisClient.Subscribe(ctx, channels...)
	defer pubsub.Close()

	// Closing the subscription on cancel ends the range below.
	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()

	ch := pubsub.Channel()

	for msg := range ch {
		var envelope model.Message
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			h.log.Warnf("Dropping malformed pub/sub payload on %s: %v", msg.Channel, err)
			continue
		}
		h.BroadcastChannel(msg.Channel, envelope)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, check origin
	},
}

// ServeWS handles WebSocket upgrade requests
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		Hub:  h,
		Conn: conn,
		ID:   uuid.New().String(),
		Send: make(chan []byte, 256),
	}

	h.register <- client

	go client.WritePump()
	go client.ReadPump()
}
