package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/macrodyne/autod/logger"
)

const (
	// writeWait is the deadline for a single write to a client.
	writeWait = 10 * time.Second

	// pingPeriod is how often the server pings each client.
	pingPeriod = 30 * time.Second

	// pongWait allows two missed ping intervals before the connection is
	// considered stalled and dropped.
	pongWait = 2*pingPeriod + 5*time.Second

	// sendBuffer bounds the per-client outbound queue.
	sendBuffer = 64

	// maxInboundSize caps inbound control messages.
	maxInboundSize = 4096
)

// streamChannels are the subscribable event channels.
var streamChannels = []string{"task", "log", "stats", "cluster"}

// outboundMessage is the frame shape pushed to stream clients.
type outboundMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// inboundMessage is what clients may send: subscribe, ping, identify.
type inboundMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Name     string   `json:"name,omitempty"`
}

// Client is one WebSocket stream connection.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan outboundMessage

	mu   sync.RWMutex
	name string
	subs map[string]bool

	closeOnce sync.Once
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	subs := make(map[string]bool, len(streamChannels))
	for _, ch := range streamChannels {
		subs[ch] = true
	}
	return &Client{
		id:     uuid.New().String(),
		server: server,
		conn:   conn,
		send:   make(chan outboundMessage, sendBuffer),
		subs:   subs,
	}
}

// wants reports whether the client subscribed to the given channel.
func (c *Client) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *Client) displayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.name != "" {
		return c.name
	}
	return shortID(c.id)
}

// close shuts the send channel exactly once, unblocking writePump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// enqueue delivers without blocking the hub. A full buffer drops the frame;
// the stream is best-effort.
func (c *Client) enqueue(msg outboundMessage) {
	select {
	case c.send <- msg:
	default:
		logger.Debugw("Stream client buffer full, dropping frame",
			"client", c.displayName(), "type", msg.Type)
	}
}

// readPump consumes client messages until the connection dies, then hands the
// client back to the hub for unregistration.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugw("Stream client read error", "client", c.displayName(), "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debugw("Stream client sent invalid JSON", "client", c.displayName())
			continue
		}
		c.routeMessage(msg)
	}
}

func (c *Client) routeMessage(msg inboundMessage) {
	switch msg.Type {
	case "subscribe":
		c.applySubscription(msg.Channels)
	case "ping":
		c.enqueue(outboundMessage{Type: "pong", Timestamp: time.Now()})
	case "identify":
		if msg.Name != "" {
			c.mu.Lock()
			c.name = msg.Name
			c.mu.Unlock()
			logger.Debugw("Stream client identified", "client", msg.Name)
		}
	default:
		logger.Debugw("Stream client sent unknown message type",
			"client", c.displayName(), "type", msg.Type)
	}
}

// applySubscription replaces the channel set. Unknown channel names are
// ignored; an empty list resubscribes to everything.
func (c *Client) applySubscription(channels []string) {
	valid := make(map[string]bool, len(streamChannels))
	for _, ch := range streamChannels {
		valid[ch] = true
	}

	subs := make(map[string]bool, len(streamChannels))
	if len(channels) == 0 {
		for _, ch := range streamChannels {
			subs[ch] = true
		}
	} else {
		for _, ch := range channels {
			if valid[ch] {
				subs[ch] = true
			}
		}
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()

	accepted := make([]string, 0, len(subs))
	for _, ch := range streamChannels {
		if subs[ch] {
			accepted = append(accepted, ch)
		}
	}
	c.enqueue(outboundMessage{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": accepted},
		Timestamp: time.Now(),
	})
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
