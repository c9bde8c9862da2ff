package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/macrodyne/autod/bus"
	"github.com/macrodyne/autod/logger"
	"github.com/macrodyne/autod/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth already happened at the gate; cross-origin browsers are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.clients) >= MaxClients
	s.mu.RUnlock()
	if full {
		writeError(w, http.StatusServiceUnavailable, "too many stream clients")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn)
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// handleClientRegister admits a client and sends the hello frame.
func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		logger.Warnw("Stream client rejected, hub full", "max", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()

	client.enqueue(outboundMessage{
		Type: "connected",
		Data: map[string]interface{}{
			"clientId": client.id,
			"version":  version.Get().Short(),
			"channels": streamChannels,
		},
		Timestamp: time.Now(),
	})
	logger.Infow("Stream client connected", "client", client.displayName(), "total", count)
}

// handleClientUnregister removes a client and releases its send channel.
func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	_, known := s.clients[client]
	if known {
		delete(s.clients, client)
	}
	count := len(s.clients)
	s.mu.Unlock()

	if known {
		client.close()
		logger.Infow("Stream client disconnected", "client", client.displayName(), "total", count)
	}
}

// broadcastEvent fans a bus event out to every subscribed client.
func (s *Server) broadcastEvent(ev bus.Event) {
	msg := outboundMessage{
		Type:      ev.Topic,
		Channel:   ev.Topic,
		Data:      map[string]interface{}{"event": ev.Type, "payload": ev.Payload},
		Timestamp: ev.Time,
	}

	s.mu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if client.wants(ev.Topic) {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(msg)
	}
}

// statsBroadcaster publishes a stats event on the bus at a fixed cadence so
// stream subscribers get a heartbeat of local load without polling.
func (s *Server) statsBroadcaster() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			listeners := len(s.clients)
			s.mu.RUnlock()
			if listeners == 0 && s.events.SubscriberCount() <= 1 {
				continue
			}
			s.events.Publish(bus.TopicStats, "stats", s.statsPayload())
		}
	}
}
