package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/evostrat/engine/pkg/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client is one connected websocket subscriber, pumping the evolution
// log's event stream to the browser through a read/write pump pair.
// There is no channel-subscription hub; the control surface has exactly
// one thing to stream.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel func()
}

// handleWebSocket upgrades the request and starts streaming every
// evolution event as it's recorded, a live tail of the log, until the
// client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	events, cancel := s.log.Subscribe(256)
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256), cancel: cancel}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("id", c.id))

	go s.feedPump(c, events)
	go c.writePump()
	go s.readPump(c)
}

// feedPump relays evolution events from the log subscription channel to
// the client's send buffer as JSON until the channel is closed.
func (s *Server) feedPump(c *client, events <-chan model.EvolutionEvent) {
	for ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default:
		}
	}
}

// readPump drains (and discards) client frames, just enough to notice a
// close/disconnect, cancel the log subscription and close the
// connection.
func (s *Server) readPump(c *client) {
	defer func() {
		c.cancel()
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Info("websocket client disconnected", zap.String("id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump flushes queued events to the socket and keeps the
// connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
