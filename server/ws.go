package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pablopunk/doce.dev-sub004/stream"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 512
)

// wsClient is one WebSocket subscriber.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	sub    *stream.Subscription
	remote string
	closed chan struct{}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// handleWebSocket streams hub events as JSON text frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream not available")
		return
	}
	topics, err := parseTopics(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// Subscribed before the handshake: events published after the upgrade are delivered.
	sub := s.hub.Subscribe(topics...)
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sub.Close()
		s.logger.Warnw("Failed to upgrade WebSocket", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.streams.Add(1)
	c := &wsClient{
		server: s,
		conn:   conn,
		sub:    sub,
		remote: r.RemoteAddr,
		closed: make(chan struct{}),
	}
	s.logger.Debugw("WebSocket client connected", "topics", topics, "remote", c.remote)

	go c.readPump()
	go func() {
		defer s.streams.Done()
		c.writePump()
	}()
}

// readPump discards client frames and watches for close.
func (c *wsClient) readPump() {
	defer close(c.closed)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "error", err, "remote", c.remote)
			}
			return
		}
	}
}

// writePump forwards subscription events and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
		c.server.logger.Debugw("WebSocket client disconnected", "remote", c.remote)
	}()

	for {
		select {
		case <-c.closed:
			return
		case <-c.server.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case evt, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				c.server.logger.Debugw("WebSocket write error", "error", err, "remote", c.remote)
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
