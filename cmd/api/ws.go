package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	// outbound buffer per connection; a full buffer drops events and the
	// client converges via polling
	sendBufferSize = 64

	writeWait      = 10 * time.Second
	maxMessageSize = 8 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The credential is the access control; origin checking is left to a
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one live connection: the websocket plus its outbound queue.
// Its lifecycle is Connecting → Authenticated (handshake verified before
// the upgrade) → Active (registered in the hub) → Closed (unregistered,
// queue shut down). No path skips the authentication step.
type wsClient struct {
	srv     *Server
	conn    *websocket.Conn
	userID  bson.ObjectID
	userHex string
	send    chan ServerEvent
	log     *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// TrySend enqueues an event without blocking. Events for a full or
// already-closed connection are dropped; polling recovers them.
func (c *wsClient) TrySend(evt ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- evt:
	default:
		c.log.Warn("send buffer full, dropping event")
	}
}

// shutdown closes the outbound queue exactly once. Safe against
// concurrent TrySend: both take the same lock.
func (c *wsClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleWS is the live-connection handshake. The credential arrives on
// the upgrade request (cookie or token query parameter); verification
// failure refuses the connection before it is upgraded, so an
// unauthenticated connection is never registered.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := s.auth.VerifyToken(token)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := bson.ObjectIDFromHex(claims.UserID)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its response
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		srv:     s,
		conn:    conn,
		userID:  userID,
		userHex: claims.UserID,
		send:    make(chan ServerEvent, sendBufferSize),
		log: s.log.WithFields(logrus.Fields{
			"user_id": claims.UserID,
			"remote":  r.RemoteAddr,
		}),
	}

	connID := s.hub.Register(client.userHex, client)
	client.log.Info("connection registered")

	go client.writePump()
	client.readPump(connID)
}

// readPump reads frames off the connection until it closes, dispatching
// decoded events. It owns the unregister path: whatever ends the read
// loop — transport close, explicit disconnect, a malformed stream —
// removes the connection from the hub before returning.
func (c *wsClient) readPump(connID int64) {
	defer func() {
		c.srv.hub.Unregister(c.userHex, connID)
		c.shutdown()
		_ = c.conn.Close()
		c.log.Info("connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		evt, err := decodeClientEvent(raw)
		if err != nil {
			c.TrySend(errorEvent(err.Error()))
			continue
		}

		switch evt.Type {
		case EventSendMessage:
			c.handleSendMessage(evt)
		}
	}
}

// handleSendMessage persists and fans out a message sent over the live
// connection. The sender identity is this connection's authenticated
// user; the payload has no say in it. The sender's own connections
// receive the message via the fanout like everyone else's — there is no
// separate ack, which keeps multi-device state consistent for free.
func (c *wsClient) handleSendMessage(evt *ClientEvent) {
	chatID, err := bson.ObjectIDFromHex(evt.ChatID)
	if err != nil {
		c.TrySend(errorEvent("chat not found or access denied"))
		return
	}

	if _, err := c.srv.deliver(context.Background(), chatID, c.userID, evt.Content); err != nil {
		// The client keeps its input restorable on failure, so report the
		// mapped reason on this connection only.
		c.TrySend(errorEvent(deliverErrorMessage(err)))
	}
}

// writePump drains the outbound queue onto the wire. It exits when the
// queue is shut down or a write fails, closing the transport either way.
func (c *wsClient) writePump() {
	defer func() { _ = c.conn.Close() }()

	for evt := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(evt); err != nil {
			return
		}
	}

	// Queue shut down cleanly: tell the peer before closing.
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
