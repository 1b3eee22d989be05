package server

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/quill/internal/protocol"
)

// sendBufferSize is the per-connection outbound channel size. A client that
// falls this far behind is disconnected; the session keeps buffering for it.
const sendBufferSize = 256

// Connection is one WebSocket client. It implements session.Transport: the
// write pump is the only goroutine touching the socket for writes, so Send
// just queues.
type Connection struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	// sessionID is the session this connection is attached to, if any.
	// Owned by the read pump.
	sessionID string
}

func newConnection(id string, conn *websocket.Conn, srv *Server) *Connection {
	return &Connection{
		id:     id,
		conn:   conn,
		srv:    srv,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Send queues a stamped envelope for transmission. It returns an error when
// the connection is going away or the client cannot keep up; the session
// reacts by detaching and buffering.
func (c *Connection) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// sendDirect transmits a connection-scoped envelope (protocol errors,
// session_created failures) without going through any session log.
func (c *Connection) sendDirect(event string, payload any) {
	content, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := &protocol.Envelope{
		Event:        event,
		ConnectionID: c.id,
		Timestamp:    time.Now().UTC(),
		Content:      content,
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
	}
}

// close tears the connection down once.
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump is the single writer on the socket. It drains the send channel
// and keeps the connection alive with pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[server] connection %s write failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump reads inbound frames, decodes them, and routes them. It owns the
// connection's session attachment and detaches on exit.
func (c *Connection) readPump() {
	defer func() {
		if c.sessionID != "" {
			if sess, err := c.srv.sessions.Get(c.sessionID); err == nil {
				sess.Detach(c.id)
			}
		}
		c.srv.dropConnection(c.id)
		c.close()
	}()

	c.conn.SetReadLimit(c.srv.cfg.ReadLimit)
	pongWait := c.srv.cfg.HeartbeatInterval * 2
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[server] connection %s read failed: %v", c.id, err)
			}
			return
		}

		env, perr := protocol.Decode(data)
		if perr != nil {
			// Malformed frames fault only this connection's stream.
			c.sendDirect(protocol.ErrorProtocol, protocol.ErrorPayload{
				Kind:    "protocol",
				Message: perr.Error(),
			})
			continue
		}
		env.ConnectionID = c.id

		c.srv.dispatch(c, env)
	}
}
