// Package server exposes sessions over a WebSocket endpoint. Connections
// are transient transports: they attach to sessions, carry envelopes both
// ways, and can be replaced at any time without disturbing the session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/quill/internal/protocol"
	"github.com/ShayCichocki/quill/internal/session"
)

// Config contains configuration for the Server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// HeartbeatInterval is how often idle connections are pinged.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

// Server is the WebSocket front end over a session manager.
type Server struct {
	cfg      Config
	sessions *session.Manager
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.RWMutex
	conns map[string]*Connection

	draining atomic.Bool
}

// New creates a Server over the given session manager.
func New(cfg Config, sessions *session.Manager) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*Connection),
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe starts the HTTP listener. It blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
	log.Printf("[server] listening on %s", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Drain stops accepting new sessions. Existing sessions keep running.
func (s *Server) Drain() {
	s.draining.Store(true)
	log.Printf("[server] draining: new sessions rejected")
}

// Shutdown closes every connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), wsConn, s)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (s *Server) dropConnection(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// dispatch routes one decoded inbound envelope. Runs on the connection's
// read pump.
func (s *Server) dispatch(c *Connection, env *protocol.Envelope) {
	switch env.Event {
	case protocol.UserCreateSession:
		s.handleCreateSession(c)
	case protocol.UserReconnectWithState:
		s.handleReconnect(c, env)
	default:
		sess, err := s.sessions.Get(env.SessionID)
		if err != nil {
			c.sendDirect(protocol.ErrorSession, protocol.ErrorPayload{
				Kind:    "session",
				Message: err.Error(),
			})
			return
		}
		sess.HandleEnvelope(env)
	}
}

func (s *Server) handleCreateSession(c *Connection) {
	if s.draining.Load() {
		c.sendDirect(protocol.ErrorSession, protocol.ErrorPayload{
			Kind:    "session",
			Message: "server is draining, not accepting new sessions",
		})
		return
	}

	sess, err := s.sessions.Create()
	if err != nil {
		c.sendDirect(protocol.ErrorSession, protocol.ErrorPayload{
			Kind:    "session",
			Message: err.Error(),
		})
		return
	}

	c.sessionID = sess.ID()
	sess.Attach(c.id, c)
	sess.AnnounceCreated()
	log.Printf("[server] session %s created on connection %s", sess.ID(), c.id)
}

func (s *Server) handleReconnect(c *Connection, env *protocol.Envelope) {
	var payload protocol.ReconnectPayload
	if err := json.Unmarshal(env.Content, &payload); err != nil || payload.State == "" {
		c.sendDirect(protocol.ErrorProtocol, protocol.ErrorPayload{
			Kind:    "protocol",
			Message: "reconnect requires a state blob",
		})
		return
	}

	sess, snap, err := s.sessions.Resume(payload.State)
	if err != nil {
		event, kind := protocol.ErrorProtocol, "protocol"
		if errors.Is(err, session.ErrSessionNotFound) {
			event, kind = protocol.ErrorSession, "session"
		}
		c.sendDirect(event, protocol.ErrorPayload{
			Kind:    kind,
			Message: err.Error(),
		})
		return
	}

	c.sessionID = sess.ID()
	sess.Attach(c.id, c)
	sess.Replay(payload.AfterSeq)
	log.Printf("[server] session %s resumed on connection %s (snapshot seq %d, after %d)",
		sess.ID(), c.id, snap.Seq, payload.AfterSeq)
}
