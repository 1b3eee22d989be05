package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/quill/internal/orchestrator"
	"github.com/ShayCichocki/quill/internal/state"
)

// ErrSessionNotFound is returned when looking up an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// ManagerConfig carries the shared wiring every session gets.
type ManagerConfig struct {
	Pipeline       orchestrator.Config
	ConfirmTimeout time.Duration
	// SigningKey signs reconnect state snapshots.
	SigningKey []byte
	Planner    orchestrator.Planner
	Solver     orchestrator.Solver
	Aggregator orchestrator.Aggregator
	// Traces receives completed traces. Nil disables persistence.
	Traces state.TraceStore
	Logger *orchestrator.DebugLogger
	// BufferCapacity caps each session's replay buffer. Zero means unbounded.
	BufferCapacity int
}

// Manager owns the process-wide session registry. Session ids are
// uuid-generated; lookups by unknown id fail with ErrSessionNotFound.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      ManagerConfig
	resumer  *Resumer
	closed   bool
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		resumer:  NewResumer(cfg.SigningKey),
	}
}

// Create registers a new session and starts its command loop.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("session manager closed")
	}

	id := uuid.New().String()
	s := New(Config{
		ID:             id,
		Pipeline:       m.cfg.Pipeline,
		ConfirmTimeout: m.cfg.ConfirmTimeout,
		Planner:        m.cfg.Planner,
		Solver:         m.cfg.Solver,
		Aggregator:     m.cfg.Aggregator,
		Resumer:        m.resumer,
		Traces:         m.cfg.Traces,
		Logger:         m.cfg.Logger,
		BufferCapacity: m.cfg.BufferCapacity,
	})
	m.sessions[id] = s
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Resume verifies a client-presented state blob and returns the live
// session it names. A valid signature over an evicted session still fails
// with ErrSessionNotFound.
func (m *Manager) Resume(blob string) (*Session, *Snapshot, error) {
	snap, err := m.resumer.Verify(blob)
	if err != nil {
		return nil, nil, err
	}
	s, err := m.Get(snap.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, snap, nil
}

// Remove evicts a session from the registry and stops its command loop.
// Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops every session and rejects further creates.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
