// Package state provides SQLite-based persistence for quill.
package state

import (
	"context"
	"io"
)

// TraceStore handles trace persistence. Sessions hold this interface so
// any backend can stand in for the concrete SQLite implementation; a nil
// store disables persistence entirely.
type TraceStore interface {
	SaveTrace(ctx context.Context, t *Trace) error
	GetTrace(ctx context.Context, sessionID string) (*Trace, error)
	ListTraces(ctx context.Context, limit int) ([]*Trace, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the full persistence surface.
type Store interface {
	io.Closer
	Migrator
	TraceStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store      = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ TraceStore = (*DB)(nil)
)
