package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Trace is the persisted record of one finished pipeline run.
type Trace struct {
	SessionID string      `json:"session_id"`
	Request   string      `json:"request"`
	Stage     string      `json:"stage"`
	Report    string      `json:"report"`
	Partial   bool        `json:"partial"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Tasks     []TraceTask `json:"tasks"`
}

// TraceTask is the per-task outcome recorded alongside a trace.
type TraceTask struct {
	TaskID   int    `json:"task_id"`
	Title    string `json:"title"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// SaveTrace records a finished run and its per-task outcomes. Saving a
// trace for a session that already has one replaces it.
func (db *DB) SaveTrace(ctx context.Context, t *Trace) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO traces (session_id, request, stage, report, partial, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			request = excluded.request,
			stage = excluded.stage,
			report = excluded.report,
			partial = excluded.partial,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`, t.SessionID, t.Request, t.Stage, t.Report, boolToInt(t.Partial),
		formatTime(t.StartedAt), formatTime(t.EndedAt)); err != nil {
		tx.Rollback()
		return fmt.Errorf("save trace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trace_tasks WHERE session_id = ?`, t.SessionID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear trace tasks: %w", err)
	}

	for _, task := range t.Tasks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_tasks (session_id, task_id, title, state, attempts, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.SessionID, task.TaskID, task.Title, task.State, task.Attempts, task.Error); err != nil {
			tx.Rollback()
			return fmt.Errorf("save trace task %d: %w", task.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace: %w", err)
	}
	return nil
}

// GetTrace retrieves a trace by session id. Returns nil when no trace
// exists for the session.
func (db *DB) GetTrace(ctx context.Context, sessionID string) (*Trace, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `
		SELECT session_id, request, stage, report, partial, started_at, ended_at
		FROM traces WHERE session_id = ?
	`, sessionID)

	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT task_id, title, state, attempts, error
		FROM trace_tasks WHERE session_id = ? ORDER BY task_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get trace tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var task TraceTask
		var taskErr sql.NullString
		if err := rows.Scan(&task.TaskID, &task.Title, &task.State, &task.Attempts, &taskErr); err != nil {
			return nil, fmt.Errorf("scan trace task: %w", err)
		}
		task.Error = taskErr.String
		t.Tasks = append(t.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace tasks: %w", err)
	}

	return t, nil
}

// ListTraces returns the most recent traces, newest first, without their
// per-task detail. A limit of 0 means no limit.
func (db *DB) ListTraces(ctx context.Context, limit int) ([]*Trace, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT session_id, request, stage, report, partial, started_at, ended_at
		FROM traces ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}

	return traces, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrace(row scanner) (*Trace, error) {
	var t Trace
	var report sql.NullString
	var partial int
	var startedAt, endedAt string
	if err := row.Scan(&t.SessionID, &t.Request, &t.Stage, &report, &partial, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	t.Report = report.String
	t.Partial = partial != 0
	t.StartedAt, _ = parseTime(startedAt)
	t.EndedAt, _ = parseTime(endedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
