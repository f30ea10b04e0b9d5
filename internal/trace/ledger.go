// Package trace persists sessions and spans: one session per external tool
// invocation, one span per outbound network call. Spans use two-phase
// creation - a cheap synchronous start that gates the request, and a later
// completion carrying the accumulated stream record.
package trace

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/roach88/cairn/internal/identity"
)

//go:embed schema.sql
var schemaSQL string

// Ledger provides durable storage for trace sessions and spans.
//
// It opens its own connection to the shared database file; the graph
// store's tables are invisible to it apart from the optional node link
// columns. SQLite's locking serializes the two writers.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the span ledger at the given path. The same WAL /
// busy-timeout configuration as the graph store applies. Idempotent.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the ledger connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// SetNow overrides the ledger's clock for tests.
func (l *Ledger) SetNow(now func() time.Time) {
	l.now = now
}

const ledgerTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func (l *Ledger) stamp() string {
	return l.now().UTC().Format(ledgerTimeFormat)
}

func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// StartSpan persists a minimal started-span row and returns it.
//
// This call gates the outbound network request, so it does only two cheap
// writes: ensure the session row exists, then claim the next session-scoped
// sequence number. All content arrives later via CompleteSpan. The session
// is created on first use so a subprocess resuming an externally
// established session id needs no separate setup step.
func (l *Ledger) StartSpan(ctx context.Context, sessionID string) (Span, error) {
	if sessionID == "" {
		return Span{}, fmt.Errorf("start span: session id is required")
	}

	var span Span
	err := retryBusy(ctx, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("start span: begin tx: %w", err)
		}
		defer tx.Rollback()

		now := l.now().UTC()
		stamp := now.Format(ledgerTimeFormat)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_sessions (id, started_at) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING
		`, sessionID, stamp); err != nil {
			return fmt.Errorf("start span: ensure session: %w", err)
		}

		// MAX+1 inside the transaction gives a strictly increasing,
		// session-scoped total order even under concurrent starters.
		var seq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM trace_spans WHERE session_id = ?
		`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("start span: next seq: %w", err)
		}

		changeID := identity.New()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_spans (session_id, seq, change_id, state, started_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, seq, changeID.String(), string(SpanStarted), stamp); err != nil {
			return fmt.Errorf("start span: insert: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("start span: commit: %w", err)
		}

		span = Span{
			SessionID: sessionID,
			Seq:       seq,
			ChangeID:  changeID,
			State:     SpanStarted,
			StartedAt: now,
		}
		return nil
	})
	if err != nil {
		return Span{}, err
	}
	return span, nil
}

// CompleteSpan writes the finalized stream record onto a span and moves it
// to the completed state.
//
// Calling it on an already-completed span is last write wins: retried
// network calls can race with delayed completions, so the repeat is
// reported via wasCompleted for the caller to log, never rejected. Session
// token aggregates are recomputed from the span rows in the same
// transaction, which keeps them correct under re-completion.
func (l *Ledger) CompleteSpan(ctx context.Context, sessionID string, seq int64, rec Record) (wasCompleted bool, err error) {
	toolNames, err := json.Marshal(rec.ToolNames)
	if err != nil {
		return false, fmt.Errorf("complete span: marshal tool names: %w", err)
	}

	err = retryBusy(ctx, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("complete span: begin tx: %w", err)
		}
		defer tx.Rollback()

		var state string
		err = tx.QueryRowContext(ctx, `
			SELECT state FROM trace_spans WHERE session_id = ? AND seq = ?
		`, sessionID, seq).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("complete span: span %s/%d not found", sessionID, seq)
		}
		if err != nil {
			return fmt.Errorf("complete span: read state: %w", err)
		}
		wasCompleted = SpanState(state) == SpanCompleted

		if _, err := tx.ExecContext(ctx, `
			UPDATE trace_spans SET
				state = ?, completed_at = ?, model = ?, stop_reason = ?,
				input_tokens = ?, output_tokens = ?,
				cache_read_tokens = ?, cache_write_tokens = ?,
				prompt_preview = ?, thinking_preview = ?, text_preview = ?,
				tool_names = ?
			WHERE session_id = ? AND seq = ?
		`,
			string(SpanCompleted), l.stamp(), rec.Model, rec.StopReason,
			rec.InputTokens, rec.OutputTokens,
			rec.CacheReadTokens, rec.CacheWriteTokens,
			rec.PromptPreview, rec.ThinkingPreview, rec.TextPreview,
			string(toolNames), sessionID, seq,
		); err != nil {
			return fmt.Errorf("complete span: update: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE trace_sessions SET
				input_tokens = (SELECT COALESCE(SUM(input_tokens), 0) FROM trace_spans WHERE session_id = ?),
				output_tokens = (SELECT COALESCE(SUM(output_tokens), 0) FROM trace_spans WHERE session_id = ?),
				cache_read_tokens = (SELECT COALESCE(SUM(cache_read_tokens), 0) FROM trace_spans WHERE session_id = ?),
				cache_write_tokens = (SELECT COALESCE(SUM(cache_write_tokens), 0) FROM trace_spans WHERE session_id = ?)
			WHERE id = ?
		`, sessionID, sessionID, sessionID, sessionID, sessionID); err != nil {
			return fmt.Errorf("complete span: session aggregates: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("complete span: commit: %w", err)
		}
		return nil
	})
	return wasCompleted, err
}

// LinkSpanToNode records that a node was created while the span was
// ambient. Deliberately also accepts completed spans: tool execution
// happens after the response stream finishes but before the next request
// begins, and a node created in that grace window links to the
// just-completed span.
func (l *Ledger) LinkSpanToNode(ctx context.Context, sessionID string, seq int64, nodeID int64, nodeChangeID identity.ChangeID) error {
	return retryBusy(ctx, func() error {
		result, err := l.db.ExecContext(ctx, `
			UPDATE trace_spans SET linked_node_id = ?, linked_change_id = ?
			WHERE session_id = ? AND seq = ?
		`, nodeID, nodeChangeID.String(), sessionID, seq)
		if err != nil {
			return fmt.Errorf("link span to node: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("link span to node: rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("link span to node: span %s/%d not found", sessionID, seq)
		}
		return nil
	})
}

// LinkSessionToNode attaches the session to the goal node that triggered
// it.
func (l *Ledger) LinkSessionToNode(ctx context.Context, sessionID string, nodeID int64, nodeChangeID identity.ChangeID) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE trace_sessions SET linked_node_id = ?, linked_change_id = ?
		WHERE id = ?
	`, nodeID, nodeChangeID.String(), sessionID)
	if err != nil {
		return fmt.Errorf("link session to node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("link session to node: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("link session to node: session %s not found", sessionID)
	}
	return nil
}

// EndSession stamps the session's end time. Spans left in the started
// state stay that way; no invariant depends on every span completing.
func (l *Ledger) EndSession(ctx context.Context, sessionID string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE trace_sessions SET ended_at = ? WHERE id = ?
	`, l.stamp(), sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("end session: session %s not found", sessionID)
	}
	return nil
}

const spanColumns = `session_id, seq, change_id, state, started_at, completed_at,
       model, stop_reason, input_tokens, output_tokens, cache_read_tokens,
       cache_write_tokens, prompt_preview, thinking_preview, text_preview,
       tool_names, linked_node_id, linked_change_id`

func scanSpan(scanner interface{ Scan(dest ...any) error }) (Span, error) {
	var s Span
	var startedAt string
	var completedAt, linkedChange sql.NullString
	var linkedNode sql.NullInt64
	var toolNames string

	err := scanner.Scan(
		&s.SessionID, &s.Seq, &s.ChangeID, &s.State, &startedAt, &completedAt,
		&s.Model, &s.StopReason, &s.InputTokens, &s.OutputTokens,
		&s.CacheReadTokens, &s.CacheWriteTokens,
		&s.PromptPreview, &s.ThinkingPreview, &s.TextPreview,
		&toolNames, &linkedNode, &linkedChange,
	)
	if err != nil {
		return Span{}, err
	}

	if s.StartedAt, err = parseStamp(startedAt); err != nil {
		return Span{}, err
	}
	if completedAt.Valid {
		t, err := parseStamp(completedAt.String)
		if err != nil {
			return Span{}, err
		}
		s.CompletedAt = &t
	}
	if linkedNode.Valid {
		s.LinkedNodeID = linkedNode.Int64
	}
	if linkedChange.Valid {
		s.LinkedChangeID = identity.ChangeID(linkedChange.String)
	}
	if toolNames != "" {
		if err := json.Unmarshal([]byte(toolNames), &s.ToolNames); err != nil {
			return Span{}, fmt.Errorf("decode tool names: %w", err)
		}
	}
	return s, nil
}

// GetSpan returns one span by session id and sequence number.
func (l *Ledger) GetSpan(ctx context.Context, sessionID string, seq int64) (Span, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+spanColumns+` FROM trace_spans WHERE session_id = ? AND seq = ?
	`, sessionID, seq)
	s, err := scanSpan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Span{}, fmt.Errorf("span %s/%d not found", sessionID, seq)
	}
	if err != nil {
		return Span{}, fmt.Errorf("get span: %w", err)
	}
	return s, nil
}

// ListSpans returns all spans for a session ordered by sequence number
// ascending - the start order, regardless of completion order.
func (l *Ledger) ListSpans(ctx context.Context, sessionID string) ([]Span, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT `+spanColumns+` FROM trace_spans
		WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	defer rows.Close()

	var spans []Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("list spans: scan: %w", err)
		}
		spans = append(spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spans: iterate: %w", err)
	}
	if spans == nil {
		spans = []Span{}
	}
	return spans, nil
}

// GetSession returns one session row.
func (l *Ledger) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, started_at, ended_at, input_tokens, output_tokens,
		       cache_read_tokens, cache_write_tokens, linked_node_id, linked_change_id
		FROM trace_sessions WHERE id = ?
	`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns all sessions ordered by start time ascending.
func (l *Ledger) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, input_tokens, output_tokens,
		       cache_read_tokens, cache_write_tokens, linked_node_id, linked_change_id
		FROM trace_sessions ORDER BY started_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: scan: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: iterate: %w", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (Session, error) {
	var s Session
	var startedAt string
	var endedAt, linkedChange sql.NullString
	var linkedNode sql.NullInt64

	err := scanner.Scan(
		&s.ID, &startedAt, &endedAt, &s.InputTokens, &s.OutputTokens,
		&s.CacheReadTokens, &s.CacheWriteTokens, &linkedNode, &linkedChange,
	)
	if err != nil {
		return Session{}, err
	}

	if s.StartedAt, err = parseStamp(startedAt); err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		t, err := parseStamp(endedAt.String)
		if err != nil {
			return Session{}, err
		}
		s.EndedAt = &t
	}
	if linkedNode.Valid {
		s.LinkedNodeID = linkedNode.Int64
	}
	if linkedChange.Valid {
		s.LinkedChangeID = identity.ChangeID(linkedChange.String)
	}
	return s, nil
}

// retryBusy invokes fn, retrying with bounded backoff under SQLite lock
// contention. StartSpan sits on the request path, so the schedule is short.
func retryBusy(ctx context.Context, fn func() error) error {
	backoff := 25 * time.Millisecond
	const attempts = 5

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
