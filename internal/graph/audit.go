package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CommandLogEntry is one row of the local-only audit trail.
type CommandLogEntry struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Command string    `json:"command"`
	Outcome string    `json:"outcome"`
}

// logCommandTx appends to the command log inside an existing transaction.
// The log is local-only diagnostics; a failed append must never fail the
// mutation it records, so errors are swallowed here.
func logCommandTx(ctx context.Context, tx *sql.Tx, ts, command, outcome string) {
	_, _ = tx.ExecContext(ctx, `
		INSERT INTO command_log (ts, command, outcome) VALUES (?, ?, ?)
	`, ts, command, outcome)
}

// LogCommand appends to the command log outside any transaction. Used by
// the CLI to record failed commands (failed mutations roll back their own
// in-transaction log row).
func (s *Store) LogCommand(ctx context.Context, command, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_log (ts, command, outcome) VALUES (?, ?, ?)
	`, formatTime(s.now()), command, outcome)
	if err != nil {
		return fmt.Errorf("log command: %w", err)
	}
	return nil
}

// CommandLog returns the most recent audit entries, newest first.
func (s *Store) CommandLog(ctx context.Context, limit int) ([]CommandLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, command, outcome FROM command_log
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("command log: %w", err)
	}
	defer rows.Close()

	var entries []CommandLogEntry
	for rows.Next() {
		var e CommandLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Command, &e.Outcome); err != nil {
			return nil, fmt.Errorf("command log: scan: %w", err)
		}
		if e.Time, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("command log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("command log: iterate: %w", err)
	}
	if entries == nil {
		entries = []CommandLogEntry{}
	}
	return entries, nil
}

// IsPatchApplied reports whether a patch file name has been recorded as
// applied.
func (s *Store) IsPatchApplied(ctx context.Context, filename string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM applied_patches WHERE filename = ?
	`, filename).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("is patch applied: %w", err)
	}
	return count > 0, nil
}

// AppliedPatches returns all recorded patch file names, ordered
// alphabetically.
func (s *Store) AppliedPatches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename FROM applied_patches ORDER BY filename
	`)
	if err != nil {
		return nil, fmt.Errorf("applied patches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("applied patches: scan: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("applied patches: iterate: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}
