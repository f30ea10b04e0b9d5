package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cairn/internal/identity"
)

// CreateNode inserts a node, assigning a fresh local id and a fresh
// change-id atomically. The optional span link and metadata side-document
// are written in the same transaction.
func (s *Store) CreateNode(ctx context.Context, n NewNode) (Node, error) {
	if !n.Type.Valid() {
		return Node{}, fmt.Errorf("create node: invalid node type %q", n.Type)
	}
	if strings.TrimSpace(n.Title) == "" {
		return Node{}, fmt.Errorf("create node: title is required")
	}
	status := n.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return Node{}, fmt.Errorf("create node: invalid status %q", status)
	}

	var node Node
	err := busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("create node: begin tx: %w", err)
		}
		defer tx.Rollback()

		now := s.now()
		changeID := identity.New()

		var sessionID, spanChange sql.NullString
		var spanSeq sql.NullInt64
		if n.Span != nil {
			sessionID = sql.NullString{String: n.Span.SessionID, Valid: true}
			spanSeq = sql.NullInt64{Int64: n.Span.Seq, Valid: true}
			spanChange = sql.NullString{String: n.Span.ChangeID.String(), Valid: true}
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO nodes
			(change_id, node_type, title, description, status, branch,
			 span_session_id, span_seq, span_change_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			changeID.String(), string(n.Type), n.Title, n.Description,
			string(status), n.Branch, sessionID, spanSeq, spanChange,
			formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("create node: insert: %w", err)
		}

		localID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("create node: last insert id: %w", err)
		}

		if n.Meta != nil {
			metaJSON, err := json.Marshal(n.Meta)
			if err != nil {
				return fmt.Errorf("create node: marshal metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO node_metadata (node_id, meta) VALUES (?, ?)
			`, localID, string(metaJSON)); err != nil {
				return fmt.Errorf("create node: insert metadata: %w", err)
			}
		}

		logCommandTx(ctx, tx, formatTime(now),
			fmt.Sprintf("create_node %s %q", n.Type, n.Title), "ok")

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("create node: commit: %w", err)
		}

		node = Node{
			ID:          localID,
			ChangeID:    changeID,
			Type:        n.Type,
			Title:       n.Title,
			Description: n.Description,
			Status:      status,
			Branch:      n.Branch,
			Span:        n.Span,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

const nodeColumns = `id, change_id, node_type, title, description, status, branch,
       span_session_id, span_seq, span_change_id, created_at, updated_at`

// scanNode scans a row with the standard node column order.
func scanNode(scanner interface{ Scan(dest ...any) error }) (Node, error) {
	var n Node
	var sessionID, spanChange sql.NullString
	var spanSeq sql.NullInt64
	var createdAt, updatedAt string

	err := scanner.Scan(
		&n.ID, &n.ChangeID, &n.Type, &n.Title, &n.Description, &n.Status,
		&n.Branch, &sessionID, &spanSeq, &spanChange, &createdAt, &updatedAt,
	)
	if err != nil {
		return Node{}, err
	}

	if sessionID.Valid {
		n.Span = &SpanRef{
			SessionID: sessionID.String,
			Seq:       spanSeq.Int64,
			ChangeID:  identity.ChangeID(spanChange.String),
		}
	}

	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Node{}, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Node{}, err
	}
	return n, nil
}

// GetNode returns a node by local id.
func (s *Store) GetNode(ctx context.Context, id int64) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE id = ?
	`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// GetNodeByChangeID returns a node by change-id.
func (s *Store) GetNodeByChangeID(ctx context.Context, changeID identity.ChangeID) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE change_id = ?
	`, changeID.String())
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("node with change-id %s: %w", changeID, ErrNotFound)
	}
	if err != nil {
		return Node{}, fmt.Errorf("get node by change-id: %w", err)
	}
	return n, nil
}

// Resolve maps a change-id to a local id. An unknown change-id returns
// (0, false, nil), never an error - to the patch codec it means "this patch
// references a node I don't have yet", not corruption.
func (s *Store) Resolve(ctx context.Context, changeID identity.ChangeID) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM nodes WHERE change_id = ?
	`, changeID.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve change-id: %w", err)
	}
	return id, true, nil
}

// ChangeIDOf is the inverse of Resolve: local id to change-id.
func (s *Store) ChangeIDOf(ctx context.Context, id int64) (identity.ChangeID, error) {
	var changeID string
	err := s.db.QueryRowContext(ctx, `
		SELECT change_id FROM nodes WHERE id = ?
	`, id).Scan(&changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("change-id of node %d: %w", id, err)
	}
	return identity.ChangeID(changeID), nil
}

// ListNodes returns nodes matching the filter, ordered by creation time
// ascending (descending when filter.Reverse is set), with local id as the
// tiebreaker for equal timestamps.
func (s *Store) ListNodes(ctx context.Context, filter Filter) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	where, args := filterClauses(filter)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Reverse {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("list nodes: scan: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: iterate: %w", err)
	}
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, nil
}

// filterClauses builds WHERE clauses shared by ListNodes and node-scoped
// queries.
func filterClauses(filter Filter) (clauses []string, args []any) {
	if filter.Branch != "" {
		clauses = append(clauses, "branch = ?")
		args = append(args, filter.Branch)
	}
	if filter.NodeType != "" {
		clauses = append(clauses, "node_type = ?")
		args = append(args, string(filter.NodeType))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(filter.Until))
	}
	return clauses, args
}

// UpdateNodeStatus transitions a node's status and bumps updated_at.
func (s *Store) UpdateNodeStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("update node status: invalid status %q", status)
	}

	return busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("update node status: begin tx: %w", err)
		}
		defer tx.Rollback()

		now := formatTime(s.now())
		result, err := tx.ExecContext(ctx, `
			UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?
		`, string(status), now, id)
		if err != nil {
			return fmt.Errorf("update node status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update node status: rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("node %d: %w", id, ErrNotFound)
		}

		logCommandTx(ctx, tx, now, fmt.Sprintf("update_status %d %s", id, status), "ok")

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("update node status: commit: %w", err)
		}
		return nil
	})
}

// SetMetadata replaces a node's metadata side-document.
func (s *Store) SetMetadata(ctx context.Context, id int64, meta Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("set metadata: marshal: %w", err)
	}

	return busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("set metadata: begin tx: %w", err)
		}
		defer tx.Rollback()

		now := formatTime(s.now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_metadata (node_id, meta) VALUES (?, ?)
			ON CONFLICT(node_id) DO UPDATE SET meta = excluded.meta
		`, id, string(metaJSON)); err != nil {
			return fmt.Errorf("set metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE nodes SET updated_at = ? WHERE id = ?
		`, now, id); err != nil {
			return fmt.Errorf("set metadata: touch node: %w", err)
		}

		logCommandTx(ctx, tx, now, fmt.Sprintf("set_metadata %d", id), "ok")

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("set metadata: commit: %w", err)
		}
		return nil
	})
}

// GetMetadata returns a node's metadata side-document, or nil when the node
// has none.
func (s *Store) GetMetadata(ctx context.Context, id int64) (*Metadata, error) {
	var metaJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT meta FROM node_metadata WHERE node_id = ?
	`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("get metadata: unmarshal: %w", err)
	}
	return &meta, nil
}

// RawMetadata returns the stored metadata JSON without decoding, for
// export. Returns "" when the node has no side-document.
func (s *Store) RawMetadata(ctx context.Context, id int64) (string, error) {
	var metaJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT meta FROM node_metadata WHERE node_id = ?
	`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("raw metadata: %w", err)
	}
	return metaJSON, nil
}
