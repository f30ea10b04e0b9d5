package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/roach88/cairn/internal/identity"
)

// CreateEdge inserts a directed edge between two existing nodes, assigning
// a fresh local id and change-id. Both endpoints must already exist
// locally. A duplicate (from_change_id, to_change_id, edge_type) triple
// returns ErrDuplicateEdge rather than being silently dropped.
func (s *Store) CreateEdge(ctx context.Context, e NewEdge) (Edge, error) {
	if !e.Type.Valid() {
		return Edge{}, fmt.Errorf("create edge: invalid edge type %q", e.Type)
	}

	var edge Edge
	err := busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("create edge: begin tx: %w", err)
		}
		defer tx.Rollback()

		fromChange, err := changeIDOfTx(ctx, tx, e.FromID)
		if err != nil {
			return fmt.Errorf("create edge: from endpoint: %w", err)
		}
		toChange, err := changeIDOfTx(ctx, tx, e.ToID)
		if err != nil {
			return fmt.Errorf("create edge: to endpoint: %w", err)
		}

		now := s.now()
		changeID := identity.New()

		result, err := tx.ExecContext(ctx, `
			INSERT INTO edges
			(change_id, from_id, to_id, from_change_id, to_change_id,
			 edge_type, rationale, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			changeID.String(), e.FromID, e.ToID,
			fromChange.String(), toChange.String(),
			string(e.Type), e.Rationale, formatTime(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateEdge
			}
			return fmt.Errorf("create edge: insert: %w", err)
		}

		localID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("create edge: last insert id: %w", err)
		}

		logCommandTx(ctx, tx, formatTime(now),
			fmt.Sprintf("create_edge %d -> %d %s", e.FromID, e.ToID, e.Type), "ok")

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("create edge: commit: %w", err)
		}

		edge = Edge{
			ID:           localID,
			ChangeID:     changeID,
			FromID:       e.FromID,
			ToID:         e.ToID,
			FromChangeID: fromChange,
			ToChangeID:   toChange,
			Type:         e.Type,
			Rationale:    e.Rationale,
			CreatedAt:    now,
		}
		return nil
	})
	if err != nil {
		return Edge{}, err
	}
	return edge, nil
}

// changeIDOfTx resolves a local node id inside a transaction.
func changeIDOfTx(ctx context.Context, tx *sql.Tx, id int64) (identity.ChangeID, error) {
	var changeID string
	err := tx.QueryRowContext(ctx, `
		SELECT change_id FROM nodes WHERE id = ?
	`, id).Scan(&changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return identity.ChangeID(changeID), nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

const edgeColumns = `id, change_id, from_id, to_id, from_change_id, to_change_id,
       edge_type, rationale, created_at`

// scanEdge scans a row with the standard edge column order.
func scanEdge(scanner interface{ Scan(dest ...any) error }) (Edge, error) {
	var e Edge
	var createdAt string
	err := scanner.Scan(
		&e.ID, &e.ChangeID, &e.FromID, &e.ToID,
		&e.FromChangeID, &e.ToChangeID, &e.Type, &e.Rationale, &createdAt,
	)
	if err != nil {
		return Edge{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Edge{}, err
	}
	return e, nil
}

// ListEdges returns edges matching the filter, ordered by creation time
// ascending (descending when filter.Reverse is set). Branch and node-type
// constraints apply to the edge's source node.
func (s *Store) ListEdges(ctx context.Context, filter Filter) ([]Edge, error) {
	query := `
		SELECT e.id, e.change_id, e.from_id, e.to_id, e.from_change_id,
		       e.to_change_id, e.edge_type, e.rationale, e.created_at
		FROM edges e`

	var clauses []string
	var args []any
	if filter.Branch != "" || filter.NodeType != "" {
		query += " JOIN nodes n ON e.from_id = n.id"
		if filter.Branch != "" {
			clauses = append(clauses, "n.branch = ?")
			args = append(args, filter.Branch)
		}
		if filter.NodeType != "" {
			clauses = append(clauses, "n.node_type = ?")
			args = append(args, string(filter.NodeType))
		}
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "e.created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "e.created_at <= ?")
		args = append(args, formatTime(filter.Until))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if filter.Reverse {
		query += " ORDER BY e.created_at DESC, e.id DESC"
	} else {
		query += " ORDER BY e.created_at ASC, e.id ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("list edges: scan: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: iterate: %w", err)
	}
	if edges == nil {
		edges = []Edge{}
	}
	return edges, nil
}

// EdgesForNodes returns all edges whose source node is in the given local
// id set, ordered by creation time ascending. Used by the patch exporter:
// an edge travels with its source node's selection even when the target is
// outside the exported set.
func (s *Store) EdgesForNodes(ctx context.Context, ids []int64) ([]Edge, error) {
	if len(ids) == 0 {
		return []Edge{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM edges
		WHERE from_id IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("edges for nodes: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("edges for nodes: scan: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edges for nodes: iterate: %w", err)
	}
	if edges == nil {
		edges = []Edge{}
	}
	return edges, nil
}
