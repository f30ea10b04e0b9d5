package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cairn/internal/identity"
)

// The patch codec drives the whole apply algorithm inside one transaction
// so a concurrent reader never observes a partially merged patch. These
// tx-scoped operations keep all SQL in this package while leaving the
// merge policy (first-write-wins, deferred edges) to the codec.

// ImportedNode is a node arriving from a patch, addressed by change-id
// only. The source machine's local id never travels and is irrelevant.
type ImportedNode struct {
	ChangeID    identity.ChangeID
	Type        NodeType
	Title       string
	Description string
	Status      Status
	Branch      string
	MetaJSON    string // raw side-document, "" when absent
}

// ImportedEdge is an edge arriving from a patch with both endpoints
// resolved to local ids.
type ImportedEdge struct {
	FromID       int64
	ToID         int64
	FromChangeID identity.ChangeID
	ToChangeID   identity.ChangeID
	Type         EdgeType
	Rationale    string
}

// BeginTx starts a transaction for a patch apply.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// ResolveTx maps a change-id to a local id inside a transaction, seeing
// rows inserted earlier in the same transaction. Unknown change-ids return
// (0, false, nil).
func (s *Store) ResolveTx(ctx context.Context, tx *sql.Tx, changeID identity.ChangeID) (int64, bool, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
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

// ImportNodeTx inserts a patch node unless its change-id already exists.
// First-write-wins: an existing node is returned untouched (no field
// updates), keeping merge a pure set union. A fresh local id is assigned
// on insert.
func (s *Store) ImportNodeTx(ctx context.Context, tx *sql.Tx, n ImportedNode) (localID int64, inserted bool, err error) {
	// Existing change-id wins; the incoming copy is discarded.
	existing, ok, err := s.ResolveTx(ctx, tx, n.ChangeID)
	if err != nil {
		return 0, false, fmt.Errorf("import node: %w", err)
	}
	if ok {
		return existing, false, nil
	}

	now := formatTime(s.now())
	result, err := tx.ExecContext(ctx, `
		INSERT INTO nodes
		(change_id, node_type, title, description, status, branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ChangeID.String(), string(n.Type), n.Title, n.Description,
		string(n.Status), n.Branch, now, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("import node: insert: %w", err)
	}

	localID, err = result.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("import node: last insert id: %w", err)
	}

	if n.MetaJSON != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_metadata (node_id, meta) VALUES (?, ?)
		`, localID, n.MetaJSON); err != nil {
			return 0, false, fmt.Errorf("import node: metadata: %w", err)
		}
	}

	return localID, true, nil
}

// ImportEdgeTx inserts a patch edge. A duplicate
// (from_change_id, to_change_id, edge_type) triple is skipped via
// ON CONFLICT DO NOTHING and reported as inserted=false - during merge a
// duplicate is expected divergence, not an error.
func (s *Store) ImportEdgeTx(ctx context.Context, tx *sql.Tx, e ImportedEdge) (inserted bool, err error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO edges
		(change_id, from_id, to_id, from_change_id, to_change_id, edge_type, rationale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_change_id, to_change_id, edge_type) DO NOTHING
	`,
		identity.New().String(), e.FromID, e.ToID,
		e.FromChangeID.String(), e.ToChangeID.String(),
		string(e.Type), e.Rationale, formatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("import edge: insert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("import edge: rows affected: %w", err)
	}
	return affected > 0, nil
}

// LogCommandInTx appends an audit row inside a patch-apply transaction so
// the log entry commits or rolls back with the merge itself.
func (s *Store) LogCommandInTx(ctx context.Context, tx *sql.Tx, command, outcome string) {
	logCommandTx(ctx, tx, formatTime(s.now()), command, outcome)
}

// MarkPatchAppliedTx records the applied-file marker inside the apply
// transaction.
func (s *Store) MarkPatchAppliedTx(ctx context.Context, tx *sql.Tx, filename string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO applied_patches (filename, applied_at) VALUES (?, ?)
		ON CONFLICT(filename) DO UPDATE SET applied_at = excluded.applied_at
	`, filename, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("mark patch applied: %w", err)
	}
	return nil
}

// Counts returns the total number of nodes and edges. Used by apply
// reports and tests.
func (s *Store) Counts(ctx context.Context) (nodes, edges int64, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("count edges: %w", err)
	}
	return nodes, edges, nil
}
