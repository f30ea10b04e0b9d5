package patch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/cairn/internal/graph"
	"github.com/roach88/cairn/internal/identity"
)

// ApplyOptions controls a single apply run.
type ApplyOptions struct {
	// File is the patch filename recorded in the applied-patches marker
	// table and echoed in the report. Empty when applying from stdin.
	File string

	// DryRun executes the full merge algorithm and then rolls the
	// transaction back, so the report is exactly what a real apply would
	// produce.
	DryRun bool
}

// ApplyEntry names one patch in a batch.
type ApplyEntry struct {
	File  string
	Patch *Patch
}

// Apply merges a patch into the store inside one transaction. Nodes merge
// first-write-wins by change-id; edges dedupe on the
// (from, to, type) triple. Edges whose endpoints are not yet resolvable
// are retried once after all nodes land, then reported as unresolved -
// never silently dropped, never fatal. A patch can therefore be applied
// any number of times, and non-overlapping patches in any order, with the
// same final state.
func Apply(ctx context.Context, st *graph.Store, p *Patch, opts ApplyOptions) (*Report, error) {
	reports, err := ApplyAll(ctx, st, []ApplyEntry{{File: opts.File, Patch: p}}, opts.DryRun)
	if err != nil {
		return nil, err
	}
	return reports[0], nil
}

// ApplyAll merges several patches in order inside a single transaction, so
// each patch resolves against everything the ones before it added. With
// dryRun the whole batch rolls back at the end, which makes the reports
// exactly what sequential per-file applies would produce; otherwise the
// batch commits once.
func ApplyAll(ctx context.Context, st *graph.Store, entries []ApplyEntry, dryRun bool) ([]*Report, error) {
	for _, e := range entries {
		if err := checkPatch(e.Patch); err != nil {
			if e.File != "" {
				return nil, fmt.Errorf("%s: %w", e.File, err)
			}
			return nil, err
		}
	}

	tx, err := st.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	defer tx.Rollback()

	reports := make([]*Report, 0, len(entries))
	for _, e := range entries {
		rep, err := applyPatch(ctx, st, tx, e.Patch, e.File, dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}

	if dryRun {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("apply: rollback dry run: %w", err)
		}
		return reports, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("apply: commit: %w", err)
	}
	return reports, nil
}

// applyPatch runs the merge algorithm for one patch inside the caller's
// transaction.
func applyPatch(ctx context.Context, st *graph.Store, tx *sql.Tx, p *Patch, file string, dryRun bool) (*Report, error) {
	doc, err := p.MarshalCanonical()
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	rep := &Report{
		File:   file,
		DryRun: dryRun,
		Digest: Digest(doc),
	}

	for i, n := range p.Nodes {
		_, inserted, err := st.ImportNodeTx(ctx, tx, graph.ImportedNode{
			ChangeID:    n.ChangeID,
			Type:        n.NodeType,
			Title:       n.Title,
			Description: n.Description,
			Status:      n.Status,
			Branch:      p.Branch,
			MetaJSON:    n.MetadataJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("apply node[%d] %s: %w", i, n.ChangeID, err)
		}
		if inserted {
			rep.NodesAdded++
		} else {
			rep.NodesSkipped++
		}
	}

	// First edge pass, then one retry over the deferred queue. A second
	// pass is sufficient: after the node loop above no new change-ids can
	// appear inside this transaction.
	deferred, err := applyEdges(ctx, st, tx, p.Edges, rep)
	if err != nil {
		return nil, err
	}
	deferred, err = applyEdges(ctx, st, tx, deferred, rep)
	if err != nil {
		return nil, err
	}

	for _, e := range deferred {
		var missing []identity.ChangeID
		for _, cid := range []identity.ChangeID{e.FromChangeID, e.ToChangeID} {
			if _, ok, err := st.ResolveTx(ctx, tx, cid); err != nil {
				return nil, fmt.Errorf("apply: %w", err)
			} else if !ok {
				missing = append(missing, cid)
			}
		}
		rep.Unresolved = append(rep.Unresolved, UnresolvedEdge{
			FromChangeID: e.FromChangeID,
			ToChangeID:   e.ToChangeID,
			EdgeType:     e.EdgeType,
			Missing:      missing,
		})
	}

	outcome := fmt.Sprintf("nodes +%d =%d edges +%d =%d unresolved %d",
		rep.NodesAdded, rep.NodesSkipped, rep.EdgesAdded, rep.EdgesSkipped, len(rep.Unresolved))
	st.LogCommandInTx(ctx, tx, "apply_patch "+file, outcome)

	if file != "" {
		if err := st.MarkPatchAppliedTx(ctx, tx, file); err != nil {
			return nil, fmt.Errorf("apply: %w", err)
		}
	}
	return rep, nil
}

// applyEdges attempts one insert pass and returns the edges whose
// endpoints could not be resolved yet.
func applyEdges(ctx context.Context, st *graph.Store, tx *sql.Tx, edges []Edge, rep *Report) ([]Edge, error) {
	var deferred []Edge
	for _, e := range edges {
		fromID, fromOK, err := st.ResolveTx(ctx, tx, e.FromChangeID)
		if err != nil {
			return nil, fmt.Errorf("apply edge: %w", err)
		}
		toID, toOK, err := st.ResolveTx(ctx, tx, e.ToChangeID)
		if err != nil {
			return nil, fmt.Errorf("apply edge: %w", err)
		}
		if !fromOK || !toOK {
			deferred = append(deferred, e)
			continue
		}

		inserted, err := st.ImportEdgeTx(ctx, tx, graph.ImportedEdge{
			FromID:       fromID,
			ToID:         toID,
			FromChangeID: e.FromChangeID,
			ToChangeID:   e.ToChangeID,
			Type:         e.EdgeType,
			Rationale:    e.Rationale,
		})
		if err != nil {
			return nil, fmt.Errorf("apply edge %s->%s: %w", e.FromChangeID, e.ToChangeID, err)
		}
		if inserted {
			rep.EdgesAdded++
		} else {
			rep.EdgesSkipped++
		}
	}
	return deferred, nil
}

// checkPatch enforces the structural invariants the schema also covers,
// so programmatic callers that skip Decode get the same protection.
func checkPatch(p *Patch) error {
	if p.Version != Version {
		return fmt.Errorf("unsupported patch version %d", p.Version)
	}
	for i, n := range p.Nodes {
		if _, err := identity.Parse(n.ChangeID.String()); err != nil {
			return fmt.Errorf("node[%d]: %w", i, err)
		}
		if !n.NodeType.Valid() {
			return fmt.Errorf("node[%d] %s: invalid node type %q", i, n.ChangeID, n.NodeType)
		}
		if !n.Status.Valid() {
			return fmt.Errorf("node[%d] %s: invalid status %q", i, n.ChangeID, n.Status)
		}
		if n.Title == "" {
			return fmt.Errorf("node[%d] %s: empty title", i, n.ChangeID)
		}
	}
	for i, e := range p.Edges {
		if _, err := identity.Parse(e.FromChangeID.String()); err != nil {
			return fmt.Errorf("edge[%d]: from: %w", i, err)
		}
		if _, err := identity.Parse(e.ToChangeID.String()); err != nil {
			return fmt.Errorf("edge[%d]: to: %w", i, err)
		}
		if !e.EdgeType.Valid() {
			return fmt.Errorf("edge[%d]: invalid edge type %q", i, e.EdgeType)
		}
	}
	return nil
}
