package patch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/cairn/internal/graph"
)

// Selector picks the subgraph to export. Exactly one selection mode must
// be set: an explicit id list, an inclusive id range, a branch, or a
// creation-time window.
type Selector struct {
	IDs       []int64
	RangeFrom int64
	RangeTo   int64
	Branch    string
	Since     time.Time
	Until     time.Time
}

// ErrEmptySelection is returned when a selector matches no nodes. An
// empty patch is never written; the caller decides whether that is an
// error or a no-op.
var ErrEmptySelection = errors.New("selection matches no nodes")

func (s Selector) validate() error {
	modes := 0
	if len(s.IDs) > 0 {
		modes++
	}
	if s.RangeFrom > 0 || s.RangeTo > 0 {
		if s.RangeFrom <= 0 || s.RangeTo < s.RangeFrom {
			return fmt.Errorf("invalid id range %d..%d", s.RangeFrom, s.RangeTo)
		}
		modes++
	}
	if s.Branch != "" {
		modes++
	}
	if !s.Since.IsZero() || !s.Until.IsZero() {
		modes++
	}
	if modes == 0 {
		return errors.New("selector: no selection mode set")
	}
	if modes > 1 {
		return errors.New("selector: multiple selection modes set")
	}
	return nil
}

// Meta carries the document header fields for an export. A zero
// CreatedAt means time.Now.
type Meta struct {
	Author    string
	Branch    string
	CreatedAt time.Time
}

// Export builds a patch from the selected nodes plus every edge whose
// source node is in the selection. Edges pointing at nodes outside the
// selection are still carried: the receiver may already hold the target,
// and if not the edge parks in its unresolved queue. Local ids are
// stripped; only change-ids travel.
func Export(ctx context.Context, st *graph.Store, sel Selector, meta Meta) (*Patch, error) {
	if err := sel.validate(); err != nil {
		return nil, err
	}

	nodes, err := selectNodes(ctx, st, sel)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrEmptySelection
	}

	ids := make([]int64, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	edges, err := st.EdgesForNodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	created := meta.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	p := &Patch{
		Version:   Version,
		Author:    meta.Author,
		Branch:    meta.Branch,
		CreatedAt: created,
		Nodes:     make([]Node, 0, len(nodes)),
		Edges:     make([]Edge, 0, len(edges)),
	}

	for _, n := range nodes {
		raw, err := st.RawMetadata(ctx, n.ID)
		if err != nil {
			return nil, fmt.Errorf("export node %d: %w", n.ID, err)
		}
		p.Nodes = append(p.Nodes, Node{
			ChangeID:     n.ChangeID,
			NodeType:     n.Type,
			Title:        n.Title,
			Description:  n.Description,
			Status:       n.Status,
			MetadataJSON: raw,
		})
	}
	for _, e := range edges {
		p.Edges = append(p.Edges, Edge{
			FromChangeID: e.FromChangeID,
			ToChangeID:   e.ToChangeID,
			EdgeType:     e.Type,
			Rationale:    e.Rationale,
		})
	}

	// Sort by change-id so the same selection always serializes to the
	// same bytes, whatever order SQLite returned rows in.
	sort.Slice(p.Nodes, func(i, j int) bool {
		return p.Nodes[i].ChangeID < p.Nodes[j].ChangeID
	})
	sort.Slice(p.Edges, func(i, j int) bool {
		a, b := p.Edges[i], p.Edges[j]
		if a.FromChangeID != b.FromChangeID {
			return a.FromChangeID < b.FromChangeID
		}
		if a.ToChangeID != b.ToChangeID {
			return a.ToChangeID < b.ToChangeID
		}
		return a.EdgeType < b.EdgeType
	})

	return p, nil
}

func selectNodes(ctx context.Context, st *graph.Store, sel Selector) ([]graph.Node, error) {
	switch {
	case len(sel.IDs) > 0:
		nodes := make([]graph.Node, 0, len(sel.IDs))
		for _, id := range sel.IDs {
			n, err := st.GetNode(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("export: node %d: %w", id, err)
			}
			nodes = append(nodes, n)
		}
		return nodes, nil

	case sel.RangeFrom > 0:
		// Ids in a range may have gaps (other branches, future
		// deletions); missing ids are silently skipped.
		var nodes []graph.Node
		for id := sel.RangeFrom; id <= sel.RangeTo; id++ {
			n, err := st.GetNode(ctx, id)
			if err != nil {
				if errors.Is(err, graph.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("export: node %d: %w", id, err)
			}
			nodes = append(nodes, n)
		}
		return nodes, nil

	case sel.Branch != "":
		return st.ListNodes(ctx, graph.Filter{Branch: sel.Branch})

	default:
		return st.ListNodes(ctx, graph.Filter{Since: sel.Since, Until: sel.Until})
	}
}
