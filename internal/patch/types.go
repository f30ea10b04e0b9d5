// Package patch serializes a selected subgraph into a portable document
// addressed purely by change-ids, and idempotently merges such documents
// into a local store. Merge is a pure set union with first-write-wins
// semantics: no vector clocks, no conflict resolution, no deletion.
package patch

import (
	"time"

	"github.com/roach88/cairn/internal/graph"
	"github.com/roach88/cairn/internal/identity"
)

// Version is the patch document format version.
const Version = 1

// Patch is the transient transport document. It is self-contained: local
// ids are stripped on export and fresh ones are assigned on apply, so the
// document is meaningful to any store.
type Patch struct {
	Version   int       `json:"version"`
	Author    string    `json:"author"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
}

// Node is a patch-borne node, addressed by change-id only.
type Node struct {
	ChangeID     identity.ChangeID `json:"change_id"`
	NodeType     graph.NodeType    `json:"node_type"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Status       graph.Status      `json:"status"`
	MetadataJSON string            `json:"metadata_json"`
}

// Edge is a patch-borne edge. An edge whose endpoint node is not in the
// same patch is still carried; the receiver may already hold that node
// from an earlier merge.
type Edge struct {
	FromChangeID identity.ChangeID `json:"from_change_id"`
	ToChangeID   identity.ChangeID `json:"to_change_id"`
	EdgeType     graph.EdgeType    `json:"edge_type"`
	Rationale    string            `json:"rationale"`
}

// Report is the apply outcome, the single source of truth for what
// happened: every node and edge in the patch is accounted for, nothing is
// summarized away.
type Report struct {
	File         string           `json:"file,omitempty"`
	DryRun       bool             `json:"dry_run,omitempty"`
	Digest       string           `json:"digest"`
	NodesAdded   int              `json:"nodes_added"`
	NodesSkipped int              `json:"nodes_skipped"`
	EdgesAdded   int              `json:"edges_added"`
	EdgesSkipped int              `json:"edges_skipped"`
	Unresolved   []UnresolvedEdge `json:"unresolved_edges,omitempty"`
}

// UnresolvedEdge records an edge whose endpoint could not be resolved
// after the deferred pass - the expected "referenced node not yet
// received" condition of partial, out-of-order multi-patch workflows.
type UnresolvedEdge struct {
	FromChangeID identity.ChangeID   `json:"from_change_id"`
	ToChangeID   identity.ChangeID   `json:"to_change_id"`
	EdgeType     graph.EdgeType      `json:"edge_type"`
	Missing      []identity.ChangeID `json:"missing"`
}
