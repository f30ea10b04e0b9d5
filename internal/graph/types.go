package graph

import (
	"fmt"
	"time"

	"github.com/roach88/cairn/internal/identity"
)

// NodeType classifies a unit of recorded reasoning. The set is closed;
// patches carrying an unknown type are rejected before apply.
type NodeType string

const (
	NodeGoal        NodeType = "goal"
	NodeDecision    NodeType = "decision"
	NodeOption      NodeType = "option"
	NodeAction      NodeType = "action"
	NodeOutcome     NodeType = "outcome"
	NodeObservation NodeType = "observation"
)

// NodeTypes lists all valid node types in display order.
var NodeTypes = []NodeType{
	NodeGoal, NodeDecision, NodeOption, NodeAction, NodeOutcome, NodeObservation,
}

// Valid reports whether the node type is a member of the closed set.
func (t NodeType) Valid() bool {
	switch t {
	case NodeGoal, NodeDecision, NodeOption, NodeAction, NodeOutcome, NodeObservation:
		return true
	}
	return false
}

// Status is a node's lifecycle state. Status transitions are the only
// mutation the sync protocol allows besides metadata updates.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// Valid reports whether the status is a member of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// EdgeType classifies a directed relationship between two nodes.
type EdgeType string

const (
	EdgeLeadsTo  EdgeType = "leads_to"
	EdgeRequires EdgeType = "requires"
	EdgeChosen   EdgeType = "chosen"
	EdgeRejected EdgeType = "rejected"
	EdgeBlocks   EdgeType = "blocks"
	EdgeEnables  EdgeType = "enables"
)

// Valid reports whether the edge type is a member of the closed set.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeLeadsTo, EdgeRequires, EdgeChosen, EdgeRejected, EdgeBlocks, EdgeEnables:
		return true
	}
	return false
}

// SpanRef identifies the trace span that was in flight when a node was
// created. Carried on the node as a best-effort provenance link.
type SpanRef struct {
	SessionID string            `json:"session_id"`
	Seq       int64             `json:"seq"`
	ChangeID  identity.ChangeID `json:"change_id"`
}

// Node is a unit of recorded reasoning.
type Node struct {
	ID          int64             `json:"id"`
	ChangeID    identity.ChangeID `json:"change_id"`
	Type        NodeType          `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Branch      string            `json:"branch,omitempty"`
	Span        *SpanRef          `json:"span,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Edge is a directed, typed relationship between two nodes. It carries both
// the local id pair (for joins) and the change-id pair (what travels in
// patches).
type Edge struct {
	ID           int64             `json:"id"`
	ChangeID     identity.ChangeID `json:"change_id"`
	FromID       int64             `json:"from_id"`
	ToID         int64             `json:"to_id"`
	FromChangeID identity.ChangeID `json:"from_change_id"`
	ToChangeID   identity.ChangeID `json:"to_change_id"`
	Type         EdgeType          `json:"type"`
	Rationale    string            `json:"rationale,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Metadata is the structured side-document attached to a node. All fields
// are optional; the document is stored as JSON and treated as opaque by the
// sync protocol.
type Metadata struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Files      []string `json:"files,omitempty"`
	GitBranch  string   `json:"git_branch,omitempty"`
	GitCommit  string   `json:"git_commit,omitempty"`
}

// Filter narrows ListNodes and ListEdges results. Zero values mean "no
// constraint". Results are ordered by creation time ascending unless
// Reverse is set.
type Filter struct {
	Branch   string
	NodeType NodeType
	Since    time.Time
	Until    time.Time
	Reverse  bool
	Limit    int
}

// ErrNotFound is returned by direct lookups when the node or edge does
// not exist. Resolve deliberately does not use it: an unknown change-id
// is an answer, not a failure.
var ErrNotFound = fmt.Errorf("not found")

// ErrDuplicateEdge is returned by CreateEdge when the
// (from_change_id, to_change_id, edge_type) triple already exists.
// During patch apply the same condition is a skip, not an error.
var ErrDuplicateEdge = fmt.Errorf("edge already exists for this (from, to, type) triple")

// NewNode holds the caller-supplied fields for CreateNode. Local id,
// change-id and timestamps are assigned by the store.
type NewNode struct {
	Type        NodeType
	Title       string
	Description string
	Status      Status // defaults to StatusPending when empty
	Branch      string
	Span        *SpanRef  // ambient span link, nil when none was active
	Meta        *Metadata // optional side-document
}

// NewEdge holds the caller-supplied fields for CreateEdge.
type NewEdge struct {
	FromID    int64
	ToID      int64
	Type      EdgeType
	Rationale string
}
