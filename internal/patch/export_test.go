package patch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cairn/internal/graph"
)

// seedGraph creates goal -> action on main plus one node on a side
// branch, with an edge crossing from the side branch into main.
func seedGraph(ctx context.Context, t *testing.T, st *graph.Store) (goal, action, side graph.Node) {
	t.Helper()

	var err error
	goal, err = st.CreateNode(ctx, graph.NewNode{
		Type: graph.NodeGoal, Title: "Ship sync", Branch: "main",
		Status: graph.StatusActive,
		Meta:   &graph.Metadata{GitBranch: "main"},
	})
	require.NoError(t, err)

	action, err = st.CreateNode(ctx, graph.NewNode{
		Type: graph.NodeAction, Title: "Write exporter", Branch: "main",
		Status: graph.StatusCompleted,
	})
	require.NoError(t, err)

	side, err = st.CreateNode(ctx, graph.NewNode{
		Type: graph.NodeObservation, Title: "Flaky test on CI", Branch: "experiment",
		Status: graph.StatusPending,
	})
	require.NoError(t, err)

	_, err = st.CreateEdge(ctx, graph.NewEdge{FromID: goal.ID, ToID: action.ID, Type: graph.EdgeLeadsTo})
	require.NoError(t, err)
	_, err = st.CreateEdge(ctx, graph.NewEdge{FromID: side.ID, ToID: goal.ID, Type: graph.EdgeBlocks})
	require.NoError(t, err)

	return goal, action, side
}

func TestExportByBranch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	goal, action, side := seedGraph(ctx, t, st)

	p, err := Export(ctx, st, Selector{Branch: "main"}, Meta{Author: "alice", Branch: "main"})
	require.NoError(t, err)

	require.Len(t, p.Nodes, 2)
	got := map[string]bool{}
	for _, n := range p.Nodes {
		got[n.ChangeID.String()] = true
	}
	assert.True(t, got[goal.ChangeID.String()])
	assert.True(t, got[action.ChangeID.String()])
	assert.False(t, got[side.ChangeID.String()])

	// Only edges sourced inside the selection travel: goal->action is in,
	// side->goal is not (its source is on the other branch).
	require.Len(t, p.Edges, 1)
	assert.Equal(t, goal.ChangeID, p.Edges[0].FromChangeID)
	assert.Equal(t, action.ChangeID, p.Edges[0].ToChangeID)
}

func TestExportCarriesEdgeWithOutOfSelectionTarget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	goal, _, side := seedGraph(ctx, t, st)

	// The experiment branch exports the side node and its edge into main.
	// The edge's target is outside the selection and still travels.
	p, err := Export(ctx, st, Selector{Branch: "experiment"}, Meta{Author: "alice", Branch: "experiment"})
	require.NoError(t, err)

	require.Len(t, p.Nodes, 1)
	assert.Equal(t, side.ChangeID, p.Nodes[0].ChangeID)
	require.Len(t, p.Edges, 1)
	assert.Equal(t, goal.ChangeID, p.Edges[0].ToChangeID)
}

func TestExportByIDListAndRange(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	goal, action, side := seedGraph(ctx, t, st)

	byList, err := Export(ctx, st, Selector{IDs: []int64{goal.ID, side.ID}}, Meta{Author: "alice"})
	require.NoError(t, err)
	assert.Len(t, byList.Nodes, 2)

	byRange, err := Export(ctx, st, Selector{RangeFrom: goal.ID, RangeTo: action.ID}, Meta{Author: "alice"})
	require.NoError(t, err)
	assert.Len(t, byRange.Nodes, 2)

	// A range reaching past the last id just stops at what exists.
	wide, err := Export(ctx, st, Selector{RangeFrom: goal.ID, RangeTo: side.ID + 50}, Meta{Author: "alice"})
	require.NoError(t, err)
	assert.Len(t, wide.Nodes, 3)
}

func TestExportByTimeWindow(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := base
	st.SetNow(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	})

	early, err := st.CreateNode(ctx, graph.NewNode{Type: graph.NodeGoal, Title: "early"})
	require.NoError(t, err)
	late, err := st.CreateNode(ctx, graph.NewNode{Type: graph.NodeGoal, Title: "late"})
	require.NoError(t, err)

	p, err := Export(ctx, st, Selector{Since: early.CreatedAt.Add(time.Second)}, Meta{Author: "alice"})
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)
	assert.Equal(t, late.ChangeID, p.Nodes[0].ChangeID)
}

func TestExportSelectorValidation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := Export(ctx, st, Selector{}, Meta{})
	require.Error(t, err)

	_, err = Export(ctx, st, Selector{Branch: "main", IDs: []int64{1}}, Meta{})
	require.Error(t, err)

	_, err = Export(ctx, st, Selector{RangeFrom: 5, RangeTo: 2}, Meta{})
	require.Error(t, err)
}

func TestExportEmptySelection(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedGraph(ctx, t, st)

	_, err := Export(ctx, st, Selector{Branch: "no-such-branch"}, Meta{Author: "alice"})
	require.ErrorIs(t, err, ErrEmptySelection)
}

func TestExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedGraph(ctx, t, st)

	meta := Meta{Author: "alice", Branch: "main", CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	a, err := Export(ctx, st, Selector{Branch: "main"}, meta)
	require.NoError(t, err)
	b, err := Export(ctx, st, Selector{Branch: "main"}, meta)
	require.NoError(t, err)

	docA, err := a.MarshalCanonical()
	require.NoError(t, err)
	docB, err := b.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, docA, docB)
}

func TestExportApplyRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	goal, _, _ := seedGraph(ctx, t, src)

	p, err := Export(ctx, src, Selector{Branch: "main"}, Meta{Author: "alice", Branch: "main"})
	require.NoError(t, err)

	// Canonical bytes survive the trip through disk format.
	doc, err := p.MarshalCanonical()
	require.NoError(t, err)
	decoded, err := Decode(doc)
	require.NoError(t, err)

	dst := newTestStore(t)
	rep, err := Apply(ctx, dst, decoded, ApplyOptions{File: "main.json"})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NodesAdded)
	assert.Equal(t, 1, rep.EdgesAdded)

	// The receiving store assigns its own local ids; the change-id is the
	// shared name.
	n, err := dst.GetNodeByChangeID(ctx, goal.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "Ship sync", n.Title)

	// Metadata side-documents travel opaquely.
	meta, err := dst.GetMetadata(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "main", meta.GitBranch)
}

func TestWriteThenReadFile(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedGraph(ctx, t, st)

	p, err := Export(ctx, st, Selector{Branch: "main"}, Meta{Author: "alice", Branch: "main"})
	require.NoError(t, err)

	path := t.TempDir() + "/main.json"
	require.NoError(t, WriteFile(path, p))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, p.Nodes, got.Nodes)
	assert.Equal(t, p.Edges, got.Edges)
}

func TestStatusScansDirectory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedGraph(ctx, t, st)

	dir := t.TempDir()
	p, err := Export(ctx, st, Selector{Branch: "main"}, Meta{Author: "alice", Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, WriteFile(dir+"/applied.json", p))
	require.NoError(t, WriteFile(dir+"/pending.json", p))

	_, err = Apply(ctx, st, p, ApplyOptions{File: "applied.json"})
	require.NoError(t, err)

	statuses, err := Status(ctx, st, dir)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, FileStatus{File: "applied.json", Applied: true}, statuses[0])
	assert.Equal(t, FileStatus{File: "pending.json", Applied: false}, statuses[1])
}
