package graph

import (
	"context"
	"errors"
	"testing"
)

func makeNodePair(t *testing.T, s *Store) (Node, Node) {
	t.Helper()
	ctx := context.Background()
	from, err := s.CreateNode(ctx, NewNode{Type: NodeDecision, Title: "from"})
	if err != nil {
		t.Fatalf("CreateNode(from) failed: %v", err)
	}
	to, err := s.CreateNode(ctx, NewNode{Type: NodeOption, Title: "to"})
	if err != nil {
		t.Fatalf("CreateNode(to) failed: %v", err)
	}
	return from, to
}

func TestCreateEdge_CarriesBothIdentifierPairs(t *testing.T) {
	s := openTestStore(t)
	from, to := makeNodePair(t, s)

	edge, err := s.CreateEdge(context.Background(), NewEdge{
		FromID:    from.ID,
		ToID:      to.ID,
		Type:      EdgeChosen,
		Rationale: "lowest risk",
	})
	if err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	if edge.ID == 0 || edge.ChangeID.IsZero() {
		t.Error("edge identifiers not assigned")
	}
	if edge.FromChangeID != from.ChangeID || edge.ToChangeID != to.ChangeID {
		t.Errorf("change-id pair = (%s, %s), want (%s, %s)",
			edge.FromChangeID, edge.ToChangeID, from.ChangeID, to.ChangeID)
	}
}

func TestCreateEdge_MissingEndpoint(t *testing.T) {
	s := openTestStore(t)
	from, _ := makeNodePair(t, s)

	_, err := s.CreateEdge(context.Background(), NewEdge{
		FromID: from.ID,
		ToID:   9999,
		Type:   EdgeLeadsTo,
	})
	if err == nil {
		t.Fatal("CreateEdge() with missing endpoint succeeded, want error")
	}
}

func TestCreateEdge_DuplicateTripleRejected(t *testing.T) {
	s := openTestStore(t)
	from, to := makeNodePair(t, s)
	ctx := context.Background()

	if _, err := s.CreateEdge(ctx, NewEdge{FromID: from.ID, ToID: to.ID, Type: EdgeChosen}); err != nil {
		t.Fatalf("first CreateEdge() failed: %v", err)
	}

	_, err := s.CreateEdge(ctx, NewEdge{FromID: from.ID, ToID: to.ID, Type: EdgeChosen})
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Errorf("duplicate triple error = %v, want ErrDuplicateEdge", err)
	}

	// A different type between the same endpoints is a distinct triple.
	if _, err := s.CreateEdge(ctx, NewEdge{FromID: from.ID, ToID: to.ID, Type: EdgeRejected}); err != nil {
		t.Errorf("CreateEdge() with different type failed: %v", err)
	}
}

func TestCreateEdge_InvalidType(t *testing.T) {
	s := openTestStore(t)
	from, to := makeNodePair(t, s)

	_, err := s.CreateEdge(context.Background(), NewEdge{
		FromID: from.ID, ToID: to.ID, Type: "causes",
	})
	if err == nil {
		t.Error("invalid edge type accepted")
	}
}

func TestListEdges_BranchFilterUsesSourceNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.CreateNode(ctx, NewNode{Type: NodeGoal, Title: "a", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}
	b, err := s.CreateNode(ctx, NewNode{Type: NodeDecision, Title: "b", Branch: "other"})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	if _, err := s.CreateEdge(ctx, NewEdge{FromID: a.ID, ToID: b.ID, Type: EdgeLeadsTo}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, err := s.CreateEdge(ctx, NewEdge{FromID: b.ID, ToID: a.ID, Type: EdgeBlocks}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	mainEdges, err := s.ListEdges(ctx, Filter{Branch: "main"})
	if err != nil {
		t.Fatalf("ListEdges() failed: %v", err)
	}
	if len(mainEdges) != 1 || mainEdges[0].FromID != a.ID {
		t.Errorf("branch filter returned %d edges, want the one from node a", len(mainEdges))
	}
}

func TestEdgesForNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, b := makeNodePair(t, s)
	c, err := s.CreateNode(ctx, NewNode{Type: NodeOutcome, Title: "c"})
	if err != nil {
		t.Fatalf("CreateNode() failed: %v", err)
	}

	if _, err := s.CreateEdge(ctx, NewEdge{FromID: a.ID, ToID: b.ID, Type: EdgeLeadsTo}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	// Edge leaving the selection: still returned for a's selection.
	if _, err := s.CreateEdge(ctx, NewEdge{FromID: a.ID, ToID: c.ID, Type: EdgeEnables}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}
	if _, err := s.CreateEdge(ctx, NewEdge{FromID: c.ID, ToID: b.ID, Type: EdgeBlocks}); err != nil {
		t.Fatalf("CreateEdge() failed: %v", err)
	}

	edges, err := s.EdgesForNodes(ctx, []int64{a.ID})
	if err != nil {
		t.Fatalf("EdgesForNodes() failed: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("len = %d, want 2 (both edges leaving node a)", len(edges))
	}

	none, err := s.EdgesForNodes(ctx, nil)
	if err != nil {
		t.Fatalf("EdgesForNodes(nil) failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("empty selection returned %d edges", len(none))
	}
}
