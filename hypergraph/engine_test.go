package hypergraph

import (
	"context"
	"fmt"
	"testing"

	conduit "github.com/forgeworks/conduit"
)

// fakeProvider returns a fixed JSON payload regardless of prompt content,
// enough to drive the engine's structured-output call sites in isolation.
type fakeProvider struct {
	content string
}

func (p *fakeProvider) Chat(ctx context.Context, req conduit.ChatRequest) (conduit.ChatResponse, error) {
	return conduit.ChatResponse{Content: p.content}, nil
}
func (p *fakeProvider) ChatWithTools(ctx context.Context, req conduit.ChatRequest, tools []conduit.ToolDefinition) (conduit.ChatResponse, error) {
	return conduit.ChatResponse{Content: p.content}, nil
}
func (p *fakeProvider) ChatStream(ctx context.Context, req conduit.ChatRequest, ch chan<- conduit.StreamEvent) (conduit.ChatResponse, error) {
	return conduit.ChatResponse{Content: p.content}, nil
}
func (p *fakeProvider) Name() string { return "fake" }

var _ conduit.Provider = (*fakeProvider)(nil)

// TestMergeUnionsVertexSets: merging two hyperedges
// installs one replacement hyperedge whose vertex set is the union of the
// two inputs', with MergedFrom naming both originals, and removes the
// two inputs from memory.
func TestMergeUnionsVertexSets(t *testing.T) {
	sess := conduit.Session{
		ID:   "sess1",
		Step: 3,
		Memory: conduit.HypergraphMemory{
			Vertices: []conduit.Vertex{
				{ID: "v1", Name: "Alice", FoldedName: "alice"},
				{ID: "v2", Name: "Bob", FoldedName: "bob"},
				{ID: "v3", Name: "Carol", FoldedName: "carol"},
			},
			Hyperedges: []conduit.Hyperedge{
				{ID: "e1", VertexIDs: []string{"v1", "v2"}, Description: "Alice manages Bob", Origin: conduit.OriginInsertion},
				{ID: "e2", VertexIDs: []string{"v2", "v3"}, Description: "Bob and Carol collaborate", Origin: conduit.OriginInsertion},
			},
		},
	}

	mergeJSON := fmt.Sprintf(`{"merges": [{"hyperedge_id_1": %q, "hyperedge_id_2": %q, "merged_description": "Alice, Bob, and Carol work together"}]}`, "e1", "e2")
	e := New(nil, &fakeProvider{content: mergeJSON}, nil)

	if err := e.merge(context.Background(), &sess); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(sess.Memory.Hyperedges) != 1 {
		t.Fatalf("expected the two inputs replaced by exactly one merged hyperedge, got %d", len(sess.Memory.Hyperedges))
	}
	merged := sess.Memory.Hyperedges[0]

	if merged.Origin != conduit.OriginMerge {
		t.Errorf("expected origin merge, got %v", merged.Origin)
	}
	if len(merged.MergedFrom) != 2 || merged.MergedFrom[0] != "e1" || merged.MergedFrom[1] != "e2" {
		t.Errorf("expected merged_from [e1 e2], got %v", merged.MergedFrom)
	}

	union := map[string]bool{}
	for _, id := range merged.VertexIDs {
		union[id] = true
	}
	for _, want := range []string{"v1", "v2", "v3"} {
		if !union[want] {
			t.Errorf("expected union vertex set to contain %s, got %v", want, merged.VertexIDs)
		}
	}
	if len(merged.VertexIDs) != 3 {
		t.Errorf("expected exactly 3 vertices in the union (v2 not duplicated), got %d: %v", len(merged.VertexIDs), merged.VertexIDs)
	}
}

func TestMergeNoOpWhenHyperedgeIDUnknown(t *testing.T) {
	sess := conduit.Session{
		Memory: conduit.HypergraphMemory{
			Hyperedges: []conduit.Hyperedge{
				{ID: "e1", VertexIDs: []string{"v1"}},
			},
		},
	}
	mergeJSON := `{"merges": [{"hyperedge_id_1": "e1", "hyperedge_id_2": "ghost", "merged_description": "n/a"}]}`
	e := New(nil, &fakeProvider{content: mergeJSON}, nil)

	if err := e.merge(context.Background(), &sess); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(sess.Memory.Hyperedges) != 1 || sess.Memory.Hyperedges[0].ID != "e1" {
		t.Errorf("expected unknown-target merge to be a no-op, got %+v", sess.Memory.Hyperedges)
	}
}

func TestUnionVertexIDsDedupes(t *testing.T) {
	got := unionVertexIDs([]string{"a", "b"}, []string{"b", "c"})
	want := map[string]bool{"a": true, "b": true, "c": true}
	if len(got) != 3 {
		t.Fatalf("expected 3 unique ids, got %v", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpected id %q", id)
		}
	}
}

func TestResolveVertexCaseFoldedDedup(t *testing.T) {
	e := New(nil, &fakeProvider{}, nil)
	sess := &conduit.Session{}

	id1 := e.resolveVertex(sess, "Alice")
	id2 := e.resolveVertex(sess, "ALICE")
	if id1 != id2 {
		t.Errorf("expected case-folded name match to resolve to the same vertex, got %q vs %q", id1, id2)
	}
	if len(sess.Memory.Vertices) != 1 {
		t.Errorf("expected exactly one vertex created, got %d", len(sess.Memory.Vertices))
	}

	id3 := e.resolveVertex(sess, "Bob")
	if id3 == id1 {
		t.Error("expected a distinct name to create a distinct vertex")
	}
}

func TestUnparseableLLMOutputIsNoOpForPhase(t *testing.T) {
	sess := conduit.Session{
		ID:   "sess1",
		Step: 2,
		Memory: conduit.HypergraphMemory{
			Vertices: []conduit.Vertex{
				{ID: "v1", Name: "Alice", FoldedName: "alice"},
				{ID: "v2", Name: "Bob", FoldedName: "bob"},
			},
			Hyperedges: []conduit.Hyperedge{
				{ID: "e1", VertexIDs: []string{"v1", "v2"}, Description: "Alice manages Bob", Origin: conduit.OriginInsertion},
			},
		},
	}

	e := New(nil, &fakeProvider{content: "sorry, I can't produce JSON today"}, nil)

	if err := e.evolve(context.Background(), &sess, nil); err != nil {
		t.Fatalf("evolve with unparseable output should be a no-op, got %v", err)
	}
	if err := e.merge(context.Background(), &sess); err != nil {
		t.Fatalf("merge with unparseable output should be a no-op, got %v", err)
	}
	if len(sess.Memory.Hyperedges) != 1 || sess.Memory.Hyperedges[0].ID != "e1" {
		t.Fatalf("memory mutated by a skipped phase: %+v", sess.Memory.Hyperedges)
	}

	sufficient, err := e.checkSufficiency(context.Background(), sess)
	if err != nil {
		t.Fatalf("checkSufficiency with unparseable output should be a no-op, got %v", err)
	}
	if sufficient {
		t.Error("a skipped sufficiency check must not report sufficient")
	}
}
