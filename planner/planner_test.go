package planner

import (
	"context"
	"testing"

	conduit "github.com/forgeworks/conduit"
)

type mockProvider struct {
	response conduit.ChatResponse
	err      error
}

func (m *mockProvider) Chat(context.Context, conduit.ChatRequest) (conduit.ChatResponse, error) {
	return m.response, m.err
}
func (m *mockProvider) ChatWithTools(context.Context, conduit.ChatRequest, []conduit.ToolDefinition) (conduit.ChatResponse, error) {
	return m.response, m.err
}
func (m *mockProvider) ChatStream(context.Context, conduit.ChatRequest, chan<- conduit.StreamEvent) (conduit.ChatResponse, error) {
	return m.response, m.err
}
func (m *mockProvider) Name() string { return "mock" }

var _ conduit.Provider = (*mockProvider)(nil)

const validPlan = "```json\n" + `{
  "name": "add-auth",
  "description": "Add OAuth login",
  "approval_mode": "auto",
  "nodes": [
    {"id": "n1", "kind": "task", "title": "Implement login", "briefing": "...", "role": "implementer"},
    {"id": "n2", "kind": "gate", "title": "Review", "briefing": "...", "gate": "all_pass"}
  ],
  "edges": [{"from": "n1", "to": "n2"}]
}` + "\n```"

func TestPlanBriefValid(t *testing.T) {
	p := &mockProvider{response: conduit.ChatResponse{Content: validPlan, FinishReason: "stop"}}
	c := New(p)

	roles := []RoleInfo{{ID: "implementer", Description: "writes code"}}
	out, err := c.PlanBrief(context.Background(), "proj", "add login", "", roles)
	if err != nil {
		t.Fatalf("PlanBrief: %v", err)
	}
	if out.Name != "add-auth" {
		t.Errorf("wrong name: %q", out.Name)
	}
	if len(out.Nodes) != 2 || len(out.Edges) != 1 {
		t.Errorf("wrong shape: %+v", out)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", out.Warnings)
	}
}

func TestPlanBriefUnknownRoleCoerced(t *testing.T) {
	plan := "```json\n" + `{
  "name": "x", "description": "y", "approval_mode": "auto",
  "nodes": [{"id": "n1", "kind": "task", "title": "t", "briefing": "b", "role": "ghost-role"}],
  "edges": []
}` + "\n```"
	p := &mockProvider{response: conduit.ChatResponse{Content: plan, FinishReason: "stop"}}
	c := New(p)

	roles := []RoleInfo{{ID: "implementer", Description: "writes code"}}
	out, err := c.PlanBrief(context.Background(), "proj", "brief", "", roles)
	if err != nil {
		t.Fatalf("PlanBrief: %v", err)
	}
	if out.Nodes[0].Role != defaultRole {
		t.Errorf("expected role coerced to %q, got %q", defaultRole, out.Nodes[0].Role)
	}
	if len(out.Warnings) != 1 {
		t.Errorf("expected 1 warning, got %v", out.Warnings)
	}
}

func TestPlanBriefDanglingEdgeDropped(t *testing.T) {
	plan := "```json\n" + `{
  "name": "x", "description": "y", "approval_mode": "auto",
  "nodes": [{"id": "n1", "kind": "task", "title": "t", "briefing": "b"}],
  "edges": [{"from": "n1", "to": "ghost"}]
}` + "\n```"
	p := &mockProvider{response: conduit.ChatResponse{Content: plan, FinishReason: "stop"}}
	c := New(p)

	out, err := c.PlanBrief(context.Background(), "proj", "brief", "", nil)
	if err != nil {
		t.Fatalf("PlanBrief: %v", err)
	}
	if len(out.Edges) != 0 {
		t.Errorf("expected dangling edge dropped, got %v", out.Edges)
	}
}

func TestParsePlanTruncatedRepair(t *testing.T) {
	// Missing closing braces/brackets and a trailing comma, as a
	// length-truncated response would produce.
	truncated := "```json\n" + `{
  "name": "x", "description": "y", "approval_mode": "auto",
  "nodes": [{"id": "n1", "kind": "task", "title": "t", "briefing": "b"},`

	out, err := parsePlan(truncated, "length")
	if err != nil {
		t.Fatalf("parsePlan: %v", err)
	}
	if out.Name != "x" {
		t.Errorf("wrong name after repair: %q", out.Name)
	}
}

func TestParsePlanInvalidNotTruncatedErrors(t *testing.T) {
	_, err := parsePlan("not json at all", "stop")
	if err == nil {
		t.Error("expected error for invalid, non-truncated JSON")
	}
}
