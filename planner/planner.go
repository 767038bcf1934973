// Package planner implements the Planner Client: turns a free-form
// project brief into a DAG template by asking the configured LLM
// Provider for a structured plan, then validating and repairing its
// JSON output.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	conduit "github.com/forgeworks/conduit"
)

// defaultRole is the fallback assigned to a task node whose role doesn't
// resolve against the Role Registry.
const defaultRole = "implementer"

// plannerTemperature is fixed: low enough for a
// deterministic-ish DAG shape, not zero so the planner can still pick
// between equally valid decompositions run to run.
var plannerTemperature = 0.3

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// PlannerNode is one node of a planned DAG, before it is materialized
// into a conduit.DAG by the caller. The planner only produces the
// template; DAG construction and cycle validation happen downstream.
type PlannerNode struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Briefing string `json:"briefing"`
	Role     string `json:"role,omitempty"`
	Globs    string `json:"globs,omitempty"`
	Gate     string `json:"gate,omitempty"`
}

// PlannerEdge is one edge of a planned DAG.
type PlannerEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Output is the Planner Client's contract: planBrief(...) → Output.
type Output struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	ApprovalMode string        `json:"approval_mode"`
	Nodes        []PlannerNode `json:"nodes"`
	Edges        []PlannerEdge `json:"edges"`

	// Warnings accumulates non-fatal validation notes (e.g. an unknown
	// role coerced to defaultRole) for the caller to log or surface.
	Warnings []string `json:"-"`
}

// rawOutput is the shape the LLM is asked to emit; json field names
// match Output/PlannerNode/PlannerEdge so the two share one schema.
type rawOutput = Output

// RoleInfo is one entry in the planner's role enumeration, sourced
// from the Role Registry.
type RoleInfo struct {
	ID           string
	Description  string
	Capabilities []string
}

// Client calls an external LLM to turn a brief into a DAG template.
type Client struct {
	provider conduit.Provider
}

// New builds a Client over provider.
func New(provider conduit.Provider) *Client {
	return &Client{provider: provider}
}

// PlanBrief implements planBrief({project, brief, context?}) → Output.
// roles enumerates the agent roles available to assign to task nodes;
// extraContext, if non-empty, is spliced into the user turn (e.g.
// "Project Knowledge" retrieved for this brief).
func (c *Client) PlanBrief(ctx context.Context, project, brief, extraContext string, roles []RoleInfo) (Output, error) {
	sys := systemPrompt(roles)
	user := userPrompt(project, brief, extraContext)

	temp := plannerTemperature
	req := conduit.ChatRequest{
		Messages: []conduit.ChatMessage{
			conduit.SystemMessage(sys),
			conduit.UserMessage(user),
		},
		Temperature: &temp,
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		return Output{}, fmt.Errorf("planner: chat: %w", err)
	}

	out, err := parsePlan(resp.Content, resp.FinishReason)
	if err != nil {
		return Output{}, fmt.Errorf("planner: parse plan: %w", err)
	}

	validate(&out, roles)
	return out, nil
}

func systemPrompt(roles []RoleInfo) string {
	var b strings.Builder
	b.WriteString("You are the planning agent for a multi-agent engineering orchestrator. ")
	b.WriteString("Given a project brief, decompose it into a DAG of task and gate nodes. ")
	b.WriteString("Respond with a single JSON object matching this schema, inside a ```json fenced block:\n\n")
	b.WriteString(`{"name": "...", "description": "...", "approval_mode": "auto|manual", ` +
		`"nodes": [{"id": "...", "kind": "task|gate|fan_out|fan_in", "title": "...", "briefing": "...", ` +
		`"role": "...", "globs": "...", "gate": "all_pass|any_pass|manual|expr:<cel>"}], ` +
		`"edges": [{"from": "...", "to": "..."}]}` + "\n\n")

	if len(roles) > 0 {
		b.WriteString("Available agent roles:\n")
		for _, r := range roles {
			fmt.Fprintf(&b, "- %s: %s", r.ID, r.Description)
			if len(r.Capabilities) > 0 {
				fmt.Fprintf(&b, " (capabilities: %s)", strings.Join(r.Capabilities, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func userPrompt(project, brief, extraContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n\nBrief:\n%s\n", project, brief)
	if extraContext != "" {
		fmt.Fprintf(&b, "\nProject Knowledge:\n%s\n", extraContext)
	}
	return b.String()
}

// parsePlan extracts the first JSON document from content, preferring a
// fenced block, then decodes it into an Output. If content was truncated
// (per finishReason) and straightforward decoding fails, it attempts a
// repair pass before giving up.
func parsePlan(content, finishReason string) (Output, error) {
	candidate := extractJSON(content)

	var out rawOutput
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return out, nil
	}

	if !truncated(finishReason) {
		return Output{}, fmt.Errorf("invalid JSON and response was not truncated")
	}

	repaired := repairJSON(candidate)
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return Output{}, fmt.Errorf("repair failed: %w", err)
	}
	return out, nil
}

func truncated(finishReason string) bool {
	switch strings.ToLower(finishReason) {
	case "length", "max_tokens", "truncated":
		return true
	default:
		return false
	}
}

// extractJSON pulls the first JSON document out of content: a fenced
// ```json block if present, else the outermost {...} span.
func extractJSON(content string) string {
	if m := fencedJSONPattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// repairJSON attempts to recover a parseable document from a
// mid-token-truncated LLM response: strip a trailing comma before a
// dangling key/value, balance an unterminated string, then close any
// unbalanced brackets/braces by counting.
func repairJSON(s string) string {
	s = strings.TrimRight(s, " \t\n\r")
	s = strings.TrimRight(s, ",")

	if isOddQuoteCount(s) {
		s += `"`
	}

	var stack []byte
	inStr := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '{':
			s += "}"
		case '[':
			s += "]"
		}
	}
	return s
}

func isOddQuoteCount(s string) bool {
	count := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		if s[i] == '\\' {
			escaped = true
			continue
		}
		if s[i] == '"' {
			count++
		}
	}
	return count%2 == 1
}

// validate enforces: node IDs unique and non-empty, every edge endpoint
// present among node IDs, unknown roles on task nodes coerced to
// defaultRole with a warning appended to out.Warnings. It deliberately
// does not check acyclicity — that's the DAG Executor's job on create.
func validate(out *Output, roles []RoleInfo) {
	known := make(map[string]bool, len(roles))
	for _, r := range roles {
		known[r.ID] = true
	}

	seen := make(map[string]bool, len(out.Nodes))
	nodeIDs := make(map[string]bool, len(out.Nodes))
	nodes := make([]PlannerNode, 0, len(out.Nodes))
	for i := range out.Nodes {
		n := &out.Nodes[i]
		if n.ID == "" || seen[n.ID] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping node with duplicate/empty id %q", n.ID))
			continue
		}
		seen[n.ID] = true
		nodeIDs[n.ID] = true

		if n.Kind == "task" && n.Role != "" && len(roles) > 0 && !known[n.Role] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("node %q: unknown role %q, coerced to %q", n.ID, n.Role, defaultRole))
			n.Role = defaultRole
		}
		nodes = append(nodes, *n)
	}
	out.Nodes = nodes

	var edges []PlannerEdge
	for _, e := range out.Edges {
		if !nodeIDs[e.From] || !nodeIDs[e.To] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("dropping edge %s->%s: endpoint not in node set", e.From, e.To))
			continue
		}
		edges = append(edges, e)
	}
	out.Edges = edges
}
