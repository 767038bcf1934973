package conduit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRunner(t *testing.T) (*TaskRunner, *TaskStore, *DeviceTaskQueue) {
	bus := NewBroadcaster()
	tsPath := filepath.Join(t.TempDir(), "tasks.json")
	store := NewTaskStore(tsPath, bus)
	if err := store.Load(nil); err != nil {
		t.Fatalf("TaskStore.Load: %v", err)
	}
	qPath := filepath.Join(t.TempDir(), "device-tasks.json")
	queue := NewDeviceTaskQueue(qPath, bus)
	if err := queue.Load(); err != nil {
		t.Fatalf("DeviceTaskQueue.Load: %v", err)
	}
	r := NewTaskRunner(store, bus, queue, nil, nil, nil)
	return r, store, queue
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[31mhello\x1b[0m world"
	if got := stripANSI(in); got != "hello world" {
		t.Fatalf("stripANSI: got %q", got)
	}
}

func TestSummarizeToolCall(t *testing.T) {
	input := []byte(`{"path": "src/foo.go", "other": "ignored"}`)
	if got := summarizeToolCall("Read", input); got != "Read: src/foo.go" {
		t.Fatalf("summarizeToolCall: got %q", got)
	}
	if got := summarizeToolCall("Bash", []byte(`{"command": "ls -la"}`)); got != "Bash: ls -la" {
		t.Fatalf("summarizeToolCall command: got %q", got)
	}
	if got := summarizeToolCall("Noop", []byte(`{}`)); got != "Noop" {
		t.Fatalf("summarizeToolCall no salient field: got %q", got)
	}
}

func TestAssemblePromptWithRoleAndScope(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.roles = fakeRoleRegistry{roles: map[string]Role{
		"implementer": {ID: "implementer", SystemPrompt: "You are an implementer."},
	}}
	task := Task{
		Role:     "implementer",
		Briefing: "Fix the bug.",
		Allow:    []string{"src/**"},
		Deny:     []string{"src/secrets/**"},
	}
	prompt := r.assemblePrompt(context.Background(), task)
	if !strings.Contains(prompt, "You are an implementer.") {
		t.Errorf("expected role system prompt in prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Fix the bug.") {
		t.Errorf("expected briefing in prompt")
	}
	if !strings.Contains(prompt, "Allow: src/**") || !strings.Contains(prompt, "Deny: src/secrets/**") {
		t.Errorf("expected file scope section in prompt:\n%s", prompt)
	}
}

func TestAssemblePromptWithKnowledge(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.knowledge = fakeKnowledge{snippets: []KnowledgeSnippet{
		{Title: "README", Content: "Project uses Go modules."},
	}}
	task := Task{Briefing: "Add a feature."}
	prompt := r.assemblePrompt(context.Background(), task)
	if !strings.Contains(prompt, "## Project Knowledge") {
		t.Errorf("expected Project Knowledge section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Project uses Go modules.") {
		t.Errorf("expected spliced snippet content:\n%s", prompt)
	}
}

type fakeRoleRegistry struct {
	roles map[string]Role
}

func (f fakeRoleRegistry) Lookup(id string) (Role, bool) {
	role, ok := f.roles[id]
	return role, ok
}

type fakeKnowledge struct {
	snippets []KnowledgeSnippet
}

func (f fakeKnowledge) SemanticSearch(ctx context.Context, query string, limit int, threshold float64) ([]KnowledgeSnippet, error) {
	return f.snippets, nil
}

func TestHandleClaudeRecordEmitsExpectedOutput(t *testing.T) {
	r, store, _ := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "x"}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{Type: "system", Model: "claude-opus", Tools: []string{"a", "b"}})
	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{
		Type:    "assistant",
		Content: []byte(`[{"type":"text","text":"short answer"},{"type":"tool_use","name":"Read","input":{"path":"a.go"}}]`),
	})
	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{Type: "tool_result", IsError: true, Result: []byte(`"boom"`)})
	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{Type: "tool_result", IsError: false, Result: []byte(`"fine"`)})
	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{Type: "result", NumTurns: 3, DurationMS: 1500, CostUSD: 0.02})

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var streams []string
	var texts []string
	for _, l := range got.Output {
		streams = append(streams, l.Stream)
		texts = append(texts, l.Text)
	}

	if len(got.Output) != 5 {
		t.Fatalf("expected 5 emitted lines (tool_result without error suppressed), got %d: %v", len(got.Output), texts)
	}
	if streams[0] != "system" || !strings.Contains(texts[0], "claude-opus") || !strings.Contains(texts[0], "tools=2") {
		t.Errorf("expected system start line, got stream=%s text=%q", streams[0], texts[0])
	}
	if texts[1] != "short answer" {
		t.Errorf("expected assistant text line, got %q", texts[1])
	}
	if texts[2] != "Read: a.go" {
		t.Errorf("expected tool call summary line, got %q", texts[2])
	}
	if streams[3] != "stderr" || !strings.Contains(texts[3], "boom") {
		t.Errorf("expected error tool_result line on stderr, got stream=%s text=%q", streams[3], texts[3])
	}
	if streams[4] != "system" || !strings.Contains(texts[4], "turns=3") {
		t.Errorf("expected completion summary line, got stream=%s text=%q", streams[4], texts[4])
	}
	for _, text := range texts {
		if strings.Contains(text, "fine") {
			t.Fatalf("tool_result without error leaked into output")
		}
	}
}

func TestHandleClaudeRecordErrorToolResultGoesToStderr(t *testing.T) {
	r, store, _ := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "x"}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.handleClaudeRecord(context.Background(), task.ID, claudeRecord{Type: "tool_result", IsError: true, Result: []byte(`"boom"`)})

	got, _ := store.Get(context.Background(), task.ID)
	if len(got.Output) != 1 || got.Output[0].Stream != "stderr" {
		t.Fatalf("expected single stderr line, got %+v", got.Output)
	}
}

func TestRunLocalFallbackEchoesBriefing(t *testing.T) {
	r, store, _ := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "no agent binary for this kind", AgentKind: AgentKind("unknown-kind")}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != TaskCompleted {
		t.Fatalf("expected completed, got %v", got.State)
	}
	found := false
	for _, l := range got.Output {
		if strings.Contains(l.Text, task.Briefing) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected echoed briefing in output, got %+v", got.Output)
	}
}

func TestRunOnDeviceSuccess(t *testing.T) {
	r, store, queue := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "do work on device", AgentKind: AgentRemoteDevice, DeviceID: "dev-1"}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		pending := queue.PendingForDevice("dev-1")
		if len(pending) != 1 {
			return
		}
		_ = queue.Complete(context.Background(), pending[0].ID, "device output")
	}()

	if err := r.Run(context.Background(), task); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != TaskCompleted {
		t.Fatalf("expected completed, got %v reason=%q", got.State, got.Reason)
	}
	found := false
	for _, l := range got.Output {
		if strings.Contains(l.Text, "device output") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected device output appended, got %+v", got.Output)
	}
}

func TestRunOnDeviceFailure(t *testing.T) {
	r, store, queue := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "do work on device", AgentKind: AgentRemoteDevice, DeviceID: "dev-2"}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		pending := queue.PendingForDevice("dev-2")
		if len(pending) != 1 {
			return
		}
		_ = queue.Fail(context.Background(), pending[0].ID, "device exploded")
	}()

	if err := r.Run(context.Background(), task); err == nil {
		t.Fatal("expected Run to return an error")
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != TaskFailed {
		t.Fatalf("expected failed, got %v", got.State)
	}
	if !strings.Contains(got.Reason, "device exploded") {
		t.Fatalf("expected failure reason to carry device error text, got %q", got.Reason)
	}
}

func TestCancelTransitionsTaskToFailed(t *testing.T) {
	r, store, _ := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "x"}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Mutate(context.Background(), task.ID, func(t *Task) { t.State = TaskRunning }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	r.Cancel(task.ID)

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != TaskFailed || got.Reason != "cancelled by user" {
		t.Fatalf("expected failed/cancelled by user, got state=%v reason=%q", got.State, got.Reason)
	}
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	r, store, _ := newTestRunner(t)
	task := Task{ID: NewTaskID(), Briefing: "x", State: TaskRunning}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.fail(context.Background(), task.ID, "cancelled by user")
	// A racing subprocess-exit failure must not overwrite the first reason.
	r.fail(context.Background(), task.ID, "subprocess exit: signal: killed")
	if err := r.complete(context.Background(), task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != TaskFailed || got.Reason != "cancelled by user" {
		t.Fatalf("expected first terminal transition to stick, got state=%v reason=%q", got.State, got.Reason)
	}
}
