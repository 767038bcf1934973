package conduit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// defaultTaskTimeout is the fixed wall-clock budget for a local task
// before it is force-killed and failed with reason "timeout".
const defaultTaskTimeout = 30 * time.Minute

// KnowledgeAdapter is the Task Runner's view of the Knowledge Query
// Adapter: enough to splice "Project Knowledge" into a prompt. Defined
// here rather than imported from the knowledge package to keep the core
// free of a dependency on its concrete retrieval backends.
type KnowledgeAdapter interface {
	SemanticSearch(ctx context.Context, query string, limit int, threshold float64) ([]KnowledgeSnippet, error)
}

// KnowledgeSnippet is one retrieved passage spliced into a task prompt.
type KnowledgeSnippet struct {
	Title      string
	Content    string
	Similarity float64
}

// RoleRegistry resolves a role tag to its Role definition.
type RoleRegistry interface {
	Lookup(roleID string) (Role, bool)
}

// TaskRunner executes Tasks end-to-end: prompt assembly, dispatch to a
// local subprocess or a remote device, output capture, and lifecycle
// events.
type TaskRunner struct {
	store     *TaskStore
	bus       *Broadcaster
	queue     *DeviceTaskQueue
	knowledge KnowledgeAdapter
	roles     RoleRegistry
	settings  *SettingsStore
	tracer    Tracer
	timeout   time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewTaskRunner wires a TaskRunner. knowledge and roles may be nil, in
// which case prompt assembly skips the corresponding section.
func NewTaskRunner(store *TaskStore, bus *Broadcaster, queue *DeviceTaskQueue, knowledge KnowledgeAdapter, roles RoleRegistry, tracer Tracer) *TaskRunner {
	return &TaskRunner{
		store:     store,
		bus:       bus,
		queue:     queue,
		knowledge: knowledge,
		roles:     roles,
		tracer:    tracer,
		timeout:   defaultTaskTimeout,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// WithTimeout overrides the default 30-minute task timeout.
func (r *TaskRunner) WithTimeout(d time.Duration) *TaskRunner {
	r.timeout = d
	return r
}

// WithSettings installs the settings store consulted for per-agent-kind
// default models when a task carries no model hint.
func (r *TaskRunner) WithSettings(s *SettingsStore) *TaskRunner {
	r.settings = s
	return r
}

// resolveModel picks the task's model hint, falling back to the settings
// store's default for the task's agent kind.
func (r *TaskRunner) resolveModel(task Task) string {
	if task.ModelHint != "" {
		return task.ModelHint
	}
	if r.settings != nil {
		return r.settings.DefaultModel(task.AgentKind)
	}
	return ""
}

// RunAsync launches Run in its own goroutine; callers (the DAG Executor)
// invoke the runner fire-and-forget and observe completion through the
// Broadcaster.
func (r *TaskRunner) RunAsync(ctx context.Context, task Task) {
	go func() {
		if err := r.Run(ctx, task); err != nil {
			// Run already recorded the failure on the task and emitted
			// task:failed; nothing further to do here.
			_ = err
		}
	}()
}

// Run executes task end-to-end. It blocks until the task reaches a
// terminal state.
func (r *TaskRunner) Run(ctx context.Context, task Task) error {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "task.run", StringAttr("task.id", task.ID), StringAttr("task.agent_kind", string(task.AgentKind)))
		defer span.End()
	}

	runCtx, cancel := context.WithTimeout(ctx, r.effectiveTimeout())
	r.mu.Lock()
	r.cancels[task.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, task.ID)
		r.mu.Unlock()
		cancel()
	}()

	prompt := r.assemblePrompt(runCtx, task)

	if _, err := r.store.Mutate(runCtx, task.ID, func(t *Task) {
		t.State = TaskRunning
		t.StartedAt = NowUnix()
	}); err != nil {
		return err
	}
	r.emit(Event{Kind: EventTaskStarted, TaskID: task.ID, Timestamp: NowUnix()})

	var runErr error
	if task.AgentKind == AgentRemoteDevice || task.DeviceID != "" {
		runErr = r.runOnDevice(runCtx, task, prompt)
	} else {
		runErr = r.runLocal(runCtx, task, prompt)
	}

	if runErr != nil {
		reason := runErr.Error()
		if runCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		r.fail(runCtx, task.ID, reason)
		return runErr
	}
	return nil
}

// Cancel kills a running task's subprocess (or abandons its device task)
// and transitions it to failed with reason "cancelled by user".
func (r *TaskRunner) Cancel(taskID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	r.fail(context.Background(), taskID, "cancelled by user")
}

func (r *TaskRunner) effectiveTimeout() time.Duration {
	if r.timeout <= 0 {
		return defaultTaskTimeout
	}
	return r.timeout
}

// --- prompt assembly ---

func (r *TaskRunner) assemblePrompt(ctx context.Context, task Task) string {
	var b strings.Builder

	if task.Role != "" && r.roles != nil {
		if role, ok := r.roles.Lookup(task.Role); ok && role.SystemPrompt != "" {
			b.WriteString(role.SystemPrompt)
			b.WriteString("\n\n")
		}
	}

	if r.knowledge != nil {
		if snippets, err := r.knowledge.SemanticSearch(ctx, task.Briefing, 5, 0.4); err == nil && len(snippets) > 0 {
			b.WriteString("## Project Knowledge\n\n")
			for _, s := range snippets {
				fmt.Fprintf(&b, "### %s\n%s\n\n", s.Title, s.Content)
			}
		}
	}

	b.WriteString(task.Briefing)
	b.WriteString("\n\n")

	if len(task.Allow) > 0 || len(task.Deny) > 0 {
		b.WriteString("## File Scope\n")
		fmt.Fprintf(&b, "Allow: %s\n", strings.Join(task.Allow, ", "))
		fmt.Fprintf(&b, "Deny: %s\n", strings.Join(task.Deny, ", "))
	}

	return b.String()
}

// --- local subprocess dispatch ---

func (r *TaskRunner) commandFor(kind AgentKind) (string, bool) {
	switch kind {
	case AgentLocalClaude:
		return "claude", true
	case AgentLocalAugment:
		return "augment", false
	default:
		return "", false
	}
}

func (r *TaskRunner) runLocal(ctx context.Context, task Task, prompt string) error {
	bin, isClaude := r.commandFor(task.AgentKind)
	if bin == "" {
		// fallback → echo the briefing
		r.appendOutput(ctx, task.ID, "system", "no agent binary configured; echoing briefing")
		r.appendOutput(ctx, task.ID, "stdout", prompt)
		return r.complete(ctx, task.ID)
	}

	args := []string{}
	model := r.resolveModel(task)
	if isClaude {
		args = append(args, "--output-format", "stream-json")
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, "--print", prompt)
	} else {
		args = append(args, prompt)
	}

	cmdName, cmdArgs := bin, args
	if !isClaude && runtime.GOOS != "windows" {
		// Headless non-Claude CLIs often refuse to run without a tty.
		// Wrap through `script`, a near-universal POSIX utility, so the
		// subprocess believes it has one. Claude's streaming-JSON mode
		// does not need this.
		full := append([]string{bin}, args...)
		cmdName = "script"
		cmdArgs = []string{"-qec", shellJoin(full), "/dev/null"}
	}

	cmd := exec.CommandContext(ctx, cmdName, cmdArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Wrapf(ClassExternal, "runner.spawn", err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Wrapf(ClassExternal, "runner.spawn", err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return Wrapf(ClassExternal, "runner.spawn", err, "start %s", bin)
	}
	if model != "" {
		r.emit(Event{Kind: EventTaskModelResolved, TaskID: task.ID, Text: model, Timestamp: NowUnix()})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if isClaude {
			r.streamClaude(ctx, task.ID, stdout)
		} else {
			r.streamPlain(ctx, task.ID, "stdout", stdout)
		}
	}()
	go func() {
		defer wg.Done()
		r.streamPlain(ctx, task.ID, "stderr", stderr)
	}()
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return NewError(ClassTimeout, "runner.run", "task timed out")
	}
	if err != nil {
		return Wrapf(ClassExternal, "runner.run", err, "subprocess exit")
	}
	return r.complete(ctx, task.ID)
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// --- remote device dispatch ---

func (r *TaskRunner) runOnDevice(ctx context.Context, task Task, prompt string) error {
	if r.queue == nil {
		return NewError(ClassExternal, "runner.device", "no device task queue configured")
	}
	model := r.resolveModel(task)
	dt, err := r.queue.Enqueue(ctx, task.ID, task.DeviceID, model, prompt)
	if err != nil {
		return err
	}
	if model != "" {
		r.emit(Event{Kind: EventTaskModelResolved, TaskID: task.ID, Text: model, Timestamp: NowUnix()})
	}
	done, err := r.queue.WaitForCompletion(ctx, dt.ID, 0)
	if err != nil {
		return err
	}
	if done.State == DeviceTaskFailed {
		return NewError(ClassExternal, "runner.device", done.ErrorText)
	}
	r.appendOutput(ctx, task.ID, "stdout", done.Output)
	return r.complete(ctx, task.ID)
}

// --- output stream parsing ---

// streamClaude parses Claude's line-delimited JSON event stream.
func (r *TaskRunner) streamClaude(ctx context.Context, taskID string, rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			r.appendOutput(ctx, taskID, "stdout", stripANSI(string(line)))
			continue
		}
		r.handleClaudeRecord(ctx, taskID, rec)
	}
}

type claudeRecord struct {
	Type       string          `json:"type"`
	Model      string          `json:"model,omitempty"`
	Tools      []string        `json:"tools,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	DurationMS int             `json:"duration_ms,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (r *TaskRunner) handleClaudeRecord(ctx context.Context, taskID string, rec claudeRecord) {
	switch rec.Type {
	case "system":
		if rec.Model != "" {
			r.emit(Event{Kind: EventTaskModelResolved, TaskID: taskID, Text: rec.Model, Timestamp: NowUnix()})
		}
		r.appendOutput(ctx, taskID, "system", fmt.Sprintf("agent started: model=%s tools=%d", rec.Model, len(rec.Tools)))
	case "assistant":
		var blocks []claudeContentBlock
		if err := json.Unmarshal(rec.Content, &blocks); err != nil {
			return
		}
		for _, blk := range blocks {
			switch blk.Type {
			case "text":
				text := blk.Text
				if len(text) > 500 {
					text = text[:500] + "…"
				}
				r.appendOutput(ctx, taskID, "stdout", text)
			case "tool_use":
				r.appendOutput(ctx, taskID, "stdout", summarizeToolCall(blk.Name, blk.Input))
			}
		}
	case "tool_result":
		if rec.IsError {
			text := string(rec.Result)
			if len(text) > 200 {
				text = text[:200]
			}
			r.appendOutput(ctx, taskID, "stderr", text)
		}
	case "result":
		r.appendOutput(ctx, taskID, "system", fmt.Sprintf("completed: turns=%d elapsed=%dms cost=$%.4f", rec.NumTurns, rec.DurationMS, rec.CostUSD))
	}
}

// summarizeToolCall renders a one-line summary of a tool invocation,
// pulling out the most salient input field.
func summarizeToolCall(name string, input json.RawMessage) string {
	var fields map[string]any
	_ = json.Unmarshal(input, &fields)
	for _, key := range []string{"path", "file_path", "command", "query", "pattern"} {
		if v, ok := fields[key]; ok {
			return fmt.Sprintf("%s: %v", name, v)
		}
	}
	return name
}

// streamPlain strips ANSI/OSC/cursor escape sequences line by line and
// emits each non-empty line. Used for stderr on all kinds and for stdout
// on non-Claude kinds.
func (r *TaskRunner) streamPlain(ctx context.Context, taskID, stream string, rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		r.appendOutput(ctx, taskID, stream, line)
	}
}

var ansiPattern = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07]*\x07|[()][AB012])`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// --- event + state helpers ---

func (r *TaskRunner) appendOutput(ctx context.Context, taskID, stream, text string) {
	line := OutputLine{Stream: stream, Text: text, Timestamp: NowUnix()}
	_, _ = r.store.Mutate(ctx, taskID, func(t *Task) {
		t.Output = append(t.Output, line)
	})
	r.emit(Event{Kind: EventTaskOutput, TaskID: taskID, Stream: stream, Text: text, Timestamp: NowUnix()})
}

// complete transitions a task to completed. A task already in a terminal
// state keeps it: exactly one terminal transition, exactly one terminal
// event.
func (r *TaskRunner) complete(ctx context.Context, taskID string) error {
	transitioned := false
	_, err := r.store.Mutate(ctx, taskID, func(t *Task) {
		if t.Terminal() {
			return
		}
		t.State = TaskCompleted
		t.CompletedAt = NowUnix()
		transitioned = true
	})
	if err != nil {
		return err
	}
	if transitioned {
		r.emit(Event{Kind: EventTaskCompleted, TaskID: taskID, Timestamp: NowUnix()})
	}
	return nil
}

// fail transitions a task to failed with reason. No-op when the task is
// already terminal, so a cancel racing a subprocess exit keeps the first
// reason and emits a single terminal event.
func (r *TaskRunner) fail(ctx context.Context, taskID, reason string) {
	transitioned := false
	_, _ = r.store.Mutate(ctx, taskID, func(t *Task) {
		if t.Terminal() {
			return
		}
		t.State = TaskFailed
		t.Reason = reason
		t.CompletedAt = NowUnix()
		transitioned = true
	})
	if transitioned {
		r.emit(Event{Kind: EventTaskFailed, TaskID: taskID, Reason: reason, Timestamp: NowUnix()})
	}
}

func (r *TaskRunner) emit(ev Event) {
	if r.bus != nil {
		r.bus.Broadcast(ev)
	}
}
