package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// outputSummaryLimit bounds the fallback artifact stored on every
// terminal task node, regardless of whether a structured block parsed.
const outputSummaryLimit = 4096

var fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

// nodeLocation is where a dispatched Task lives inside a DAG. Keeping
// this as a mapping table avoids a task↔node pointer cycle.
type nodeLocation struct {
	dagID  string
	nodeID string
}

// DAGExecutor walks DAGs: computing ready sets, starting task nodes via
// the Task Runner, evaluating gate conditions, propagating artifacts, and
// recomputing overall DAG status until the graph reaches a terminal
// state.
type DAGExecutor struct {
	dags    *DAGStore
	tasks   *TaskStore
	runner  *TaskRunner
	roles   RoleRegistry
	bus     *Broadcaster
	tracer  Tracer
	gateEval GateEvaluator

	mu      sync.Mutex
	mapping map[string]nodeLocation // taskID -> (dagID, nodeID)
}

// GateEvaluator evaluates a gate node's "expr:<CEL>" condition form (see
// the gate package, D.2). When nil, expr: conditions always fail closed.
type GateEvaluator interface {
	Eval(expr string, preds map[string]GatePredecessorView) (bool, error)
}

// GatePredecessorView is the read-only view of one predecessor a CEL
// expression may inspect.
type GatePredecessorView struct {
	Status    string `json:"status"`
	Artifacts Value  `json:"artifacts"`
}

// NewDAGExecutor wires an executor over the given stores and subscribes
// to the Broadcaster so every task:completed/task:failed event for a
// mapped task routes back onto its DAG node automatically.
func NewDAGExecutor(dags *DAGStore, tasks *TaskStore, runner *TaskRunner, roles RoleRegistry, bus *Broadcaster, tracer Tracer) *DAGExecutor {
	x := &DAGExecutor{
		dags:    dags,
		tasks:   tasks,
		runner:  runner,
		roles:   roles,
		bus:     bus,
		tracer:  tracer,
		mapping: make(map[string]nodeLocation),
	}
	if bus != nil {
		bus.Subscribe("dagexec:terminal", func(ev Event) {
			switch ev.Kind {
			case EventTaskCompleted:
				_ = x.OnTaskTerminal(context.Background(), ev.TaskID, false, "")
			case EventTaskFailed:
				_ = x.OnTaskTerminal(context.Background(), ev.TaskID, true, ev.Reason)
			}
		})
	}
	return x
}

// WithGateEvaluator installs the CEL-backed evaluator for "expr:" gate
// conditions.
func (x *DAGExecutor) WithGateEvaluator(ev GateEvaluator) *DAGExecutor {
	x.gateEval = ev
	return x
}

// Start transitions a created DAG to running and performs its first
// advance.
func (x *DAGExecutor) Start(ctx context.Context, dagID string) (DAG, error) {
	_, err := x.dags.Mutate(ctx, dagID, func(d *DAG) {
		d.State = DAGRunning
	})
	if err != nil {
		return DAG{}, err
	}
	x.emit(Event{Kind: EventDAGStarted, DAGID: dagID, Timestamp: NowUnix()})
	return x.Advance(ctx, dagID)
}

// Advance is the idempotent scheduler step: it starts every currently
// ready node, evaluates every ready gate in place, and recomputes overall
// DAG status. Safe to call repeatedly — already-running or terminal
// nodes are left untouched.
func (x *DAGExecutor) Advance(ctx context.Context, dagID string) (DAG, error) {
	var span Span
	if x.tracer != nil {
		ctx, span = x.tracer.Start(ctx, "dag.advance", StringAttr("dag.id", dagID))
		defer span.End()
	}

	d, err := x.dags.Get(ctx, dagID)
	if err != nil {
		return DAG{}, err
	}
	if d.State != DAGRunning {
		return d, nil
	}

	ready := readyNodes(d)
	for _, n := range ready {
		switch n.Kind {
		case NodeGate:
			if err := x.evaluateGate(ctx, &d, n.ID); err != nil {
				return DAG{}, err
			}
			// re-fetch: evaluateGate persisted via Mutate below.
			d, err = x.dags.Get(ctx, dagID)
			if err != nil {
				return DAG{}, err
			}
		case NodeTask, NodeFanOut, NodeFanIn:
			if err := x.startTaskNode(ctx, dagID, n.ID); err != nil {
				return DAG{}, err
			}
		}
	}

	d, err = x.dags.Mutate(ctx, dagID, func(d *DAG) {
		d.State = recomputeStatus(*d)
	})
	if err != nil {
		return DAG{}, err
	}
	if d.State == DAGCompleted || d.State == DAGFailed {
		x.emit(Event{Kind: EventDAGCompleted, DAGID: dagID, Status: string(d.State), Timestamp: NowUnix()})
	}
	return d, nil
}

// readyNodes returns pending nodes all of whose predecessors are in
// {completed, skipped}.
func readyNodes(d DAG) []DAGNode {
	byID := make(map[string]DAGNode, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}
	preds := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}

	var out []DAGNode
	for _, n := range d.Nodes {
		if n.State != NodePending {
			continue
		}
		allResolved := true
		for _, p := range preds[n.ID] {
			st := byID[p].State
			if st != NodeCompleted && st != NodeSkipped {
				allResolved = false
				break
			}
		}
		if allResolved {
			out = append(out, n)
		}
	}
	return out
}

// startTaskNode marks a task node running, collects upstream artifacts,
// creates its backing Task, records the task↔node mapping, and invokes
// the Task Runner fire-and-forget.
func (x *DAGExecutor) startTaskNode(ctx context.Context, dagID, nodeID string) error {
	var span Span
	if x.tracer != nil {
		ctx, span = x.tracer.Start(ctx, "dag.node.start", StringAttr("dag.id", dagID), StringAttr("node.id", nodeID))
		defer span.End()
	}

	d, err := x.dags.Get(ctx, dagID)
	if err != nil {
		return err
	}
	node, ok := findNode(d, nodeID)
	if !ok {
		return NewError(ClassNotFound, "dagexec.start", "node not found: "+nodeID)
	}

	briefing := node.Briefing
	if artifacts := x.collectUpstreamArtifacts(d, nodeID); artifacts != "" {
		briefing = briefing + "\n\n## Upstream Artifacts\n\n" + artifacts
	}

	allow, deny := node.Allow, node.Deny
	agentKind := node.AgentKind
	var roleDef Role
	hasRole := false
	if node.Role != "" && x.roles != nil {
		if r, found := x.roles.Lookup(node.Role); found {
			roleDef, hasRole = r, true
			if len(allow) == 0 {
				allow = roleDef.DefaultAllow
			}
			if len(deny) == 0 {
				deny = roleDef.DefaultDeny
			}
			if agentKind == "" {
				agentKind = roleDef.DefaultAgentKind
			}
		}
	}
	_ = hasRole

	task := Task{
		ID:        NewTaskID(),
		Project:   d.Project,
		Title:     node.Title,
		Briefing:  briefing,
		Role:      node.Role,
		AgentKind: agentKind,
		DeviceID:  node.DeviceID,
		Allow:     allow,
		Deny:      deny,
		State:     TaskPending,
		CreatedAt: NowUnix(),
	}
	if err := x.tasks.Create(ctx, task); err != nil {
		return err
	}

	if _, err := x.dags.Mutate(ctx, dagID, func(d *DAG) {
		for i := range d.Nodes {
			if d.Nodes[i].ID == nodeID {
				d.Nodes[i].State = NodeRunning
				d.Nodes[i].TaskID = task.ID
			}
		}
	}); err != nil {
		return err
	}

	x.mu.Lock()
	x.mapping[task.ID] = nodeLocation{dagID: dagID, nodeID: nodeID}
	x.mu.Unlock()

	x.emit(Event{Kind: EventDAGNodeStarted, DAGID: dagID, NodeID: nodeID, TaskID: task.ID, Timestamp: NowUnix()})
	x.runner.RunAsync(context.WithoutCancel(ctx), task)

	x.subscribeNodeOutput(dagID, nodeID, task.ID)
	return nil
}

// subscribeNodeOutput mirrors a single task's output lines onto
// dag:node:output so observers watching a DAG see node-scoped output
// without joining against the task stream themselves. This is a
// best-effort, non-authoritative mirror: OnTaskTerminal is what actually
// advances the DAG.
func (x *DAGExecutor) subscribeNodeOutput(dagID, nodeID, taskID string) {
	if x.bus == nil {
		return
	}
	subID := "dagexec:mirror:" + taskID
	x.bus.Subscribe(subID, func(ev Event) {
		if ev.TaskID != taskID {
			return
		}
		switch ev.Kind {
		case EventTaskOutput:
			x.emit(Event{Kind: EventDAGNodeOutput, DAGID: dagID, NodeID: nodeID, TaskID: taskID, Stream: ev.Stream, Text: ev.Text, Timestamp: ev.Timestamp})
		case EventTaskCompleted, EventTaskFailed:
			x.bus.Unsubscribe(subID)
		}
	})
}

// collectUpstreamArtifacts renders the completed-predecessor artifact map
// for nodeID as a JSON object keyed by predecessor node ID, each value
// {title, role, output_summary?, structured?}.
func (x *DAGExecutor) collectUpstreamArtifacts(d DAG, nodeID string) string {
	byID := make(map[string]DAGNode, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}
	var predIDs []string
	for _, e := range d.Edges {
		if e.Target == nodeID {
			predIDs = append(predIDs, e.Source)
		}
	}
	if len(predIDs) == 0 {
		return ""
	}

	out := make(map[string]any, len(predIDs))
	for _, pid := range predIDs {
		p, ok := byID[pid]
		if !ok || p.State != NodeCompleted {
			continue
		}
		entry := map[string]any{
			"title": p.Title,
			"role":  p.Role,
		}
		if p.Artifacts.OutputSummary != "" {
			entry["output_summary"] = p.Artifacts.OutputSummary
		}
		if p.Artifacts.Structured != nil {
			entry["structured"] = p.Artifacts.Structured.ToJSON()
		}
		out[pid] = entry
	}
	if len(out) == 0 {
		return ""
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return ""
	}
	return "```json\n" + string(b) + "\n```"
}

// evaluateGate inspects a gate node's predecessors per its condition and
// persists the resulting terminal or waiting_approval transition.
func (x *DAGExecutor) evaluateGate(ctx context.Context, d *DAG, nodeID string) error {
	node, ok := findNode(*d, nodeID)
	if !ok {
		return NewError(ClassNotFound, "dagexec.gate", "node not found: "+nodeID)
	}

	var predIDs []string
	for _, e := range d.Edges {
		if e.Target == nodeID {
			predIDs = append(predIDs, e.Source)
		}
	}
	byID := make(map[string]DAGNode, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}

	switch {
	case node.Condition == GateManual:
		if _, err := x.dags.Mutate(ctx, d.ID, func(d *DAG) {
			setNodeState(d, nodeID, NodeWaitingApproval, "")
		}); err != nil {
			return err
		}
		x.emit(Event{Kind: EventDAGNodeWaitingApproval, DAGID: d.ID, NodeID: nodeID, Timestamp: NowUnix()})
		return nil

	case strings.HasPrefix(string(node.Condition), "expr:"):
		expr := strings.TrimPrefix(string(node.Condition), "expr:")
		preds := make(map[string]GatePredecessorView, len(predIDs))
		for _, pid := range predIDs {
			p := byID[pid]
			view := GatePredecessorView{Status: string(p.State)}
			if p.Artifacts.Structured != nil {
				view.Artifacts = *p.Artifacts.Structured
			}
			preds[pid] = view
		}
		if x.gateEval == nil {
			return x.failGate(ctx, d.ID, nodeID, "gate condition 'expr' not met: no evaluator configured")
		}
		ok, err := x.gateEval.Eval(expr, preds)
		if err != nil {
			return x.failGate(ctx, d.ID, nodeID, fmt.Sprintf("gate expression error: %v", err))
		}
		if !ok {
			return x.failGate(ctx, d.ID, nodeID, "gate condition 'expr' not met")
		}
		return x.completeGate(ctx, d.ID, nodeID)

	default:
		cond := node.Condition
		if cond == "" {
			cond = GateAllPass
		}
		anyCompleted, allCompleted := false, true
		for _, pid := range predIDs {
			if byID[pid].State == NodeCompleted {
				anyCompleted = true
			} else {
				allCompleted = false
			}
		}
		var met bool
		switch cond {
		case GateAllPass:
			met = allCompleted
		case GateAnyPass:
			met = anyCompleted
		default:
			met = allCompleted
		}
		if !met {
			return x.failGate(ctx, d.ID, nodeID, fmt.Sprintf("gate condition '%s' not met", cond))
		}
		return x.completeGate(ctx, d.ID, nodeID)
	}
}

func (x *DAGExecutor) completeGate(ctx context.Context, dagID, nodeID string) error {
	_, err := x.dags.Mutate(ctx, dagID, func(d *DAG) {
		setNodeState(d, nodeID, NodeCompleted, "")
	})
	if err != nil {
		return err
	}
	x.emit(Event{Kind: EventDAGNodeCompleted, DAGID: dagID, NodeID: nodeID, Timestamp: NowUnix()})
	return nil
}

func (x *DAGExecutor) failGate(ctx context.Context, dagID, nodeID, reason string) error {
	_, err := x.dags.Mutate(ctx, dagID, func(d *DAG) {
		setNodeState(d, nodeID, NodeFailed, reason)
	})
	if err != nil {
		return err
	}
	x.emit(Event{Kind: EventDAGNodeFailed, DAGID: dagID, NodeID: nodeID, Reason: reason, Timestamp: NowUnix()})
	return nil
}

func (x *DAGExecutor) emit(ev Event) {
	if x.bus != nil {
		x.bus.Broadcast(ev)
	}
}

// ApproveGate flips a waiting_approval manual gate to completed, then
// re-advances the DAG.
func (x *DAGExecutor) ApproveGate(ctx context.Context, dagID, nodeID string) (DAG, error) {
	d, err := x.dags.Get(ctx, dagID)
	if err != nil {
		return DAG{}, err
	}
	node, ok := findNode(d, nodeID)
	if !ok {
		return DAG{}, NewError(ClassNotFound, "dagexec.approve", "node not found: "+nodeID)
	}
	if node.State != NodeWaitingApproval {
		return DAG{}, NewError(ClassConflict, "dagexec.approve", "node is not waiting for approval: "+nodeID)
	}
	if err := x.completeGate(ctx, dagID, nodeID); err != nil {
		return DAG{}, err
	}
	return x.Advance(ctx, dagID)
}

// OnTaskTerminal routes a task's completed/failed event back onto its DAG
// node: mirrors status, captures output, extracts artifacts, clears the
// mapping, and re-advances the owning DAG. A no-op if taskID is not
// currently mapped (e.g. a standalone task with no DAG node).
func (x *DAGExecutor) OnTaskTerminal(ctx context.Context, taskID string, failed bool, reason string) error {
	x.mu.Lock()
	loc, ok := x.mapping[taskID]
	if ok {
		delete(x.mapping, taskID)
	}
	x.mu.Unlock()
	if !ok {
		return nil
	}

	task, err := x.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	var fullOutput strings.Builder
	for _, line := range task.Output {
		fullOutput.WriteString(line.Text)
		fullOutput.WriteByte('\n')
	}
	output := fullOutput.String()

	artifacts := NodeArtifacts{OutputSummary: truncate(output, outputSummaryLimit)}
	if m := fencedJSONPattern.FindStringSubmatch(output); m != nil {
		var decoded any
		if json.Unmarshal([]byte(m[1]), &decoded) == nil {
			v := ValueFromJSON(decoded)
			artifacts.Structured = &v
		}
	}

	newState := NodeCompleted
	if failed {
		newState = NodeFailed
	}

	if _, err := x.dags.Mutate(ctx, loc.dagID, func(d *DAG) {
		for i := range d.Nodes {
			if d.Nodes[i].ID == loc.nodeID {
				d.Nodes[i].State = newState
				d.Nodes[i].Artifacts = artifacts
				d.Nodes[i].Reason = reason
			}
		}
	}); err != nil {
		return err
	}

	if failed {
		x.emit(Event{Kind: EventDAGNodeFailed, DAGID: loc.dagID, NodeID: loc.nodeID, TaskID: taskID, Reason: reason, Timestamp: NowUnix()})
	} else {
		x.emit(Event{Kind: EventDAGNodeCompleted, DAGID: loc.dagID, NodeID: loc.nodeID, TaskID: taskID, Timestamp: NowUnix()})
	}

	_, err = x.Advance(ctx, loc.dagID)
	return err
}

// InsertNode adds a node plus incident edges to a running DAG and
// re-advances it so the new node is picked up immediately if ready.
func (x *DAGExecutor) InsertNode(ctx context.Context, dagID string, node DAGNode, edges []DAGEdge) (DAG, error) {
	if _, err := x.dags.InsertNode(ctx, dagID, node, edges); err != nil {
		return DAG{}, err
	}
	return x.Advance(ctx, dagID)
}

// --- helpers ---

func findNode(d DAG, nodeID string) (DAGNode, bool) {
	for _, n := range d.Nodes {
		if n.ID == nodeID {
			return n, true
		}
	}
	return DAGNode{}, false
}

func setNodeState(d *DAG, nodeID string, state NodeState, reason string) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == nodeID {
			d.Nodes[i].State = state
			d.Nodes[i].Reason = reason
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
