package conduit

import (
	"context"
	"sync"
)

// DAGStore persists DAG records (nodes and edges inline) and validates
// structure: every edge endpoint must exist, and the graph must be
// acyclic, both at creation and after any dynamic node insertion.
type DAGStore struct {
	path string
	bus  *Broadcaster

	mu   sync.RWMutex
	dags map[string]DAG
}

// NewDAGStore creates a DAGStore backed by path (dags.json).
func NewDAGStore(path string, bus *Broadcaster) *DAGStore {
	return &DAGStore{path: path, bus: bus, dags: make(map[string]DAG)}
}

// Load restores DAGs from disk and applies restart recovery: every DAG in
// state running has any running node rewritten to failed with reason
// "interrupted by restart", and the DAG status is recomputed.
func (s *DAGStore) Load() error {
	var list []DAG
	if err := loadJSON(s.path, &list); err != nil {
		return WrapFatal("dagstore.load", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dags = make(map[string]DAG, len(list))
	dirty := false
	for _, d := range list {
		if d.State == DAGRunning {
			for i := range d.Nodes {
				if d.Nodes[i].State == NodeRunning {
					d.Nodes[i].State = NodeFailed
					d.Nodes[i].Reason = "interrupted by restart"
					dirty = true
				}
			}
			d.State = recomputeStatus(d)
		}
		s.dags[d.ID] = d
	}
	if dirty {
		return s.saveLocked()
	}
	return nil
}

// Create validates and inserts a new DAG.
func (s *DAGStore) Create(ctx context.Context, d DAG) (DAG, error) {
	if err := validateGraph(d.Nodes, d.Edges); err != nil {
		return DAG{}, err
	}
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.State == "" {
		d.State = DAGCreated
	}
	now := NowUnix()
	d.CreatedAt, d.UpdatedAt = now, now

	s.mu.Lock()
	s.dags[d.ID] = d
	err := s.saveLocked()
	s.mu.Unlock()
	if err != nil {
		return DAG{}, err
	}
	s.emit(Event{Kind: EventDAGCreated, DAGID: d.ID, Timestamp: now})
	return d, nil
}

// Get fetches a DAG by ID.
func (s *DAGStore) Get(ctx context.Context, id string) (DAG, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dags[id]
	if !ok {
		return DAG{}, NewError(ClassNotFound, "dagstore.get", "dag not found: "+id)
	}
	return d, nil
}

// List returns every DAG.
func (s *DAGStore) List(ctx context.Context) []DAG {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DAG, 0, len(s.dags))
	for _, d := range s.dags {
		out = append(out, d)
	}
	return out
}

// Mutate applies fn to the DAG under the writer lock and persists.
func (s *DAGStore) Mutate(ctx context.Context, id string, fn func(d *DAG)) (DAG, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[id]
	if !ok {
		return DAG{}, NewError(ClassNotFound, "dagstore.mutate", "dag not found: "+id)
	}
	fn(&d)
	d.UpdatedAt = NowUnix()
	s.dags[id] = d
	if err := s.saveLocked(); err != nil {
		return DAG{}, err
	}
	return d, nil
}

// InsertNode adds a node plus incident edges to a running DAG. The new
// node ID must be unique, every referenced endpoint must exist after
// insertion, and the resulting graph must still be acyclic.
func (s *DAGStore) InsertNode(ctx context.Context, dagID string, node DAGNode, edges []DAGEdge) (DAG, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[dagID]
	if !ok {
		return DAG{}, NewError(ClassNotFound, "dagstore.insertnode", "dag not found: "+dagID)
	}
	for _, n := range d.Nodes {
		if n.ID == node.ID {
			return DAG{}, NewError(ClassValidation, "dagstore.insertnode", "duplicate node id: "+node.ID)
		}
	}
	candidateNodes := append(append([]DAGNode{}, d.Nodes...), node)
	candidateEdges := append(append([]DAGEdge{}, d.Edges...), edges...)
	if err := validateGraph(candidateNodes, candidateEdges); err != nil {
		return DAG{}, err
	}
	d.Nodes = candidateNodes
	d.Edges = candidateEdges
	d.UpdatedAt = NowUnix()
	s.dags[dagID] = d
	if err := s.saveLocked(); err != nil {
		return DAG{}, err
	}
	s.emit(Event{Kind: EventDAGNodeAdded, DAGID: dagID, NodeID: node.ID, Timestamp: NowUnix()})
	return d, nil
}

// Delete removes a DAG. Deleting a running DAG is forbidden; deleting a
// completed/failed/paused DAG unlinks it but does not retroactively purge
// its tasks.
func (s *DAGStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dags[id]
	if !ok {
		return NewError(ClassNotFound, "dagstore.delete", "dag not found: "+id)
	}
	if d.State == DAGRunning {
		return NewError(ClassConflict, "dagstore.delete", "cannot delete a running dag")
	}
	delete(s.dags, id)
	return s.saveLocked()
}

func (s *DAGStore) saveLocked() error {
	list := make([]DAG, 0, len(s.dags))
	for _, d := range s.dags {
		list = append(list, d)
	}
	return saveJSON(s.path, list)
}

func (s *DAGStore) emit(ev Event) {
	if s.bus != nil {
		s.bus.Broadcast(ev)
	}
}

// --- graph validation ---

// validateGraph checks that every edge endpoint references a node in
// nodes, and that the resulting graph is acyclic (depth-first search with
// in-stack coloring).
func validateGraph(nodes []DAGNode, edges []DAGEdge) error {
	ids := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		ids[n.ID] = true
	}
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if !ids[e.Source] {
			return NewError(ClassValidation, "dag.validate", "edge references unknown source: "+e.Source)
		}
		if !ids[e.Target] {
			return NewError(ClassValidation, "dag.validate", "edge references unknown target: "+e.Target)
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				return false // back edge: cycle
			case white:
				if !visit(next) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	for _, n := range nodes {
		if color[n.ID] == white {
			if !visit(n.ID) {
				return NewError(ClassValidation, "dag.validate", "graph contains a cycle")
			}
		}
	}
	return nil
}

// recomputeStatus derives overall DAG status from node states.
func recomputeStatus(d DAG) DAGState {
	byID := make(map[string]DAGNode, len(d.Nodes))
	for _, n := range d.Nodes {
		byID[n.ID] = n
	}
	preds := make(map[string][]string, len(d.Nodes))
	for _, e := range d.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}

	allTerminalOrSkipped := true
	anyRunningOrWaiting := false
	anyFailed := false
	anyPendingCanProgress := false

	for _, n := range d.Nodes {
		switch n.State {
		case NodeCompleted, NodeSkipped:
			// fine
		case NodeRunning, NodeWaitingApproval:
			anyRunningOrWaiting = true
			allTerminalOrSkipped = false
		case NodeFailed:
			anyFailed = true
			allTerminalOrSkipped = false
		case NodePending:
			allTerminalOrSkipped = false
			if !hasFailedAncestor(n.ID, byID, preds) {
				anyPendingCanProgress = true
			}
		}
	}

	if allTerminalOrSkipped {
		return DAGCompleted
	}
	if anyRunningOrWaiting || anyPendingCanProgress {
		return DAGRunning
	}
	if anyFailed {
		return DAGFailed
	}
	return DAGRunning
}

func hasFailedAncestor(id string, byID map[string]DAGNode, preds map[string][]string) bool {
	visited := make(map[string]bool)
	var walk func(string) bool
	walk = func(cur string) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		for _, p := range preds[cur] {
			if byID[p].State == NodeFailed {
				return true
			}
			if walk(p) {
				return true
			}
		}
		return false
	}
	return walk(id)
}
