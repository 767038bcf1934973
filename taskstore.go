package conduit

import (
	"context"
	"sync"
)

// TaskStore is a durable, key-addressable collection of Task records.
// Mutations are serialized behind a single writer lock and persisted as a
// single JSON snapshot, write-tmp-then-rename, on every change.
type TaskStore struct {
	path string
	bus  *Broadcaster

	mu    sync.RWMutex
	tasks map[string]Task
}

// NewTaskStore creates a TaskStore backed by path (tasks.json). Call Load
// before first use to restore state from disk.
func NewTaskStore(path string, bus *Broadcaster) *TaskStore {
	return &TaskStore{path: path, bus: bus, tasks: make(map[string]Task)}
}

// Load reads tasks.json and applies restart recovery: any task left in
// {pending, running} is forcibly failed with reason "interrupted by
// restart", except where stillPendingOnDevice(taskID) reports true — in
// that case the task is kept alive, waiting on the device queue. Passing
// a nil predicate treats every in-flight task as orphaned.
func (s *TaskStore) Load(stillPendingOnDevice func(taskID string) bool) error {
	var list []Task
	if err := loadJSON(s.path, &list); err != nil {
		return WrapFatal("taskstore.load", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]Task, len(list))
	dirty := false
	for _, t := range list {
		if (t.State == TaskPending || t.State == TaskRunning) &&
			!(stillPendingOnDevice != nil && stillPendingOnDevice(t.ID)) {
			t.State = TaskFailed
			t.Reason = "interrupted by restart"
			t.CompletedAt = NowUnix()
			dirty = true
		}
		s.tasks[t.ID] = t
	}
	if dirty {
		return s.saveLocked()
	}
	return nil
}

// Create inserts a new Task and persists.
func (s *TaskStore) Create(ctx context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return s.saveLocked()
}

// Get fetches a Task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, NewError(ClassNotFound, "taskstore.get", "task not found: "+id)
	}
	return t, nil
}

// ListByOwner returns all tasks for owner, or all tasks when owner is "".
func (s *TaskStore) ListByOwner(ctx context.Context, owner string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if owner == "" || t.Owner == owner {
			out = append(out, t)
		}
	}
	return out
}

// Mutate applies fn to the task identified by id under the writer lock,
// persisting the result. fn mutates the Task in place.
func (s *TaskStore) Mutate(ctx context.Context, id string, fn func(t *Task)) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, NewError(ClassNotFound, "taskstore.mutate", "task not found: "+id)
	}
	fn(&t)
	s.tasks[id] = t
	if err := s.saveLocked(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Delete removes a task from the store. Deleting a task that belongs to a
// currently running DAG node is the caller's responsibility to forbid;
// TaskStore itself has no notion of DAG membership.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return NewError(ClassNotFound, "taskstore.delete", "task not found: "+id)
	}
	delete(s.tasks, id)
	return s.saveLocked()
}

// DeleteAll clears every task record.
func (s *TaskStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]Task)
	return s.saveLocked()
}

func (s *TaskStore) saveLocked() error {
	list := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	return saveJSON(s.path, list)
}
