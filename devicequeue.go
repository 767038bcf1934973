package conduit

import (
	"context"
	"sync"
	"time"
)

// deviceWaitTimeout is how long WaitForCompletion blocks by default before
// marking the device task failed with "timeout waiting for device".
const deviceWaitTimeout = 10 * time.Minute

// waiter holds the channel a waitForCompletion call blocks on.
type waiter struct {
	ch chan DeviceTask
}

// DeviceTaskQueue is the pending-task inbox per device: polling pickup,
// streaming output, and completion signaling that the Task Runner awaits.
type DeviceTaskQueue struct {
	path string
	bus  *Broadcaster

	mu      sync.Mutex
	tasks   map[string]DeviceTask
	waiters map[string][]*waiter // deviceTaskID -> waiters
}

// NewDeviceTaskQueue creates a DeviceTaskQueue backed by path
// (device-tasks.json).
func NewDeviceTaskQueue(path string, bus *Broadcaster) *DeviceTaskQueue {
	return &DeviceTaskQueue{
		path:    path,
		bus:     bus,
		tasks:   make(map[string]DeviceTask),
		waiters: make(map[string][]*waiter),
	}
}

// Load restores device tasks from disk. Completed and failed tasks are
// pruned; any task left running is reset to pending with picked-at
// cleared so the device can re-pick it on its next poll.
func (q *DeviceTaskQueue) Load() error {
	var list []DeviceTask
	if err := loadJSON(q.path, &list); err != nil {
		return WrapFatal("devicequeue.load", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]DeviceTask, len(list))
	for _, t := range list {
		switch t.State {
		case DeviceTaskCompleted, DeviceTaskFailed:
			continue
		case DeviceTaskRunning:
			t.State = DeviceTaskPending
			t.PickedAt = 0
		}
		q.tasks[t.ID] = t
	}
	return q.saveLocked()
}

// StillPending reports whether parentTaskID has an in-flight (pending or
// running) DeviceTask, used by TaskStore.Load to decide whether to keep a
// parent Task alive across restart instead of failing it.
func (q *DeviceTaskQueue) StillPending(parentTaskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ParentTaskID == parentTaskID && (t.State == DeviceTaskPending || t.State == DeviceTaskRunning) {
			return true
		}
	}
	return false
}

// Enqueue creates a pending DeviceTask for deviceID.
func (q *DeviceTaskQueue) Enqueue(ctx context.Context, parentTaskID, deviceID, model, prompt string) (DeviceTask, error) {
	dt := DeviceTask{
		ID:           NewID(),
		ParentTaskID: parentTaskID,
		DeviceID:     deviceID,
		ModelHint:    model,
		Prompt:       prompt,
		State:        DeviceTaskPending,
		CreatedAt:    NowUnix(),
	}
	q.mu.Lock()
	q.tasks[dt.ID] = dt
	err := q.saveLocked()
	q.mu.Unlock()
	return dt, err
}

// PendingForDevice lists DeviceTasks in pending state targeted at deviceID.
func (q *DeviceTaskQueue) PendingForDevice(deviceID string) []DeviceTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []DeviceTask
	for _, t := range q.tasks {
		if t.DeviceID == deviceID && t.State == DeviceTaskPending {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount returns the total number of pending DeviceTasks across every
// device, the queue-depth gauge an operator dashboard scrapes.
func (q *DeviceTaskQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.State == DeviceTaskPending {
			n++
		}
	}
	return n
}

// Pick transitions a pending DeviceTask to running. Attempts on non-pending
// tasks return NotFound.
func (q *DeviceTaskQueue) Pick(ctx context.Context, dtID string) (DeviceTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[dtID]
	if !ok || t.State != DeviceTaskPending {
		return DeviceTask{}, NewError(ClassNotFound, "devicequeue.pick", "no pending device task: "+dtID)
	}
	t.State = DeviceTaskRunning
	t.PickedAt = NowUnix()
	q.tasks[dtID] = t
	if err := q.saveLocked(); err != nil {
		return DeviceTask{}, err
	}
	return t, nil
}

// Chunk appends incremental output and emits a task:chunk event.
func (q *DeviceTaskQueue) Chunk(ctx context.Context, dtID, chunk string) error {
	q.mu.Lock()
	t, ok := q.tasks[dtID]
	if !ok {
		q.mu.Unlock()
		return NewError(ClassNotFound, "devicequeue.chunk", "device task not found: "+dtID)
	}
	t.Output += chunk
	q.tasks[dtID] = t
	err := q.saveLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.emit(Event{Kind: EventDeviceTaskChunk, TaskID: t.ParentTaskID, DeviceID: t.DeviceID, Text: chunk, Timestamp: NowUnix()})
	return nil
}

// Complete marks a DeviceTask completed. A second completion on an
// already-terminal task is a no-op (restart recovery may hand devices
// re-issued IDs; duplicate completions must be tolerated).
func (q *DeviceTaskQueue) Complete(ctx context.Context, dtID, output string) error {
	return q.finish(dtID, DeviceTaskCompleted, output, "")
}

// Fail marks a DeviceTask failed with errText. Idempotent like Complete.
func (q *DeviceTaskQueue) Fail(ctx context.Context, dtID, errText string) error {
	return q.finish(dtID, DeviceTaskFailed, "", errText)
}

func (q *DeviceTaskQueue) finish(dtID string, state DeviceTaskState, output, errText string) error {
	q.mu.Lock()
	t, ok := q.tasks[dtID]
	if !ok {
		q.mu.Unlock()
		return NewError(ClassNotFound, "devicequeue.finish", "device task not found: "+dtID)
	}
	if t.State == DeviceTaskCompleted || t.State == DeviceTaskFailed {
		// Duplicate completion: no-op, not an error.
		q.mu.Unlock()
		return nil
	}
	t.State = state
	t.CompletedAt = NowUnix()
	if output != "" {
		t.Output += output
	}
	t.ErrorText = errText
	q.tasks[dtID] = t
	ws := q.waiters[dtID]
	delete(q.waiters, dtID)
	err := q.saveLocked()
	q.mu.Unlock()
	if err != nil {
		return err
	}
	for _, w := range ws {
		select {
		case w.ch <- t:
		default:
		}
	}
	return nil
}

// WaitForCompletion blocks until dtID reaches a terminal state or maxWait
// elapses. On timeout the DeviceTask is marked failed with reason
// "timeout waiting for device."
func (q *DeviceTaskQueue) WaitForCompletion(ctx context.Context, dtID string, maxWait time.Duration) (DeviceTask, error) {
	if maxWait <= 0 {
		maxWait = deviceWaitTimeout
	}

	q.mu.Lock()
	if t, ok := q.tasks[dtID]; ok && (t.State == DeviceTaskCompleted || t.State == DeviceTaskFailed) {
		q.mu.Unlock()
		return t, nil
	}
	w := &waiter{ch: make(chan DeviceTask, 1)}
	q.waiters[dtID] = append(q.waiters[dtID], w)
	q.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case t := <-w.ch:
		return t, nil
	case <-timer.C:
		_ = q.Fail(ctx, dtID, "timeout waiting for device")
		t, _ := q.Get(ctx, dtID)
		return t, NewError(ClassTimeout, "devicequeue.wait", "timeout waiting for device: "+dtID)
	case <-ctx.Done():
		return DeviceTask{}, ctx.Err()
	}
}

// Get fetches a DeviceTask by ID.
func (q *DeviceTaskQueue) Get(ctx context.Context, dtID string) (DeviceTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[dtID]
	if !ok {
		return DeviceTask{}, NewError(ClassNotFound, "devicequeue.get", "device task not found: "+dtID)
	}
	return t, nil
}

func (q *DeviceTaskQueue) saveLocked() error {
	list := make([]DeviceTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		list = append(list, t)
	}
	return saveJSON(q.path, list)
}

func (q *DeviceTaskQueue) emit(ev Event) {
	if q.bus != nil {
		q.bus.Broadcast(ev)
	}
}
