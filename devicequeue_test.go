package conduit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDeviceQueue(t *testing.T) *DeviceTaskQueue {
	path := filepath.Join(t.TempDir(), "device-tasks.json")
	q := NewDeviceTaskQueue(path, NewBroadcaster())
	if err := q.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return q
}

func TestDeviceTaskQueueEnqueuePickComplete(t *testing.T) {
	ctx := context.Background()
	q := newTestDeviceQueue(t)

	dt, err := q.Enqueue(ctx, "parent-1", "dev-1", "model-x", "do the thing")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dt.State != DeviceTaskPending {
		t.Fatalf("expected pending, got %v", dt.State)
	}

	pending := q.PendingForDevice("dev-1")
	if len(pending) != 1 || pending[0].ID != dt.ID {
		t.Fatalf("expected one pending task for dev-1, got %v", pending)
	}

	picked, err := q.Pick(ctx, dt.ID)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if picked.State != DeviceTaskRunning || picked.PickedAt == 0 {
		t.Fatalf("expected running with picked-at set, got %+v", picked)
	}

	// Picking again (no longer pending) must fail.
	if _, err := q.Pick(ctx, dt.ID); err == nil {
		t.Fatal("expected error re-picking a running task")
	}

	if err := q.Chunk(ctx, dt.ID, "partial output\n"); err != nil {
		t.Fatalf("Chunk: %v", err)
	}

	if err := q.Complete(ctx, dt.ID, "final output"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := q.Get(ctx, dt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != DeviceTaskCompleted {
		t.Fatalf("expected completed, got %v", got.State)
	}
	if got.Output != "partial output\nfinal output" {
		t.Fatalf("expected accumulated output, got %q", got.Output)
	}

	// Duplicate completion is a no-op, not an error.
	if err := q.Complete(ctx, dt.ID, "ignored"); err != nil {
		t.Fatalf("duplicate Complete should be a no-op: %v", err)
	}
	got2, _ := q.Get(ctx, dt.ID)
	if got2.Output != got.Output {
		t.Fatalf("duplicate completion mutated output: %q vs %q", got2.Output, got.Output)
	}
}

func TestDeviceTaskQueueWaitForCompletionSignaled(t *testing.T) {
	ctx := context.Background()
	q := newTestDeviceQueue(t)

	dt, err := q.Enqueue(ctx, "parent-2", "dev-2", "", "prompt")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan DeviceTask, 1)
	go func() {
		res, err := q.WaitForCompletion(ctx, dt.ID, time.Second)
		if err != nil {
			t.Errorf("WaitForCompletion: %v", err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Complete(ctx, dt.ID, "ok"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case res := <-done:
		if res.State != DeviceTaskCompleted {
			t.Fatalf("expected completed result, got %v", res.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCompletion did not return after Complete")
	}
}

func TestDeviceTaskQueueWaitForCompletionTimeout(t *testing.T) {
	ctx := context.Background()
	q := newTestDeviceQueue(t)

	dt, err := q.Enqueue(ctx, "parent-3", "dev-3", "", "prompt")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	_, err = q.WaitForCompletion(ctx, dt.ID, 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}

	got, gerr := q.Get(ctx, dt.ID)
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if got.State != DeviceTaskFailed {
		t.Fatalf("expected failed after timeout, got %v", got.State)
	}
	if got.ErrorText != "timeout waiting for device" {
		t.Fatalf("expected timeout reason, got %q", got.ErrorText)
	}
}

func TestDeviceTaskQueueLoadRecovery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device-tasks.json")

	q1 := NewDeviceTaskQueue(path, NewBroadcaster())
	if err := q1.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	running, err := q1.Enqueue(ctx, "parent-4", "dev-4", "", "prompt")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q1.Pick(ctx, running.ID); err != nil {
		t.Fatalf("Pick: %v", err)
	}
	done, err := q1.Enqueue(ctx, "parent-5", "dev-4", "", "prompt2")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q1.Complete(ctx, done.ID, "finished"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	q2 := NewDeviceTaskQueue(path, NewBroadcaster())
	if err := q2.Load(); err != nil {
		t.Fatalf("reload Load: %v", err)
	}

	if _, err := q2.Get(ctx, done.ID); err == nil {
		t.Fatal("expected completed task to be pruned on load")
	}

	restored, err := q2.Get(ctx, running.ID)
	if err != nil {
		t.Fatalf("expected running task to survive reload, got err: %v", err)
	}
	if restored.State != DeviceTaskPending {
		t.Fatalf("expected running task reset to pending on reload, got %v", restored.State)
	}
	if restored.PickedAt != 0 {
		t.Fatalf("expected picked-at cleared on reload, got %d", restored.PickedAt)
	}

	if !q2.StillPending("parent-4") {
		t.Fatal("expected StillPending true for the reset device task's parent")
	}
	if q2.StillPending("parent-5") {
		t.Fatal("expected StillPending false for the pruned completed task's parent")
	}
}
