package taskqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func blockingExecutor(release <-chan struct{}) Executor {
	return func(ctx context.Context, spec CommandSpec, payload map[string]any, onSpawn SpawnFunc) (ExecResult, error) {
		var killed bool
		var mu sync.Mutex
		onSpawn(func() {
			mu.Lock()
			killed = true
			mu.Unlock()
		})
		select {
		case <-release:
			return ExecResult{Code: 0, Stdout: "done"}, nil
		case <-ctx.Done():
			mu.Lock()
			_ = killed
			mu.Unlock()
			return ExecResult{}, ctx.Err()
		}
	}
}

func TestEnqueueAndCompleteSuccess(t *testing.T) {
	release := make(chan struct{})
	close(release)
	q := New(1, filepath.Join(t.TempDir(), "tasks.json"), blockingExecutor(release))

	res, err := q.Enqueue(context.Background(), EnqueueRequest{ToolName: "echo", CommandSpec: CommandSpec{Command: []string{"echo"}}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task := q.Get(res.ID); task != nil && task.Status == StatusCompleted {
			if task.Result == nil || len(task.Result.Content) == 0 || task.Result.Content[0].Text != "done" {
				t.Fatalf("unexpected result: %+v", task.Result)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestRestartRecoveryFailsPendingAndRunning(t *testing.T) {
	storagePath := filepath.Join(t.TempDir(), "tasks.json")
	blocker := make(chan struct{}) // never closed: simulates a task stuck mid-flight
	q := New(1, storagePath, blockingExecutor(blocker))

	res, err := q.Enqueue(context.Background(), EnqueueRequest{ToolName: "slow", CommandSpec: CommandSpec{Command: []string{"sleep"}}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task := q.Get(res.ID); task != nil && task.Status == StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Simulate the process crashing and a fresh one recovering from disk.
	q2 := New(1, storagePath, blockingExecutor(blocker))
	if err := q2.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	task := q2.Get(res.ID)
	if task == nil {
		t.Fatal("expected recovered task to exist")
	}
	if task.Status != StatusFailed || task.Error != RestartReason {
		t.Fatalf("expected failed/%q, got %s/%q", RestartReason, task.Status, task.Error)
	}
}

func TestBackoffNeverReenqueuesOnFailure(t *testing.T) {
	exec := func(ctx context.Context, spec CommandSpec, payload map[string]any, onSpawn SpawnFunc) (ExecResult, error) {
		onSpawn(func() {})
		return ExecResult{Code: 1, Stderr: "boom"}, nil
	}
	q := New(1, filepath.Join(t.TempDir(), "tasks.json"), exec)
	res, err := q.Enqueue(context.Background(), EnqueueRequest{ToolName: "fail", CommandSpec: CommandSpec{Command: []string{"false"}}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if task := q.Get(res.ID); task != nil && task.Status == StatusFailed {
			if task.Error != "boom" {
				t.Fatalf("expected error 'boom', got %q", task.Error)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never failed")
}
