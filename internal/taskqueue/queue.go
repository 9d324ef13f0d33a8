// Package taskqueue implements the persistent FIFO queue of async tool
// invocations embedded in each agent's MCP server: concurrency cap,
// timeout-with-kill, restart recovery, disk snapshot.
package taskqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"ploinky/internal/errs"
	"ploinky/internal/mcpwire"
	"ploinky/internal/obs"
)

// Status is one of the closed set a TaskRecord can occupy.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RestartReason is the fixed, deterministic string assigned to any task
// that was pending or running at shutdown, per §3 invariant (iii) and the
// round-trip law in §8.
const RestartReason = "Task interrupted before completion (agent restart)"

// CommandSpec describes the subprocess a task runs.
type CommandSpec struct {
	Command   []string          `json:"command"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// Task is one persisted TaskRecord. Result is intentionally NOT persisted
// to the snapshot (§4.K "Snapshot format"); it lives only in memory until
// delivered through the polling path.
type Task struct {
	ID        string                  `json:"id"`
	ToolName  string                  `json:"toolName"`
	Command   CommandSpec             `json:"commandSpec"`
	Payload   map[string]any          `json:"payload"`
	Status    Status                  `json:"status"`
	TimeoutMs *int64                  `json:"timeoutMs,omitempty"`
	CreatedAt string                  `json:"createdAt"`
	UpdatedAt string                  `json:"updatedAt"`
	Error     string                  `json:"error,omitempty"`
	Result    *mcpwire.ToolCallResult `json:"-"`
}

// ExecResult is what an Executor returns for one run.
type ExecResult struct {
	Code   int
	Signal string
	Stdout string
	Stderr string
}

// SpawnFunc is invoked the moment a task's subprocess is spawned, letting
// the queue arm a per-task timeout timer that kills the process group on
// expiry. kill is nil-safe: a no-op stub is acceptable for executors that
// cannot be interrupted.
type SpawnFunc func(kill func())

// Executor runs one task's command synchronously. onSpawn, if non-nil, is
// called once the subprocess has started so the caller can register a
// kill callback for timeout enforcement.
type Executor func(ctx context.Context, spec CommandSpec, payload map[string]any, onSpawn SpawnFunc) (ExecResult, error)

// Queue is the persistent, concurrency-capped FIFO task queue.
type Queue struct {
	maxConcurrent int
	storagePath   string
	executor      Executor
	nowFn         func() time.Time

	mu      sync.Mutex
	tasks   map[string]*Task
	pending []string // task ids, FIFO
	running int
}

// New constructs a Queue. nowFn defaults to time.Now; tests may override
// it for deterministic timestamps.
func New(maxConcurrent int, storagePath string, executor Executor) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		storagePath:   storagePath,
		executor:      executor,
		nowFn:         func() time.Time { return time.Now().UTC() },
		tasks:         map[string]*Task{},
	}
}

// Initialize loads the on-disk snapshot (if any), fails forward any
// pending/running task from a previous process per §3 invariant (iii),
// persists that correction, then calls processQueue, which dispatches
// nothing from the snapshot: every recovered task is terminal by then.
func (q *Queue) Initialize(ctx context.Context) error {
	q.mu.Lock()
	snapshot, err := loadSnapshot(q.storagePath)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	now := q.nowFn().Format(time.RFC3339)
	dirty := false
	for _, t := range snapshot {
		if t.Status == StatusPending || t.Status == StatusRunning {
			t.Status = StatusFailed
			t.Error = RestartReason
			t.UpdatedAt = now
			dirty = true
		}
		q.tasks[t.ID] = t
	}
	q.mu.Unlock()

	if dirty {
		if err := q.persist(); err != nil {
			return err
		}
	}
	q.processQueue(ctx)
	return nil
}

// EnqueueRequest is the input to Enqueue.
type EnqueueRequest struct {
	ToolName    string
	CommandSpec CommandSpec
	Payload     map[string]any
	TimeoutMs   *int64
}

// EnqueueResult is the immediate, synchronous reply to an async tool
// call: the placeholder metadata.taskId the caller polls.
type EnqueueResult struct {
	ID        string `json:"id"`
	ToolName  string `json:"toolName"`
	Status    Status `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// Enqueue appends a new task to the pending queue, persists it, and
// immediately attempts to dispatch it (subject to maxConcurrent).
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	id, err := newTaskID()
	if err != nil {
		return EnqueueResult{}, errs.Wrap(errs.Fatal, "generate task id", err)
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["taskId"] = id

	now := q.nowFn().Format(time.RFC3339)
	t := &Task{
		ID:        id,
		ToolName:  req.ToolName,
		Command:   req.CommandSpec,
		Payload:   payload,
		Status:    StatusPending,
		TimeoutMs: req.TimeoutMs,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	q.tasks[id] = t
	q.pending = append(q.pending, id)
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		return EnqueueResult{}, err
	}
	q.processQueue(ctx)

	return EnqueueResult{ID: t.ID, ToolName: t.ToolName, Status: t.Status, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}, nil
}

// Get returns a snapshot copy of one task, or nil if unknown.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// processQueue dequeues pending tasks FIFO while running < maxConcurrent.
// Queue state is only changed under q.mu, here and in runTask's terminal
// transitions; executor invocations themselves run concurrently with
// each other in their own goroutines.
func (q *Queue) processQueue(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.running >= q.maxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		t := q.tasks[id]
		t.Status = StatusRunning
		t.UpdatedAt = q.nowFn().Format(time.RFC3339)
		q.running++
		q.mu.Unlock()

		if err := q.persist(); err != nil {
			obs.L().Error("taskqueue: persist running transition failed", zap.String("task", id), zap.Error(err))
		}

		go q.runTask(ctx, id)
	}
}

func (q *Queue) runTask(ctx context.Context, id string) {
	q.mu.Lock()
	t := q.tasks[id]
	spec := t.Command
	payload := t.Payload
	timeoutMs := spec.TimeoutMs
	if t.TimeoutMs != nil {
		timeoutMs = *t.TimeoutMs
	}
	q.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	var killFn func()
	var killMu sync.Mutex
	onSpawn := func(kill func()) {
		killMu.Lock()
		killFn = kill
		killMu.Unlock()
	}

	done := make(chan struct{})
	var res ExecResult
	var execErr error
	go func() {
		res, execErr = q.executor(runCtx, spec, payload, onSpawn)
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-runCtx.Done():
		killMu.Lock()
		if killFn != nil {
			killFn()
		}
		killMu.Unlock()
		<-done
		timedOut = timeoutMs > 0 && runCtx.Err() == context.DeadlineExceeded
	}

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	switch {
	case timedOut:
		q.finish(id, StatusFailed, errTimeoutMessage(timeoutMs))
	case execErr != nil:
		q.finish(id, StatusFailed, execErr.Error())
	case res.Code != 0:
		msg := res.Stderr
		if msg == "" {
			msg = errExitCodeMessage(res.Code)
		}
		q.finish(id, StatusFailed, msg)
	default:
		q.completeWithResult(id, res)
	}

	q.processQueue(ctx)
}

func (q *Queue) finish(id string, status Status, errMsg string) {
	q.mu.Lock()
	if t, ok := q.tasks[id]; ok {
		t.Status = status
		t.Error = errMsg
		t.UpdatedAt = q.nowFn().Format(time.RFC3339)
	}
	q.mu.Unlock()
	if err := q.persist(); err != nil {
		obs.L().Error("taskqueue: persist terminal transition failed", zap.String("task", id), zap.Error(err))
	}
}

func (q *Queue) completeWithResult(id string, res ExecResult) {
	text := res.Stdout
	if text == "" {
		text = "(no output)"
	}
	content := []mcpwire.Content{{Type: "text", Text: text}}
	if res.Stderr != "" {
		content = append(content, mcpwire.Content{Type: "text", Text: res.Stderr})
	}

	q.mu.Lock()
	t, ok := q.tasks[id]
	var toolName string
	if ok {
		t.Status = StatusCompleted
		t.UpdatedAt = q.nowFn().Format(time.RFC3339)
		t.Result = &mcpwire.ToolCallResult{Content: content}
		toolName = t.ToolName
	}
	q.mu.Unlock()
	if err := q.persist(); err != nil {
		obs.L().Error("taskqueue: persist completion failed", zap.String("task", id), zap.Error(err))
	}
	if err := writeArtifact(q.storagePath, runArtifact{
		TaskID: id, ToolName: toolName, Status: StatusCompleted,
		ExitCode: res.Code, Stdout: res.Stdout, Stderr: res.Stderr,
	}); err != nil {
		obs.L().Error("taskqueue: write task artifact failed", zap.String("task", id), zap.Error(err))
	}
}

func errTimeoutMessage(timeoutMs int64) string {
	return "Task timed out after " + strconv.FormatInt(timeoutMs, 10) + "ms"
}

func errExitCodeMessage(code int) string {
	return "command exited with code " + strconv.Itoa(code)
}

func newTaskID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// persist snapshots every task to disk via write-to-temp-then-rename,
// never in place, per §5's single-writer invariant.
func (q *Queue) persist() error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]*Task, 0, len(ids))
	for _, id := range ids {
		cp := *q.tasks[id]
		snapshot = append(snapshot, &cp)
	}
	q.mu.Unlock()
	return writeSnapshot(q.storagePath, snapshot)
}

func writeSnapshot(path string, snapshot []*Task) error {
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Fatal, "marshal task queue snapshot", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.Fatal, "create task queue storage directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-taskqueue-*")
	if err != nil {
		return errs.Wrap(errs.Fatal, "create temp task queue snapshot", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "write temp task queue snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "close temp task queue snapshot", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "rename temp task queue snapshot", err)
	}
	return nil
}

func loadSnapshot(path string) ([]*Task, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- agent-scoped path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Fatal, "read task queue snapshot", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse task queue snapshot", err)
	}
	return tasks, nil
}
