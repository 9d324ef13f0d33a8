// Package session tracks containers created by this process invocation so
// a graceful shutdown can remove exactly what it started, and persists the
// router's PID for out-of-process stop/restart tooling.
package session

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ploinky/internal/errs"
	"ploinky/internal/obs"
)

// Remover is the subset of the container client the registry needs to
// tear a container down; satisfied by *container.Client.
type Remover interface {
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Registry tracks container ids created in this process.
type Registry struct {
	mu      sync.Mutex
	created map[string]string // containerID -> name, for logging on shutdown
}

// New returns an empty, process-local registry.
func New() *Registry {
	return &Registry{created: map[string]string{}}
}

// Track records a container this invocation created.
func (r *Registry) Track(containerID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[containerID] = name
}

// Untrack removes a container from the tracked set without stopping it
// (used when the caller handles removal itself, e.g. `refresh`).
func (r *Registry) Untrack(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.created, containerID)
}

// Shutdown stops and removes every tracked container. Errors for
// individual containers are logged and collected; Shutdown itself never
// aborts early so one failure cannot strand the rest.
func (r *Registry) Shutdown(ctx context.Context, rm Remover) error {
	r.mu.Lock()
	snapshot := make(map[string]string, len(r.created))
	for id, name := range r.created {
		snapshot[id] = name
	}
	r.mu.Unlock()

	var firstErr error
	for id, name := range snapshot {
		if err := rm.StopContainer(ctx, id, 10*time.Second); err != nil {
			obs.L().Warn("shutdown: stop failed", zap.String("container", name), zap.Error(err))
		}
		if err := rm.RemoveContainer(ctx, id, true); err != nil {
			obs.L().Warn("shutdown: remove failed", zap.String("container", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.Untrack(id)
	}
	return firstErr
}

// Count reports how many containers are currently tracked, used by tests
// and the invariant "after shutdown, no container created by the session
// is still running".
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

// WritePID persists the router's PID to <runningPIDDir>/router.pid via the
// usual write-to-temp-then-rename sequence.
func WritePID(runningPIDDir string) (string, error) {
	if err := os.MkdirAll(runningPIDDir, 0o755); err != nil {
		return "", errs.Wrap(errs.Fatal, "create running-pid directory", err)
	}
	path := filepath.Join(runningPIDDir, "router.pid")
	tmp, err := os.CreateTemp(runningPIDDir, ".tmp-router-pid-*")
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "create temp pid file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", errs.Wrap(errs.Fatal, "write temp pid file", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", errs.Wrap(errs.Fatal, "rename temp pid file", err)
	}
	return path, nil
}

// ReadPID reads a previously persisted router PID, returning 0, false if
// the file is absent or unparsable.
func ReadPID(runningPIDDir string) (int, bool) {
	raw, err := os.ReadFile(filepath.Join(runningPIDDir, "router.pid")) // #nosec G304 -- workspace-scoped path
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// RemovePIDFile deletes the persisted PID file; absence is not an error.
func RemovePIDFile(runningPIDDir string) error {
	err := os.Remove(filepath.Join(runningPIDDir, "router.pid"))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Fatal, "remove pid file", err)
	}
	return nil
}

// FindListenerPID scans for a process listening on port using the
// portable `lsof` tool (falling back to nothing found rather than erroring
// when lsof is unavailable, matching the teacher's best-effort scan
// idiom): used as a second line of defense when the persisted PID file is
// stale or missing.
func FindListenerPID(port int) (int, bool) {
	out, err := lookupListenerPID(port)
	if err != nil || out <= 0 {
		return 0, false
	}
	return out, true
}
