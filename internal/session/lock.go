package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ploinky/internal/errs"
)

// LockTTL is how long a workspace lock is honored without a heartbeat
// before a new orchestrator invocation is allowed to recover it.
const LockTTL = 15 * time.Minute

// lockState is the on-disk shape of one agent's workspace lock, guarding
// against two orchestrator invocations racing on the same agent.
type lockState struct {
	Agent       string `json:"agent"`
	Owner       string `json:"owner"`
	PID         int    `json:"pid"`
	AcquiredAt  string `json:"acquiredAt"`
	HeartbeatAt string `json:"heartbeatAt"`
}

// LockResult reports the outcome of AcquireLock.
type LockResult struct {
	Acquired  bool
	Recovered bool // true when a stale lock past LockTTL was reclaimed
	Path      string
	Reason    string
}

func lockPath(runningPIDDir, agentName string) (string, error) {
	name := strings.TrimSpace(agentName)
	if name == "" {
		return "", errs.New(errs.Validation, "agent name is required for lock path")
	}
	return filepath.Join(runningPIDDir, "locks", name+".lock.json"), nil
}

// AcquireLock takes the per-agent lock under runningPIDDir, recovering a
// stale lock (no heartbeat within LockTTL) and refusing a live one.
func AcquireLock(runningPIDDir, agentName, owner string, now time.Time) (LockResult, error) {
	path, err := lockPath(runningPIDDir, agentName)
	if err != nil {
		return LockResult{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return LockResult{}, errs.Wrap(errs.Fatal, "create lock directory", err)
	}

	existing, exists, err := loadLockState(path)
	if err != nil {
		return LockResult{}, err
	}
	if exists {
		last := parseLockTime(existing.HeartbeatAt)
		if last.IsZero() {
			last = parseLockTime(existing.AcquiredAt)
		}
		if !last.IsZero() && now.Sub(last) <= LockTTL {
			return LockResult{
				Path:   path,
				Reason: fmt.Sprintf("lock is active (owner=%s heartbeat=%s)", existing.Owner, last.Format(time.RFC3339)),
			}, nil
		}
	}

	state := lockState{
		Agent:       strings.TrimSpace(agentName),
		Owner:       strings.TrimSpace(owner),
		PID:         os.Getpid(),
		AcquiredAt:  now.Format(time.RFC3339Nano),
		HeartbeatAt: now.Format(time.RFC3339Nano),
	}
	if err := saveLockState(path, state); err != nil {
		return LockResult{}, err
	}
	return LockResult{Acquired: true, Recovered: exists, Path: path}, nil
}

// Heartbeat refreshes the lock's HeartbeatAt, extending its TTL. Callers
// that hold a long-running lock (e.g. across Start's disposable install
// container and the main container's postinstall restart) should call
// this periodically.
func Heartbeat(runningPIDDir, agentName string) error {
	path, err := lockPath(runningPIDDir, agentName)
	if err != nil {
		return err
	}
	state, exists, err := loadLockState(path)
	if err != nil {
		return err
	}
	if !exists {
		return errs.New(errs.NotFound, "no lock held for "+agentName)
	}
	state.HeartbeatAt = time.Now().UTC().Format(time.RFC3339Nano)
	return saveLockState(path, state)
}

// ReleaseLock removes the lock file; a missing file is not an error.
func ReleaseLock(runningPIDDir, agentName string) error {
	path, err := lockPath(runningPIDDir, agentName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Fatal, "release lock", err)
	}
	return nil
}

func loadLockState(path string) (lockState, bool, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- workspace-scoped path
	if err != nil {
		if os.IsNotExist(err) {
			return lockState{}, false, nil
		}
		return lockState{}, false, errs.Wrap(errs.Fatal, "read lock state", err)
	}
	var state lockState
	if err := json.Unmarshal(raw, &state); err != nil {
		return lockState{}, false, errs.Wrap(errs.Fatal, "parse lock state", err)
	}
	return state, true, nil
}

func saveLockState(path string, state lockState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Fatal, "marshal lock state", err)
	}
	raw = append(raw, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errs.Wrap(errs.Fatal, "write lock state", err)
	}
	return os.Rename(tmp, path)
}

func parseLockTime(value string) time.Time {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
