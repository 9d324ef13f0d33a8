// Package health runs liveness/readiness probe scripts inside agent
// containers on an interval and implements CrashLoopBackOff restart
// logic.
package health

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ploinky/internal/container"
	"ploinky/internal/errs"
	"ploinky/internal/manifest"
	"ploinky/internal/obs"
)

const (
	baseBackoff = 10 * time.Second
	maxBackoff  = 5 * time.Minute
	// UptimeResetThreshold: a container up this long since its last start
	// resets the retry count to zero on its next failure.
	UptimeResetThreshold = 10 * time.Minute

	// configErrorExitCode is the exit code §6 reserves for a container
	// whose main process refused to start due to bad configuration; never
	// auto-restarted.
	configErrorExitCode = 2
	// fatalExitCodeThreshold: any exit code at or above this is fatal per
	// §6 and never auto-restarted.
	fatalExitCodeThreshold = 150
)

// Runtime is the subset of the container client the supervisor needs:
// exec a probe script inside a container, wait for its main process to
// exit, and restart a container that fails its liveness probe or exits
// unexpectedly.
type Runtime interface {
	ExecCapture(ctx context.Context, containerID string, cmd []string, opts container.ExecOptions) (string, int, error)
	RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error
	WaitContainer(ctx context.Context, containerID string) (int, error)
}

// restartEligible classifies a main-process exit code per §4.E/§6: clean
// exit (0), configuration error (2), and fatal (>=150) are never
// auto-restarted; any other non-zero exit is CrashLoopBackOff-eligible.
func restartEligible(exitCode int) bool {
	return exitCode != 0 && exitCode != configErrorExitCode && exitCode < fatalExitCodeThreshold
}

// Monitored is one container under supervision.
type Monitored struct {
	ContainerID   string
	ContainerName string
	AgentRoot     string // the agent's root inside the container, for script-path validation
	Health        manifest.Health
}

// containerState is the in-memory CrashLoopBackOff bookkeeping for one
// container; per §4.F, no persistence is required.
type containerState struct {
	retryCount           int
	startedAt            time.Time
	consecutiveSuccesses int
	consecutiveFailures  int
}

// Supervisor runs probe loops for every Monitored container registered
// with it.
type Supervisor struct {
	runtime Runtime

	// backoffDelay defaults to BackoffDelay; tests override it to avoid
	// waiting out the real CrashLoopBackOff sequence.
	backoffDelay func(int) time.Duration

	mu     sync.Mutex
	states map[string]*containerState
	cancel map[string]context.CancelFunc
}

// New builds a Supervisor bound to runtime.
func New(runtime Runtime) *Supervisor {
	return &Supervisor{
		runtime:      runtime,
		backoffDelay: BackoffDelay,
		states:       map[string]*containerState{},
		cancel:       map[string]context.CancelFunc{},
	}
}

// Watch starts the liveness/readiness probe loops for m in a background
// goroutine. Calling Watch again for the same container id first stops
// the previous loop (used by manual restart/refresh to clear state per
// §4.F: "Any manual stop/restart/refresh clears the state").
func (s *Supervisor) Watch(ctx context.Context, m Monitored) {
	s.ClearState(m.ContainerID)
	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.states[m.ContainerID] = &containerState{startedAt: time.Now()}
	s.cancel[m.ContainerID] = cancel
	s.mu.Unlock()

	if m.Health.Liveness != nil {
		go s.runProbeLoop(loopCtx, m, m.Health.Liveness, true)
	}
	if m.Health.Readiness != nil {
		go s.runProbeLoop(loopCtx, m, m.Health.Readiness, false)
	}
	// Main-process exit supervision runs regardless of whether a
	// health.liveness probe is configured: an agent with no probe still
	// must not auto-restart on configuration/fatal exit codes, and must
	// still enter CrashLoopBackOff on an unexpected one.
	go s.runExitWatchLoop(loopCtx, m)
}

// ClearState stops any running probe loop for containerID and discards
// its CrashLoopBackOff bookkeeping. Called on manual stop/restart/refresh.
func (s *Supervisor) ClearState(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancel[containerID]; ok {
		cancel()
		delete(s.cancel, containerID)
	}
	delete(s.states, containerID)
}

func (s *Supervisor) runProbeLoop(ctx context.Context, m Monitored, probe *manifest.Probe, liveness bool) {
	interval := time.Duration(probe.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, m, probe, liveness)
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, m Monitored, probe *manifest.Probe, liveness bool) {
	scriptPath, err := validateScriptPath(m.AgentRoot, probe.Script)
	if err != nil {
		obs.With("", m.ContainerName).Warn("health probe script rejected", zap.Error(err))
		return
	}

	timeout := time.Duration(probe.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, exitCode, execErr := s.runtime.ExecCapture(execCtx, m.ContainerID, []string{scriptPath}, container.ExecOptions{WorkDir: m.AgentRoot})
	success := execErr == nil && exitCode == 0

	if liveness {
		s.recordLiveness(ctx, m, probe, success)
	} else {
		s.recordReadiness(m, probe, success)
	}
}

func (s *Supervisor) recordReadiness(m Monitored, probe *manifest.Probe, success bool) {
	// Readiness failures are a warning only; they never restart the
	// container per §4.F.
	if !success {
		obs.With("", m.ContainerName).Warn("readiness probe failed")
	}
}

func (s *Supervisor) recordLiveness(ctx context.Context, m Monitored, probe *manifest.Probe, success bool) {
	s.mu.Lock()
	st, ok := s.states[m.ContainerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	failureThreshold := probe.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	successThreshold := probe.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 1
	}

	if success {
		st.consecutiveSuccesses++
		st.consecutiveFailures = 0
		if st.consecutiveSuccesses >= successThreshold && time.Since(st.startedAt) >= UptimeResetThreshold {
			st.retryCount = 0
		}
		s.mu.Unlock()
		return
	}

	st.consecutiveFailures++
	st.consecutiveSuccesses = 0
	if st.consecutiveFailures < failureThreshold {
		s.mu.Unlock()
		return
	}

	// Reached failureThreshold: restart with the current backoff delay,
	// then advance the retry counter.
	delay := s.backoffDelay(st.retryCount)
	st.retryCount++
	retryCount := st.retryCount
	st.consecutiveFailures = 0
	containerID := m.ContainerID
	s.mu.Unlock()

	obs.With("", m.ContainerName).Warn("liveness probe failureThreshold reached, restarting", zap.Duration("delay", delay), zap.Int("retryCount", retryCount))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := s.runtime.RestartContainer(ctx, containerID, 10*time.Second); err != nil {
		obs.With("", m.ContainerName).Error("crashloopbackoff restart failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if st, ok := s.states[containerID]; ok {
		st.startedAt = time.Now()
	}
	s.mu.Unlock()
}

// runExitWatchLoop waits for the container's main process to exit,
// classifies the exit code per §4.E/§6, and either enters CrashLoopBackOff
// (restart-eligible codes) or leaves the container down (0, 2, >=150).
// It loops across restarts so a single Watch call supervises the whole
// container lifetime, not just its first exit.
func (s *Supervisor) runExitWatchLoop(ctx context.Context, m Monitored) {
	containerID := m.ContainerID
	for {
		code, err := s.runtime.WaitContainer(ctx, containerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			obs.With("", m.ContainerName).Warn("wait for container exit failed", zap.Error(err))
			return
		}

		if !restartEligible(code) {
			obs.With("", m.ContainerName).Info("container exited, not auto-restarting", zap.Int("exitCode", code))
			return
		}

		s.mu.Lock()
		st, ok := s.states[containerID]
		if !ok {
			s.mu.Unlock()
			return
		}
		if time.Since(st.startedAt) >= UptimeResetThreshold {
			st.retryCount = 0
		}
		delay := s.backoffDelay(st.retryCount)
		st.retryCount++
		retryCount := st.retryCount
		s.mu.Unlock()

		obs.With("", m.ContainerName).Warn("container exited unexpectedly, restarting", zap.Int("exitCode", code), zap.Duration("delay", delay), zap.Int("retryCount", retryCount))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := s.runtime.RestartContainer(ctx, containerID, 10*time.Second); err != nil {
			obs.With("", m.ContainerName).Error("crashloopbackoff restart after exit failed", zap.Error(err))
			return
		}

		s.mu.Lock()
		if st, ok := s.states[containerID]; ok {
			st.startedAt = time.Now()
		}
		s.mu.Unlock()
	}
}

// BackoffDelay computes the CrashLoopBackOff delay for the Nth restart
// (0-indexed): 10s, 20s, 40s, 80s, 160s, 300s, 300s, ... clamped to
// maxBackoff, matching the literal sequence in §8 scenario 5.
func BackoffDelay(retryCount int) time.Duration {
	delay := baseBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// validateScriptPath restricts the probe script to the agent's own root:
// no traversal, no escaping into a subdirectory above AgentRoot.
func validateScriptPath(agentRoot, script string) (string, error) {
	script = strings.TrimSpace(script)
	if script == "" {
		return "", errs.New(errs.Validation, "empty health probe script")
	}
	if strings.Contains(script, "..") {
		return "", errs.New(errs.Validation, "health probe script must not traverse: "+script)
	}
	if filepath.IsAbs(script) {
		rel, relErr := filepath.Rel(filepath.Clean(agentRoot), filepath.Clean(script))
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", errs.New(errs.Validation, "health probe script escapes agent root: "+script)
		}
		return script, nil
	}
	return filepath.Join(agentRoot, script), nil
}
