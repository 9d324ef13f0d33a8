package health

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ploinky/internal/container"
)

// fakeRuntime is a minimal Runtime fake for exercising the exit-watch loop
// without a real container backend. WaitContainer returns the codes in
// exitCodes in order, then blocks until ctx is cancelled.
type fakeRuntime struct {
	mu        sync.Mutex
	exitCodes []int
	restarts  int32
	restarted chan struct{}
}

func (f *fakeRuntime) ExecCapture(ctx context.Context, containerID string, cmd []string, opts container.ExecOptions) (string, int, error) {
	return "", 0, nil
}

func (f *fakeRuntime) RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	atomic.AddInt32(&f.restarts, 1)
	if f.restarted != nil {
		f.restarted <- struct{}{}
	}
	return nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, containerID string) (int, error) {
	f.mu.Lock()
	if len(f.exitCodes) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	code := f.exitCodes[0]
	f.exitCodes = f.exitCodes[1:]
	f.mu.Unlock()
	return code, nil
}

func TestBackoffDelaySequence(t *testing.T) {
	want := []time.Duration{
		10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second,
		160 * time.Second, 300 * time.Second, 300 * time.Second, 300 * time.Second,
	}
	for i, w := range want {
		if got := BackoffDelay(i); got != w {
			t.Fatalf("BackoffDelay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestValidateScriptPathRejectsTraversal(t *testing.T) {
	if _, err := validateScriptPath("/agent", "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestValidateScriptPathAcceptsRelative(t *testing.T) {
	got, err := validateScriptPath("/agent", "scripts/live.sh")
	if err != nil {
		t.Fatalf("validateScriptPath: %v", err)
	}
	if got != "/agent/scripts/live.sh" {
		t.Fatalf("unexpected resolved path: %s", got)
	}
}

func TestValidateScriptPathRejectsEscapingAbsolute(t *testing.T) {
	if _, err := validateScriptPath("/agent", "/etc/passwd"); err == nil {
		t.Fatal("expected absolute escape to be rejected")
	}
}

func TestRestartEligible(t *testing.T) {
	cases := []struct {
		exitCode int
		want     bool
	}{
		{0, false},   // clean exit
		{2, false},   // configuration error
		{149, true},  // just below the fatal threshold
		{150, false}, // fatal threshold
		{151, false}, // fatal
		{1, true},    // unexpected, restart eligible
		{137, true},  // unexpected, restart eligible
	}
	for _, c := range cases {
		if got := restartEligible(c.exitCode); got != c.want {
			t.Errorf("restartEligible(%d) = %v, want %v", c.exitCode, got, c.want)
		}
	}
}

// TestRunExitWatchLoopDoesNotRestartOnDenyListExit covers §4.E/§6: exit
// codes 0, 2, and >=150 must never trigger a restart.
func TestRunExitWatchLoopDoesNotRestartOnDenyListExit(t *testing.T) {
	for _, code := range []int{0, 2, 150, 200} {
		fr := &fakeRuntime{exitCodes: []int{code}}
		s := New(fr)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.runExitWatchLoop(ctx, Monitored{ContainerID: "c1", ContainerName: "c1"})
		cancel()
		if got := atomic.LoadInt32(&fr.restarts); got != 0 {
			t.Fatalf("exit code %d: expected no restart, got %d", code, got)
		}
	}
}

// TestRunExitWatchLoopRestartsOnUnexpectedExit covers the CrashLoopBackOff
// side of §4.E/§6: an exit code outside the deny-list restarts the
// container, including for containers with no health.liveness block.
func TestRunExitWatchLoopRestartsOnUnexpectedExit(t *testing.T) {
	fr := &fakeRuntime{exitCodes: []int{1, 0}, restarted: make(chan struct{}, 1)}
	s := New(fr)
	s.backoffDelay = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Watch(ctx, Monitored{ContainerID: "c1", ContainerName: "c1"})

	select {
	case <-fr.restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a restart after an unexpected exit")
	}
	if got := atomic.LoadInt32(&fr.restarts); got != 1 {
		t.Fatalf("restarts = %d, want 1", got)
	}
}
