package session

import (
	"testing"
	"time"
)

func TestAcquireLockFreshThenConflict(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := AcquireLock(dir, "demo", "owner-a", now)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Acquired || first.Recovered {
		t.Fatalf("unexpected first lock result: %+v", first)
	}

	second, err := AcquireLock(dir, "demo", "owner-b", now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if second.Acquired {
		t.Fatalf("expected second acquire to be refused while lock is live: %+v", second)
	}
	if second.Reason == "" {
		t.Fatal("expected a reason when refusing an active lock")
	}
}

func TestAcquireLockRecoversStaleLock(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	if _, err := AcquireLock(dir, "demo", "owner-a", now); err != nil {
		t.Fatal(err)
	}

	later := now.Add(LockTTL + time.Minute)
	recovered, err := AcquireLock(dir, "demo", "owner-b", later)
	if err != nil {
		t.Fatal(err)
	}
	if !recovered.Acquired || !recovered.Recovered {
		t.Fatalf("expected stale lock to be recovered: %+v", recovered)
	}
}

func TestHeartbeatExtendsLock(t *testing.T) {
	dir := t.TempDir()
	// Acquire 10 minutes in the past; Heartbeat stamps the real current
	// time, so at now+LockTTL+1m only the heartbeat keeps the lock live.
	now := time.Now().Add(-10 * time.Minute)

	if _, err := AcquireLock(dir, "demo", "owner-a", now); err != nil {
		t.Fatal(err)
	}
	if err := Heartbeat(dir, "demo"); err != nil {
		t.Fatal(err)
	}

	later := now.Add(LockTTL + time.Minute)
	result, err := AcquireLock(dir, "demo", "owner-b", later)
	if err != nil {
		t.Fatal(err)
	}
	if result.Acquired {
		t.Fatalf("expected heartbeat to keep the lock live: %+v", result)
	}
}

func TestReleaseLockThenReacquire(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	if _, err := AcquireLock(dir, "demo", "owner-a", now); err != nil {
		t.Fatal(err)
	}
	if err := ReleaseLock(dir, "demo"); err != nil {
		t.Fatal(err)
	}
	if err := ReleaseLock(dir, "demo"); err != nil {
		t.Fatalf("second release of a missing lock must be a no-op: %v", err)
	}

	result, err := AcquireLock(dir, "demo", "owner-b", now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Acquired {
		t.Fatalf("expected reacquire after release to succeed: %+v", result)
	}
}
