package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type fakeRemover struct {
	stopped, removed []string
}

func (f *fakeRemover) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRemover) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.removed = append(f.removed, id)
	return nil
}

func TestShutdownStopsAndRemovesTracked(t *testing.T) {
	r := New()
	r.Track("c1", "demo")
	rm := &fakeRemover{}
	if err := r.Shutdown(context.Background(), rm); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(rm.stopped) != 1 || len(rm.removed) != 1 {
		t.Fatalf("expected one stop+remove, got %+v", rm)
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 tracked after shutdown, got %d", r.Count())
	}
}

func TestTrackUntrackCount(t *testing.T) {
	r := New()
	r.Track("abc", "demo")
	if r.Count() != 1 {
		t.Fatalf("expected 1 tracked, got %d", r.Count())
	}
	r.Untrack("abc")
	if r.Count() != 0 {
		t.Fatalf("expected 0 tracked after untrack, got %d", r.Count())
	}
}

func TestWriteReadRemovePID(t *testing.T) {
	dir := t.TempDir()
	path, err := WritePID(dir)
	if err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("unexpected pid path: %s", path)
	}
	pid, ok := ReadPID(dir)
	if !ok || pid <= 0 {
		t.Fatalf("ReadPID: got %d, %v", pid, ok)
	}
	if err := RemovePIDFile(dir); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, ok := ReadPID(dir); ok {
		t.Fatal("expected ReadPID to fail after removal")
	}
}
