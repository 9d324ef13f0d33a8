package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindWalksUpToMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ConfigDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	ws, err := Find(nested)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ws.Root != root {
		t.Fatalf("got root %q, want %q", ws.Root, root)
	}
}

func TestFindFallsBackToStart(t *testing.T) {
	start := t.TempDir()
	ws, err := Find(start)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ws.Root != start {
		t.Fatalf("got root %q, want %q", ws.Root, start)
	}
}

func TestEnsureSkeletonIdempotent(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	if err := ws.EnsureSkeleton(); err != nil {
		t.Fatalf("first EnsureSkeleton: %v", err)
	}
	if err := ws.EnsureSkeleton(); err != nil {
		t.Fatalf("second EnsureSkeleton: %v", err)
	}
	for _, d := range []string{ws.ConfigDir(), ws.ReposDir(), ws.RunningPIDDir(), ws.RuntimeDir(), ws.CodeLinkRoot(), ws.SkillsLinkRoot(), ws.SharedDir(), ws.LogsDir()} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", d)
		}
	}
}

func TestEnsureAgentLinksSkipsRealDirectory(t *testing.T) {
	root := t.TempDir()
	ws := Workspace{Root: root}
	if err := ws.EnsureSkeleton(); err != nil {
		t.Fatal(err)
	}

	agentSrc := filepath.Join(root, "repos", "demo", "hello")
	if err := os.MkdirAll(filepath.Join(agentSrc, "code"), 0o755); err != nil {
		t.Fatal(err)
	}

	blocker := filepath.Join(ws.CodeLinkRoot(), "hello")
	if err := os.MkdirAll(blocker, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := ws.EnsureAgentLinks([]AgentSource{{ShortName: "hello", SourceRoot: agentSrc}}); err != nil {
		t.Fatalf("EnsureAgentLinks: %v", err)
	}

	info, err := os.Lstat(blocker)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Fatalf("expected real directory to survive, got symlink")
	}
}
