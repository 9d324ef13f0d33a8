package orchestrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.PortRangeStart != 7000 || o.PortRangeEnd != 7999 || o.RouterPort != 8088 {
		t.Fatalf("unexpected defaults: %+v", o)
	}

	custom := Options{PortRangeStart: 9000, PortRangeEnd: 9100, RouterPort: 9999}.withDefaults()
	if custom.PortRangeStart != 9000 || custom.PortRangeEnd != 9100 || custom.RouterPort != 9999 {
		t.Fatalf("withDefaults overrode explicit values: %+v", custom)
	}
}

func TestWithSidecarProbesEveryCandidate(t *testing.T) {
	got := withSidecar("run-main.sh", "run-sidecar.sh")
	if !strings.Contains(got, "run-sidecar.sh") || !strings.Contains(got, "run-main.sh") {
		t.Fatalf("withSidecar dropped a command: %s", got)
	}
	for _, shell := range []string{"/bin/bash", "/bin/sh", "/usr/bin/bash", "/usr/bin/sh"} {
		if !strings.Contains(got, "command -v "+shell) {
			t.Fatalf("withSidecar did not probe %s: %s", shell, got)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(got), "run-main.sh") {
		t.Fatalf("withSidecar must run main in the foreground last: %s", got)
	}
}

func TestResolveCodeDirPrefersCodeSubdir(t *testing.T) {
	root := t.TempDir()
	codeDir := filepath.Join(root, "code")
	if err := os.MkdirAll(codeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := resolveCodeDir(root)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(codeDir)
	if got != want {
		t.Fatalf("resolveCodeDir() = %s, want %s", got, want)
	}
}

func TestResolveCodeDirFallsBackToRoot(t *testing.T) {
	root := t.TempDir()
	got, err := resolveCodeDir(root)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Fatalf("resolveCodeDir() = %s, want %s", got, want)
	}
}

func TestResolveSkillsDirAbsentReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	if got := resolveSkillsDir(root); got != "" {
		t.Fatalf("resolveSkillsDir() = %q, want empty", got)
	}
}

func TestResolveSkillsDirPresent(t *testing.T) {
	root := t.TempDir()
	skills := filepath.Join(root, ".AchillesSkills")
	if err := os.MkdirAll(skills, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := resolveSkillsDir(root); got != skills {
		t.Fatalf("resolveSkillsDir() = %q, want %q", got, skills)
	}
}

func TestRunHostCommandsSkipsBlankEntries(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	cmds := []string{"  ", "touch " + marker, ""}
	if err := runHostCommands(cmds, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected marker file to be created: %v", err)
	}
}

func TestRunHostCommandsPropagatesFailure(t *testing.T) {
	if err := runHostCommands([]string{"exit 1"}, t.TempDir()); err == nil {
		t.Fatal("expected failing host command to return an error")
	}
}

func TestAgentSourceManifestPath(t *testing.T) {
	a := AgentSource{ShortName: "demo", Root: "/workspace/repos/demo"}
	want := filepath.Join("/workspace/repos/demo", "manifest.json")
	if got := a.manifestPath(); got != want {
		t.Fatalf("manifestPath() = %s, want %s", got, want)
	}
}
