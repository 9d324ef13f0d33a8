package taskqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeArtifactToken(t *testing.T) {
	cases := map[string]string{
		"":           "task",
		"abc123":     "abc123",
		"a/b:c":      "a_b_c",
		"  spaced  ": "spaced",
	}
	for in, want := range cases {
		if got := sanitizeArtifactToken(in); got != want {
			t.Fatalf("sanitizeArtifactToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteArtifactRoundTrips(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "tasks.json")

	rec := runArtifact{TaskID: "abc123", ToolName: "build", Status: StatusCompleted, ExitCode: 0, Stdout: "ok"}
	if err := writeArtifact(storagePath, rec); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(artifactPath(storagePath, "abc123"))
	if err != nil {
		t.Fatal(err)
	}
	var got runArtifact
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Fatalf("round-tripped artifact = %+v, want %+v", got, rec)
	}
}

func TestArtifactDirIsSiblingOfSnapshot(t *testing.T) {
	got := artifactDir("/workspace/.ploinky/tasks/tasks.json")
	want := "/workspace/.ploinky/tasks/artifacts"
	if got != want {
		t.Fatalf("artifactDir() = %s, want %s", got, want)
	}
}
