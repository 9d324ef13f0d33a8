package depprep

import "testing"

func TestMergeAgentWinsOnConflict(t *testing.T) {
	global := Manifest{"lodash": "4.0.0", "left-pad": "1.0.0"}
	agent := Manifest{"lodash": "4.17.21"}
	merged := Merge(global, agent)
	if merged["lodash"] != "4.17.21" {
		t.Fatalf("expected agent version to win, got %s", merged["lodash"])
	}
	if merged["left-pad"] != "1.0.0" {
		t.Fatalf("expected global-only entry preserved, got %s", merged["left-pad"])
	}
}

func TestAssembleEntrypointElidesEmptyPieces(t *testing.T) {
	got := AssembleEntrypoint("/code", "", "", "node server.js")
	want := "cd /code && node server.js"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestAssembleEntrypointAllPieces(t *testing.T) {
	got := AssembleEntrypoint("/code", "snippet-here", "npm run build", "node server.js")
	want := "cd /code && snippet-here && npm run build && node server.js"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
