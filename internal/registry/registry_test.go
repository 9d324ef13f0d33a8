package registry

import (
	"path/filepath"
	"testing"

	"ploinky/internal/manifest"
)

func TestEnableAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := r.Enable("/ws", "hello", "demo", "", "alpine:3", "/ws/repos/demo/hello", manifest.ProfileDev); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	views := reloaded.ListAgents()
	if len(views) != 1 || views[0].Name != "hello" || views[0].Repo != "demo" || !views[0].Enabled {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestEnableAliasConflict(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "agents.json"))
	if _, err := r.Enable("/ws", "a", "demo", "shared", "alpine:3", "/ws/a", manifest.ProfileDev); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Enable("/ws", "b", "demo", "shared", "alpine:3", "/ws/b", manifest.ProfileDev); err == nil {
		t.Fatal("expected alias conflict")
	}
}

func TestDisableRejectsLiveContainer(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "agents.json"))
	if _, err := r.Enable("/ws", "a", "demo", "", "alpine:3", "/ws/a", manifest.ProfileDev); err != nil {
		t.Fatal(err)
	}
	if err := r.Disable("a", true); err == nil {
		t.Fatal("expected conflict disabling agent with live container")
	}
	if err := r.Disable("a", false); err != nil {
		t.Fatalf("Disable: %v", err)
	}
}
