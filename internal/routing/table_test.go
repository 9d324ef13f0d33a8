package routing

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	table.Port = 8080
	table.Put(&Route{Agent: "coder", ContainerName: "ploinky-coder", HostPort: "7001"})

	if err := Save(path, table); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if loaded.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", loaded.Port)
	}
	route := loaded.Get("coder")
	if route == nil || route.HostPort != "7001" {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestAllocatePortSkipsUsed(t *testing.T) {
	table := &Table{Routes: map[string]*Route{}}
	table.Put(&Route{Agent: "a", HostPort: "7000"})
	table.Put(&Route{Agent: "b", HostPort: "7001"})

	port, err := table.AllocatePort(7000, 7005)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if port != 7002 {
		t.Fatalf("expected 7002, got %d", port)
	}
}

func TestAllocatePortExhausted(t *testing.T) {
	table := &Table{Routes: map[string]*Route{}}
	table.Put(&Route{Agent: "a", HostPort: "7000"})
	if _, err := table.AllocatePort(7000, 7000); err == nil {
		t.Fatal("expected error when range is exhausted")
	}
}
