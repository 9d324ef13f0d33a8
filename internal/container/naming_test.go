package container

import "testing"

func TestContainerNameDeterministic(t *testing.T) {
	a := ContainerName("/home/user/myworkspace", "hello")
	b := ContainerName("/home/user/myworkspace", "hello")
	if a != b {
		t.Fatalf("expected deterministic name, got %q vs %q", a, b)
	}
	if a[:8] != "ploinky_" {
		t.Fatalf("expected ploinky_ prefix, got %q", a)
	}
}

func TestContainerNameVariesByWorkspace(t *testing.T) {
	a := ContainerName("/home/user/ws1", "hello")
	b := ContainerName("/home/user/ws2", "hello")
	if a == b {
		t.Fatalf("expected different names for different workspaces, both %q", a)
	}
}

func TestContainerNameMatchesInvariantShape(t *testing.T) {
	root := "/home/user/Demo Workspace"
	name := ContainerName(root, "hello")
	want := "ploinky_demo_workspace_" + hash6(root) + "_agent_hello"
	if name != want {
		t.Fatalf("got %q, want %q", name, want)
	}
}
