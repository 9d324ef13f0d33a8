package mcpserver

import "testing"

func TestMatchTemplate(t *testing.T) {
	values, ok := matchTemplate("logs://{agent}/{date}", "logs://router/2026-07-29")
	if !ok {
		t.Fatal("expected match")
	}
	if values["agent"] != "router" || values["date"] != "2026-07-29" {
		t.Fatalf("unexpected values: %+v", values)
	}
}

func TestMatchTemplateLengthMismatch(t *testing.T) {
	if _, ok := matchTemplate("logs://{agent}", "logs://router/extra"); ok {
		t.Fatal("expected no match on differing segment count")
	}
}

func TestMatchResourceNotFound(t *testing.T) {
	_, _, err := matchResource(nil, "logs://router")
	if err == nil {
		t.Fatal("expected NotFound error")
	}
}
