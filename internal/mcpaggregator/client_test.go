package mcpaggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ploinky/internal/mcpwire"
)

// fakeAgentServer serves a minimal MCP endpoint handing out a fixed set
// of tools, for exercising the aggregator's fan-out without an agent's
// full mcpserver stack.
func fakeAgentServer(t *testing.T, tools []mcpwire.Tool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		var req mcpwire.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch req.Method {
		case mcpwire.MethodInitialize:
			w.Header().Set(mcpwire.SessionHeader, "sess-1")
			writeResult(w, req.ID, mcpwire.InitializeResult{ProtocolVersion: "2024-11-05"})
		case mcpwire.MethodToolsList:
			writeResult(w, req.ID, map[string]any{"tools": tools})
		case mcpwire.MethodToolsCall:
			writeResult(w, req.ID, mcpwire.ToolCallResult{Content: []mcpwire.Content{{Type: "text", Text: "ok"}}})
		case mcpwire.MethodPing:
			writeResult(w, req.ID, map[string]any{})
		}
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func writeResult(w http.ResponseWriter, id *int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mcpwire.ResultResponse(id, result))
}

func TestListToolsMergesAcrossAgents(t *testing.T) {
	a := fakeAgentServer(t, []mcpwire.Tool{{Name: "build"}})
	b := fakeAgentServer(t, []mcpwire.Tool{{Name: "deploy"}})

	c := New([]AgentEndpoint{{Name: "coder", URL: a.URL}, {Name: "ops", URL: b.URL}}, time.Second)
	tools := c.ListTools(context.Background())
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d: %+v", len(tools), tools)
	}
}

func TestCallToolRoutesUniqueName(t *testing.T) {
	a := fakeAgentServer(t, []mcpwire.Tool{{Name: "build"}})
	c := New([]AgentEndpoint{{Name: "coder", URL: a.URL}}, time.Second)

	result, err := c.CallTool(context.Background(), "build", map[string]any{}, "")
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) == 0 || result.Content[0].Text != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := result.Metadata["agent"]; got != "coder" {
		t.Fatalf("metadata.agent = %v, want coder", got)
	}
}

func TestCallToolExplicitAgentAnnotatesMetadata(t *testing.T) {
	a := fakeAgentServer(t, []mcpwire.Tool{{Name: "echo"}})
	c := New([]AgentEndpoint{{Name: "A", URL: a.URL}}, time.Second)

	result, err := c.CallTool(context.Background(), "echo", map[string]any{}, "A")
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Metadata["agent"]; got != "A" {
		t.Fatalf("metadata.agent = %v, want A", got)
	}
}

func TestCallToolAsyncPollingAnnotatesMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		var req mcpwire.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		switch req.Method {
		case mcpwire.MethodInitialize:
			w.Header().Set(mcpwire.SessionHeader, "sess-1")
			writeResult(w, req.ID, mcpwire.InitializeResult{ProtocolVersion: "2024-11-05"})
		case mcpwire.MethodToolsList:
			writeResult(w, req.ID, map[string]any{"tools": []mcpwire.Tool{{Name: "longrun"}}})
		case mcpwire.MethodToolsCall:
			writeResult(w, req.ID, mcpwire.ToolCallResult{Metadata: map[string]any{"taskId": "task-1"}})
		}
	})
	mux.HandleFunc("/getTaskStatus", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "completed",
			"result": mcpwire.ToolCallResult{Content: []mcpwire.Content{{Type: "text", Text: "done"}}},
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := New([]AgentEndpoint{{Name: "worker", URL: ts.URL}}, time.Second)
	result, err := c.CallTool(context.Background(), "longrun", map[string]any{}, "worker")
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := result.Metadata["agent"]; got != "worker" {
		t.Fatalf("metadata.agent = %v, want worker", got)
	}
}

func TestCallToolAmbiguous(t *testing.T) {
	a := fakeAgentServer(t, []mcpwire.Tool{{Name: "build"}})
	b := fakeAgentServer(t, []mcpwire.Tool{{Name: "build"}})
	c := New([]AgentEndpoint{{Name: "coder", URL: a.URL}, {Name: "ops", URL: b.URL}}, time.Second)

	_, err := c.CallTool(context.Background(), "build", map[string]any{}, "")
	if err == nil {
		t.Fatal("expected ambiguous error")
	}
}

func TestPing(t *testing.T) {
	a := fakeAgentServer(t, nil)
	c := New([]AgentEndpoint{{Name: "coder", URL: a.URL}}, time.Second)
	if !c.Ping(context.Background(), "coder") {
		t.Fatal("expected ping to succeed")
	}
}
