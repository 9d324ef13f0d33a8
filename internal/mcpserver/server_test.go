package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"ploinky/internal/mcpwire"
	"ploinky/internal/taskqueue"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &Config{Tools: []ToolDef{{Name: "echo", Command: "cat"}}}
	q := taskqueue.New(1, filepath.Join(t.TempDir(), "tasks.json"), func(ctx context.Context, spec taskqueue.CommandSpec, payload map[string]any, onSpawn taskqueue.SpawnFunc) (taskqueue.ExecResult, error) {
		onSpawn(func() {})
		return taskqueue.ExecResult{Code: 0, Stdout: "ok"}, nil
	})
	if err := q.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	srv := New("test-agent", "0.1.0", cfg, q)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postRPC(t *testing.T, url string, req mcpwire.Request, sessionID string) (mcpwire.Response, *http.Response) {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, url+"/mcp", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if sessionID != "" {
		httpReq.Header.Set(mcpwire.SessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	var out mcpwire.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out, resp
}

func TestInitializeThenToolsList(t *testing.T) {
	_, ts := newTestServer(t)
	id := int64(1)

	resp, httpResp := postRPC(t, ts.URL, mcpwire.Request{JSONRPC: "2.0", ID: &id, Method: mcpwire.MethodInitialize}, "")
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}
	sessionID := httpResp.Header.Get(mcpwire.SessionHeader)
	if sessionID == "" {
		t.Fatal("expected session id header on initialize response")
	}

	id2 := int64(2)
	resp2, _ := postRPC(t, ts.URL, mcpwire.Request{JSONRPC: "2.0", ID: &id2, Method: mcpwire.MethodToolsList}, sessionID)
	if resp2.Error != nil {
		t.Fatalf("tools/list error: %+v", resp2.Error)
	}
	var result struct {
		Tools []mcpwire.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp2.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", result.Tools)
	}
}

func TestMissingSessionRejected(t *testing.T) {
	_, ts := newTestServer(t)
	id := int64(1)
	resp, _ := postRPC(t, ts.URL, mcpwire.Request{JSONRPC: "2.0", ID: &id, Method: mcpwire.MethodToolsList}, "")
	if resp.Error == nil || resp.Error.Code != mcpwire.CodeSessionMissing {
		t.Fatalf("expected missing-session error, got %+v", resp.Error)
	}
}

func TestToolsCallSyncEchoesStdin(t *testing.T) {
	_, ts := newTestServer(t)
	id := int64(1)
	_, httpResp := postRPC(t, ts.URL, mcpwire.Request{JSONRPC: "2.0", ID: &id, Method: mcpwire.MethodInitialize}, "")
	sessionID := httpResp.Header.Get(mcpwire.SessionHeader)

	id2 := int64(2)
	params, _ := json.Marshal(toolCallParams{Name: "echo", Arguments: map[string]any{"x": 1}})
	resp, _ := postRPC(t, ts.URL, mcpwire.Request{JSONRPC: "2.0", ID: &id2, Method: mcpwire.MethodToolsCall, Params: params}, sessionID)
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	var result mcpwire.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.IsError || len(result.Content) == 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
