package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ploinky/internal/mcpaggregator"
	"ploinky/internal/routing"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	staticRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(staticRoot, "index.html"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write index.html: %v", err)
	}
	s := New(Config{
		Table:      &routing.Table{Routes: map[string]*routing.Route{}},
		Aggregator: mcpaggregator.New(nil, time.Second),
		BlobsRoot:  filepath.Join(t.TempDir(), "blobs"),
		StaticRoot: staticRoot,
	})
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestStaticRootFallback(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestBlobUploadAndRangeDownload(t *testing.T) {
	_, ts := newTestServer(t)

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	resp, err := http.Post(ts.URL+"/blobs/coder", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var manifest blobManifest
	if err := jsonDecode(resp.Body, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}

	full, err := http.Get(ts.URL + manifest.URL)
	if err != nil {
		t.Fatalf("Get full: %v", err)
	}
	defer full.Body.Close()
	fullBody, _ := io.ReadAll(full.Body)
	if !bytes.Equal(fullBody, payload) {
		t.Fatalf("expected full body %v, got %v", payload, fullBody)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+manifest.URL, nil)
	req.Header.Set("Range", "bytes=3-5")
	rangeResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do range: %v", err)
	}
	defer rangeResp.Body.Close()
	if rangeResp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rangeResp.StatusCode)
	}
	rangeBody, _ := io.ReadAll(rangeResp.Body)
	if !bytes.Equal(rangeBody, []byte{3, 4, 5}) {
		t.Fatalf("unexpected range body: %v", rangeBody)
	}
}

func TestProxyUnknownAgentIs404(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/mcps/ghost/mcp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebUIGateRejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/ws/webtty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
