package router

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticHandler serves files from root, falling back to index.html for
// directory requests, per §4.H classification step 6 (and per-agent
// prefixes under step 5).
func staticHandler(root string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveStatic(w, r, root, r.URL.Path)
	}
}

func serveStatic(w http.ResponseWriter, r *http.Request, root, requestPath string) {
	clean := filepath.Clean("/" + requestPath)
	path := filepath.Join(root, clean)

	info, err := os.Stat(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		index := filepath.Join(path, "index.html")
		if _, err := os.Stat(index); err != nil {
			http.NotFound(w, r)
			return
		}
		path = index
	}
	http.ServeFile(w, r, path)
}

// perAgentStaticPrefix strips "/<agent>" from the request path and
// serves the remainder from the agent's static source directory.
func perAgentStaticPrefix(agent, hostPath string) http.HandlerFunc {
	prefix := "/" + agent
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, prefix)
		serveStatic(w, r, hostPath, rest)
	}
}
