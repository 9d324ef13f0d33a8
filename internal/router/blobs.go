package router

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ploinky/internal/errs"
)

// blobManifest is the JSON body returned from a successful blob upload.
type blobManifest struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

func (s *Server) blobDir(agent string) string {
	return filepath.Join(s.blobsRoot, agent)
}

// handleBlobUpload streams the request body to disk under a fresh blob
// id, never buffering the whole payload in memory, per §4.H.
func (s *Server) handleBlobUpload(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	dir := s.blobDir(agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeJSONError(w, errs.Wrap(errs.Fatal, "create blob directory", err))
		return
	}

	id, err := newBlobID()
	if err != nil {
		writeJSONError(w, err)
		return
	}
	path := filepath.Join(dir, id)
	f, err := os.Create(path) // #nosec G304 -- id is server-generated hex
	if err != nil {
		writeJSONError(w, errs.Wrap(errs.Fatal, "create blob file", err))
		return
	}
	defer f.Close()

	size, err := io.Copy(f, r.Body)
	if err != nil {
		writeJSONError(w, errs.Wrap(errs.Unavailable, "write blob body", err))
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := os.WriteFile(path+".mime", []byte(contentType), 0o644); err != nil {
		writeJSONError(w, errs.Wrap(errs.Fatal, "write blob mime sidecar", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(blobManifest{
		ID:   id,
		URL:  "/blobs/" + agent + "/" + id,
		Size: size,
		Mime: contentType,
	})
}

// handleBlobDownload streams blob bytes back, honoring a single
// Range: bytes=start-end header with a 206 Partial Content response.
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	id := chi.URLParam(r, "id")
	path := filepath.Join(s.blobDir(agent), id)

	info, err := os.Stat(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(path) // #nosec G304 -- id validated by chi route param + stat above
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	contentType := blobMime(path)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	start, end, hasRange := parseRange(r.Header.Get("Range"), info.Size())
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		return
	}
	if !hasRange {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		io.Copy(w, f)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	io.CopyN(w, f, length)
}

func blobMime(path string) string {
	if raw, err := os.ReadFile(path + ".mime"); err == nil {
		return strings.TrimSpace(string(raw))
	}
	if ext := filepath.Ext(path); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// parseRange parses a single "bytes=start-end" range header, per §4.H's
// "honors a single Range" contract (multi-range requests are not
// supported and are treated as absent).
func parseRange(header string, size int64) (start, end int64, ok bool) {
	if header == "" || !strings.HasPrefix(header, "bytes=") || strings.Contains(header, ",") {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= size {
		return 0, 0, false
	}
	e := size - 1
	if parts[1] != "" {
		if parsed, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			e = parsed
		}
	}
	if e >= size {
		e = size - 1
	}
	if e < s {
		return 0, 0, false
	}
	return s, e, true
}

func newBlobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.Fatal, "generate blob id", err)
	}
	return hex.EncodeToString(buf), nil
}
