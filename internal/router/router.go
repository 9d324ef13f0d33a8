// Package router implements the workspace's single HTTP front door:
// static file serving, the blob storage API, the aggregating MCP
// endpoint, per-agent MCP/task passthrough, the web-UI auth gate, and
// agent-to-agent OAuth.
package router

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"ploinky/internal/errs"
	"ploinky/internal/mcpaggregator"
	"ploinky/internal/routing"
)

// StaticSource resolves an agent's static source directory, supplied by
// the caller (built from the routing table / registry) rather than
// owned by the router itself.
type StaticSource struct {
	Agent    string
	HostPath string
}

// Server is the router's HTTP front door.
type Server struct {
	table        *routing.Table
	aggregator   *mcpaggregator.Client
	blobsRoot    string
	staticRoot   string
	staticAgents map[string]string // agent -> hostPath, for per-agent prefixes

	tokens  *componentTokens
	sessions *sessionStore

	ssoValidate      ssoClientCredentialsValidator
	jwks             *jwksCache
	tokenIssuer      string
	tokenAudience    string
	oidcAuthorizeURL func(state, nonce string) string
	oidcExchange     func(code, nonce string) (user, accessToken, refreshToken string, err error)
}

// Config bundles the Server's constructor dependencies.
type Config struct {
	Table        *routing.Table
	Aggregator   *mcpaggregator.Client
	BlobsRoot    string
	StaticRoot   string
	StaticAgents []StaticSource
}

// New builds a Server. OAuth/OIDC hooks are optional and can be wired in
// afterward via the exported setters; a router with none configured
// simply answers 503 on those endpoints.
func New(cfg Config) *Server {
	agents := make(map[string]string, len(cfg.StaticAgents))
	for _, a := range cfg.StaticAgents {
		agents[a.Agent] = a.HostPath
	}
	return &Server{
		table:        cfg.Table,
		aggregator:   cfg.Aggregator,
		blobsRoot:    cfg.BlobsRoot,
		staticRoot:   cfg.StaticRoot,
		staticAgents: agents,
		tokens:       newComponentTokens(),
		sessions:     newSessionStore(),
	}
}

// WithJWKS wires the agent-to-agent OAuth JWKS cache and the issuer/
// audience every inbound bearer token is checked against.
func (s *Server) WithJWKS(cache *jwksCache, issuer, audience string) *Server {
	s.jwks = cache
	s.tokenIssuer = issuer
	s.tokenAudience = audience
	return s
}

// WithSSOValidator wires the client-credentials validator used by
// POST /auth/agent-token.
func (s *Server) WithSSOValidator(v ssoClientCredentialsValidator) *Server { s.ssoValidate = v; return s }

// WithOIDC wires the interactive login/callback hooks.
func (s *Server) WithOIDC(authorizeURL func(state, nonce string) string, exchange func(code, nonce string) (string, string, string, error)) *Server {
	s.oidcAuthorizeURL = authorizeURL
	s.oidcExchange = exchange
	return s
}

// Router builds the full route tree in the classification order from
// §4.H: auth endpoints, blobs, MCP aggregation, per-agent MCP
// passthrough, per-agent static, static root fallback.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// 1. Exact auth endpoints.
	r.Post("/auth/login", s.handleLogin)
	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/callback", s.handleCallback)
	r.Post("/auth/logout", s.handleLogout)
	r.Post("/auth/agent-token", s.handleAgentToken)

	// Web-UI auth-gated endpoints: not explicitly enumerated by §4.H's
	// classification (they sit alongside it, gated by component token).
	r.Get("/ws/webtty", s.requireComponentToken("webtty", s.handleComponentSocket("webtty")).ServeHTTP)
	r.Get("/ws/webchat", s.requireComponentToken("webchat", s.handleComponentSocket("webchat")).ServeHTTP)

	// 2. Blob endpoints.
	r.Post("/blobs/{agent}", s.handleBlobUpload)
	r.Get("/blobs/{agent}/{id}", s.handleBlobDownload)
	r.Head("/blobs/{agent}/{id}", s.handleBlobDownload)

	// 3. MCP aggregation.
	r.Post("/mcp", s.handleAggregatedMCP)
	r.Get("/mcp", s.handleAggregatedSSE)

	// 4. Per-agent MCP passthrough + task status.
	r.Handle("/mcps/{agent}/mcp", s.proxyToAgent("mcp"))
	r.Handle("/mcps/{agent}/task", s.proxyToAgent("task"))

	// 5. Per-agent static.
	for agent, hostPath := range s.staticAgents {
		r.Get("/"+agent+"/*", perAgentStaticPrefix(agent, hostPath))
	}

	// 6. Static root fallback.
	r.NotFound(staticHandler(s.staticRoot))

	return r
}

// proxyToAgent builds a reverse proxy to the agent's routed host port,
// injecting a bearer token for authenticated callers and surfacing
// connection failures as a structured 502 per §4.H "Proxying."
func (s *Server) proxyToAgent(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := chi.URLParam(r, "agent")
		route := s.table.Get(agent)
		if route == nil {
			writeJSONError(w, errs.New(errs.NotFound, "no route for agent "+agent))
			return
		}
		if s.jwks != nil {
			if err := s.authenticateAgentCaller(r); err != nil {
				writeJSONError(w, err)
				return
			}
		}
		target, err := url.Parse("http://localhost:" + route.HostPort)
		if err != nil {
			writeJSONError(w, errs.Wrap(errs.Fatal, "parse agent target url", err))
			return
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		upstreamPath := "/mcp"
		if kind == "task" {
			upstreamPath = "/getTaskStatus"
		}
		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			req.URL.Path = upstreamPath
			if token := bearerFromContext(r); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			writeJSONError(w, errs.Wrap(errs.Unavailable, "proxy to agent "+agent, err))
		}
		proxy.ServeHTTP(w, r)
	}
}

func bearerFromContext(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

type aggregatedCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Agent     string         `json:"agent,omitempty"`
}

// handleAggregatedMCP answers POST /mcp: a JSON-RPC envelope whose
// methods route through the aggregator instead of a single agent, per
// §4.I "Top-level operations."
func (s *Server) handleAggregatedMCP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, errs.Wrap(errs.Validation, "decode aggregated MCP request", err))
		return
	}

	switch req.Method {
	case "tools/list":
		writeJSONOK(w, req.ID, map[string]any{"tools": s.aggregator.ListTools(r.Context())})
	case "resources/list":
		writeJSONOK(w, req.ID, map[string]any{"resources": s.aggregator.ListResources(r.Context())})
	case "tools/call":
		var params aggregatedCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONError(w, errs.Wrap(errs.Validation, "decode tools/call params", err))
			return
		}
		result, err := s.aggregator.CallTool(r.Context(), params.Name, params.Arguments, params.Agent)
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSONOK(w, req.ID, result)
	default:
		writeJSONError(w, errs.New(errs.Validation, "unsupported aggregated method "+req.Method))
	}
}

// handleAggregatedSSE offers an optional server-initiated back-channel
// for GET /mcp; there is nothing to push proactively at this layer, so
// this is a pure keepalive stream, matching the agent MCP server's own
// SSE endpoint.
func (s *Server) handleAggregatedSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSONOK(w http.ResponseWriter, id *int64, result any) {
	w.Header().Set("Content-Type", "application/json")
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": json.RawMessage(raw)})
}

func writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*errs.Error); ok {
		status = e.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
