package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ploinky/internal/mcpwire"
	"ploinky/internal/obs"
	"ploinky/internal/taskqueue"
)

const protocolVersion = "2024-11-05"

// Server is the long-lived per-agent JSON-RPC MCP endpoint.
type Server struct {
	name    string
	version string
	config  *Config
	queue   *taskqueue.Queue

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id          string
	initialized bool
	createdAt   time.Time
}

// New constructs a Server. The caller owns starting/stopping the task
// queue's own background goroutines via Initialize.
func New(name, version string, cfg *Config, queue *taskqueue.Queue) *Server {
	return &Server{
		name:     name,
		version:  version,
		config:   cfg,
		queue:    queue,
		sessions: map[string]*session{},
	}
}

// Router builds the HTTP handler: POST/GET /mcp, GET /health,
// GET /getTaskStatus.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/mcp", s.handlePost)
	r.Get("/mcp", s.handleSSE)
	r.Get("/health", s.handleHealth)
	r.Get("/getTaskStatus", s.handleTaskStatus)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "taskId required", http.StatusBadRequest)
		return
	}
	task := s.queue.Get(taskID)
	if task == nil {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	// Task.Result is excluded from the snapshot encoding; add it back here.
	_ = json.NewEncoder(w).Encode(struct {
		*taskqueue.Task
		Result *mcpwire.ToolCallResult `json:"result,omitempty"`
	}{task, task.Result})
}

// handleSSE answers GET /mcp with an optional event stream; clients that
// do not want streaming can simply not connect here. There is nothing to
// push proactively, so this just keeps the connection open until the
// client disconnects, matching the teacher's "keepalive with 405
// fallback" idiom on the client side of the aggregator.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
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

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req mcpwire.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(nil, mcpwire.CodeInternal, "invalid JSON-RPC request"))
		return
	}

	if req.Method == mcpwire.MethodInitialize {
		s.handleInitialize(w, req)
		return
	}

	sessionID := r.Header.Get(mcpwire.SessionHeader)
	if sessionID == "" || !s.sessionExists(sessionID) {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeSessionMissing, "Missing session"))
		return
	}

	if req.IsNotification() {
		// notifications/initialized and any other fire-and-forget message:
		// nothing to reply, 202 per JSON-RPC-over-HTTP convention.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case mcpwire.MethodPing:
		writeJSONRPC(w, mcpwire.ResultResponse(req.ID, map[string]any{}))
	case mcpwire.MethodToolsList:
		writeJSONRPC(w, mcpwire.ResultResponse(req.ID, map[string]any{"tools": s.listTools()}))
	case mcpwire.MethodResourcesList:
		writeJSONRPC(w, mcpwire.ResultResponse(req.ID, map[string]any{"resources": s.listResources()}))
	case mcpwire.MethodPromptsList:
		writeJSONRPC(w, mcpwire.ResultResponse(req.ID, map[string]any{"prompts": s.listPrompts()}))
	case mcpwire.MethodToolsCall:
		s.handleToolsCall(r.Context(), w, req)
	case mcpwire.MethodResourcesRead:
		s.handleResourcesRead(r.Context(), w, req)
	default:
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, "unknown method "+req.Method))
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req mcpwire.Request) {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &session{id: id, initialized: true, createdAt: time.Now()}
	s.mu.Unlock()

	w.Header().Set(mcpwire.SessionHeader, id)
	writeJSONRPC(w, mcpwire.ResultResponse(req.ID, mcpwire.InitializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      mcpwire.ServerInfo{Name: s.name, Version: s.version},
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
	}))
}

func (s *Server) sessionExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// PurgeSession removes session state, called by the transport layer when
// the underlying connection closes.
func (s *Server) PurgeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) listTools() []mcpwire.Tool {
	out := make([]mcpwire.Tool, 0, len(s.config.Tools))
	for _, t := range s.config.Tools {
		out = append(out, mcpwire.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

func (s *Server) listResources() []mcpwire.Resource {
	out := make([]mcpwire.Resource, 0, len(s.config.Resources))
	for _, res := range s.config.Resources {
		out = append(out, mcpwire.Resource{URI: res.URITemplate, Name: res.Name, Description: res.Description, MimeType: res.MimeType})
	}
	return out
}

func (s *Server) listPrompts() []map[string]string {
	out := make([]map[string]string, 0, len(s.config.Prompts))
	for _, p := range s.config.Prompts {
		out = append(out, map[string]string{"name": p.Name, "description": p.Description})
	}
	return out
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, w http.ResponseWriter, req mcpwire.Request) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, "invalid tools/call params"))
		return
	}

	tool := s.config.ToolByName(params.Name)
	if tool == nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, "unknown tool "+params.Name))
		return
	}
	if tool.schema != nil {
		if err := tool.schema.Validate(anyFromArgs(params.Arguments)); err != nil {
			writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, err.Error()))
			return
		}
	}

	cwd := s.config.ResolveCwd(tool.Cwd)

	if tool.Async {
		result, err := s.queue.Enqueue(ctx, taskqueue.EnqueueRequest{
			ToolName: tool.Name,
			CommandSpec: taskqueue.CommandSpec{
				Command:   []string{tool.Command},
				Cwd:       cwd,
				TimeoutMs: tool.TimeoutMs,
			},
			Payload: map[string]any{"tool": tool.Name, "input": params.Arguments},
		})
		if err != nil {
			writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, err.Error()))
			return
		}
		writeJSONRPC(w, mcpwire.ResultResponse(req.ID, mcpwire.ToolCallResult{
			Content:  []mcpwire.Content{{Type: "text", Text: "queued"}},
			Metadata: map[string]any{"taskId": result.ID},
		}))
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if tool.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(tool.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	res, err := runCommand(runCtx, tool.Command, cwd, nil, spawnPayload{Tool: tool.Name, Input: params.Arguments}, func(func()) {})
	if err != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, err.Error()))
		return
	}
	writeJSONRPC(w, mcpwire.ResultResponse(req.ID, toolCallResult(res)))
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesRead(ctx context.Context, w http.ResponseWriter, req mcpwire.Request) {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, "invalid resources/read params"))
		return
	}

	def, values, err := matchResource(s.config.Resources, params.URI)
	if err != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, err.Error()))
		return
	}

	res, execErr := runCommand(ctx, def.Command, s.config.ResolveCwd(def.Cwd), nil, spawnPayload{Tool: def.Name, Input: values}, func(func()) {})
	if execErr != nil {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, execErr.Error()))
		return
	}
	if res.Code != 0 {
		writeJSONRPC(w, mcpwire.ErrorResponse(req.ID, mcpwire.CodeInternal, res.Stderr))
		return
	}
	writeJSONRPC(w, mcpwire.ResultResponse(req.ID, map[string]any{
		"contents": []map[string]string{{"uri": params.URI, "mimeType": def.MimeType, "text": res.Stdout}},
	}))
}

func anyFromArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func writeJSONRPC(w http.ResponseWriter, resp mcpwire.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		obs.L().Debug("mcpserver: replying with error", zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
	}
	_ = json.NewEncoder(w).Encode(resp)
}
