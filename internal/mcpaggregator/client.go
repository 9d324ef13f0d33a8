// Package mcpaggregator maintains one JSON-RPC session per agent and
// fans out list_tools/list_resources/callTool across the whole agent
// set, the client-side counterpart to internal/mcpserver.
package mcpaggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ploinky/internal/errs"
	"ploinky/internal/mcpwire"
	"ploinky/internal/obs"
)

// AgentEndpoint names one agent's reachable MCP server.
type AgentEndpoint struct {
	Name string // short name
	URL  string // e.g. "http://localhost:7001"
}

// agentSession tracks one agent's JSON-RPC session lifecycle: its
// session id, whether SSE streaming is known to be unsupported (405),
// and a monotonically increasing request id per §4.I's ordering
// guarantee.
type agentSession struct {
	mu             sync.Mutex
	sessionID      string
	initialized    bool
	streamDisabled bool
	nextID         int64
}

// Client is the router's aggregator: one HTTP client, one session map
// keyed by agent name.
type Client struct {
	httpClient *http.Client
	endpoints  map[string]AgentEndpoint

	mu       sync.Mutex
	sessions map[string]*agentSession
}

// New builds an aggregator over the given agent endpoints.
func New(endpoints []AgentEndpoint, timeout time.Duration) *Client {
	byName := make(map[string]AgentEndpoint, len(endpoints))
	for _, e := range endpoints {
		byName[e.Name] = e
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  byName,
		sessions:   map[string]*agentSession{},
	}
}

func (c *Client) sessionFor(agent string) *agentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[agent]
	if !ok {
		s = &agentSession{}
		c.sessions[agent] = s
	}
	return s
}

// ensureInitialized performs initialize + notifications/initialized on
// first use per §4.I steps 1-2.
func (c *Client) ensureInitialized(ctx context.Context, agent string) error {
	s := c.sessionFor(agent)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	ep, ok := c.endpoints[agent]
	if !ok {
		return errs.New(errs.NotFound, "unknown agent "+agent)
	}

	id := atomic.AddInt64(&s.nextID, 1)
	req, err := mcpwire.NewRequest(id, mcpwire.MethodInitialize, map[string]any{})
	if err != nil {
		return err
	}
	resp, sessionID, err := c.send(ctx, ep.URL, req, "")
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return errs.New(errs.Unavailable, "initialize "+agent+": "+resp.Error.Message)
	}
	s.sessionID = sessionID

	notify, err := mcpwire.NewNotification(mcpwire.MethodInitializedNotify, map[string]any{})
	if err != nil {
		return err
	}
	if _, _, err := c.send(ctx, ep.URL, notify, s.sessionID); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (c *Client) send(ctx context.Context, url string, req mcpwire.Request, sessionID string) (mcpwire.Response, string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return mcpwire.Response{}, "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/mcp", bytes.NewReader(raw))
	if err != nil {
		return mcpwire.Response{}, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set(mcpwire.SessionHeader, sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return mcpwire.Response{}, "", errs.Wrap(errs.Unavailable, "call agent at "+url, err)
	}
	defer resp.Body.Close()

	if req.IsNotification() {
		return mcpwire.Response{}, resp.Header.Get(mcpwire.SessionHeader), nil
	}

	var out mcpwire.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return mcpwire.Response{}, "", errs.Wrap(errs.Unavailable, "decode response from "+url, err)
	}
	return out, resp.Header.Get(mcpwire.SessionHeader), nil
}

func (c *Client) call(ctx context.Context, agent, method string, params any) (mcpwire.Response, error) {
	if err := c.ensureInitialized(ctx, agent); err != nil {
		return mcpwire.Response{}, err
	}
	s := c.sessionFor(agent)
	s.mu.Lock()
	id := atomic.AddInt64(&s.nextID, 1)
	sessionID := s.sessionID
	s.mu.Unlock()

	req, err := mcpwire.NewRequest(id, method, params)
	if err != nil {
		return mcpwire.Response{}, err
	}
	ep := c.endpoints[agent]
	resp, _, err := c.send(ctx, ep.URL, req, sessionID)
	return resp, err
}

// ListTools fans out tools/list to every known agent, merging results
// and annotating each tool with its source agent. Per-agent errors are
// logged and skipped rather than aborting the whole call.
func (c *Client) ListTools(ctx context.Context) []mcpwire.Tool {
	var all []mcpwire.Tool
	for name := range c.endpoints {
		resp, err := c.call(ctx, name, mcpwire.MethodToolsList, map[string]any{})
		if err != nil || resp.Error != nil {
			obs.L().Warn("mcpaggregator: list_tools failed", zap.String("agent", name), zap.Error(err))
			continue
		}
		var body struct {
			Tools []mcpwire.Tool `json:"tools"`
		}
		if err := json.Unmarshal(resp.Result, &body); err != nil {
			continue
		}
		for _, t := range body.Tools {
			t.Agent = name
			all = append(all, t)
		}
	}
	return all
}

// ListResources fans out resources/list the same way ListTools does.
func (c *Client) ListResources(ctx context.Context) []mcpwire.Resource {
	var all []mcpwire.Resource
	for name := range c.endpoints {
		resp, err := c.call(ctx, name, mcpwire.MethodResourcesList, map[string]any{})
		if err != nil || resp.Error != nil {
			obs.L().Warn("mcpaggregator: list_resources failed", zap.String("agent", name), zap.Error(err))
			continue
		}
		var body struct {
			Resources []mcpwire.Resource `json:"resources"`
		}
		if err := json.Unmarshal(resp.Result, &body); err != nil {
			continue
		}
		for _, r := range body.Resources {
			r.Agent = name
			all = append(all, r)
		}
	}
	return all
}

// resolveAgent implements the unique-name routing rule from §4.I
// callTool: explicit agent wins; otherwise look up name in the live
// tools/list union.
func (c *Client) resolveAgent(ctx context.Context, name, explicitAgent string) (string, error) {
	if explicitAgent != "" {
		return explicitAgent, nil
	}
	var matches []string
	for _, t := range c.ListTools(ctx) {
		if t.Name == name {
			matches = append(matches, t.Agent)
		}
	}
	switch len(matches) {
	case 0:
		return "", errs.New(errs.NotFound, "tool not found: "+name)
	case 1:
		return matches[0], nil
	default:
		return "", errs.New(errs.Ambiguous, "tool "+name+" is ambiguous across agents: "+strings.Join(matches, ", "))
	}
}

// CallTool routes a tools/call to the resolved agent, then if the
// response carries metadata.taskId, polls until the task terminates.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, explicitAgent string) (mcpwire.ToolCallResult, error) {
	agent, err := c.resolveAgent(ctx, name, explicitAgent)
	if err != nil {
		return mcpwire.ToolCallResult{}, err
	}

	resp, err := c.call(ctx, agent, mcpwire.MethodToolsCall, map[string]any{"name": name, "arguments": args})
	if err != nil {
		return mcpwire.ToolCallResult{}, err
	}
	if resp.Error != nil {
		return mcpwire.ToolCallResult{}, errs.New(errs.Unavailable, resp.Error.Message)
	}

	var result mcpwire.ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return mcpwire.ToolCallResult{}, errs.Wrap(errs.Unavailable, "decode tools/call result", err)
	}

	taskID, _ := result.Metadata["taskId"].(string)
	if taskID == "" {
		return annotateAgent(result, agent), nil
	}
	result, err = c.pollTask(ctx, agent, taskID)
	if err != nil {
		return mcpwire.ToolCallResult{}, err
	}
	return annotateAgent(result, agent), nil
}

// annotateAgent stamps metadata.agent on result, satisfying §8's "any
// successful callTool returns a response whose metadata.agent equals the
// routed agent" invariant for both the synchronous and polled paths.
func annotateAgent(result mcpwire.ToolCallResult, agent string) mcpwire.ToolCallResult {
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["agent"] = agent
	return result
}

// pollTask implements the 30s-interval polling state machine from §4.I.
func (c *Client) pollTask(ctx context.Context, agent, taskID string) (mcpwire.ToolCallResult, error) {
	ep, ok := c.endpoints[agent]
	if !ok {
		return mcpwire.ToolCallResult{}, errs.New(errs.NotFound, "unknown agent "+agent)
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	check := func() (mcpwire.ToolCallResult, bool, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL+"/getTaskStatus?taskId="+taskID, nil)
		if err != nil {
			return mcpwire.ToolCallResult{}, false, err
		}
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return mcpwire.ToolCallResult{}, false, errs.Wrap(errs.Unavailable, "poll task status", err)
		}
		defer resp.Body.Close()
		var task struct {
			Status string                  `json:"status"`
			Error  string                  `json:"error"`
			Result *mcpwire.ToolCallResult `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
			return mcpwire.ToolCallResult{}, false, err
		}
		switch task.Status {
		case "completed":
			if task.Result != nil {
				return *task.Result, true, nil
			}
			return mcpwire.ToolCallResult{}, true, nil
		case "failed":
			return mcpwire.ToolCallResult{}, true, errs.New(errs.Unavailable, task.Error)
		default:
			return mcpwire.ToolCallResult{}, false, nil
		}
	}

	if result, done, err := check(); done {
		return result, err
	}
	for {
		select {
		case <-ctx.Done():
			return mcpwire.ToolCallResult{}, ctx.Err()
		case <-ticker.C:
			result, done, err := check()
			if done {
				return result, err
			}
		}
	}
}

// Ping issues a direct ping call to agent, returning true on success.
func (c *Client) Ping(ctx context.Context, agent string) bool {
	resp, err := c.call(ctx, agent, mcpwire.MethodPing, map[string]any{})
	return err == nil && resp.Error == nil
}
