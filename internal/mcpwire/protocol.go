// Package mcpwire defines the JSON-RPC 2.0 envelope and method names
// shared by the MCP aggregator client (inside the router) and the agent
// MCP server, replacing the teacher's dynamically-loaded SDK with a
// single strongly-typed implementation per the Design Notes in spec.md §9.
package mcpwire

import "encoding/json"

// Method names required by §6.
const (
	MethodInitialize        = "initialize"
	MethodInitializedNotify = "notifications/initialized"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodResourcesRead     = "resources/read"
	MethodPromptsList       = "prompts/list"
	MethodPing              = "ping"
)

// Reserved JSON-RPC error codes per §6.
const (
	CodeSessionMissing = -32000
	CodeInternal       = -32603
)

// SessionHeader is the header name carrying the server-issued MCP session
// id on every request after initialize.
const SessionHeader = "mcp-session-id"

// Request is one JSON-RPC 2.0 request/notification envelope. Notifications
// omit ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id and therefore
// expects no response.
func (r Request) IsNotification() bool { return r.ID == nil }

// Response is one JSON-RPC 2.0 response envelope; exactly one of Result or
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// NewRequest builds a request envelope with the given id.
func NewRequest(id int64, method string, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, err
	}
	return Request{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope (no id, no response
// expected).
func NewNotification(method string, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, err
	}
	return Request{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// ResultResponse builds a successful response.
func ResultResponse(id *int64, result any) Response {
	raw, _ := json.Marshal(result)
	return Response{JSONRPC: "2.0", ID: id, Result: raw}
}

// ErrorResponse builds an error response.
func ErrorResponse(id *int64, code int, message string) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}}
}

// Content is one MCP content block, as returned by tools/call results.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCallResult is the tools/call success payload.
type ToolCallResult struct {
	Content  []Content      `json:"content"`
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool describes one registered tool as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Agent       string          `json:"agent,omitempty"` // annotated by the aggregator, absent on the wire from a single agent
}

// Resource describes one registered resource template as returned by
// resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Agent       string `json:"agent,omitempty"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ServerInfo identifies the responding MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
