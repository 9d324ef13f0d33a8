// Package mcpserver implements the long-lived per-agent JSON-RPC MCP
// endpoint: it loads a declarative tool/resource/prompt configuration,
// validates tool inputs, spawns subprocesses to execute tools
// synchronously, and defers long-running tools to a persistent task
// queue.
package mcpserver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"ploinky/internal/errs"
)

// ToolDef is one tools[i] entry of the MCP configuration.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Command     string          `json:"command"`
	Cwd         string          `json:"cwd,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Async       bool            `json:"async,omitempty"`
	TimeoutMs   int64           `json:"timeoutMs,omitempty"`

	schema *Schema // compiled by Config.compile when LoadConfig reads the file
}

// ResourceDef is one resources[i] entry: a URI template with "{param}"
// placeholders bound to a command that resolves the concrete URI.
type ResourceDef struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Command     string `json:"command"`
	Cwd         string `json:"cwd,omitempty"`
}

// PromptDef is one prompts[i] entry.
type PromptDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Command     string `json:"command,omitempty"`
}

// Config is the loaded declarative tool/resource/prompt configuration.
type Config struct {
	Tools     []ToolDef     `json:"tools,omitempty"`
	Resources []ResourceDef `json:"resources,omitempty"`
	Prompts   []PromptDef   `json:"prompts,omitempty"`
	ConfigDir string        `json:"-"` // directory the config file was read from, used to resolve relative cwd
}

// DefaultConfigCandidates is the fixed, ordered list of config file paths
// probed when no explicit override is given, per §4.J.
var DefaultConfigCandidates = []string{
	"/tmp/ploinky/mcp-config.json",
	"/code/mcp-config.json",
	"./mcp-config.json",
}

// LoadConfig reads the first readable JSON file from explicitPath (if
// non-empty) followed by DefaultConfigCandidates. An absent file yields an
// empty Config (not an error): the server still starts and replies to
// initialize/ping but exposes no tools.
func LoadConfig(explicitPath string) (*Config, error) {
	candidates := DefaultConfigCandidates
	if strings.TrimSpace(explicitPath) != "" {
		candidates = append([]string{explicitPath}, candidates...)
	}
	for _, path := range candidates {
		raw, err := os.ReadFile(path) // #nosec G304 -- fixed candidate list, agent-scoped
		if err != nil {
			continue
		}
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errs.Wrap(errs.Validation, "parse mcp config "+path, err)
		}
		cfg.ConfigDir = filepath.Dir(path)
		if err := cfg.compile(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return &Config{}, nil
}

// compile skips tools without a name (required, silently dropped per
// §4.J), rejects tools without a command, and pre-compiles each tool's
// input-schema validator.
func (c *Config) compile() error {
	kept := make([]ToolDef, 0, len(c.Tools))
	for _, t := range c.Tools {
		if strings.TrimSpace(t.Name) == "" {
			continue
		}
		if strings.TrimSpace(t.Command) == "" {
			return errs.New(errs.Validation, "tool "+t.Name+" missing required command")
		}
		if len(t.InputSchema) > 0 {
			schema, err := CompileSchema(t.InputSchema)
			if err != nil {
				return errs.Wrap(errs.Validation, "compile schema for tool "+t.Name, err)
			}
			t.schema = schema
		}
		kept = append(kept, t)
	}
	c.Tools = kept
	return nil
}

// ToolByName looks up a tool by name, nil if absent.
func (c *Config) ToolByName(name string) *ToolDef {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i]
		}
	}
	return nil
}

// ResolveCwd resolves a tool/resource's working directory: "workspace"
// means the process's current working directory, empty means the
// config's own directory, anything else is used as-is (relative entries
// are joined to ConfigDir).
func (c *Config) ResolveCwd(cwd string) string {
	switch {
	case cwd == "workspace":
		wd, err := os.Getwd()
		if err != nil {
			return c.ConfigDir
		}
		return wd
	case cwd == "":
		return c.ConfigDir
	case filepath.IsAbs(cwd):
		return cwd
	default:
		return filepath.Join(c.ConfigDir, cwd)
	}
}
