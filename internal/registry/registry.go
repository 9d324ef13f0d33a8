// Package registry persists the set of enabled AgentRecords for a
// workspace: one JSON file, one record per enabled agent, read-modify-write
// under an atomic temp-file-then-rename sequence.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ploinky/internal/container"
	"ploinky/internal/errs"
	"ploinky/internal/manifest"
)

// Record is one persisted AgentRecord (§3).
type Record struct {
	ShortName     string    `json:"shortName"`
	RepoName      string    `json:"repoName"`
	Alias         string    `json:"alias,omitempty"`
	ContainerName string    `json:"containerName"`
	ContainerImage string   `json:"containerImage"`
	ProjectPath   string    `json:"projectPath"`
	Profile       string    `json:"profile"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Registry is the in-memory view of the agents.json file, keyed by
// shortName.
type Registry struct {
	path    string
	records map[string]*Record
}

// Load reads the registry file, returning an empty Registry (not an
// error) if the file does not yet exist.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- workspace-scoped path
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{path: path, records: map[string]*Record{}}, nil
		}
		return nil, errs.Wrap(errs.Fatal, "read agent registry", err)
	}
	var list []*Record
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse agent registry", err)
	}
	m := make(map[string]*Record, len(list))
	for _, r := range list {
		m[r.ShortName] = r
	}
	return &Registry{path: path, records: m}, nil
}

// List returns every record, sorted by shortName for deterministic
// listings.
func (r *Registry) List() []*Record {
	names := make([]string, 0, len(r.records))
	for n := range r.records {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Record, 0, len(names))
	for _, n := range names {
		out = append(out, r.records[n])
	}
	return out
}

// Get looks up a record by short name, returning nil if absent.
func (r *Registry) Get(shortName string) *Record { return r.records[shortName] }

// ByAlias finds a record by its alias; nil if no record carries it.
func (r *Registry) ByAlias(alias string) *Record {
	if alias == "" {
		return nil
	}
	for _, rec := range r.records {
		if rec.Alias == alias {
			return rec
		}
	}
	return nil
}

// Enable inserts (or replaces) the record for shortName. It enforces the
// alias-uniqueness invariant: a non-empty alias already claimed by a
// different agent is a Conflict.
func (r *Registry) Enable(workspaceRoot, shortName, repoName, alias, containerImage, projectPath string, profile manifest.Profile) (*Record, error) {
	if alias != "" {
		if existing := r.ByAlias(alias); existing != nil && existing.ShortName != shortName {
			return nil, errs.New(errs.Conflict, "alias "+alias+" already used by agent "+existing.ShortName)
		}
	}
	rec := &Record{
		ShortName:      shortName,
		RepoName:       repoName,
		Alias:          alias,
		ContainerName:  container.ContainerName(workspaceRoot, shortName),
		ContainerImage: containerImage,
		ProjectPath:    projectPath,
		Profile:        string(profile),
		CreatedAt:      time.Now().UTC(),
	}
	if existing, ok := r.records[shortName]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	r.records[shortName] = rec
	return rec, r.save()
}

// Disable removes shortName's record. hasLiveContainer must be supplied by
// the caller (the registry itself does not talk to the container
// runtime): disabling an agent with a live container is a Conflict per
// §7.
func (r *Registry) Disable(shortName string, hasLiveContainer bool) error {
	if _, ok := r.records[shortName]; !ok {
		return errs.New(errs.NotFound, "agent not enabled: "+shortName)
	}
	if hasLiveContainer {
		return errs.New(errs.Conflict, "agent "+shortName+" has a live container; stop it before disabling")
	}
	delete(r.records, shortName)
	return r.save()
}

func (r *Registry) save() error {
	list := r.List()
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Fatal, "marshal agent registry", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.Fatal, "create registry directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-agents-*")
	if err != nil {
		return errs.Wrap(errs.Fatal, "create temp registry file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "write temp registry file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "close temp registry file", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.Fatal, "rename temp registry file", err)
	}
	return nil
}

// ListView is the shape returned by the ploinky-ctl `list` subcommand:
// {name, repo, enabled}.
type ListView struct {
	Name    string `json:"name"`
	Repo    string `json:"repo"`
	Enabled bool   `json:"enabled"`
}

// ListAgents projects every record into the public listing shape.
func (r *Registry) ListAgents() []ListView {
	recs := r.List()
	out := make([]ListView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ListView{Name: rec.ShortName, Repo: rec.RepoName, Enabled: true})
	}
	return out
}
