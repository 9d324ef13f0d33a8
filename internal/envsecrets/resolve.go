package envsecrets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ploinky/internal/errs"
	"ploinky/internal/manifest"
)

// Store holds the three resolution sources in precedence order: workspace
// secrets file, process environment, workspace .env file.
type Store struct {
	secretsPath string
	secrets     map[string]string
	process     map[string]string
	dotenv      map[string]string
	ageIdentity string
}

// Load reads the workspace secrets file and .env file and snapshots the
// process environment. ageIdentity, if non-empty, is used to transparently
// decrypt "enc:v1:..." envelope values found in the secrets file; values
// that are not encrypted pass through unchanged regardless.
func Load(workspaceRoot, secretsPath string, ageIdentity string) (*Store, error) {
	secrets, err := readDotenvFile(secretsPath)
	if err != nil {
		return nil, err
	}
	dotenv, err := readDotenvFile(filepath.Join(workspaceRoot, ".env"))
	if err != nil {
		return nil, err
	}
	process := map[string]string{}
	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx >= 0 {
			process[kv[:idx]] = kv[idx+1:]
		}
	}
	return &Store{secretsPath: secretsPath, secrets: secrets, process: process, dotenv: dotenv, ageIdentity: ageIdentity}, nil
}

// SetSecret persists one KEY=VALUE pair to the workspace secrets file,
// atomically rewriting the whole file (write-to-temp + rename).
func (s *Store) SetSecret(name, value string) error {
	s.secrets[name] = value
	return writeDotenvFileAtomic(s.secretsPath, s.secrets)
}

// rawLookup resolves one literal name against the three sources in
// precedence order, without following alias chains.
func (s *Store) rawLookup(name string) (string, bool) {
	if v, ok := s.secrets[name]; ok {
		if IsEncrypted(v) {
			plain, err := DecryptValue(v, s.ageIdentity)
			if err != nil {
				return "", false
			}
			return plain, true
		}
		return v, true
	}
	if v, ok := s.process[name]; ok {
		return v, true
	}
	if v, ok := s.dotenv[name]; ok {
		return v, true
	}
	return "", false
}

// resolveAlias follows a "$NAME" indirection chain to its literal value,
// reporting a cycle rather than looping forever.
func (s *Store) resolveAlias(name string) (string, bool, error) {
	seen := map[string]bool{}
	current := name
	for {
		val, ok := s.rawLookup(current)
		if !ok {
			return "", false, nil
		}
		if !strings.HasPrefix(val, "$") {
			return val, true, nil
		}
		next := strings.TrimPrefix(val, "$")
		if seen[next] {
			return "", false, errs.New(errs.Validation, "alias cycle detected resolving "+name)
		}
		seen[next] = true
		current = next
	}
}

// names returns the union of all names known across the three sources,
// used as the candidate universe for wildcard expansion.
func (s *Store) names() []string {
	set := map[string]bool{}
	for k := range s.secrets {
		set[k] = true
	}
	for k := range s.process {
		set[k] = true
	}
	for k := range s.dotenv {
		set[k] = true
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KV is one resolved environment entry ready for injection.
type KV struct {
	Name  string
	Value string
}

// ResolveEntries expands and resolves a full EnvSpec (manifest or profile
// overlay env), returning a sorted, deduplicated set of KV pairs. Missing
// required values (non-wildcard entries with no default and no resolvable
// source) are aggregated into a single Validation error naming every
// missing entry.
func (s *Store) ResolveEntries(spec manifest.EnvSpec) ([]KV, error) {
	explicit := map[string]bool{}
	for _, e := range spec.Entries {
		if !e.IsWildcard() {
			explicit[e.Name] = true
		}
	}

	result := map[string]string{}
	var missing []string

	for _, e := range spec.Entries {
		if e.IsWildcard() {
			for _, name := range ExpandWildcard(e.Name, s.names(), explicit) {
				val, ok, err := s.resolveAlias(name)
				if err != nil {
					return nil, err
				}
				if ok {
					result[name] = val
				}
			}
			continue
		}
		val, ok, err := s.resolveAlias(e.Name)
		if err != nil {
			return nil, err
		}
		if !ok && e.HasDefault {
			val, ok = e.Default, true
		}
		if !ok {
			missing = append(missing, e.Name)
			continue
		}
		result[e.Name] = val
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errs.New(errs.Validation, "missing required env: "+strings.Join(missing, ", "))
	}

	names := make([]string, 0, len(result))
	for n := range result {
		names = append(names, n)
	}
	sort.Strings(names)
	kvs := make([]KV, 0, len(names))
	for _, n := range names {
		kvs = append(kvs, KV{Name: n, Value: result[n]})
	}
	return kvs, nil
}

// RenderDockerFlags renders resolved entries as "-e NAME=VALUE" argument
// pairs, shell-escaping values that contain whitespace or shell
// metacharacters.
func RenderDockerFlags(kvs []KV) []string {
	flags := make([]string, 0, len(kvs)*2)
	for _, kv := range kvs {
		flags = append(flags, "-e", kv.Name+"="+shellEscapeIfNeeded(kv.Value))
	}
	return flags
}

func shellEscapeIfNeeded(v string) string {
	if v == "" {
		return v
	}
	if !strings.ContainsAny(v, " \t\n\"'\\$`!*?[](){}|&;<>~") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
