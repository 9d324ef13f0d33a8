// Package depprep merges a global dependency manifest with an agent's own
// and emits the shell snippet that the container entrypoint runs to
// materialize dependencies before the main command starts.
package depprep

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"ploinky/internal/errs"
)

// Manifest is a package-name -> version-constraint map, shared shape for
// both the global and the per-agent dependency files.
type Manifest map[string]string

// LoadManifest reads a dependency manifest JSON file, returning an empty
// Manifest (not an error) if the file is absent.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- workspace-scoped path
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return nil, errs.Wrap(errs.Fatal, "read dependency manifest "+path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse dependency manifest "+path, err)
	}
	return m, nil
}

// Merge combines the global manifest with the agent's own; agent entries
// win on version conflicts.
func Merge(global, agent Manifest) Manifest {
	out := make(Manifest, len(global)+len(agent))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range agent {
		out[k] = v
	}
	return out
}

// WriteMerged stages the merged manifest in the agent's working directory.
func WriteMerged(workingDir string, merged Manifest) (string, error) {
	path := filepath.Join(workingDir, "dependencies.json")
	names := make([]string, 0, len(merged))
	for n := range merged {
		names = append(names, n)
	}
	sort.Strings(names)
	ordered := make(map[string]string, len(merged))
	for _, n := range names {
		ordered[n] = merged[n]
	}
	raw, err := json.MarshalIndent(ordered, "", "  ")
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "marshal merged dependency manifest", err)
	}
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return "", errs.Wrap(errs.Fatal, "create agent working directory", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return "", errs.Wrap(errs.Fatal, "write merged dependency manifest", err)
	}
	return path, nil
}

// InstallSnippet builds the shell fragment that the container entrypoint
// runs before the manifest's own install command: ensure git and a C
// toolchain are present (whichever package manager exists wins), then
// install anchored at workingDir.
func InstallSnippet(workingDir string) string {
	return fmt.Sprintf(`
if command -v apt-get >/dev/null 2>&1; then
  apt-get update -qq && apt-get install -y -qq git build-essential >/dev/null 2>&1 || true
elif command -v apk >/dev/null 2>&1; then
  apk add --no-cache git build-base >/dev/null 2>&1 || true
elif command -v yum >/dev/null 2>&1; then
  yum install -y -q git gcc gcc-c++ make >/dev/null 2>&1 || true
fi
cd %q && if [ -f dependencies.json ]; then ploinky-install-deps dependencies.json; fi
`, workingDir)
}

// AssembleEntrypoint wraps the effective main command with the install
// snippet and the manifest's own install command, eliding empty pieces,
// per §4.E: "cd /code && <install-snippet> && <manifest-install> && <main-command>".
func AssembleEntrypoint(codeDir, installSnippet, manifestInstall, mainCommand string) string {
	parts := []string{fmt.Sprintf("cd %s", codeDir)}
	if installSnippet != "" {
		parts = append(parts, installSnippet)
	}
	if manifestInstall != "" {
		parts = append(parts, manifestInstall)
	}
	parts = append(parts, mainCommand)
	out := parts[0]
	for _, p := range parts[1:] {
		out += " && " + p
	}
	return out
}
