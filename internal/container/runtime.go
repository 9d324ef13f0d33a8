package container

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strings"

	"github.com/docker/docker/client"

	"ploinky/internal/errs"
)

// Runtime names the OCI-compatible CLI/socket that was selected.
type Runtime struct {
	Name string // "docker" | "podman" | "nerdctl"
	Host string // Docker Engine API host, e.g. "unix:///var/run/docker.sock"
}

// runtimeProbeOrder is the fixed probing order from §4.E: first on PATH
// that also answers a ping wins.
var runtimeProbeOrder = []string{"docker", "podman", "nerdctl"}

// DetectRuntime probes for an available OCI-compatible CLI in the fixed
// order, returning a clear error if none is present. The detected host is
// whatever socket the runtime's own environment conventions point at
// (DOCKER_HOST, a rootless podman socket, or the platform default),
// falling back to a Colima-style auto-detected socket when the default is
// silent.
func DetectRuntime() (Runtime, error) {
	var tried []string
	for _, name := range runtimeProbeOrder {
		if _, err := exec.LookPath(name); err != nil {
			continue
		}
		host := hostForRuntime(name)
		tried = append(tried, name+" ("+host+")")
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		pingErr := pingClient(cli)
		_ = cli.Close()
		if pingErr != nil {
			continue
		}
		return Runtime{Name: name, Host: host}, nil
	}
	return Runtime{}, errs.New(errs.Unavailable, "no responsive OCI-compatible container runtime found on PATH (tried docker, podman, nerdctl); checked: "+strings.Join(tried, ", "))
}

func hostForRuntime(name string) string {
	if h := strings.TrimSpace(os.Getenv("DOCKER_HOST")); h != "" {
		return h
	}
	switch name {
	case "podman":
		if h, ok := podmanRootlessSocket(); ok {
			return h
		}
		return "unix:///run/podman/podman.sock"
	case "nerdctl":
		return "unix:///run/containerd/containerd.sock"
	default:
		if h, ok := AutoDockerHost(); ok {
			return h
		}
		return "unix:///var/run/docker.sock"
	}
}

func podmanRootlessSocket() (string, bool) {
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		candidate := filepath.Join(dir, "podman", "podman.sock")
		if socketExists(candidate) {
			return "unix://" + candidate, true
		}
	}
	return "", false
}

// AutoDockerHost discovers an alternate Docker Engine API socket
// (Colima, on macOS) when DOCKER_HOST/DOCKER_CONTEXT are unset and the
// default socket does not exist.
func AutoDockerHost() (string, bool) {
	if os.Getenv("DOCKER_HOST") != "" {
		return "", false
	}
	if strings.TrimSpace(os.Getenv("DOCKER_CONTEXT")) != "" {
		return "", false
	}
	if socketExists("/var/run/docker.sock") {
		return "", false
	}
	return detectColimaHost()
}

func detectColimaHost() (string, bool) {
	if goruntime.GOOS != "darwin" {
		return "", false
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "", false
	}
	colimaHome := strings.TrimSpace(os.Getenv("COLIMA_HOME"))
	if colimaHome == "" {
		colimaHome = filepath.Join(home, ".colima")
	}
	profiles := colimaProfileCandidates(home)
	if host, ok := detectColimaHostForProfiles(colimaHome, profiles); ok {
		return host, true
	}
	entries, readErr := os.ReadDir(colimaHome)
	if readErr != nil {
		return "", false
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, strings.TrimSpace(entry.Name()))
		}
	}
	sort.Strings(names)
	return detectColimaHostForProfiles(colimaHome, names)
}

func detectColimaHostForProfiles(colimaHome string, profiles []string) (string, bool) {
	for _, profile := range profiles {
		p := strings.TrimSpace(profile)
		if p == "" {
			continue
		}
		candidate := filepath.Join(colimaHome, p, "docker.sock")
		if socketExists(candidate) {
			return "unix://" + candidate, true
		}
	}
	return "", false
}

func colimaProfileCandidates(home string) []string {
	seen := map[string]bool{}
	var out []string
	push := func(value string) {
		name := strings.TrimSpace(value)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	push(os.Getenv("COLIMA_PROFILE"))
	push(os.Getenv("COLIMA_INSTANCE"))
	if current := dockerCurrentContext(home); current != "" {
		if profile, ok := colimaProfileFromDockerContext(current); ok {
			push(profile)
		}
	}
	push("default")
	return out
}

func dockerCurrentContext(home string) string {
	if home == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".docker", "config.json"))
	if err != nil {
		return ""
	}
	var payload struct {
		CurrentContext string `json:"currentContext"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.CurrentContext)
}

func colimaProfileFromDockerContext(contextName string) (string, bool) {
	name := strings.TrimSpace(contextName)
	switch {
	case name == "colima":
		return "default", true
	case strings.HasPrefix(name, "colima-"):
		if profile := strings.TrimPrefix(name, "colima-"); profile != "" {
			return profile, true
		}
	}
	return "", false
}

func socketExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSocket != 0
}
