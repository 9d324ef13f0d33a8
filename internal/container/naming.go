package container

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// sanitize lowercases and collapses any run of non-alphanumeric
// characters to a single underscore, matching the teacher's container
// naming idiom (DyadContainerName) generalized to workspace basenames.
func sanitize(s string) string {
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	return strings.ToLower(s)
}

// hash6 returns the first six hex characters of SHA-256(workspaceRoot).
func hash6(workspaceRoot string) string {
	sum := sha256.Sum256([]byte(workspaceRoot))
	return hex.EncodeToString(sum[:])[:6]
}

// ContainerName computes the deterministic name from §3:
// ploinky_<sanitize(basename(workspaceRoot))>_<hash6(workspaceRoot)>_agent_<shortName>.
// It depends only on workspace identity and the agent's short name, never
// on PID or time, so it survives process restarts.
func ContainerName(workspaceRoot, shortName string) string {
	proj := sanitize(filepath.Base(filepath.Clean(workspaceRoot)))
	return "ploinky_" + proj + "_" + hash6(workspaceRoot) + "_agent_" + sanitize(shortName)
}

// Labels returns the fixed label set every ploinky-managed container
// carries, used by ListByLabels to rediscover state without depending on
// container names alone.
func Labels(workspaceRoot, shortName string) map[string]string {
	return map[string]string{
		"ploinky.workspace": hash6(workspaceRoot),
		"ploinky.agent":     sanitize(shortName),
		"ploinky.managed":   "true",
	}
}
