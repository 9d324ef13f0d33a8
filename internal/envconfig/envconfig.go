// Package envconfig provides the environment-variable configuration
// helpers shared by the ploinky-ctl and ploinky-agent-mcp binaries:
// envOr/boolEnv/intEnv/durationEnv, the same small idiom the router main
// uses, lifted here so every entrypoint reads config the same way
// without reaching for a config framework.
package envconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the named env var, or def if unset/empty.
func StringOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Bool parses a handful of truthy/falsy spellings, falling back to def on
// anything else (including unset).
func Bool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// Int parses the named env var as an integer, falling back to def when
// unset or unparsable.
func Int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

// Duration parses the named env var with time.ParseDuration, falling
// back to def when unset, unparsable, or non-positive.
func Duration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
