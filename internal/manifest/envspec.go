package manifest

import (
	"encoding/json"
	"strings"

	"ploinky/internal/errs"
)

// EnvEntry is one declared env requirement: a bare required name, a
// "NAME=default" literal, or (detected by the envsecrets package) a
// wildcard pattern containing "*".
type EnvEntry struct {
	Name       string
	Default    string
	HasDefault bool
}

// IsWildcard reports whether this entry is a pattern rather than a literal
// name.
func (e EnvEntry) IsWildcard() bool { return strings.Contains(e.Name, "*") }

// EnvSpec is manifest.env or a profile overlay's env, which may be
// authored as either a JSON array or a JSON object.
type EnvSpec struct {
	Entries []EnvEntry
}

// UnmarshalJSON accepts both forms documented in §3:
//   - array of strings: required names, "NAME=default" literals, or "*"
//     wildcard patterns.
//   - object: name -> default value.
func (s *EnvSpec) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		s.Entries = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return errs.Wrap(errs.Validation, "parse env list", err)
		}
		entries := make([]EnvEntry, 0, len(list))
		for _, raw := range list {
			entries = append(entries, parseEnvListItem(raw))
		}
		s.Entries = entries
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return errs.Wrap(errs.Validation, "parse env map", err)
	}
	entries := make([]EnvEntry, 0, len(obj))
	for name, def := range obj {
		entries = append(entries, EnvEntry{Name: name, Default: def, HasDefault: true})
	}
	s.Entries = entries
	return nil
}

func parseEnvListItem(raw string) EnvEntry {
	if idx := strings.Index(raw, "="); idx >= 0 {
		return EnvEntry{Name: raw[:idx], Default: raw[idx+1:], HasDefault: true}
	}
	return EnvEntry{Name: raw}
}

// StringOrList represents a manifest field that may be authored as either
// a single command string or an array of commands (preinstall).
type StringOrList struct {
	Values []string
}

func (s *StringOrList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		s.Values = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return errs.Wrap(errs.Validation, "parse string list", err)
		}
		s.Values = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return errs.Wrap(errs.Validation, "parse string", err)
	}
	if one == "" {
		s.Values = nil
		return nil
	}
	s.Values = []string{one}
	return nil
}

func (s StringOrList) MarshalJSON() ([]byte, error) {
	if len(s.Values) == 1 {
		return json.Marshal(s.Values[0])
	}
	return json.Marshal(s.Values)
}
