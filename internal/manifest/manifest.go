// Package manifest parses agent manifests and resolves profile overlays
// into an effective configuration: command, env, mount modes, hooks, and
// health probes.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ploinky/internal/errs"
)

// Profile is one of the closed set dev|qa|prod.
type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileQA   Profile = "qa"
	ProfileProd Profile = "prod"
)

// ValidProfile rejects any name outside the closed set.
func ValidProfile(name string) (Profile, error) {
	switch Profile(name) {
	case ProfileDev, ProfileQA, ProfileProd:
		return Profile(name), nil
	case "":
		return ProfileDev, nil
	default:
		return "", errs.New(errs.Validation, fmt.Sprintf("unknown profile %q", name))
	}
}

// Probe describes one liveness or readiness probe.
type Probe struct {
	Script           string `json:"script"`
	IntervalSeconds  int    `json:"interval"`
	TimeoutSeconds   int    `json:"timeout"`
	FailureThreshold int    `json:"failureThreshold"`
	SuccessThreshold int    `json:"successThreshold"`
}

// Health groups the liveness and readiness probe definitions.
type Health struct {
	Liveness  *Probe `json:"liveness,omitempty"`
	Readiness *Probe `json:"readiness,omitempty"`
}

// VolumeMount is one manifest.volumes entry: host path -> container path.
type VolumeMount struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

// MountModes overrides the profile-default read/write mode per mount.
type MountModes struct {
	Code   string `json:"code,omitempty"`   // "rw" | "ro"
	Skills string `json:"skills,omitempty"` // "rw" | "ro"
}

// ProfileOverlay is one entry of manifest.profiles. Per spec, env
// *replaces* the manifest's top-level env when the overlay is active;
// hooks augment rather than replace.
type ProfileOverlay struct {
	Env         EnvSpec           `json:"env,omitempty"`
	Secrets     []string          `json:"secrets,omitempty"`
	Mounts      MountModes        `json:"mounts,omitempty"`
	Preinstall  StringOrList      `json:"preinstall,omitempty"`
	Install     string            `json:"install,omitempty"`
	Postinstall string            `json:"postinstall,omitempty"`
	HostHooks   map[string]string `json:"-"`
}

// UnmarshalJSON captures the declared fields plus any "hosthook_*" keys,
// which run on the host at the matching lifecycle transition named by the
// suffix (e.g. "hosthook_postinstall").
func (o *ProfileOverlay) UnmarshalJSON(data []byte) error {
	type alias ProfileOverlay
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = ProfileOverlay(a)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	o.HostHooks = map[string]string{}
	for k, v := range generic {
		if !strings.HasPrefix(k, "hosthook_") {
			continue
		}
		var cmd string
		if err := json.Unmarshal(v, &cmd); err != nil {
			continue
		}
		o.HostHooks[k] = cmd
	}
	return nil
}

// Manifest is the parsed agent manifest.json document. Unknown keys are
// preserved in Extra but otherwise ignored by the core.
type Manifest struct {
	Container      string                    `json:"container"`
	Preinstall     StringOrList              `json:"preinstall,omitempty"`
	Install        string                    `json:"install,omitempty"`
	Postinstall    string                    `json:"postinstall,omitempty"`
	Update         string                    `json:"update,omitempty"`
	CLI            string                    `json:"cli,omitempty"`
	Start          string                    `json:"start,omitempty"`
	Agent          string                    `json:"agent,omitempty"`
	About          string                    `json:"about,omitempty"`
	Env            EnvSpec                   `json:"env,omitempty"`
	Enable         []string                  `json:"enable,omitempty"`
	Repos          map[string]string         `json:"repos,omitempty"`
	Health         *Health                   `json:"health,omitempty"`
	Profiles       map[string]ProfileOverlay `json:"profiles,omitempty"`
	DefaultProfile string                    `json:"defaultProfile,omitempty"`
	Volumes        []VolumeMount             `json:"volumes,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Parse reads raw JSON bytes into a Manifest, keeping unrecognized keys in
// Extra for forward compatibility.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse manifest", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap(errs.Validation, "parse manifest", err)
	}
	known := map[string]bool{
		"container": true, "preinstall": true, "install": true, "postinstall": true,
		"update": true, "cli": true, "start": true, "agent": true, "about": true,
		"env": true, "enable": true, "repos": true, "health": true,
		"profiles": true, "defaultProfile": true, "volumes": true,
	}
	m.Extra = map[string]json.RawMessage{}
	for k, v := range generic {
		if !known[k] {
			m.Extra[k] = v
		}
	}
	if m.Container == "" {
		return nil, errs.New(errs.Validation, "manifest.container is required")
	}
	return &m, nil
}

// Effective is the resolved view of a manifest after applying the active
// profile's overlay.
type Effective struct {
	Manifest       *Manifest
	Profile        Profile
	Env            EnvSpec
	CodeMountMode  string // "rw" | "ro"
	SkillsMountMode string
	Preinstall     StringOrList
	Install        string
	Postinstall    string
	Secrets        []string
}

// Resolve applies the profile overlay (if any) on top of the manifest's
// own values. Default mount modes: dev -> rw/rw, qa/prod -> ro/ro.
func Resolve(m *Manifest, profile Profile) (*Effective, error) {
	if profile == "" {
		if m.DefaultProfile != "" {
			p, err := ValidProfile(m.DefaultProfile)
			if err != nil {
				return nil, err
			}
			profile = p
		} else {
			profile = ProfileDev
		}
	}

	defaultMode := "ro"
	if profile == ProfileDev {
		defaultMode = "rw"
	}

	eff := &Effective{
		Manifest:        m,
		Profile:         profile,
		Env:             m.Env,
		CodeMountMode:   defaultMode,
		SkillsMountMode: defaultMode,
		Preinstall:      m.Preinstall,
		Install:         m.Install,
		Postinstall:     m.Postinstall,
	}

	overlay, ok := m.Profiles[string(profile)]
	if !ok {
		return eff, nil
	}

	if len(overlay.Env.Entries) > 0 {
		eff.Env = overlay.Env
	}
	eff.Secrets = overlay.Secrets
	if overlay.Mounts.Code != "" {
		eff.CodeMountMode = overlay.Mounts.Code
	}
	if overlay.Mounts.Skills != "" {
		eff.SkillsMountMode = overlay.Mounts.Skills
	}
	// Hooks augment: overlay hooks run in addition to, not instead of, the
	// manifest's own, host-transition hooks excluded (those are handled by
	// the caller iterating HostHooks directly).
	if len(overlay.Preinstall.Values) > 0 {
		eff.Preinstall.Values = append(append([]string{}, eff.Preinstall.Values...), overlay.Preinstall.Values...)
	}
	if overlay.Install != "" {
		if eff.Install != "" {
			eff.Install = eff.Install + " && " + overlay.Install
		} else {
			eff.Install = overlay.Install
		}
	}
	if overlay.Postinstall != "" {
		if eff.Postinstall != "" {
			eff.Postinstall = eff.Postinstall + " && " + overlay.Postinstall
		} else {
			eff.Postinstall = overlay.Postinstall
		}
	}
	return eff, nil
}

// CommandPlan is the container main-process selection result of §4.B.
type CommandPlan struct {
	Main     string
	Sidecar  string // non-empty when Start is set and Agent is also set
}

// ShellCandidates is the fixed, ordered list probed to find an available
// shell inside the container for running a sidecar agent command.
var ShellCandidates = []string{"/bin/bash", "/bin/sh", "/usr/bin/bash", "/usr/bin/sh"}

// EffectiveCommand implements the three-way selection in §4.B:
// start (+ optional agent sidecar) > agent alone > default supervisor.
func EffectiveCommand(m *Manifest, defaultSupervisor string) CommandPlan {
	switch {
	case strings.TrimSpace(m.Start) != "":
		plan := CommandPlan{Main: m.Start}
		if strings.TrimSpace(m.Agent) != "" {
			plan.Sidecar = m.Agent
		}
		return plan
	case strings.TrimSpace(m.Agent) != "":
		return CommandPlan{Main: m.Agent}
	default:
		return CommandPlan{Main: defaultSupervisor}
	}
}

// EnableReference is one parsed entry of manifest.enable:
// "<name> [global|devel <repo>] [as <alias>]".
type EnableReference struct {
	Name  string
	Mode  string // "", "global", or "devel"
	Repo  string // set when Mode == "devel"
	Alias string
}

// ParseEnableReference parses one manifest.enable string.
func ParseEnableReference(raw string) (EnableReference, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return EnableReference{}, errs.New(errs.Validation, "empty enable reference")
	}
	ref := EnableReference{Name: fields[0]}
	i := 1
	for i < len(fields) {
		switch fields[i] {
		case "global":
			ref.Mode = "global"
			i++
		case "devel":
			ref.Mode = "devel"
			if i+1 >= len(fields) {
				return EnableReference{}, errs.New(errs.Validation, "devel requires a repo name: "+raw)
			}
			ref.Repo = fields[i+1]
			i += 2
		case "as":
			if i+1 >= len(fields) {
				return EnableReference{}, errs.New(errs.Validation, "as requires an alias: "+raw)
			}
			ref.Alias = fields[i+1]
			i += 2
		default:
			return EnableReference{}, errs.New(errs.Validation, "unrecognized token in enable reference: "+fields[i])
		}
	}
	return ref, nil
}

// SortedProfileNames returns the manifest's declared profile overlays in
// sorted order, useful for deterministic listings and tests.
func (m *Manifest) SortedProfileNames() []string {
	names := make([]string, 0, len(m.Profiles))
	for n := range m.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
