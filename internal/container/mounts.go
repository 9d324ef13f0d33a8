package container

import (
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"

	"ploinky/internal/manifest"
)

// MountPlan gathers the host-side paths needed to assemble one
// container's mount set, mirroring the teacher's ContainerCoreMountPlan
// shape but generalized to the full table in §4.E.
type MountPlan struct {
	FrameworkDir   string // host install location, mounted read-only at /Agent
	CodeDir        string // resolved agent source code/ directory
	CodeMode       string // "rw" | "ro"
	NodeModulesDir string // agent working dir's dependency directory
	SharedDir      string // workspace shared dir
	WorkingDir     string // agent working dir, passthrough at the same host path
	SkillsDir      string // optional, "" if absent
	SkillsMode     string // "rw" | "ro"
	Volumes        []manifest.VolumeMount
	// HomeMirror additionally bind-mounts WorkingDir at the same
	// $HOME-relative path inside the container when the workspace lives
	// under the operator's home directory, so host tooling invoked from
	// inside a container (via a mounted runtime socket) resolves paths
	// identically. Empty string disables it.
	HomeMirrorTarget string
}

func roFlag(mode string) bool { return mode != "rw" }

// BuildMounts assembles the full, deduplicated mount set for one
// container per the table in §4.E.
func BuildMounts(plan MountPlan) []mount.Mount {
	var mounts []mount.Mount

	if plan.FrameworkDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   plan.FrameworkDir,
			Target:   "/Agent",
			ReadOnly: true,
		})
	}
	if plan.CodeDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   plan.CodeDir,
			Target:   "/code",
			ReadOnly: roFlag(plan.CodeMode),
		})
	}
	if plan.NodeModulesDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: plan.NodeModulesDir,
			Target: "/code/node_modules",
		})
		appendUniqueMount(&mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: plan.NodeModulesDir,
			Target: "/Agent/node_modules",
		})
	}
	if plan.SharedDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: plan.SharedDir,
			Target: "/shared",
		})
	}
	if plan.WorkingDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: plan.WorkingDir,
			Target: plan.WorkingDir,
		})
		if plan.HomeMirrorTarget != "" && plan.HomeMirrorTarget != plan.WorkingDir {
			appendUniqueMount(&mounts, mount.Mount{
				Type:   mount.TypeBind,
				Source: plan.WorkingDir,
				Target: plan.HomeMirrorTarget,
			})
		}
	}
	if plan.SkillsDir != "" {
		appendUniqueMount(&mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   plan.SkillsDir,
			Target:   "/code/.AchillesSkills",
			ReadOnly: roFlag(plan.SkillsMode),
		})
	}
	for _, v := range plan.Volumes {
		if strings.TrimSpace(v.Host) == "" || strings.TrimSpace(v.Container) == "" {
			continue
		}
		appendUniqueMount(&mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Host,
			Target:   v.Container,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts
}

// appendUniqueMount dedups by (source, target, type), keeping the first
// registration — later, conflicting entries for the same pair are
// dropped rather than producing a runtime error at container-create time.
func appendUniqueMount(dst *[]mount.Mount, next mount.Mount) {
	src := filepath.Clean(strings.TrimSpace(next.Source))
	target := filepath.ToSlash(strings.TrimSpace(next.Target))
	if src == "" || target == "" {
		return
	}
	next.Source = src
	next.Target = target
	for _, existing := range *dst {
		if existing.Source == src && existing.Target == target && existing.Type == next.Type {
			return
		}
	}
	*dst = append(*dst, next)
}

// HomeRelativeMirror computes the $HOME-relative mirror target for a
// workspace path when the workspace lives under the operator's home
// directory, matching the teacher's InferDevelopmentMount idiom.
func HomeRelativeMirror(hostPath, home, containerHome string) (string, bool) {
	hostPath = filepath.Clean(hostPath)
	home = filepath.Clean(home)
	if home == "" || !strings.HasPrefix(hostPath, home) {
		return "", false
	}
	rel, err := filepath.Rel(home, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if containerHome == "" {
		containerHome = "/root"
	}
	return filepath.ToSlash(filepath.Join(containerHome, rel)), true
}
