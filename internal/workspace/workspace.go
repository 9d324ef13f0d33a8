// Package workspace resolves the workspace root and owns the fixed
// directory skeleton every other component derives its paths from.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"ploinky/internal/errs"
	"ploinky/internal/obs"

	"go.uber.org/zap"
)

// ConfigDirName is the sentinel directory whose presence marks a
// workspace root.
const ConfigDirName = ".ploinky"

const maxAncestorWalk = 64

// Workspace is an explicit value plumbed through constructors — there is
// no process-wide mutable root, only this struct and the active session
// registry (see internal/session).
type Workspace struct {
	Root string
}

// Find walks upward from start looking for a directory containing
// ConfigDirName. If none is found within maxAncestorWalk levels, start
// itself becomes the root. Find creates nothing; EnsureSkeleton does.
func Find(start string) (Workspace, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return Workspace{}, errs.Wrap(errs.Validation, "resolve start directory", err)
	}
	dir := abs
	for i := 0; i < maxAncestorWalk; i++ {
		marker := filepath.Join(dir, ConfigDirName)
		if info, statErr := os.Stat(marker); statErr == nil && info.IsDir() {
			return Workspace{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return Workspace{Root: abs}, nil
}

func (w Workspace) ConfigDir() string       { return filepath.Join(w.Root, ConfigDirName) }
func (w Workspace) ReposDir() string        { return filepath.Join(w.Root, ConfigDirName, "repos") }
func (w Workspace) RunningPIDDir() string   { return filepath.Join(w.Root, ConfigDirName, "running") }
func (w Workspace) RuntimeDir() string      { return filepath.Join(w.Root, ConfigDirName, "agents") }
func (w Workspace) CodeLinkRoot() string    { return filepath.Join(w.Root, "code") }
func (w Workspace) SkillsLinkRoot() string  { return filepath.Join(w.Root, "skills") }
func (w Workspace) SharedDir() string       { return filepath.Join(w.Root, ConfigDirName, "shared") }
func (w Workspace) LogsDir() string         { return filepath.Join(w.Root, ConfigDirName, "logs") }
func (w Workspace) AgentRegistryFile() string {
	return filepath.Join(w.ConfigDir(), "agents.json")
}
func (w Workspace) SecretsFile() string       { return filepath.Join(w.ConfigDir(), "secrets") }
func (w Workspace) RoutingTableFile() string  { return filepath.Join(w.ConfigDir(), "routing.json") }
func (w Workspace) ActiveProfileFile() string { return filepath.Join(w.ConfigDir(), "profile") }

// EnsureSkeleton idempotently creates every fixed directory. It logs once
// per directory actually created, not on every call.
func (w Workspace) EnsureSkeleton() error {
	dirs := []string{
		w.ConfigDir(),
		w.ReposDir(),
		w.RunningPIDDir(),
		w.RuntimeDir(),
		w.CodeLinkRoot(),
		w.SkillsLinkRoot(),
		w.SharedDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		created, err := ensureDir(d)
		if err != nil {
			return errs.Wrap(errs.Fatal, "create workspace directory "+d, err)
		}
		if created {
			obs.With(w.Root, "").Info("workspace directory created", zap.String("path", d))
		}
	}
	return nil
}

func ensureDir(path string) (bool, error) {
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", path)
		}
		return false, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

// AgentSource describes where one enabled agent's repository-relative
// source lives, used to compute the code/ and skills/ symlinks.
type AgentSource struct {
	ShortName  string
	SourceRoot string // absolute path to the agent's checked-out repo
}

// EnsureAgentLinks creates code/<agent> and skills/<agent> symlinks for
// every agent, resolving targets to real paths first: host link-following
// into containers is unreliable, so the container manager must never see
// a symlink, only the path it resolves to.
func (w Workspace) EnsureAgentLinks(agents []AgentSource) error {
	for _, a := range agents {
		codeTarget, err := resolveCodeTarget(a.SourceRoot)
		if err != nil {
			return err
		}
		if err := linkOnceIfAbsent(filepath.Join(w.CodeLinkRoot(), a.ShortName), codeTarget); err != nil {
			return err
		}
		skillsSrc := filepath.Join(a.SourceRoot, ".AchillesSkills")
		if info, err := os.Stat(skillsSrc); err == nil && info.IsDir() {
			if err := linkOnceIfAbsent(filepath.Join(w.SkillsLinkRoot(), a.ShortName), skillsSrc); err != nil {
				return err
			}
		}
	}
	return nil
}

func resolveCodeTarget(sourceRoot string) (string, error) {
	candidate := filepath.Join(sourceRoot, "code")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return filepath.EvalSymlinks(candidate)
	}
	return filepath.EvalSymlinks(sourceRoot)
}

// linkOnceIfAbsent creates a symlink at linkPath pointing at target,
// unless linkPath already exists as a real file or directory (not a
// link) — in which case it is left untouched and a warning is logged
// rather than overwriting whatever the operator put there.
func linkOnceIfAbsent(linkPath, target string) error {
	target, err := filepath.EvalSymlinks(target)
	if err != nil {
		return errs.Wrap(errs.Validation, "resolve symlink target "+target, err)
	}
	if info, err := os.Lstat(linkPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			existing, readErr := os.Readlink(linkPath)
			if readErr == nil && filepath.Clean(existing) == filepath.Clean(target) {
				return nil
			}
			if err := os.Remove(linkPath); err != nil {
				return err
			}
		} else {
			obs.L().Warn("refusing to overwrite non-symlink at convenience root", zap.String("path", linkPath))
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return err
	}
	return os.Symlink(target, linkPath)
}
