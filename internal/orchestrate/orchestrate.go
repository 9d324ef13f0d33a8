// Package orchestrate is the thin glue layer the cmd/ploinky-ctl CLI
// drives: it wires workspace discovery, manifest resolution, env/secret
// resolution, dependency preparation, the container client, the health
// supervisor, and the session registry into the agent lifecycle
// operations named in §4.B/§4.E (enable, start, stop, restart, refresh,
// disable) plus router start/stop bookkeeping. It owns no state of its
// own beyond what it loads and saves per call.
package orchestrate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"ploinky/internal/container"
	"ploinky/internal/depprep"
	"ploinky/internal/envsecrets"
	"ploinky/internal/errs"
	"ploinky/internal/health"
	"ploinky/internal/manifest"
	"ploinky/internal/obs"
	"ploinky/internal/registry"
	"ploinky/internal/routing"
	"ploinky/internal/session"
	"ploinky/internal/workspace"
)

// DefaultServicePort is the internal container port every agent's MCP
// server listens on unless a future manifest key overrides it.
const DefaultServicePort = 7000

// Options bundles the operator-configurable knobs that are not derivable
// from the workspace or manifest: ranges, the global dependency manifest,
// and the framework directory mounted read-only at /Agent.
type Options struct {
	FrameworkDir      string
	GlobalDepsPath    string
	PortRangeStart    int
	PortRangeEnd      int
	RouterPort        int
	AgeIdentity       string
}

func (o Options) withDefaults() Options {
	if o.PortRangeStart == 0 {
		o.PortRangeStart = 7000
	}
	if o.PortRangeEnd == 0 {
		o.PortRangeEnd = 7999
	}
	if o.RouterPort == 0 {
		o.RouterPort = 8088
	}
	return o
}

// Orchestrator binds one workspace to the clients every lifecycle
// operation needs.
type Orchestrator struct {
	WS      workspace.Workspace
	Client  *container.Client
	Runtime container.Runtime
	Health  *health.Supervisor
	Session *session.Registry
	Opts    Options
}

// New builds an Orchestrator for ws, detecting and connecting to the
// container runtime.
func New(ws workspace.Workspace, opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()
	rt, err := container.DetectRuntime()
	if err != nil {
		return nil, err
	}
	cli, err := container.NewClient(rt)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		WS:      ws,
		Client:  cli,
		Runtime: rt,
		Health:  health.New(cli),
		Session: session.New(),
		Opts:    opts,
	}, nil
}

func (o *Orchestrator) Close() error { return o.Client.Close() }

// AgentSource locates one agent's manifest and source tree on disk:
// <reposDir>/<repoName>/<shortName>/manifest.json, matching the workspace
// layout in §4.A.
type AgentSource struct {
	ShortName string
	RepoName  string
	Root      string // absolute path to the agent's source directory
}

func (a AgentSource) manifestPath() string { return filepath.Join(a.Root, "manifest.json") }

// loadManifest reads and parses one agent's manifest.json.
func loadManifest(a AgentSource) (*manifest.Manifest, error) {
	raw, err := os.ReadFile(a.manifestPath()) // #nosec G304 -- workspace-scoped path
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "read manifest for "+a.ShortName, err)
	}
	return manifest.Parse(raw)
}

// Enable implements enableAgent: parse the manifest, run host-side
// preinstall, resolve the profile, register the AgentRecord, and
// establish the code/skills convenience symlinks.
func (o *Orchestrator) Enable(a AgentSource, alias, profileName string) (*registry.Record, error) {
	m, err := loadManifest(a)
	if err != nil {
		return nil, err
	}
	profile, err := manifest.ValidProfile(profileName)
	if err != nil {
		return nil, err
	}
	eff, err := manifest.Resolve(m, profile)
	if err != nil {
		return nil, err
	}

	if err := runHostCommands(eff.Preinstall.Values, a.Root); err != nil {
		return nil, errs.Wrap(errs.Validation, "preinstall for "+a.ShortName, err)
	}

	if err := o.WS.EnsureSkeleton(); err != nil {
		return nil, err
	}

	reg, err := registry.Load(o.WS.AgentRegistryFile())
	if err != nil {
		return nil, err
	}
	rec, err := reg.Enable(o.WS.Root, a.ShortName, a.RepoName, alias, m.Container, a.Root, profile)
	if err != nil {
		return nil, err
	}

	if err := o.WS.EnsureAgentLinks([]workspace.AgentSource{{ShortName: a.ShortName, SourceRoot: a.Root}}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Disable implements disableAgent: refuses when a live container still
// exists for the agent (§7 Conflict).
func (o *Orchestrator) Disable(ctx context.Context, shortName string) error {
	reg, err := registry.Load(o.WS.AgentRegistryFile())
	if err != nil {
		return err
	}
	rec := reg.Get(shortName)
	if rec == nil {
		return errs.New(errs.NotFound, "agent not enabled: "+shortName)
	}
	id, _, err := o.Client.ContainerByName(ctx, rec.ContainerName)
	if err != nil {
		return err
	}
	return reg.Disable(shortName, id != "")
}

// List returns every enabled agent in the §8 scenario-1 listing shape.
func (o *Orchestrator) List() ([]registry.ListView, error) {
	reg, err := registry.Load(o.WS.AgentRegistryFile())
	if err != nil {
		return nil, err
	}
	return reg.ListAgents(), nil
}

func runHostCommands(cmds []string, cwd string) error {
	for _, c := range cmds {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if err := runHostShell(c, cwd, nil); err != nil {
			return err
		}
	}
	return nil
}

func runHostShell(cmdLine, cwd string, env []string) error {
	cmd := exec.Command("/bin/sh", "-c", cmdLine)
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.Unavailable, "host command failed: "+cmdLine, err)
	}
	return nil
}

// Start implements the "bring an agent up" flow: dependency preparation,
// the install hook in a disposable container, main-container creation
// with the full mount/env/port assembly, the postinstall restart, health
// supervision, and the routing-table entry.
func (o *Orchestrator) Start(ctx context.Context, shortName string) (*routing.Route, error) {
	reg, err := registry.Load(o.WS.AgentRegistryFile())
	if err != nil {
		return nil, err
	}
	rec := reg.Get(shortName)
	if rec == nil {
		return nil, errs.New(errs.NotFound, "agent not enabled: "+shortName)
	}

	lock, err := session.AcquireLock(o.WS.RunningPIDDir(), shortName, "ploinky-ctl", time.Time{})
	if err != nil {
		return nil, err
	}
	if !lock.Acquired {
		return nil, errs.New(errs.Conflict, "start "+shortName+": "+lock.Reason)
	}
	defer func() { _ = session.ReleaseLock(o.WS.RunningPIDDir(), shortName) }()

	a := AgentSource{ShortName: rec.ShortName, RepoName: rec.RepoName, Root: rec.ProjectPath}
	m, err := loadManifest(a)
	if err != nil {
		return nil, err
	}
	profile, _ := manifest.ValidProfile(rec.Profile)
	eff, err := manifest.Resolve(m, profile)
	if err != nil {
		return nil, err
	}

	workingDir := filepath.Join(o.WS.RuntimeDir(), rec.ShortName)
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Fatal, "create agent working directory", err)
	}

	global, err := depprep.LoadManifest(o.Opts.GlobalDepsPath)
	if err != nil {
		return nil, err
	}
	agentDeps, err := depprep.LoadManifest(filepath.Join(a.Root, "dependencies.json"))
	if err != nil {
		return nil, err
	}
	if _, err := depprep.WriteMerged(workingDir, depprep.Merge(global, agentDeps)); err != nil {
		return nil, err
	}
	installSnippet := depprep.InstallSnippet(workingDir)

	codeDir, err := resolveCodeDir(a.Root)
	if err != nil {
		return nil, err
	}
	skillsDir := resolveSkillsDir(a.Root)
	nodeModulesDir := filepath.Join(workingDir, "node_modules")
	if err := os.MkdirAll(nodeModulesDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.Fatal, "create node_modules directory", err)
	}

	plan := container.MountPlan{
		FrameworkDir:   o.Opts.FrameworkDir,
		CodeDir:        codeDir,
		CodeMode:       eff.CodeMountMode,
		NodeModulesDir: nodeModulesDir,
		SharedDir:      o.WS.SharedDir(),
		WorkingDir:     workingDir,
		SkillsDir:      skillsDir,
		SkillsMode:     eff.SkillsMountMode,
		Volumes:        m.Volumes,
	}
	if home, ok := os.LookupEnv("HOME"); ok {
		if mirror, ok := container.HomeRelativeMirror(workingDir, home, "/root"); ok {
			plan.HomeMirrorTarget = mirror
		}
	}
	mounts := container.BuildMounts(plan)

	envStore, err := envsecrets.Load(o.WS.Root, o.WS.SecretsFile(), o.Opts.AgeIdentity)
	if err != nil {
		return nil, err
	}
	kvs, err := envStore.ResolveEntries(eff.Env)
	if err != nil {
		return nil, err
	}
	if len(eff.Secrets) > 0 {
		secretSpec := manifest.EnvSpec{}
		for _, name := range eff.Secrets {
			secretSpec.Entries = append(secretSpec.Entries, manifest.EnvEntry{Name: name})
		}
		secretKVs, err := envStore.ResolveEntries(secretSpec)
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, secretKVs...)
	}

	table, err := routing.Load(o.WS.RoutingTableFile())
	if err != nil {
		return nil, err
	}
	hostPort, err := table.AllocatePort(o.Opts.PortRangeStart, o.Opts.PortRangeEnd)
	if err != nil {
		return nil, err
	}

	envList := []string{
		"WORKSPACE_PATH=" + o.WS.Root,
		"AGENT_NAME=" + rec.ShortName,
		"NODE_PATH=/code/node_modules",
		"PLOINKY_MCP_CONFIG_PATH=/code/mcp-config.json",
		"PLOINKY_ROUTER_PORT=" + strconv.Itoa(o.Opts.RouterPort),
	}
	for _, kv := range kvs {
		envList = append(envList, kv.Name+"="+kv.Value)
	}

	cmdPlan := manifest.EffectiveCommand(m, "/Agent/bin/supervisor.sh")
	mainCmd := cmdPlan.Main
	if cmdPlan.Sidecar != "" {
		mainCmd = withSidecar(mainCmd, cmdPlan.Sidecar)
	}
	entrypoint := depprep.AssembleEntrypoint("/code", installSnippet, eff.Install, mainCmd)

	labels := container.Labels(o.WS.Root, rec.ShortName)
	containerPort := nat.Port(fmt.Sprintf("%d/tcp", DefaultServicePort))

	if eff.Install != "" {
		if err := o.runInstallContainer(ctx, rec.ContainerName+"_install", m.Container, mounts, envList, eff.Install); err != nil {
			return nil, err
		}
	}

	id, existing, err := o.Client.ContainerByName(ctx, rec.ContainerName)
	if err != nil {
		return nil, err
	}
	firstStart := existing == nil
	if id == "" {
		id, err = o.Client.CreateContainer(ctx,
			&dockercontainer.Config{
				Image:        m.Container,
				Cmd:          []string{"/bin/sh", "-c", entrypoint},
				Env:          envList,
				Labels:       labels,
				ExposedPorts: nat.PortSet{containerPort: struct{}{}},
			},
			&dockercontainer.HostConfig{
				Mounts: mounts,
				PortBindings: nat.PortMap{
					containerPort: []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}},
				},
			},
			&network.NetworkingConfig{}, rec.ContainerName)
		if err != nil {
			return nil, err
		}
		o.Session.Track(id, rec.ContainerName)
	}
	if err := o.Client.StartContainer(ctx, id); err != nil {
		return nil, err
	}

	if firstStart && eff.Postinstall != "" {
		if _, code, err := o.Client.ExecCapture(ctx, id, []string{"/bin/sh", "-c", eff.Postinstall}, container.ExecOptions{WorkDir: "/code"}); err != nil || code != 0 {
			obs.With(o.WS.Root, rec.ShortName).Warn("postinstall failed", zap.Int("code", code), zap.Error(err))
		}
		if err := o.Client.RestartContainer(ctx, id, 10*time.Second); err != nil {
			return nil, err
		}
	}

	boundPort, err := o.Client.HostPortFor(ctx, id, DefaultServicePort, "tcp")
	if err != nil {
		boundPort = strconv.Itoa(hostPort)
	}

	route := &routing.Route{
		Agent:          rec.ShortName,
		ContainerName:  rec.ContainerName,
		HostPort:       boundPort,
		HostSourcePath: codeDir,
		Profile:        string(profile),
		MCPEndpoint:    "http://localhost:" + boundPort + "/mcp",
	}
	table.Port = o.Opts.RouterPort
	table.Put(route)
	if err := routing.Save(o.WS.RoutingTableFile(), table); err != nil {
		return nil, err
	}

	// Watch unconditionally: main-process-exit supervision (§4.E/§6)
	// applies even when the manifest declares no health.liveness/readiness
	// probes, not just when one is configured.
	healthSpec := manifest.Health{}
	if m.Health != nil {
		healthSpec = *m.Health
	}
	o.Health.Watch(ctx, health.Monitored{
		ContainerID:   id,
		ContainerName: rec.ContainerName,
		AgentRoot:     "/code",
		Health:        healthSpec,
	})

	return route, nil
}

// withSidecar runs the sidecar agent command in the background via the
// first available shell from manifest.ShellCandidates, probed at
// container-start time since the image's shell layout is unknown until
// then, then runs main in the foreground per §4.B rule 1.
func withSidecar(main, sidecar string) string {
	var probe strings.Builder
	for i, shell := range manifest.ShellCandidates {
		if i > 0 {
			probe.WriteString(" || ")
		}
		fmt.Fprintf(&probe, "{ command -v %s >/dev/null 2>&1 && { %s -c %q & }; }", shell, shell, sidecar)
	}
	return fmt.Sprintf("(%s) ; %s", probe.String(), main)
}

func (o *Orchestrator) runInstallContainer(ctx context.Context, name, image string, mounts []mount.Mount, env []string, installCmd string) error {
	id, err := o.Client.CreateContainer(ctx,
		&dockercontainer.Config{Image: image, Cmd: []string{"/bin/sh", "-c", "cd /code && " + installCmd}, Env: env},
		&dockercontainer.HostConfig{Mounts: mounts},
		&network.NetworkingConfig{}, name)
	if err != nil {
		return errs.Wrap(errs.Unavailable, "create install container", err)
	}
	defer func() { _ = o.Client.RemoveContainer(context.Background(), id, true) }()
	if err := o.Client.StartContainer(ctx, id); err != nil {
		return err
	}
	code, err := o.Client.WaitContainer(ctx, id)
	if err != nil {
		return err
	}
	if code != 0 {
		logs, _ := o.Client.Logs(ctx, id, 200)
		return errs.New(errs.Validation, fmt.Sprintf("install hook exited %d: %s", code, logs))
	}
	return nil
}

// Stop implements the `running -> stopped` transition, clearing health
// supervisor state per §4.F ("any manual stop ... clears the state").
func (o *Orchestrator) Stop(ctx context.Context, shortName string) error {
	rec, err := o.recordFor(shortName)
	if err != nil {
		return err
	}
	id, info, err := o.Client.ContainerByName(ctx, rec.ContainerName)
	if err != nil {
		return err
	}
	if id == "" || info == nil {
		return errs.New(errs.NotFound, "no container for "+shortName)
	}
	o.Health.ClearState(id)
	return o.Client.StopContainer(ctx, id, 10*time.Second)
}

// Restart implements the `stop -> start` transition preserving container
// identity.
func (o *Orchestrator) Restart(ctx context.Context, shortName string) error {
	rec, err := o.recordFor(shortName)
	if err != nil {
		return err
	}
	id, _, err := o.Client.ContainerByName(ctx, rec.ContainerName)
	if err != nil {
		return err
	}
	if id == "" {
		return errs.New(errs.NotFound, "no container for "+shortName)
	}
	o.Health.ClearState(id)
	return o.Client.RestartContainer(ctx, id, 10*time.Second)
}

// Refresh implements `stop -> remove -> create -> start` preserving the
// name, by removing the existing container and re-running Start.
func (o *Orchestrator) Refresh(ctx context.Context, shortName string) (*routing.Route, error) {
	rec, err := o.recordFor(shortName)
	if err != nil {
		return nil, err
	}
	id, _, err := o.Client.ContainerByName(ctx, rec.ContainerName)
	if err != nil {
		return nil, err
	}
	if id != "" {
		o.Health.ClearState(id)
		_ = o.Client.StopContainer(ctx, id, 10*time.Second)
		if err := o.Client.RemoveContainer(ctx, id, true); err != nil {
			return nil, err
		}
		o.Session.Untrack(id)
	}
	return o.Start(ctx, shortName)
}

func (o *Orchestrator) recordFor(shortName string) (*registry.Record, error) {
	reg, err := registry.Load(o.WS.AgentRegistryFile())
	if err != nil {
		return nil, err
	}
	rec := reg.Get(shortName)
	if rec == nil {
		return nil, errs.New(errs.NotFound, "agent not enabled: "+shortName)
	}
	return rec, nil
}

func resolveCodeDir(sourceRoot string) (string, error) {
	candidate := filepath.Join(sourceRoot, "code")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return filepath.EvalSymlinks(candidate)
	}
	return filepath.EvalSymlinks(sourceRoot)
}

func resolveSkillsDir(sourceRoot string) string {
	candidate := filepath.Join(sourceRoot, ".AchillesSkills")
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return candidate
	}
	return ""
}
