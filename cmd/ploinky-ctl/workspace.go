package main

import (
	"os"

	"ploinky/internal/envconfig"
	"ploinky/internal/orchestrate"
	"ploinky/internal/workspace"
)

// currentWorkspace resolves the workspace root from the current
// directory and ensures the fixed skeleton exists, matching §4.A.
func currentWorkspace() (workspace.Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return workspace.Workspace{}, err
	}
	ws, err := workspace.Find(cwd)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if err := ws.EnsureSkeleton(); err != nil {
		return workspace.Workspace{}, err
	}
	return ws, nil
}

// orchestratorOptions builds Options from the environment, the knobs a
// config framework would otherwise own.
func orchestratorOptions() orchestrate.Options {
	return orchestrate.Options{
		FrameworkDir:   envconfig.StringOr("PLOINKY_FRAMEWORK_DIR", "/opt/ploinky"),
		GlobalDepsPath: envconfig.StringOr("PLOINKY_GLOBAL_DEPS", "/opt/ploinky/dependencies.json"),
		PortRangeStart: envconfig.Int("PLOINKY_PORT_RANGE_START", 7000),
		PortRangeEnd:   envconfig.Int("PLOINKY_PORT_RANGE_END", 7999),
		RouterPort:     envconfig.Int("PLOINKY_ROUTER_PORT", 8088),
		AgeIdentity:    envconfig.StringOr("PLOINKY_AGE_IDENTITY", ""),
	}
}

func newOrchestrator() (*orchestrate.Orchestrator, error) {
	ws, err := currentWorkspace()
	if err != nil {
		return nil, err
	}
	return orchestrate.New(ws, orchestratorOptions())
}
