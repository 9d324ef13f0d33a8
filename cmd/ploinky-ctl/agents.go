package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"ploinky/internal/orchestrate"
)

var (
	enableRepo    string
	enableAlias   string
	enableProfile string
)

var enableCmd = &cobra.Command{
	Use:   "enable <shortName>",
	Short: "Register an agent from its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		shortName := args[0]
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		repo := enableRepo
		if repo == "" {
			repo = shortName
		}
		root := filepath.Join(o.WS.ReposDir(), repo, shortName)
		rec, err := o.Enable(orchestrate.AgentSource{ShortName: shortName, RepoName: repo, Root: root}, enableAlias, enableProfile)
		if err != nil {
			return err
		}
		fmt.Printf("enabled %s (repo=%s profile=%s container=%s)\n", rec.ShortName, rec.RepoName, rec.Profile, rec.ContainerName)
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <shortName>",
	Short: "Remove an agent's registry entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Disable(context.Background(), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		agents, err := o.List()
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <shortName>",
	Short: "Bring an enabled agent's container up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		route, err := o.Start(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("started %s on host port %s (%s)\n", route.Agent, route.HostPort, route.MCPEndpoint)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <shortName>",
	Short: "Stop an agent's container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Stop(context.Background(), args[0])
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <shortName>",
	Short: "Restart an agent's container in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		return o.Restart(context.Background(), args[0])
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <shortName>",
	Short: "Recreate an agent's container (stop, remove, create, start)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()
		route, err := o.Refresh(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("refreshed %s on host port %s\n", route.Agent, route.HostPort)
		return nil
	},
}

func init() {
	enableCmd.Flags().StringVar(&enableRepo, "repo", "", "repo name (defaults to shortName)")
	enableCmd.Flags().StringVar(&enableAlias, "alias", "", "unique alias for this agent")
	enableCmd.Flags().StringVar(&enableProfile, "profile", "dev", "profile: dev|qa|prod")
}
