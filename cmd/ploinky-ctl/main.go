// Command ploinky-ctl is the operator CLI: thin cobra subcommands over
// the internal/* lifecycle and router packages. The interactive shell,
// TUI, and LLM-assisted command-suggestion surfaces are out of scope per
// spec.md §1 and are not implemented here; only the subcommands the core
// needs to expose are.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ploinky/internal/obs"
)

var (
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "ploinky-ctl",
	Short: "Workspace-scoped agent orchestrator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		obs.Init("ploinky-ctl", jsonLogs)
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", true, "emit structured JSON logs (console-encoded when false)")
	rootCmd.AddCommand(enableCmd, listCmd, startCmd, stopCmd, restartCmd, refreshCmd, disableCmd, routerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		obs.Sync()
		os.Exit(1)
	}
	obs.Sync()
}
