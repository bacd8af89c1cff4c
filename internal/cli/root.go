// Package cli implements the hyparviewd command-line surface on top of
// github.com/spf13/cobra, in the teacher's own rootCmd/subcommand style
// (see internal/cli/agent.go): package-level *cobra.Command vars wired
// together in init(), RunE handlers that return errors rather than
// os.Exit directly.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hyparviewd",
	Short: "A HyParView partial-view membership overlay node",
	Long: `hyparviewd runs a single HyParView overlay node: it maintains a
bounded active view of connected peers and a bounded passive view of
standby candidates, using the JOIN / FORWARD_JOIN / NEIGHBOR / SHUFFLE
protocol to keep the overlay connected as nodes join and leave.

Given only a configuration file and no subcommand, it runs the node as
"run" does, with that command's default flags.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runRun(cmd, args)
	},
}

// Execute runs the root command, returning the same error cobra surfaces.
// Callers should os.Exit(1) on a non-nil error (see cmd/hyparviewd/main.go).
func Execute() error {
	return rootCmd.Execute()
}
