package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Single-agent orchestrator for pipelined coding work",
	Long: `foreman drives one external AI coding agent through a staged pipeline:
work items are refined and split into tasks, and tasks move from research
through implementation to review, one agent run at a time. Humans stay in
the loop through approval gates and interactive questions.

Running 'foreman' without a subcommand is equivalent to 'foreman run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to foreman.yaml (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
