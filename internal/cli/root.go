package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskdesk",
	Short: "File-driven task lifecycle engine",
	Long: `taskdesk watches an Inbox directory for task files, decomposes each task
into a step plan, executes it with retries and recovery, and routes
sensitive actions through human-editable approval documents. Queue state
is encoded entirely in directories, so the whole pipeline can be
inspected with 'ls'.

Running 'taskdesk' without a subcommand is equivalent to 'taskdesk run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pendingCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to taskdesk.json config file (default: ./taskdesk.json, created if missing)")
}

// ExecuteContext runs the root command under the given context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
