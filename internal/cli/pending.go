package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskdesk/internal/approval"
	"taskdesk/internal/vault"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval requests awaiting a decision",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, _, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}

	v, err := vault.Open(cfg.VaultRoot)
	if err != nil {
		return err
	}

	mgr := approval.NewManager(v, newLogger(cfg.LogLevel),
		approval.WithTimeouts(cfg.ApprovalTimeouts()))

	pending, err := mgr.PendingRequests()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending approval requests.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tPRIORITY\tPLAN\tEXPIRES IN")
	now := time.Now().UTC()
	for _, doc := range pending {
		remaining := doc.Meta.ExpiresAt.Sub(now).Round(time.Minute)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			doc.Meta.ID, doc.Meta.ActionType, doc.Meta.Priority, doc.Meta.PlanID, remaining)
	}
	return w.Flush()
}
