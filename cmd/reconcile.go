package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/output"
	"github.com/marcus/dqsync/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Merge duplicate tags and stacks",
	Long: `Finds tags with the same name and stacks with the same title in the same
arc, keeps the oldest of each group and folds the others into it. Every change
is recorded as an event from agent:reconcile and pushed on the next sync.
Running it again is a no-op.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := runReconcile(context.Background(), a)
		if err != nil {
			output.Error("reconcile: %v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(report)
		}
		if report.Merged == 0 {
			output.Info("No duplicates found")
			return nil
		}
		output.Success("Merged %d duplicates (%d tag groups, %d stack groups, %d events)",
			report.Merged, report.TagGroups, report.ContainerGroups, report.Events)
		return nil
	},
}

func runReconcile(ctx context.Context, a *app) (reconcile.Report, error) {
	return reconcile.New(a.store, a.orch.Recorder()).Run(ctx)
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Bool("json", false, "Output the report as JSON")
}
