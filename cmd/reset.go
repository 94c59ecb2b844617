package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe the replica so the next sync bootstraps from scratch",
	Long: `Deletes every entity, event, conflict and checkpoint in the local replica.
Unpushed events are lost, so reset refuses to run while any are pending
unless --force is given.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		pending, err := db.CountPendingEvents(database.Conn())
		if err != nil {
			output.Error("count pending: %v", err)
			return err
		}
		if pending > 0 && !force {
			output.Error("%d events have not been pushed (sync first or pass --force)", pending)
			return fmt.Errorf("pending events")
		}

		err = database.WithTx(context.Background(), func(tx *sql.Tx) error {
			return db.ClearReplica(tx)
		})
		if err != nil {
			output.Error("reset: %v", err)
			return err
		}
		output.Success("Replica cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("force", false, "Discard unpushed events")
}
