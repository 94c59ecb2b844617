package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/output"
)

var pendingCmd = &cobra.Command{
	Use:     "pending",
	Short:   "List local events waiting to be pushed",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		evs, err := a.orch.FetchPendingEvents(context.Background())
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(evs)
		}
		if len(evs) == 0 {
			fmt.Println("Nothing to push.")
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		shown := evs
		if limit > 0 && len(shown) > limit {
			shown = shown[:limit]
		}
		fmt.Println(output.SectionHeader(fmt.Sprintf("PENDING (%d)", len(evs))))
		for _, ev := range shown {
			fmt.Println("  " + output.FormatEvent(ev))
		}
		if len(shown) < len(evs) {
			fmt.Printf("  ... %d more\n", len(evs)-len(shown))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().Int("limit", 50, "Max events to print (0 for all)")
	pendingCmd.Flags().Bool("json", false, "Output as JSON")
}
