package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
	dqsync "github.com/marcus/dqsync/internal/sync"
	"github.com/marcus/dqsync/internal/syncclient"
	"github.com/marcus/dqsync/internal/syncconfig"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local events and pull remote ones",
	Long: `Runs one sync round against the server: push, pull, push.

An empty replica is bootstrapped first using the configured strategy
(stream, snapshot or replay); a failed stream falls back to paginated fetch.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")
		if pushOnly && pullOnly {
			output.Error("--push and --pull are exclusive")
			return fmt.Errorf("conflicting flags")
		}

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if statusOnly {
			return runSyncStatus(a)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		start := time.Now()
		if err := a.connect(ctx); err != nil {
			return err
		}

		switch {
		case pushOnly:
			n, err := a.orch.Push(ctx)
			if err != nil {
				output.Error("push: %v", err)
				return err
			}
			output.Success("Pushed %d events", n)
		case pullOnly:
			res, err := a.orch.Pull(ctx)
			if err != nil {
				output.Error("pull: %v", err)
				return err
			}
			printPullResult(res)
		default:
			if err := a.orch.SyncNow(ctx); err != nil {
				output.Error("sync: %v", err)
				return err
			}
			output.Success("Synced in %s", time.Since(start).Round(time.Millisecond))
		}

		st := a.orch.Status()
		if st.PendingEvents > 0 {
			output.Info("%d events still pending", st.PendingEvents)
		}
		if st.OpenConflicts > 0 {
			output.Warning("%d open conflicts (run: dqsync conflicts)", st.OpenConflicts)
		}
		return nil
	},
}

func printPullResult(res dqsync.BatchResult) {
	output.Success("Pulled: %d applied, %d skipped, %d deferred", res.Applied, res.Skipped, res.Deferred)
	if res.Retried > 0 {
		output.Info("%d deferred events applied on retry", res.Retried)
	}
	if n := len(res.ConflictIDs); n > 0 {
		output.Warning("%d conflicts detected", n)
	}
}

func runSyncStatus(a *app) error {
	conn := a.store.Conn()
	pending, err := db.CountPendingEvents(conn)
	if err != nil {
		output.Error("count pending: %v", err)
		return err
	}
	conflicts, err := db.CountUnresolvedConflicts(conn)
	if err != nil {
		output.Error("count conflicts: %v", err)
		return err
	}
	checkpoint, err := db.GetCheckpoint(conn, a.deviceID)
	if err != nil {
		output.Error("read checkpoint: %v", err)
		return err
	}

	serverURL := syncconfig.GetServerURL()
	fmt.Printf("Device:     %s\n", a.deviceID)
	fmt.Printf("Server:     %s\n", serverURL)
	if checkpoint == "" {
		fmt.Println("Checkpoint: none (replica not bootstrapped)")
	} else {
		fmt.Printf("Checkpoint: %s\n", checkpoint)
	}
	fmt.Printf("Pending:    %d events\n", pending)
	fmt.Printf("Conflicts:  %d open\n", conflicts)
	if holder, ok := a.store.LockHolder(); ok {
		fmt.Printf("Writer:     %s\n", holder)
	}
	if tail, err := a.store.GetSyncHistoryTail(1); err == nil && len(tail) > 0 {
		fmt.Printf("Last sync:  %s (%s)\n", output.FormatTimeAgo(tail[0].Timestamp), tail[0].Direction)
	}

	timeout := syncconfig.GetRequestTimeout()
	if timeout <= 0 {
		timeout = syncclient.DefaultTimeout
	}
	client := syncclient.New(serverURL, tokenProvider(), timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if health, err := client.HealthCheck(ctx); err != nil {
		output.Warning("Server unreachable: %v", err)
	} else {
		fmt.Printf("Health:     %s\n", health.Status)
	}

	if !syncconfig.IsAuthenticated() {
		output.Warning("Not signed in")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("push", false, "Only push local events")
	syncCmd.Flags().Bool("pull", false, "Only pull remote events")
	syncCmd.Flags().Bool("status", false, "Show sync status without syncing")
}
