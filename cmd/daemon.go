package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/output"
	dqsync "github.com/marcus/dqsync/internal/sync"
	"github.com/marcus/dqsync/internal/syncconfig"
	"github.com/marcus/dqsync/internal/tui/monitor"
)

// touchInterval spaces out last-active updates for this device.
const touchInterval = time.Minute

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the replica in sync until interrupted",
	Long: `Connects, bootstraps if needed and runs the background loops: pull on an
interval, push when events are recorded or on an interval, and status refresh.

Duplicate tags and stacks are reconciled before connecting unless
DQ_RECONCILE_ON_START=false.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		withTUI, _ := cmd.Flags().GetBool("tui")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		a.store.SetLockRole("daemon")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if syncconfig.GetReconcileOnStart() {
			report, err := runReconcile(ctx, a)
			if err != nil {
				output.Warning("reconcile at start: %v", err)
			} else if report.Merged > 0 {
				output.Info("Reconciled %d duplicates", report.Merged)
			}
		}

		// Connect in the background so a long bootstrap shows up in the
		// monitor or the status lines.
		connected := make(chan error, 1)
		go func() { connected <- a.connect(ctx) }()

		if withTUI {
			model := monitor.NewModel(a.store, a.deviceID, a.deviceID,
				func() (dqsync.Status, bool) { return a.orch.Status(), true },
				syncconfig.GetStatusInterval())
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			failed := make(chan error, 1)
			go func() {
				if err := <-connected; err != nil {
					failed <- err
					p.Quit()
					return
				}
				slog.Info("daemon started", "device", a.deviceID)
			}()
			if _, err := p.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("error running monitor: %w", err)
			}
			select {
			case err := <-failed:
				return err
			default:
				return nil
			}
		}

		if !quiet {
			output.Info("Connecting as %s (Ctrl+C to stop)", a.deviceID)
		}
		if err := watchStatus(ctx, a, quiet, connected); err != nil {
			return err
		}
		fmt.Println()
		slog.Info("daemon stopped")
		return nil
	},
}

// watchStatus prints status changes and keeps this device's last-active time
// fresh until ctx is done. A failed connect ends it with that error.
func watchStatus(ctx context.Context, a *app, quiet bool, connected <-chan error) error {
	var last dqsync.Status
	var lastTouch time.Time
	updates := a.orch.StatusUpdates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-connected:
			if err != nil {
				return err
			}
			connected = nil
			slog.Info("daemon started", "device", a.deviceID)
			if !quiet {
				output.Success("Syncing as %s", a.deviceID)
			}
		case st := <-updates:
			if st.State == dqsync.StateConnected && time.Since(lastTouch) >= touchInterval {
				if err := a.registry.Touch(ctx, a.deviceID); err != nil {
					slog.Debug("daemon: touch device", "err", err)
				}
				lastTouch = time.Now()
			}
			if !quiet && statusChanged(last, st) {
				printStatusLine(st)
			}
			last = st
		}
	}
}

// statusChanged ignores the timestamp fields that move on every tick.
func statusChanged(a, b dqsync.Status) bool {
	return a.State != b.State ||
		a.PendingEvents != b.PendingEvents ||
		a.OpenConflicts != b.OpenConflicts ||
		a.Bootstrapping != b.Bootstrapping ||
		a.Progress != b.Progress ||
		a.LastError != b.LastError
}

func printStatusLine(st dqsync.Status) {
	line := fmt.Sprintf("%s %s  pending:%d  conflicts:%d",
		dimStyle.Render(st.CheckedAt.Local().Format("15:04:05")),
		st.State, st.PendingEvents, st.OpenConflicts)
	if st.Bootstrapping {
		line += fmt.Sprintf("  bootstrap:%d/%d", st.Progress.Processed, st.Progress.Total)
	}
	if st.LastError != "" {
		line += "  " + errStyle.Render("error: "+st.LastError)
	}
	fmt.Println(line)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().Bool("tui", false, "Show the live monitor while syncing")
	daemonCmd.Flags().BoolP("quiet", "q", false, "Only log to the log file")
}
