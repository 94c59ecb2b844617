package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/output"
)

// Styles for sync tail output
var (
	pushArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→") // green
	pullArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("←") // cyan
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// tailFilter narrows the history shown by sync tail. Empty fields match all.
type tailFilter struct {
	direction  string
	entityType events.EntityType
	device     string
}

func (f tailFilter) match(e db.SyncHistoryEntry) bool {
	if f.direction != "" && e.Direction != f.direction {
		return false
	}
	if f.entityType != "" && e.EntityType != string(f.entityType) {
		return false
	}
	if f.device != "" && e.DeviceID != f.device {
		return false
	}
	return true
}

func parseTailFilter(cmd *cobra.Command) (tailFilter, error) {
	var f tailFilter
	f.direction, _ = cmd.Flags().GetString("direction")
	if f.direction != "" && f.direction != "push" && f.direction != "pull" {
		return f, fmt.Errorf("--direction must be push or pull, got %q", f.direction)
	}
	if s, _ := cmd.Flags().GetString("entity"); s != "" {
		et, ok := events.NormalizeEntityType(s)
		if !ok {
			return f, fmt.Errorf("unknown entity type %q", s)
		}
		f.entityType = et
	}
	f.device, _ = cmd.Flags().GetString("device")
	return f, nil
}

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent sync activity",
	Long: `Show recently pushed and pulled events. Use -f to follow in real-time.

Examples:
  dqsync sync tail                   # Show last 20 sync events
  dqsync sync tail -f                # Follow new events in real-time
  dqsync sync tail -n 50 --direction pull  # Last 50 pulled events
  dqsync sync tail --entity tag      # Only tag events
  dqsync sync tail -f -n 0           # Follow only new events, skip history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")
		filter, err := parseTailFilter(cmd)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		// The last ID seen, whether or not it matched the filter
		var maxID int64
		shown := 0
		if lines > 0 {
			entries, err := database.GetSyncHistoryTail(lines)
			if err != nil {
				output.Error("query sync history: %v", err)
				return err
			}
			for _, e := range entries {
				maxID = max(maxID, e.ID)
				if filter.match(e) {
					printSyncEntry(e)
					shown++
				}
			}
		}

		if !follow {
			if shown == 0 {
				fmt.Println("No sync activity recorded.")
			}
			return nil
		}

		if maxID == 0 {
			if tail, _ := database.GetSyncHistoryTail(1); len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		followHistory(ctx, database, filter, maxID, time.Second)
		fmt.Println() // clean line after ^C
		return nil
	},
}

// followHistory polls for entries after afterID until ctx is done.
func followHistory(ctx context.Context, database *db.DB, filter tailFilter, afterID int64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := database.GetSyncHistory(afterID, 100)
			if err != nil {
				slog.Debug("sync tail: poll", "err", err)
				continue
			}
			for _, e := range entries {
				afterID = max(afterID, e.ID)
				if filter.match(e) {
					printSyncEntry(e)
				}
			}
		}
	}
}

func printSyncEntry(e db.SyncHistoryEntry) {
	arrow := pullArrow
	if e.Direction == "push" {
		arrow = pushArrow
	}

	ts := dimStyle.Render(e.Timestamp.Format("15:04:05"))
	line := fmt.Sprintf("%s %s %s %s/%s (%s)",
		ts, arrow, e.Direction, e.EntityType,
		truncateID(e.EntityID, 16), e.EventType)
	if e.ServerSeq > 0 {
		line += fmt.Sprintf(" seq:%d", e.ServerSeq)
	}
	if e.Direction == "pull" && e.DeviceID != "" {
		line += fmt.Sprintf(" from:%s", truncateID(e.DeviceID, 12))
	}
	switch e.Outcome {
	case "", "applied", "acked":
	case "conflict":
		line += " " + errStyle.Render("[conflict]")
	default:
		line += " " + dimStyle.Render("["+e.Outcome+"]")
	}
	fmt.Println(line)
}

func truncateID(id string, max int) string {
	if len(id) <= max {
		return id
	}
	return id[:max-3] + "..."
}

func init() {
	syncTailCmd.Flags().BoolP("follow", "f", false, "Follow new events in real-time")
	syncTailCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	syncTailCmd.Flags().String("direction", "", "Only push or pull entries")
	syncTailCmd.Flags().String("entity", "", "Only one entity type (e.g. tag, work_item)")
	syncTailCmd.Flags().String("device", "", "Only entries from one device")
	syncCmd.AddCommand(syncTailCmd)
}
