package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/output"
	"github.com/marcus/dqsync/internal/syncconfig"
	"github.com/marcus/dqsync/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for the local replica",
	Long: `Launch a live-updating TUI dashboard showing:
- Pending: local events waiting to be pushed
- Sync history: recently pushed and pulled events
- Conflicts and devices

It reads the replica only, so it can run next to 'dqsync daemon'.
Use 'dqsync daemon --tui' to also see the connection state.

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2/3          Jump to panel
  j/k            Scroll
  r              Force refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(getBaseDir())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer database.Close()

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = monitor.DefaultInterval
		}

		model := monitor.NewModel(database, deviceID, deviceID, nil, interval)

		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", monitor.DefaultInterval, "Refresh interval")
}
