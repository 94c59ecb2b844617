package monitor

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/dqsync/internal/models"
	dqsync "github.com/marcus/dqsync/internal/sync"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	spinnerStyle   = lipgloss.NewStyle().Foreground(primaryColor)

	pushBadge = lipgloss.NewStyle().Foreground(successColor)
	pullBadge = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))

	stateStyles = map[dqsync.State]lipgloss.Style{
		dqsync.StateConnected:    lipgloss.NewStyle().Foreground(successColor).Bold(true),
		dqsync.StateConnecting:   lipgloss.NewStyle().Foreground(warningColor),
		dqsync.StateDisconnected: lipgloss.NewStyle().Foreground(mutedColor),
	}

	syncStateStyles = map[models.SyncState]lipgloss.Style{
		models.SyncPending:  lipgloss.NewStyle().Foreground(warningColor),
		models.SyncSynced:   lipgloss.NewStyle().Foreground(successColor),
		models.SyncConflict: lipgloss.NewStyle().Foreground(errorColor),
	}

	// Prominent style for the open-conflict alert in the footer
	conflictAlertStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("0")).
				Background(errorColor)
)

// formatState renders a connection state with color
func formatState(s dqsync.State) string {
	style, ok := stateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatSyncState renders an event sync state with color
func formatSyncState(s models.SyncState) string {
	style, ok := syncStateStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatDirection renders a sync history direction badge
func formatDirection(dir string) string {
	switch dir {
	case "push":
		return pushBadge.Render("[PUSH]")
	case "pull":
		return pullBadge.Render("[PULL]")
	default:
		return subtleStyle.Render("[????]")
	}
}
