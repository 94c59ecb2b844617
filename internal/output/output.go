// Package output provides styled terminal output helpers (success, error,
// warning, event and conflict formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	actorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	stateStyles  = map[models.SyncState]lipgloss.Style{
		models.SyncPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.SyncSynced:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.SyncConflict: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound         = "not_found"
	ErrCodeInvalidInput     = "invalid_input"
	ErrCodeConflict         = "conflict"
	ErrCodeDatabaseError    = "database_error"
	ErrCodeNotAuthenticated = "not_authenticated"
	ErrCodeNetwork          = "network_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
	fmt.Println(string(data))
}

// FormatSyncState renders a sync state with color
func FormatSyncState(s models.SyncState) string {
	style, ok := stateStyles[s]
	if !ok {
		return fmt.Sprintf("[%s]", s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatActor renders "human" or "agent:<id>"
func FormatActor(t models.ActorType, id string) string {
	if id == "" {
		return actorStyle.Render(string(t))
	}
	return actorStyle.Render(fmt.Sprintf("%s:%s", t, id))
}

// FormatEvent returns a one-line summary of a logged event.
// e.g. "work_item.updated w-1 r3 human 2m ago [pending]"
func FormatEvent(ev events.Event) string {
	parts := []string{
		titleStyle.Render(string(ev.Type)),
		ev.EntityID,
		subtleStyle.Render(fmt.Sprintf("r%d", ev.Revision)),
		FormatActor(ev.ActorType, ev.ActorID),
		subtleStyle.Render(FormatTimeAgo(ev.Timestamp)),
	}
	if ev.SyncState != "" {
		parts = append(parts, FormatSyncState(ev.SyncState))
	}
	return strings.Join(parts, " ")
}

// FormatConflict returns a one-line summary of a conflict record.
func FormatConflict(c models.Conflict) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("#%d", c.ID)),
		fmt.Sprintf("%s/%s", c.EntityType, c.EntityID),
		subtleStyle.Render(fmt.Sprintf("local r%d vs remote r%d", c.LocalRevision, c.RemoteRevision)),
	}
	if c.RemoteDeviceID != "" {
		parts = append(parts, subtleStyle.Render("from "+c.RemoteDeviceID))
	}
	if c.Resolved {
		parts = append(parts, successStyle.Render(fmt.Sprintf("[%s]", c.Resolution)))
	} else {
		parts = append(parts, errorStyle.Render("[open]"))
	}
	return strings.Join(parts, " ")
}

// FormatDevice returns a one-line summary of a registered device.
func FormatDevice(d models.Device, self bool) string {
	name := d.ID
	if d.Name != "" {
		name = fmt.Sprintf("%s (%s)", d.Name, d.ID)
	}
	parts := []string{titleStyle.Render(name)}
	if d.Platform != "" {
		parts = append(parts, subtleStyle.Render(d.Platform))
	}
	parts = append(parts, subtleStyle.Render("last active "+FormatTimeAgo(d.LastActiveAt)))
	if self {
		parts = append(parts, successStyle.Render("[this device]"))
	}
	return strings.Join(parts, " ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPENDING:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	return strings.Join(IndentLines(strings.Split(s, "\n"), spaces), "\n")
}
