package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/dqsync/internal/output"
)

// renderView renders the complete monitor view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.ShowHelp {
		return m.renderHelp()
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	header := m.renderHeader()
	footer := m.renderFooter()

	// header (1) + footer (1) + 3 panels with 2 border lines each
	available := m.Height - 2
	panelHeight := available / 3
	lastHeight := available - 2*panelHeight

	panels := []string{
		m.renderPanel("PENDING", m.pendingLines(), panelHeight, PanelPending),
		m.renderPanel("SYNC HISTORY", m.historyLines(), panelHeight, PanelHistory),
		m.renderPanel("CONFLICTS & DEVICES", m.conflictLines(), lastHeight, PanelConflicts),
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		lipgloss.JoinVertical(lipgloss.Left, panels...),
		footer,
	)
}

// renderHeader renders the connection summary line
func (m Model) renderHeader() string {
	var parts []string
	title := titleStyle.Render("dqsync monitor")
	if m.Refreshing || (m.Status != nil && m.Status.Bootstrapping) {
		title = m.spinner.View() + " " + title
	}
	parts = append(parts, title)

	if m.Status != nil {
		parts = append(parts, formatState(m.Status.State))
		if m.Status.UserID != "" {
			parts = append(parts, subtleStyle.Render(m.Status.UserID))
		}
		if m.Status.Bootstrapping {
			parts = append(parts, fmt.Sprintf("bootstrap %d/%d", m.Status.Progress.Processed, m.Status.Progress.Total))
		}
	} else {
		parts = append(parts, subtleStyle.Render("local"))
	}
	parts = append(parts, subtleStyle.Render("device "+truncateString(m.DeviceID, 12)))
	checkpoint := m.Checkpoint
	if checkpoint == "" {
		checkpoint = "none"
	}
	parts = append(parts, subtleStyle.Render("checkpoint "+checkpoint))
	return truncateString(strings.Join(parts, "  "), m.Width)
}

func (m Model) pendingLines() []string {
	if m.PendingTotal == 0 {
		return []string{subtleStyle.Render("Nothing to push")}
	}

	tables := make([]string, 0, len(m.PendingByTable))
	for t, n := range m.PendingByTable {
		if n > 0 {
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)
	counts := make([]string, 0, len(tables))
	for _, t := range tables {
		counts = append(counts, fmt.Sprintf("%s:%d", t, m.PendingByTable[t]))
	}

	lines := []string{fmt.Sprintf("%d events  %s", m.PendingTotal, subtleStyle.Render(strings.Join(counts, " ")))}
	for _, ev := range m.Pending {
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			timestampStyle.Render(ev.Timestamp.Local().Format("15:04:05")),
			formatSyncState(ev.SyncState),
			ev.Type,
			truncateString(ev.EntityID, 20),
		))
	}
	return lines
}

func (m Model) historyLines() []string {
	if len(m.History) == 0 {
		return []string{subtleStyle.Render("No sync activity yet")}
	}
	lines := make([]string, 0, len(m.History))
	for _, h := range m.History {
		seq := ""
		if h.ServerSeq > 0 {
			seq = subtleStyle.Render(fmt.Sprintf("#%d", h.ServerSeq))
		}
		line := fmt.Sprintf("%s %s %s %s %s",
			timestampStyle.Render(h.Timestamp.Local().Format("15:04:05")),
			formatDirection(h.Direction),
			h.EventType,
			truncateString(h.EntityID, 20),
			seq,
		)
		if h.Outcome == "conflict" || h.Outcome == "deferred" {
			line += " " + errorStyle.Render(h.Outcome)
		}
		lines = append(lines, line)
	}
	return lines
}

func (m Model) conflictLines() []string {
	var lines []string
	if len(m.Conflicts) == 0 {
		lines = append(lines, subtleStyle.Render("No open conflicts"))
	}
	for _, c := range m.Conflicts {
		lines = append(lines, errorStyle.Render("! ")+output.FormatConflict(c))
	}

	lines = append(lines, "", subtleStyle.Render(fmt.Sprintf("Devices (%d)", len(m.Devices))))
	for _, d := range m.Devices {
		lines = append(lines, output.FormatDevice(d, d.ID == m.DeviceID))
	}
	return lines
}

// renderPanel renders a panel with title and scrollable content
func (m Model) renderPanel(title string, lines []string, height int, panel Panel) string {
	contentHeight := height - 3 // border (2) + title (1)
	if contentHeight < 1 {
		contentHeight = 1
	}

	offset := m.ScrollOffset[panel]
	if offset > len(lines)-1 {
		offset = max(len(lines)-1, 0)
	}
	end := min(offset+contentHeight, len(lines))

	var content strings.Builder
	content.WriteString(panelTitleStyle.Render(title))
	for _, line := range lines[offset:end] {
		content.WriteString("\n")
		content.WriteString(truncateString(line, m.Width-4))
	}
	return m.wrapPanel(content.String(), m.Width, height, panel)
}

// wrapPanel wraps content in a panel with borders
func (m Model) wrapPanel(content string, width, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}
	return style.
		Width(width - 2).
		Height(height - 2).
		Render(content)
}

// renderCompact renders a single-line view for small terminals
func (m Model) renderCompact() string {
	state := "local"
	if m.Status != nil {
		state = string(m.Status.State)
	}
	line := fmt.Sprintf("%s | pending %d | conflicts %d", state, m.PendingTotal, len(m.Conflicts))
	return truncateString(line, m.Width)
}

// renderFooter renders the footer with key hints and refresh time
func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:panel  j/k:scroll  r:refresh  ?:help")

	var alert string
	if n := len(m.Conflicts); n > 0 {
		alert = conflictAlertStyle.Render(fmt.Sprintf(" %d CONFLICT(S) ", n)) + " "
	}

	var errText string
	if m.Err != nil {
		errText = errorStyle.Render("error: "+m.Err.Error()) + " "
	} else if m.Status != nil && m.Status.LastError != "" {
		errText = errorStyle.Render("last sync: "+m.Status.LastError) + " "
	}

	refresh := ""
	if !m.LastRefresh.IsZero() {
		refresh = timestampStyle.Render(" updated " + output.FormatTimeAgo(m.LastRefresh))
	}
	return truncateString(alert+errText+keys+refresh, m.Width)
}

// renderHelp renders the help overlay
func (m Model) renderHelp() string {
	help := `
MONITOR HELP

Navigation:
  Tab / Shift+Tab   Switch panel
  1 / 2 / 3         Jump to panel
  j / k             Scroll down / up

Actions:
  r                 Refresh now
  ?                 Toggle help
  q / Ctrl+C        Quit

Panels:
  PENDING           Local events waiting to be pushed
  SYNC HISTORY      Recently pushed and pulled events
  CONFLICTS         Unresolved concurrent edits and known devices

Press ? to close help
`
	return lipgloss.NewStyle().
		Width(m.Width).
		Height(m.Height).
		Padding(1, 2).
		Render(help)
}

// truncateString truncates a string to fit within maxWidth display columns
func truncateString(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+3 > maxWidth {
		runes = runes[:len(runes)-1]
	}
	if maxWidth <= 3 {
		return string(runes)
	}
	return string(runes) + "..."
}
