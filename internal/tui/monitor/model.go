package monitor

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/dqsync/internal/db"
	"github.com/marcus/dqsync/internal/events"
	"github.com/marcus/dqsync/internal/models"
	dqsync "github.com/marcus/dqsync/internal/sync"
)

// Panel represents which panel is active
type Panel int

const (
	PanelPending Panel = iota
	PanelHistory
	PanelConflicts
)

const panelCount = 3

// DefaultInterval matches the orchestrator's status refresh period.
const DefaultInterval = 3 * time.Second

// Model is the main Bubble Tea model for the sync monitor
type Model struct {
	DB             *db.DB
	InstallationID string
	DeviceID       string
	StatusFn       StatusFunc

	// Window dimensions
	Width  int
	Height int

	// Panel data
	Status         *dqsync.Status
	Pending        []events.Event
	PendingTotal   int64
	PendingByTable map[string]int64
	Conflicts      []models.Conflict
	History        []db.SyncHistoryEntry
	Devices        []models.Device
	Checkpoint     string

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	Refreshing   bool
	LastRefresh  time.Time
	Err          error

	spinner spinner.Model

	RefreshInterval time.Duration
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 15

// TickMsg triggers a data refresh
type TickMsg time.Time

// NewModel creates a new monitor model
func NewModel(database *db.DB, installationID, deviceID string, status StatusFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Model{
		DB:              database,
		InstallationID:  installationID,
		DeviceID:        deviceID,
		StatusFn:        status,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelPending,
		Refreshing:      true,
		spinner:         spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		m.Refreshing = true
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case RefreshDataMsg:
		m.Refreshing = false
		m.Err = msg.Err
		if msg.Err != nil {
			return m, nil
		}
		m.Status = msg.Status
		m.Pending = msg.Pending
		m.PendingTotal = msg.PendingTotal
		m.PendingByTable = msg.PendingByTable
		m.Conflicts = msg.Conflicts
		m.History = msg.History
		m.Devices = msg.Devices
		m.Checkpoint = msg.Checkpoint
		m.LastRefresh = msg.Timestamp
		return m, nil
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % panelCount
	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + panelCount - 1) % panelCount
	case "1":
		m.ActivePanel = PanelPending
	case "2":
		m.ActivePanel = PanelHistory
	case "3":
		m.ActivePanel = PanelConflicts

	case "j", "down":
		if m.ScrollOffset[m.ActivePanel] < m.panelLen(m.ActivePanel)-1 {
			m.ScrollOffset[m.ActivePanel]++
		}
	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}

	case "r":
		m.Refreshing = true
		return m, m.fetchData()

	case "?":
		m.ShowHelp = !m.ShowHelp
	}
	return m, nil
}

func (m Model) panelLen(p Panel) int {
	switch p {
	case PanelPending:
		return len(m.Pending)
	case PanelHistory:
		return len(m.History)
	case PanelConflicts:
		return len(m.Conflicts)
	}
	return 0
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches all data and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	return func() tea.Msg {
		return FetchData(m.DB, m.InstallationID, m.StatusFn)
	}
}
