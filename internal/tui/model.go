package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/blesense/internal/ble"
	"github.com/chaz8081/blesense/internal/ble/protocol"
	"github.com/chaz8081/blesense/internal/session"
)

// Source is the read side of a session the live view renders.
// *session.Handle implements it.
type Source interface {
	Status() ble.Status
	Latest() (protocol.Sample, bool)
	History(field string) []session.Point
	Fields() []string
	LastDecodeError() error
	Peripheral() (ble.Peripheral, bool)
	Updates() <-chan struct{}
	Restart() error
}

var _ Source = (*session.Handle)(nil)

const defaultChartWidth = 40

// Model is the Bubbletea model for the live view.
type Model struct {
	src    Source
	target string

	// Snapshot of the session, refreshed on every update signal.
	status     ble.Status
	latest     protocol.Sample
	hasLatest  bool
	histories  map[string][]session.Point
	fields     []string
	decodeErr  error
	peripheral ble.Peripheral
	found      bool
	closed     bool
	errorMsg   string

	width int

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// updateMsg signals the session published new state.
type updateMsg struct{}

// sessionClosedMsg signals the session's update channel closed.
type sessionClosedMsg struct{}

// restartMsg delivers the result of a restart request.
type restartMsg struct {
	err error
}

// NewModel creates a live view over src. target is shown in the title bar.
func NewModel(src Source, target string) Model {
	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	m := Model{
		src:     src,
		target:  target,
		keys:    DefaultKeyMap(),
		help:    h,
		spinner: s,
		styles:  DefaultStyles(),
	}
	m.refresh()
	return m
}

// Init starts the spinner and begins listening for session updates.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.src), m.spinner.Tick)
}

func waitForUpdate(src Source) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-src.Updates(); !ok {
			return sessionClosedMsg{}
		}
		return updateMsg{}
	}
}

func restartCmd(src Source) tea.Cmd {
	return func() tea.Msg {
		return restartMsg{err: src.Restart()}
	}
}

func (m *Model) refresh() {
	m.status = m.src.Status()
	m.latest, m.hasLatest = m.src.Latest()
	m.fields = m.src.Fields()
	m.histories = make(map[string][]session.Point, len(m.fields))
	for _, f := range m.fields {
		m.histories[f] = m.src.History(f)
	}
	m.decodeErr = m.src.LastDecodeError()
	m.peripheral, m.found = m.src.Peripheral()
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Restart):
			if m.status.State != ble.StateFailed {
				return m, nil
			}
			m.errorMsg = ""
			return m, restartCmd(m.src)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case updateMsg:
		m.refresh()
		return m, waitForUpdate(m.src)

	case sessionClosedMsg:
		m.refresh()
		m.closed = true
		return m, nil

	case restartMsg:
		if msg.err != nil {
			m.errorMsg = msg.err.Error()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the live view.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.TitleBar.Render(m.styles.Title.Render("blesense") + " " + m.target))
	b.WriteString("\n")
	b.WriteString(m.viewStatus())
	b.WriteString("\n\n")
	b.WriteString(m.viewReadouts())

	if m.decodeErr != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render("last decode error: " + m.decodeErr.Error()))
	}
	if m.errorMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.errorMsg))
	}

	b.WriteString("\n")
	b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))
	return m.styles.App.Render(b.String())
}

func (m Model) viewStatus() string {
	var state string
	switch m.status.State {
	case ble.StateConnected:
		state = m.styles.StatusOnline.Render(m.status.String())
	case ble.StateFailed, ble.StateStopped, ble.StateDisconnected:
		state = m.styles.StatusOffline.Render(m.status.String())
	case ble.StateIdle:
		state = m.styles.StatusPending.Render(m.status.String())
	default:
		state = m.spinner.View() + " " + m.styles.StatusPending.Render(m.status.String())
	}

	line := m.styles.StatusKey.Render("status") + state
	if m.found {
		line += "  " + m.styles.StatusKey.Render("device") + fmt.Sprintf("%s (%s)", m.peripheral.Name, m.peripheral.ID)
	}
	if m.status.State == ble.StateFailed {
		line += "\n" + m.styles.Muted.Render("press r to reconnect")
	}
	if m.closed {
		line += "\n" + m.styles.Muted.Render("session ended")
	}
	return line
}

func (m Model) viewReadouts() string {
	if len(m.fields) == 0 {
		return m.styles.Muted.Render("no fields tracked")
	}

	width := defaultChartWidth
	if m.width > 0 {
		// label + value columns + padding
		if w := m.width - 10 - 12 - 8; w > 0 && w < width {
			width = w
		}
	}

	var b strings.Builder
	for i, f := range m.fields {
		if i > 0 {
			b.WriteString("\n")
		}
		value := "-"
		if m.hasLatest {
			if v, ok := m.latest.Value(f); ok {
				value = formatValue(v)
			}
		}
		b.WriteString(m.styles.Label.Render(f))
		b.WriteString(m.styles.Value.Render(value))
		b.WriteString(m.styles.Chart.Render(Sparkline(m.histories[f], width)))
	}
	if !m.hasLatest {
		b.WriteString("\n")
		b.WriteString(m.styles.Muted.Render("waiting for data..."))
	}
	return b.String()
}
