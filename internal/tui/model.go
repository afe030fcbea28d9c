package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"sfplink/internal/link"
)

// stateMsg announces a connection state change from the manager.
type stateMsg link.ConnState

// statusMsg delivers a fresh status snapshot from the poll loop.
type statusMsg link.StatusSnapshot

// connectResultMsg reports the outcome of an async connect.
type connectResultMsg struct {
	err error
}

// disconnectedMsg reports a completed caller-initiated disconnect.
type disconnectedMsg struct{}

// Model is the Bubbletea model for the live status monitor.
type Model struct {
	mgr  *link.Manager
	mode link.Mode

	styles  Styles
	keys    KeyMap
	help    help.Model
	battery progress.Model

	// events bridges manager callbacks into the message loop.
	events chan tea.Msg

	state      link.ConnState
	snap       *link.StatusSnapshot
	connecting bool
	err        error
	width      int
}

// NewModel creates the monitor model for a disconnected manager.
func NewModel(mgr *link.Manager, mode link.Mode) Model {
	return Model{
		mgr:     mgr,
		mode:    mode,
		styles:  DefaultStyles(),
		keys:    DefaultKeyMap(),
		help:    help.New(),
		battery: progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		events:  make(chan tea.Msg, 8),
		state:   link.Disconnected,
		// Init fires the first connect, so the model starts out
		// connecting rather than idle.
		connecting: true,
	}
}

// Init connects immediately and starts draining manager events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connectCmd(), m.waitEvent())
}

func (m Model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		return connectResultMsg{err: m.mgr.Connect(context.Background(), m.mode)}
	}
}

func (m Model) disconnectCmd() tea.Cmd {
	return func() tea.Msg {
		_ = m.mgr.Disconnect()
		return disconnectedMsg{}
	}
}

// waitEvent blocks on the next bridged manager event. Re-issued after
// every event so the channel always has a reader.
func (m Model) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

// Update handles messages and keybindings.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Connect):
			if m.state == link.Disconnected && !m.connecting {
				m.connecting = true
				m.err = nil
				return m, m.connectCmd()
			}
		case key.Matches(msg, m.keys.Disconnect):
			if m.state != link.Disconnected {
				return m, m.disconnectCmd()
			}
		}
		return m, nil

	case connectResultMsg:
		m.connecting = false
		m.err = msg.err
		return m, nil

	case disconnectedMsg:
		return m, nil

	case stateMsg:
		m.state = link.ConnState(msg)
		if m.state == link.Disconnected {
			m.snap = nil
		}
		return m, m.waitEvent()

	case statusMsg:
		snap := link.StatusSnapshot(msg)
		m.snap = &snap
		return m, m.waitEvent()
	}

	return m, nil
}

// View renders the monitor.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("sfplink"))
	b.WriteString("\n")

	b.WriteString(m.styles.Label.Render("State"))
	switch {
	case m.connecting:
		b.WriteString(m.styles.Warning.Render("connecting..."))
	case m.state == link.Connected:
		b.WriteString(m.styles.StatusOnline.Render("connected"))
	default:
		b.WriteString(m.styles.StatusOffline.Render(string(m.state)))
	}
	b.WriteString("\n")

	if m.snap != nil {
		b.WriteString(m.styles.Label.Render("Firmware"))
		b.WriteString(m.styles.Value.Render(m.snap.FirmwareVersion))
		b.WriteString("\n")

		b.WriteString(m.styles.Label.Render("Battery"))
		b.WriteString(m.battery.ViewAs(float64(m.snap.BatteryPercent) / 100))
		b.WriteString(m.styles.Value.Render(fmt.Sprintf(" %d%%", m.snap.BatteryPercent)))
		b.WriteString("\n")

		b.WriteString(m.styles.Label.Render("SFP module"))
		if m.snap.SFPPresent {
			b.WriteString(m.styles.Success.Render("present"))
		} else {
			b.WriteString(m.styles.Muted.Render("not inserted"))
		}
		b.WriteString("\n")
	} else if m.state == link.Connected {
		b.WriteString(m.styles.Muted.Render("Waiting for first status report..."))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))

	return m.styles.App.Render(b.String())
}
