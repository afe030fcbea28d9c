package tui

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"sfplink/internal/link"
)

// Run starts the live monitor for the given manager.
func Run(mgr *link.Manager, mode link.Mode) error {
	m := NewModel(mgr, mode)

	// Manager callbacks fire from its goroutines; bridge them into the
	// program's message loop through the model's event channel. Dropping
	// an update when the channel is full is fine, the next poll
	// refreshes it.
	mgr.SetHandlers(
		func(s link.ConnState) {
			select {
			case m.events <- stateMsg(s):
			default:
			}
		},
		func(snap link.StatusSnapshot) {
			select {
			case m.events <- statusMsg(snap):
			default:
			}
		},
	)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running monitor: %v\n", err)
		return err
	}

	return mgr.Disconnect()
}
