package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keybindings for the monitor.
type KeyMap struct {
	Connect    key.Binding
	Disconnect key.Binding
	Quit       key.Binding
}

// DefaultKeyMap returns the default keybindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Connect: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "connect"),
		),
		Disconnect: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "disconnect"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings to show in the help line.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Connect, k.Disconnect, k.Quit}
}

// FullHelp returns keybindings for the expanded help view.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Connect, k.Disconnect, k.Quit},
	}
}
