package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/skylink/cloud"
)

// StateModel shows the cloud client state.
type StateModel struct {
	state    cloud.State
	quitting bool
}

// NewStateModel creates a state panel.
func NewStateModel(st cloud.State) StateModel {
	return StateModel{state: st}
}

// Init implements tea.Model.
func (m StateModel) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m StateModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m StateModel) View() string {
	if m.quitting {
		return ""
	}
	st := m.state

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Cloud Session"))
	b.WriteString("\n\n")

	ready := ErrorStyle.Render("no")
	if st.Initialized {
		ready = SuccessStyle.Render("yes")
	}
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(label), value)
	}
	line("Initialized:", ready)
	line("Session:", ValueStyle.Render(fmt.Sprintf("%d", st.Session.ID)))
	if st.Session.DeviceID != "" {
		line("Device ID:", ValueStyle.Render(st.Session.DeviceID))
	}
	if st.Session.DeviceName != "" {
		line("Device name:", ValueStyle.Render(st.Session.DeviceName))
	}
	line("Last seen:", ValueStyle.Render(FormatTimestamp(st.LastSeen)))
	line("Firmware:", FirmwareStyle(st.FirmwareState).Render(st.FirmwareState))
	line("Sequence:", ValueStyle.Render(fmt.Sprintf("next %d, last received %d", st.NextSequence, st.LastReceived)))
	line("Poll interval:", ValueStyle.Render(st.PollInterval))

	return BoxStyle.Render(b.String()) + "\n" + HelpStyle.Render("Press q or Ctrl+C to quit")
}
