package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/skylink/metrics"
)

// Fetch loads a fresh snapshot for the live dashboard.
type Fetch func() (metrics.Snapshot, error)

type snapshotMsg struct {
	snap metrics.Snapshot
	err  error
}

type tickMsg time.Time

// MetricsModel is the metrics dashboard. With a Fetch it refreshes on
// every interval and on "r".
type MetricsModel struct {
	snap     metrics.Snapshot
	err      error
	fetch    Fetch
	interval time.Duration
	help     help.Model
	width    int
	quitting bool
}

// NewMetricsModel creates a dashboard for snap. fetch may be nil for a
// static view.
func NewMetricsModel(snap metrics.Snapshot, fetch Fetch, interval time.Duration) MetricsModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return MetricsModel{snap: snap, fetch: fetch, interval: interval, help: help.New()}
}

func (m MetricsModel) tick() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m MetricsModel) load() tea.Cmd {
	if m.fetch == nil {
		return nil
	}
	fetch := m.fetch
	return func() tea.Msg {
		snap, err := fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

// Init implements tea.Model.
func (m MetricsModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m MetricsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.load()
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m MetricsModel) View() string {
	if m.quitting {
		return ""
	}
	s := m.snap

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Cloud Traffic"))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Uplinks", s.UplinkCount, highlightColor),
		statBox("Downlinks", s.DownlinkCount, highlightColor),
		statBox("Polls", s.PollCount, successColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Uplink errors", s.UplinkErrors, errorColor),
		statBox("Downlink errors", s.DownlinkErrors, errorColor),
		statBox("Shell batches", s.RecvShellCount, warningColor),
	))
	b.WriteString("\n\n")

	rows := []struct {
		label string
		value string
	}{
		{"Uplink bytes:", fmt.Sprintf("%d in %d fragments", s.UplinkBytes, s.UplinkFragments)},
		{"Downlink bytes:", fmt.Sprintf("%d in %d fragments", s.DownlinkBytes, s.DownlinkFragments)},
		{"Data sent:", fmt.Sprintf("%d (last %s)", s.UplinkDataCount, FormatTimestamp(s.UplinkDataLastTS))},
		{"Data received:", fmt.Sprintf("%d (last %s)", s.DownlinkDataCount, FormatTimestamp(s.DownlinkDataLastTS))},
		{"Last seen:", FormatTimestamp(s.LastSeen())},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(r.label), ValueStyle.Render(r.value))
	}
	if m.err != nil {
		b.WriteString(ErrorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	return b.String() + HelpStyle.Render(m.help.View(keys))
}

func statBox(label string, value int64, color lipgloss.Color) string {
	val := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	return StatBoxStyle.BorderForeground(color).Render(
		lipgloss.JoinVertical(lipgloss.Center, val, StatLabelStyle.Render(label)))
}

// FormatTimestamp renders a millisecond timestamp, or "never".
func FormatTimestamp(ms int64) string {
	if ms < 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
