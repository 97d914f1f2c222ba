package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/skylink/cloud"
	"github.com/pithecene-io/skylink/metrics"
)

// View types with TUI support.
const (
	ViewMetrics = "metrics"
	ViewState   = "state"
)

// IsTUISupported reports whether a view type supports TUI mode.
func IsTUISupported(viewType string) bool {
	return viewType == ViewMetrics || viewType == ViewState
}

func model(viewType string, data any) (tea.Model, error) {
	switch viewType {
	case ViewMetrics:
		switch d := data.(type) {
		case metrics.Snapshot:
			return NewMetricsModel(d, nil, 0), nil
		case MetricsModel:
			return d, nil
		}
	case ViewState:
		if st, ok := data.(cloud.State); ok {
			return NewStateModel(st), nil
		}
	default:
		return nil, fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
	return nil, fmt.Errorf("invalid data type %T for %s", data, viewType)
}

// Run starts the TUI for a view.
func Run(viewType string, data any) error {
	m, err := model(viewType, data)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// RenderStatic renders a view once, without a terminal program.
func RenderStatic(viewType string, data any) (string, error) {
	m, err := model(viewType, data)
	if err != nil {
		return "", err
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View()), nil
}
