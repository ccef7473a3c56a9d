// Package tui renders a live progress view for a running workflow. The view
// only reads persisted state; it never invokes a stage.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/workflow"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

type summaryMsg struct {
	summary store.Summary
	report  tracker.MissingReport
	err     error
}

type refreshRequest struct{}

// Model is the bubbletea model backing `crucible watch`.
type Model struct {
	store      *store.Store
	tracker    *tracker.Tracker
	workflowID string

	spinner spinner.Model
	summary store.Summary
	report  tracker.MissingReport
	loaded  bool
	err     error
}

// NewModel builds a watch model for one workflow.
func NewModel(s *store.Store, tr *tracker.Tracker, workflowID string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		store:      s,
		tracker:    tr,
		workflowID: workflowID,
		spinner:    sp,
	}
}

// Init starts the spinner and the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

// Update handles poll results, refresh ticks, and key presses.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case summaryMsg:
		m.err = msg.err
		if msg.err == nil {
			m.loaded = true
			m.summary = msg.summary
			m.report = msg.report
		}
		if m.finished() {
			return m, tea.Quit
		}
		return m, m.scheduleRefresh()
	case refreshRequest:
		return m, m.poll()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	default:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
}

// View renders the stage table for the last polled summary.
func (m Model) View() string {
	if m.err != nil {
		return fmt.Sprintf("watch error: %v\n", m.err)
	}
	if !m.loaded {
		return m.spinner.View() + " loading workflow state…\n"
	}
	manifest := m.summary.Manifest
	lines := []string{
		titleStyle.Render(fmt.Sprintf("Workflow %s", manifest.WorkflowID)),
		detailStyle.Render(fmt.Sprintf("Status: %s · Progress: %.0f%%", manifest.Status, m.summary.ProgressPercent)),
		"",
	}
	failed := map[string]bool{}
	for _, name := range m.report.Failed {
		failed[name] = true
	}
	for _, name := range manifest.StageSequence {
		lines = append(lines, m.renderStageLine(name, manifest, failed))
	}
	if manifest.FailureNote != "" {
		lines = append(lines, "", failedStyle.Render("failure: "+manifest.FailureNote))
	}
	if !m.finished() {
		lines = append(lines, "", m.spinner.View()+detailStyle.Render(" polling · q to quit"))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m Model) renderStageLine(name string, manifest workflow.Manifest, failed map[string]bool) string {
	switch {
	case manifest.StageCompleted(name):
		return completedStyle.Render("  ✓ " + name)
	case failed[name]:
		return failedStyle.Render("  ✗ " + name)
	default:
		return pendingStyle.Render("  · " + name)
	}
}

func (m Model) finished() bool {
	return m.loaded && m.summary.Manifest.Status.Terminal()
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		summary, err := m.store.GetSummary(m.workflowID)
		if err != nil {
			return summaryMsg{err: err}
		}
		report, err := m.tracker.MissingStages(m.workflowID, summary.Manifest.StageSequence)
		if err != nil {
			return summaryMsg{err: err}
		}
		return summaryMsg{summary: summary, report: report}
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshRequest{}
	})
}

// Run starts the interactive watch session.
func Run(s *store.Store, tr *tracker.Tracker, workflowID string) error {
	program := tea.NewProgram(NewModel(s, tr, workflowID))
	_, err := program.Run()
	return err
}
