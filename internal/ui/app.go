// Package ui is the terminal dashboard: live network, model, balance and
// job panels plus a prompt box that submits and tracks one job at a time.
package ui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bcrosbie/gridlink/internal/channel"
	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/projection"
	"github.com/bcrosbie/gridlink/internal/tracking"
)

// Engine is the slice of the sync engine the dashboard reads and drives.
type Engine interface {
	Snapshot() projection.Snapshot
	Phase() channel.Phase
	TrackingStatus() tracking.Status
	Submit(ctx context.Context, prompt, model string) (tracking.Outcome, error)
	Watch() (<-chan struct{}, func())
}

type focus int

const (
	focusPrompt focus = iota
	focusModels
)

type changedMsg struct{}

type submitDoneMsg struct {
	outcome tracking.Outcome
	err     error
}

type model struct {
	engine    Engine
	statePath string
	uiState   State

	width  int
	height int

	snap   projection.Snapshot
	phase  channel.Phase
	status tracking.Status

	models   []string
	modelIdx int
	focus    focus

	prompt  textarea.Model
	spinner spinner.Model

	watch       <-chan struct{}
	stopWatch   func()
	cancelRun   context.CancelFunc
	statusLine  string
	statusIsErr bool
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
)

// Run blocks until the user quits the dashboard.
func Run(engine Engine, statePath string) error {
	m, err := newModel(engine, statePath)
	if err != nil {
		return err
	}
	defer m.stopWatch()
	program := tea.NewProgram(m, tea.WithAltScreen())
	final, err := program.Run()
	if fm, ok := final.(model); ok && fm.cancelRun != nil {
		fm.cancelRun()
	}
	return err
}

func newModel(engine Engine, statePath string) (model, error) {
	uiState, err := LoadState(statePath)
	if err != nil {
		return model{}, err
	}

	prompt := textarea.New()
	prompt.Placeholder = "Describe the job..."
	prompt.SetValue(uiState.Prompt)
	prompt.Prompt = ""
	prompt.SetHeight(4)
	prompt.SetWidth(80)
	prompt.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	watch, stop := engine.Watch()
	m := model{
		engine:     engine,
		statePath:  statePath,
		uiState:    uiState,
		prompt:     prompt,
		spinner:    spin,
		watch:      watch,
		stopWatch:  stop,
		statusLine: "ctrl+s submit | tab switch focus | ctrl+c quit",
	}
	m.refresh()
	return m, nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.watch), m.spinner.Tick, textarea.Blink)
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func submitCmd(ctx context.Context, engine Engine, prompt, modelName string) tea.Cmd {
	return func() tea.Msg {
		outcome, err := engine.Submit(ctx, prompt, modelName)
		return submitDoneMsg{outcome: outcome, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.prompt.SetWidth(maxInt(40, typed.Width-8))
		return m, nil
	case changedMsg:
		m.refresh()
		return m, waitForChange(m.watch)
	case submitDoneMsg:
		if m.cancelRun != nil {
			m.cancelRun()
			m.cancelRun = nil
		}
		m.refresh()
		m.status = typed.outcome.Status
		m.statusLine = typed.outcome.Text
		m.statusIsErr = typed.err != nil && typed.outcome.State != tracking.StateFailed
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c":
			if m.cancelRun != nil {
				m.cancelRun()
			}
			m.persist()
			return m, tea.Quit
		case "tab", "shift+tab":
			m.toggleFocus()
			return m, nil
		case "ctrl+s":
			return m.submit()
		}
		if m.focus == focusModels {
			switch typed.String() {
			case "[", "left", "h":
				m.cycleModel(-1)
			case "]", "right", "l":
				m.cycleModel(1)
			case "enter":
				return m.submit()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.prompt, cmd = m.prompt.Update(msg)
	return m, cmd
}

func (m *model) refresh() {
	m.snap = m.engine.Snapshot()
	m.phase = m.engine.Phase()
	m.status = m.engine.TrackingStatus()

	selected := m.selectedModel()
	if selected == "" {
		selected = m.uiState.Model
	}
	m.models = make([]string, 0, len(m.snap.Models))
	for _, info := range m.snap.Models {
		m.models = append(m.models, info.Name)
	}
	m.modelIdx = 0
	for i, name := range m.models {
		if name == selected {
			m.modelIdx = i
			break
		}
	}
}

func (m model) selectedModel() string {
	if m.modelIdx < 0 || m.modelIdx >= len(m.models) {
		return ""
	}
	return m.models[m.modelIdx]
}

func (m *model) cycleModel(step int) {
	if len(m.models) == 0 {
		return
	}
	m.modelIdx = (m.modelIdx + step + len(m.models)) % len(m.models)
	m.uiState.Model = m.selectedModel()
}

func (m *model) toggleFocus() {
	if m.focus == focusPrompt {
		m.focus = focusModels
		m.prompt.Blur()
		return
	}
	m.focus = focusPrompt
	m.prompt.Focus()
}

func (m model) submit() (tea.Model, tea.Cmd) {
	if m.status.Busy() || m.cancelRun != nil {
		m.statusLine = "A job is already in progress."
		m.statusIsErr = true
		return m, nil
	}
	m.uiState.Model = m.selectedModel()
	m.uiState.Prompt = m.prompt.Value()
	m.persist()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRun = cancel
	m.statusIsErr = false
	m.statusLine = "Submitting..."
	return m, submitCmd(ctx, m.engine, m.prompt.Value(), m.selectedModel())
}

func (m *model) persist() {
	m.uiState.Prompt = m.prompt.Value()
	if err := SaveState(m.statePath, m.uiState); err != nil {
		m.statusLine = "ui state: " + err.Error()
		m.statusIsErr = true
	}
}

func (m model) View() string {
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(m.viewNetwork()),
		panelStyle.Render(m.viewModels()),
		panelStyle.Render(m.viewBalance()),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("gridlink")+"  "+phaseBadge(m.phase),
		top,
		panelStyle.Render(m.viewFeed()),
		sectionStyle.Render("Prompt")+mutedStyle.Render(focusHint(m.focus == focusPrompt)),
		m.prompt.View(),
		m.viewStatus(),
	)
}

func (m model) viewNetwork() string {
	lines := []string{sectionStyle.Render("Network")}
	if m.snap.Stats == nil {
		return strings.Join(append(lines, mutedStyle.Render("waiting for stats...")), "\n")
	}
	stats := m.snap.Stats
	lines = append(lines,
		"nodes online   "+itoa(stats.ActiveNodes),
		"models         "+itoa(stats.AvailableModels),
		"jobs done      "+itoa(stats.CompletedJobs)+" / "+itoa(stats.TotalJobs),
	)
	return strings.Join(lines, "\n")
}

func (m model) viewModels() string {
	lines := []string{sectionStyle.Render("Models") + mutedStyle.Render(focusHint(m.focus == focusModels))}
	if len(m.snap.Models) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("no models online")), "\n")
	}
	for i, info := range m.snap.Models {
		marker := "  "
		if i == m.modelIdx {
			marker = "> "
		}
		lines = append(lines, marker+info.Name+mutedStyle.Render(" x"+itoa(info.Providers)))
	}
	lines = append(lines, mutedStyle.Render("[ / ] to cycle"))
	return strings.Join(lines, "\n")
}

func (m model) viewBalance() string {
	lines := []string{sectionStyle.Render("Balance")}
	switch {
	case m.snap.Balance != nil:
		lines = append(lines, formatAmount(*m.snap.Balance))
	case m.snap.Loading:
		lines = append(lines, mutedStyle.Render("loading..."))
	default:
		lines = append(lines, mutedStyle.Render("not signed in"))
	}
	return strings.Join(lines, "\n")
}

func (m model) viewFeed() string {
	lines := []string{sectionStyle.Render("Recent jobs")}
	if len(m.snap.Jobs) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("no jobs yet")), "\n")
	}
	for _, job := range m.snap.Jobs {
		lines = append(lines, "#"+itoa(job.ID)+" "+statusStyle(job.Status).Render(padRight(string(job.Status), 9))+" "+
			padRight(job.Model, 14)+" "+mutedStyle.Render(truncate(job.Prompt, 48)))
	}
	return strings.Join(lines, "\n")
}

func (m model) viewStatus() string {
	line := m.statusLine
	if m.status.Busy() {
		line = m.spinner.View() + " " + m.status.Text
	} else if m.status.State != "" && m.status.State != tracking.StateIdle && m.status.Text != "" {
		line = m.status.Text
	}
	style := mutedStyle
	switch {
	case m.statusIsErr || m.status.State == tracking.StateFailed || m.status.State == tracking.StateRejected:
		style = errStyle
	case m.status.State == tracking.StateCompleted:
		style = okStyle
	case m.status.State == tracking.StateTimedOut:
		style = warnStyle
	}
	out := []string{style.Render(line)}
	if m.status.Result != "" {
		out = append(out, sectionStyle.Render("Result"), truncate(m.status.Result, 2000))
	}
	return strings.Join(out, "\n")
}

func phaseBadge(phase channel.Phase) string {
	switch phase {
	case channel.PhaseOpen:
		return okStyle.Render("live")
	case channel.PhaseConnecting:
		return warnStyle.Render("connecting")
	case channel.PhaseClosed:
		return warnStyle.Render("reconnecting")
	default:
		return mutedStyle.Render("offline")
	}
}

func statusStyle(status domain.JobStatus) lipgloss.Style {
	switch status {
	case domain.StatusCompleted:
		return okStyle
	case domain.StatusFailed:
		return errStyle
	case domain.StatusRunning:
		return warnStyle
	default:
		return mutedStyle
	}
}

func focusHint(focused bool) string {
	if focused {
		return " *"
	}
	return ""
}
