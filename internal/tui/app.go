package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

// Store is what the monitor reads and writes. *storage.Storage satisfies it.
type Store interface {
	List(ctx context.Context, opts storage.ListOptions) ([]*models.RunRecord, error)
	ListPendingCheckpoints(ctx context.Context, runID string) ([]*models.CheckpointRequest, error)
	SubmitDecision(ctx context.Context, id int64, decision models.Decision, feedback string) error
	RequestPause(ctx context.Context, runID string) error
}

// KillFunc terminates a live run. It is optional.
type KillFunc func(ctx context.Context, runID string) error

type View int

const (
	ViewRunList View = iota
	ViewCheckpoint
	ViewFeedback
)

const refreshInterval = 2 * time.Second

// App is a bubbletea model that lists runs and answers their checkpoints
// from a separate process.
type App struct {
	store Store
	kill  KillFunc
	limit int

	view        View
	runs        []*models.RunRecord
	pending     map[string]*models.CheckpointRequest
	selectedIdx int

	request  *models.CheckpointRequest
	rendered string
	decision models.Decision
	input    textinput.Model

	status string
	width  int
	height int
	err    error
}

func NewApp(store Store, kill KillFunc) *App {
	ti := textinput.New()
	ti.Placeholder = "feedback"
	ti.CharLimit = 2000
	ti.Width = 72
	return &App{
		store:   store,
		kill:    kill,
		limit:   30,
		view:    ViewRunList,
		pending: map[string]*models.CheckpointRequest{},
		input:   ti,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case refreshedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.runs = msg.runs
			a.pending = msg.pending
			if a.selectedIdx >= len(a.runs) {
				a.selectedIdx = max(len(a.runs)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh, a.tickCmd())

	case actionDoneMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.status = msg.status
		a.closeCheckpoint()
		return a, a.refresh
	}

	if a.view == ViewFeedback {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewCheckpoint:
		return a.handleCheckpointKey(msg)
	case ViewFeedback:
		return a.handleFeedbackKey(msg)
	}
	return a, nil
}

func (a *App) selected() *models.RunRecord {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		run := a.selected()
		if run == nil {
			return a, nil
		}
		req, ok := a.pending[run.RunID]
		if !ok {
			a.status = fmt.Sprintf("run %s has no pending checkpoint", shortID(run.RunID))
			return a, nil
		}
		a.openCheckpoint(req)

	case "r":
		return a, a.refresh

	case "p":
		if run := a.selected(); run != nil {
			return a, a.pauseRun(run.RunID)
		}

	case "K":
		if run := a.selected(); run != nil && a.kill != nil {
			return a, a.killRun(run.RunID)
		}
	}

	return a, nil
}

func (a *App) handleCheckpointKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.closeCheckpoint()

	case "ctrl+c":
		return a, tea.Quit

	case "a":
		return a, a.submit(models.DecisionApprove, "")

	case "x":
		return a, a.submit(models.DecisionReject, "")

	case "r":
		return a, a.askFeedback(models.DecisionRevise)

	case "i":
		return a, a.askFeedback(models.DecisionInstruct)
	}
	return a, nil
}

func (a *App) handleFeedbackKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return a, tea.Quit

	case tea.KeyEsc:
		a.input.Blur()
		a.input.Reset()
		a.view = ViewCheckpoint
		return a, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(a.input.Value())
		if text == "" {
			a.status = "feedback is required"
			return a, nil
		}
		return a, a.submit(a.decision, text)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) openCheckpoint(req *models.CheckpointRequest) {
	a.request = req
	a.rendered = renderPayload(req.Payload)
	a.status = ""
	a.view = ViewCheckpoint
}

func (a *App) closeCheckpoint() {
	a.request = nil
	a.rendered = ""
	a.decision = ""
	a.input.Blur()
	a.input.Reset()
	a.view = ViewRunList
}

func (a *App) askFeedback(d models.Decision) tea.Cmd {
	a.decision = d
	a.input.Reset()
	if d == models.DecisionInstruct {
		a.input.Placeholder = "rule to add to the project"
	} else {
		a.input.Placeholder = "what should change"
	}
	a.view = ViewFeedback
	return a.input.Focus()
}

// renderPayload shows the stored JSON payload as YAML, falling back to the
// raw text when it does not decode.
func renderPayload(raw string) string {
	var p checkpoint.Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return raw
	}
	out, err := checkpoint.RenderYAML(p)
	if err != nil {
		return raw
	}
	return out
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewCheckpoint:
		return a.viewCheckpoint()
	case ViewFeedback:
		return a.viewFeedback()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusWaiting   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("levelup") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `levelup run`.\n"
	} else {
		s += fmt.Sprintf("Runs (%d waiting for a decision)\n", len(a.pending))
		s += "────────────────────────────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.IsTerminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	if a.status != "" {
		s += "\n" + labelStyle.Render(a.status) + "\n"
	}
	help := "[enter] decide  [p] pause  [r] refresh  [q] quit"
	if a.kill != nil {
		help = "[enter] decide  [p] pause  [K] kill  [r] refresh  [q] quit"
	}
	s += "\n" + helpStyle.Render(help)

	return s
}

func (a *App) formatRunLine(run *models.RunRecord) string {
	status := formatStatus(run.Status)
	age := formatAge(run.UpdatedAt)
	step := run.CurrentStep
	if _, ok := a.pending[run.RunID]; ok {
		step += "*"
	}
	title := truncate(run.TaskTitle, 35)
	return fmt.Sprintf("%-8s %s  %-14s %6s  $%-6.2f %s", shortID(run.RunID), status, step, age, run.TotalCost, title)
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func formatStatus(status models.RunStatus) string {
	label := fmt.Sprintf("%-18s", status)
	switch status {
	case models.RunStatusRunning, models.RunStatusPending:
		return statusRunning.Render("● " + label)
	case models.RunStatusWaitingForInput:
		return statusWaiting.Render("? " + label)
	case models.RunStatusPaused:
		return statusPaused.Render("‖ " + label)
	case models.RunStatusCompleted:
		return statusCompleted.Render("✓ " + label)
	case models.RunStatusFailed, models.RunStatusAborted:
		return statusFailed.Render("✗ " + label)
	default:
		return "  " + label
	}
}

func (a *App) viewCheckpoint() string {
	if a.request == nil {
		return "No checkpoint selected"
	}
	req := a.request

	header := fmt.Sprintf("Checkpoint: %s", req.StepName)
	s := titleStyle.Render(header) + "  " + dimStyle.Render("run "+req.RunID) + "\n"
	s += labelStyle.Render(fmt.Sprintf("Request #%d, opened %s ago", req.ID, formatAge(req.CreatedAt))) + "\n\n"
	s += a.rendered + "\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	s += "\n" + helpStyle.Render("[a] approve  [r] revise  [i] instruct  [x] reject  [esc] back")
	return s
}

func (a *App) viewFeedback() string {
	label := "Feedback"
	if a.decision == models.DecisionInstruct {
		label = "Rule to add"
	}
	s := titleStyle.Render(fmt.Sprintf("%s: %s", capitalize(string(a.decision)), a.request.StepName)) + "\n\n"
	s += labelStyle.Render(label+":") + "\n"
	s += a.input.View() + "\n"
	if a.status != "" {
		s += "\n" + statusFailed.Render(a.status) + "\n"
	}
	s += "\n" + helpStyle.Render("[enter] submit  [esc] back")
	return s
}

// Messages

type refreshedMsg struct {
	runs    []*models.RunRecord
	pending map[string]*models.CheckpointRequest
	err     error
}

type actionDoneMsg struct {
	status string
	err    error
}

// Commands

func (a *App) refresh() tea.Msg {
	ctx := context.Background()
	runs, err := a.store.List(ctx, storage.ListOptions{Limit: a.limit})
	if err != nil {
		return refreshedMsg{err: err}
	}
	reqs, err := a.store.ListPendingCheckpoints(ctx, "")
	if err != nil {
		return refreshedMsg{err: err}
	}
	pending := make(map[string]*models.CheckpointRequest, len(reqs))
	for _, r := range reqs {
		// Oldest first; a run only ever waits on one request at a time.
		if _, ok := pending[r.RunID]; !ok {
			pending[r.RunID] = r
		}
	}
	return refreshedMsg{runs: runs, pending: pending}
}

func (a *App) submit(d models.Decision, feedback string) tea.Cmd {
	if a.request == nil {
		return nil
	}
	id, step := a.request.ID, a.request.StepName
	return func() tea.Msg {
		if err := a.store.SubmitDecision(context.Background(), id, d, feedback); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("%s: %s", step, d)}
	}
}

func (a *App) pauseRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.store.RequestPause(context.Background(), id); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("pause requested for %s", shortID(id))}
	}
}

func (a *App) killRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.kill(context.Background(), id); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{status: fmt.Sprintf("killed %s", shortID(id))}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
