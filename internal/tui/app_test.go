package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/cursor"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/storage"
)

type decision struct {
	id       int64
	decision models.Decision
	feedback string
}

type fakeStore struct {
	mu        sync.Mutex
	runs      []*models.RunRecord
	pending   []*models.CheckpointRequest
	decisions []decision
	paused    []string
	submitErr error
}

func (f *fakeStore) List(ctx context.Context, opts storage.ListOptions) ([]*models.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs, nil
}

func (f *fakeStore) ListPendingCheckpoints(ctx context.Context, runID string) ([]*models.CheckpointRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeStore) SubmitDecision(ctx context.Context, id int64, d models.Decision, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.decisions = append(f.decisions, decision{id, d, feedback})
	return nil
}

func (f *fakeStore) RequestPause(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, runID)
	return nil
}

func newFixture(t *testing.T) (*App, *fakeStore) {
	t.Helper()
	payload, err := checkpoint.Payload{
		RunID: "run-2",
		Step:  "requirements",
		Task:  "Add login",
	}.JSON()
	require.NoError(t, err)

	store := &fakeStore{
		runs: []*models.RunRecord{
			{RunID: "run-1", TaskTitle: "Fix cache", Status: models.RunStatusCompleted, UpdatedAt: time.Now()},
			{RunID: "run-2", TaskTitle: "Add login", Status: models.RunStatusWaitingForInput, CurrentStep: "requirements", UpdatedAt: time.Now()},
		},
		pending: []*models.CheckpointRequest{
			{ID: 7, RunID: "run-2", StepName: "requirements", Payload: payload, Status: models.CheckpointStatusPending, CreatedAt: time.Now()},
		},
	}
	app := NewApp(store, nil)
	app.input.Cursor.SetMode(cursor.CursorStatic)
	feed(app, app.refresh())
	return app, store
}

// feed delivers msg and runs any resulting command chain until it settles.
func feed(app *App, msg tea.Msg) {
	_, cmd := app.Update(msg)
	for i := 0; cmd != nil && i < 5; i++ {
		next := cmd()
		if next == nil {
			return
		}
		if _, ok := next.(tea.BatchMsg); ok {
			return
		}
		_, cmd = app.Update(next)
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestApp_RefreshLoadsRunsAndPending(t *testing.T) {
	app, _ := newFixture(t)

	require.Len(t, app.runs, 2)
	require.Contains(t, app.pending, "run-2")
	view := app.View()
	assert.Contains(t, view, "Add login")
	assert.Contains(t, view, "1 waiting for a decision")
	assert.Contains(t, view, "requirements*")
}

func TestApp_EnterWithoutPendingCheckpoint(t *testing.T) {
	app, _ := newFixture(t)

	feed(app, key("enter"))

	assert.Equal(t, ViewRunList, app.view)
	assert.Contains(t, app.status, "no pending checkpoint")
}

func TestApp_ApproveCheckpoint(t *testing.T) {
	app, store := newFixture(t)

	feed(app, key("down"))
	feed(app, key("enter"))
	require.Equal(t, ViewCheckpoint, app.view)
	assert.Contains(t, app.View(), "Checkpoint: requirements")
	assert.Contains(t, app.View(), "task: Add login")

	feed(app, key("a"))

	require.Len(t, store.decisions, 1)
	assert.Equal(t, decision{7, models.DecisionApprove, ""}, store.decisions[0])
	assert.Equal(t, ViewRunList, app.view)
	assert.Equal(t, "requirements: approve", app.status)
}

func TestApp_ReviseRequiresFeedback(t *testing.T) {
	app, store := newFixture(t)

	feed(app, key("down"))
	feed(app, key("enter"))
	feed(app, key("r"))
	require.Equal(t, ViewFeedback, app.view)

	feed(app, key("enter"))
	assert.Empty(t, store.decisions)
	assert.Equal(t, "feedback is required", app.status)

	feed(app, key("cover the lockout case"))
	feed(app, key("enter"))

	require.Len(t, store.decisions, 1)
	assert.Equal(t, decision{7, models.DecisionRevise, "cover the lockout case"}, store.decisions[0])
	assert.Equal(t, ViewRunList, app.view)
}

func TestApp_InstructAndEscape(t *testing.T) {
	app, store := newFixture(t)

	feed(app, key("down"))
	feed(app, key("enter"))
	feed(app, key("i"))
	assert.Contains(t, app.View(), "Rule to add")

	feed(app, key("esc"))
	assert.Equal(t, ViewCheckpoint, app.view)
	feed(app, key("esc"))
	assert.Equal(t, ViewRunList, app.view)
	assert.Empty(t, store.decisions)
}

func TestApp_SubmitErrorKeepsCheckpointOpen(t *testing.T) {
	app, store := newFixture(t)
	store.submitErr = errors.New("checkpoint request is not pending: 7")

	feed(app, key("down"))
	feed(app, key("enter"))
	feed(app, key("x"))

	assert.Equal(t, ViewCheckpoint, app.view)
	assert.Contains(t, app.View(), "not pending")
}

func TestApp_PauseAndKill(t *testing.T) {
	store := &fakeStore{runs: []*models.RunRecord{{RunID: "run-9", Status: models.RunStatusRunning, UpdatedAt: time.Now()}}}
	var killed []string
	app := NewApp(store, func(ctx context.Context, id string) error {
		killed = append(killed, id)
		return nil
	})
	feed(app, app.refresh())

	feed(app, key("p"))
	assert.Equal(t, []string{"run-9"}, store.paused)

	feed(app, key("K"))
	assert.Equal(t, []string{"run-9"}, killed)
	assert.Equal(t, "killed run-9", app.status)
}

func TestRenderPayload_FallsBackToRaw(t *testing.T) {
	assert.Equal(t, "not json", renderPayload("not json"))
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "now", formatAge(time.Now()))
	assert.Equal(t, "5m", formatAge(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "3h", formatAge(time.Now().Add(-3*time.Hour)))
	assert.Equal(t, "2d", formatAge(time.Now().Add(-49*time.Hour)))
}
