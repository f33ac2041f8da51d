package checkpoint

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/storage"
)

func step(t *testing.T, name string) pipeline.Step {
	t.Helper()
	s, ok := pipeline.Default().Step(name)
	require.True(t, ok)
	return s
}

func sampleContext() *models.RunContext {
	rc := models.NewRunContext(models.Task{Title: "Add login"}, "/tmp/project")
	rc.Requirements = &models.Requirements{Summary: "users can log in"}
	rc.Plan = &models.Plan{Approach: "add a handler"}
	rc.TestFiles = []models.FileChange{{Path: "login_test.go", IsNew: true}}
	rc.CodeFiles = []models.FileChange{{Path: "login.go", IsNew: true}}
	rc.TestResults = []models.TestResult{{Passed: false}, {Passed: true, Total: 3}}
	rc.ReplaceFindings(models.FindingSourceSecurity, []models.Finding{{Severity: models.SeverityWarning, Message: "weak hash"}})
	rc.ReplaceFindings(models.FindingSourceReview, []models.Finding{{Severity: models.SeverityInfo, Message: "rename var"}})
	rc.RecordUsage(pipeline.StepCoding, models.StepUsage{Cost: 0.5})
	return rc
}

func TestBuildPayload(t *testing.T) {
	rc := sampleContext()

	p := BuildPayload(rc, pipeline.StepRequirements)
	assert.Equal(t, "users can log in", p.Requirements.Summary)
	assert.Nil(t, p.Plan)

	p = BuildPayload(rc, pipeline.StepPlanning)
	assert.Equal(t, "add a handler", p.Plan.Approach)

	p = BuildPayload(rc, pipeline.StepTestWriting)
	assert.Len(t, p.TestFiles, 1)
	assert.Empty(t, p.CodeFiles)

	p = BuildPayload(rc, pipeline.StepCoding)
	assert.Len(t, p.CodeFiles, 1)
	require.NotNil(t, p.TestResult)
	assert.True(t, p.TestResult.Passed)
	require.NotNil(t, p.Usage)
	assert.InDelta(t, 0.5, p.Usage.Cost, 1e-9)

	p = BuildPayload(rc, pipeline.StepSecurity)
	require.Len(t, p.Findings, 1)
	assert.Equal(t, "weak hash", p.Findings[0].Message)

	p = BuildPayload(rc, pipeline.StepReview)
	assert.Len(t, p.Findings, 2)
}

func TestRenderYAML(t *testing.T) {
	out, err := RenderYAML(BuildPayload(sampleContext(), pipeline.StepRequirements))
	require.NoError(t, err)
	assert.Contains(t, out, "step: requirements")
	assert.Contains(t, out, "summary: users can log in")
}

func TestAutoApprove(t *testing.T) {
	out, err := AutoApprove{}.Decide(context.Background(), sampleContext(), step(t, pipeline.StepReview))
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, out.Decision)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AutoApprove{}.Decide(ctx, sampleContext(), step(t, pipeline.StepReview))
	assert.ErrorIs(t, err, ErrPaused)
}

func TestTerminal_Decide(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     models.Decision
		feedback string
	}{
		{"approve", "a\n", models.DecisionApprove, ""},
		{"reject long form", "reject\n", models.DecisionReject, ""},
		{"revise with feedback", "r\nhandle empty passwords\n", models.DecisionRevise, "handle empty passwords"},
		{"reprompts on garbage", "maybe\n\ny\n", models.DecisionApprove, ""},
		{"skips blank feedback", "i\n\nalways run gofmt\n", models.DecisionInstruct, "always run gofmt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			term := NewTerminal(strings.NewReader(tt.input), &out)

			got, err := term.Decide(context.Background(), sampleContext(), step(t, pipeline.StepRequirements))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Decision)
			assert.Equal(t, tt.feedback, got.Feedback)
			assert.Contains(t, out.String(), "Checkpoint: requirements")
		})
	}
}

func TestTerminal_SharesInputAcrossCheckpoints(t *testing.T) {
	var out strings.Builder
	term := NewTerminal(strings.NewReader("a\nx\n"), &out)
	rc := sampleContext()

	first, err := term.Decide(context.Background(), rc, step(t, pipeline.StepRequirements))
	require.NoError(t, err)
	second, err := term.Decide(context.Background(), rc, step(t, pipeline.StepTestWriting))
	require.NoError(t, err)

	assert.Equal(t, models.DecisionApprove, first.Decision)
	assert.Equal(t, models.DecisionReject, second.Decision)
}

func TestTerminal_EOF(t *testing.T) {
	var out strings.Builder
	term := NewTerminal(strings.NewReader(""), &out)
	_, err := term.Decide(context.Background(), sampleContext(), step(t, pipeline.StepReview))
	assert.Error(t, err)
}

type blockingReader struct{ done chan struct{} }

func (b blockingReader) Read(p []byte) (int, error) {
	<-b.done
	return 0, context.Canceled
}

func TestTerminal_ContextCancelled(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	var out strings.Builder
	term := NewTerminal(blockingReader{done: done}, &out)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := term.Decide(ctx, sampleContext(), step(t, pipeline.StepReview))
	assert.ErrorIs(t, err, ErrPaused)
}

func newStore(t *testing.T, rc *models.RunContext) *storage.Storage {
	t.Helper()
	ctx := context.Background()
	s, err := storage.New(ctx, filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Register(ctx, rc))
	return s
}

// decideWhenPending answers the first pending request it sees for the run.
func decideWhenPending(t *testing.T, s *storage.Storage, runID string, d models.Decision, feedback string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := s.ListPendingCheckpoints(ctx, runID)
		require.NoError(t, err)
		if len(pending) > 0 {
			require.NoError(t, s.SubmitDecision(ctx, pending[0].ID, d, feedback))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no pending checkpoint appeared")
}

func TestPolling_ReturnsSubmittedDecision(t *testing.T) {
	rc := sampleContext()
	s := newStore(t, rc)
	p := &Polling{Store: s, Interval: 10 * time.Millisecond}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		decideWhenPending(t, s, rc.RunID, models.DecisionRevise, "cover the error path")
	}()

	out, err := p.Decide(context.Background(), rc, step(t, pipeline.StepCoding))
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, models.DecisionRevise, out.Decision)
	assert.Equal(t, "cover the error path", out.Feedback)

	pending, err := s.ListPendingCheckpoints(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPolling_PayloadStored(t *testing.T) {
	rc := sampleContext()
	s := newStore(t, rc)
	p := &Polling{Store: s, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending, _ := s.ListPendingCheckpoints(context.Background(), rc.RunID)
			if len(pending) > 0 {
				assert.Equal(t, pipeline.StepPlanning, pending[0].StepName)
				assert.Contains(t, pending[0].Payload, `"approach":"add a handler"`)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, err := p.Decide(ctx, rc, step(t, pipeline.StepPlanning))
	assert.ErrorIs(t, err, ErrPaused)
}

func TestPolling_PauseRequested(t *testing.T) {
	rc := sampleContext()
	s := newStore(t, rc)
	require.NoError(t, s.RequestPause(context.Background(), rc.RunID))
	p := &Polling{Store: s, Interval: 10 * time.Millisecond}

	_, err := p.Decide(context.Background(), rc, step(t, pipeline.StepReview))
	assert.ErrorIs(t, err, ErrPaused)

	pending, err := s.ListPendingCheckpoints(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Empty(t, pending, "the abandoned request is cancelled")
}

func TestPolling_ContextCancelledCancelsRequest(t *testing.T) {
	rc := sampleContext()
	s := newStore(t, rc)
	p := &Polling{Store: s, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Decide(ctx, rc, step(t, pipeline.StepReview))
	assert.ErrorIs(t, err, ErrPaused)

	pending, err := s.ListPendingCheckpoints(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
