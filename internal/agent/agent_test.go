package agent

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

func TestParseTestOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		exit     int
		passed   bool
		total    int
		failures int
		errors   int
	}{
		{"jest", "Tests: 2 failed, 8 passed, 10 total", 1, false, 10, 2, 0},
		{"pytest mixed", "==== 4 passed, 1 failed, 2 error in 0.3s ====", 1, false, 7, 1, 2},
		{"pytest clean", "==== 5 passed in 0.1s ====", 0, true, 5, 0, 0},
		{"go verbose", "=== RUN TestA\n--- PASS: TestA\n=== RUN TestB\n--- FAIL: TestB\nFAIL", 1, false, 2, 1, 0},
		{"nothing parseable", "ok  \tpkg\t0.01s", 0, true, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseTestOutput(tt.output, tt.exit, "cmd")
			assert.Equal(t, tt.passed, r.Passed)
			assert.Equal(t, tt.total, r.Total)
			assert.Equal(t, tt.failures, r.Failures)
			assert.Equal(t, tt.errors, r.Errors)
			assert.Equal(t, "cmd", r.Command)
		})
	}
}

func TestShellTestRunner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var runner ShellTestRunner

	r, err := runner.Run(ctx, "echo '3 passed'", dir, time.Minute)
	require.NoError(t, err)
	assert.True(t, r.Passed)
	assert.Equal(t, 3, r.Total)

	r, err = runner.Run(ctx, "echo '1 passed, 1 failed'; exit 1", dir, time.Minute)
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.Equal(t, 1, r.Failures)

	r, err = runner.Run(ctx, "sleep 5", dir, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, r.Passed)
	assert.Contains(t, r.Output, "timed out")

	r, err = runner.Run(ctx, "", dir, time.Minute)
	require.NoError(t, err)
	assert.False(t, r.Passed)
}

func TestShellTestRunnerReportsProcessGroup(t *testing.T) {
	type event struct {
		pgid    int
		running bool
	}
	var events []event
	ctx := WithProcessHook(context.Background(), func(pgid int, running bool) {
		events = append(events, event{pgid, running})
	})

	// The shell leads its own group, so its pid is the group id.
	r, err := ShellTestRunner{}.Run(ctx, "echo $$", t.TempDir(), time.Minute)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.True(t, events[0].running)
	assert.False(t, events[1].running)
	assert.Equal(t, events[0].pgid, events[1].pgid)
	assert.Equal(t, strconv.Itoa(events[0].pgid), strings.TrimSpace(r.Output))
}

func TestMarkerDetector(t *testing.T) {
	write := func(dir, name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	goDir := t.TempDir()
	write(goDir, "go.mod", "module x\n\nrequire github.com/gin-gonic/gin v1.9.0\n")
	d, err := MarkerDetector{}.Detect(context.Background(), goDir)
	require.NoError(t, err)
	assert.Equal(t, &Detection{Language: "go", Framework: "gin", TestRunner: "go_test", TestCommand: "go test ./..."}, d)

	pyDir := t.TempDir()
	write(pyDir, "pyproject.toml", "[tool.pytest.ini_options]\n")
	d, err = MarkerDetector{}.Detect(context.Background(), pyDir)
	require.NoError(t, err)
	assert.Equal(t, "python", d.Language)
	assert.Equal(t, "pytest", d.TestCommand)

	d, err = MarkerDetector{}.Detect(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, d.Language)

	_, err = MarkerDetector{}.Detect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestParseClaudeOutput(t *testing.T) {
	res, err := parseClaudeOutput([]byte(`{"result":"done","session_id":"s1","total_cost_usd":0.42,"num_turns":3,
		"duration_ms":1500,"usage":{"input_tokens":100,"output_tokens":20}}`))
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.InDelta(t, 0.42, res.Cost, 1e-9)
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 20, res.OutputTokens)
	assert.Equal(t, 1500*time.Millisecond, res.Duration)
	assert.Equal(t, 3, res.Turns)

	res, err = parseClaudeOutput([]byte(`{"result":"ok","cost_usd":0.1,"input_tokens":5,"output_tokens":6}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.Cost, 1e-9)
	assert.Equal(t, 5, res.InputTokens)

	_, err = parseClaudeOutput([]byte(`{"result":"rate limited","is_error":true}`))
	assert.Error(t, err)
	_, err = parseClaudeOutput([]byte(""))
	assert.Error(t, err)
	_, err = parseClaudeOutput([]byte("not json"))
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestClaudeCodeExecute(t *testing.T) {
	ctx := context.Background()
	script := writeScript(t, `cat > /dev/null
echo '{"result":"{\"files\":[]}","total_cost_usd":0.05,"num_turns":1,"usage":{"input_tokens":9,"output_tokens":4}}'
`)
	c := &ClaudeCode{Executable: script, MaxTurns: 5}
	res, err := c.Execute(ctx, Request{Role: "coder", Prompt: "hi", WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.Cost, 1e-9)
	assert.Equal(t, 9, res.InputTokens)
	assert.Positive(t, res.Duration)

	failing := &ClaudeCode{Executable: writeScript(t, "echo boom >&2\nexit 3\n")}
	_, err = failing.Execute(ctx, Request{Role: "coder", WorkDir: t.TempDir()})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Error(), "boom")

	missing := &ClaudeCode{Executable: "definitely-not-a-real-claude-binary"}
	_, err = missing.Execute(ctx, Request{Role: "coder"})
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestParseFindings(t *testing.T) {
	text := "Here you go:\n```json\n" + `{"findings":[
		{"severity":"CRITICAL","file":"db.go","line":12,"description":"SQL injection","recommendation":"use placeholders"},
		{"severity":"minor","file":"a.go","message":"naming"}],
		"feedback_for_coder":"fix the query"}` + "\n```"
	findings, feedback, err := ParseFindings(text)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, models.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "SQL injection", findings[0].Message)
	assert.Equal(t, "use placeholders", findings[0].Suggestion)
	assert.Equal(t, models.SeverityWarning, findings[1].Severity)
	assert.Equal(t, "fix the query", feedback)

	_, _, err = ParseFindings("no json here")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseRequirementsFallsBackToSummary(t *testing.T) {
	r, err := ParseRequirements(`{"summary":"s","requirements":[{"id":"R1","description":"d"}]}`)
	require.NoError(t, err)
	assert.Len(t, r.Requirements, 1)

	r, err = ParseRequirements("just prose")
	assert.Error(t, err)
	assert.Equal(t, "just prose", r.Summary)
}

func TestBuildRequest(t *testing.T) {
	rc := models.NewRunContext(models.Task{Title: "Add login", Description: "with OAuth"}, "/repo")
	rc.WorktreePath = "/wt"
	rc.Requirements = &models.Requirements{Requirements: []models.Requirement{{ID: "R1", Description: "login works"}}}
	rc.ReviewFindings = []models.Finding{{Severity: models.SeverityCritical, Source: models.FindingSourceSecurity, Message: "sqli"}}
	rc.TestResults = []models.TestResult{{Passed: false, Total: 2, Failures: 1, Command: "go test ./..."}}

	req, err := BuildRequest(pipeline.RoleCoder, rc, "use bcrypt")
	require.NoError(t, err)
	assert.Equal(t, "/wt", req.WorkDir)
	assert.Contains(t, req.Prompt, "Add login")
	assert.Contains(t, req.Prompt, "R1: login works")
	assert.Contains(t, req.Prompt, "sqli")
	assert.Contains(t, req.Prompt, "FAILED")
	assert.Contains(t, req.Prompt, "USER REVISION FEEDBACK: use bcrypt")
	assert.Contains(t, req.AllowedTools, "Bash")

	req, err = BuildRequest(pipeline.RoleRequirements, rc, "")
	require.NoError(t, err)
	assert.NotContains(t, req.Prompt, "R1: login works")
	assert.NotContains(t, req.AllowedTools, "Write")

	_, err = BuildRequest("astrologer", rc, "")
	assert.Error(t, err)

	ir := InstructReviewRequest(rc, "use tabs", []string{"a.go"})
	assert.Equal(t, RoleInstructReview, ir.Role)
	assert.Contains(t, ir.Prompt, "New project rule: use tabs")
	assert.Contains(t, ir.Prompt, "- a.go")
}
