package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingForInput RunStatus = "waiting_for_input"
	RunStatusPaused          RunStatus = "paused"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusAborted         RunStatus = "aborted"
)

// ActiveStatuses are the statuses that block a second run for the same ticket.
var ActiveStatuses = []RunStatus{
	RunStatusPending,
	RunStatusRunning,
	RunStatusWaitingForInput,
	RunStatusPaused,
}

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

func (s RunStatus) IsResumable() bool {
	switch s {
	case RunStatusPaused, RunStatusFailed, RunStatusAborted:
		return true
	}
	return false
}

// IsLive reports whether a process is expected to own a run in this status.
func (s RunStatus) IsLive() bool {
	return s == RunStatusRunning || s == RunStatusWaitingForInput || s == RunStatusPending
}

type TaskSource string

const (
	TaskSourceManual TaskSource = "manual"
	TaskSourceTicket TaskSource = "ticket"
)

type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Source      TaskSource `json:"source"`
	SourceID    string     `json:"source_id,omitempty"`
}

// TicketNumber extracts N from a "ticket:N" source id.
func (t Task) TicketNumber() (int, bool) {
	if t.Source != TaskSourceTicket || t.SourceID == "" {
		return 0, false
	}
	raw := strings.TrimPrefix(t.SourceID, "ticket:")
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

type StepUsage struct {
	Cost         float64       `json:"cost_usd"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	Turns        int           `json:"num_turns"`
}

// RunContext is the full persisted state of one pipeline run.
type RunContext struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Task      Task      `json:"task"`

	ProjectPath string `json:"project_path"`
	Language    string `json:"language,omitempty"`
	Framework   string `json:"framework,omitempty"`
	TestRunner  string `json:"test_runner,omitempty"`
	TestCommand string `json:"test_command,omitempty"`

	BranchNaming string `json:"branch_naming,omitempty"`

	Status            RunStatus `json:"status"`
	CurrentStep       string    `json:"current_step"`
	CodeIteration     int       `json:"code_iteration"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CheckpointPending bool      `json:"checkpoint_pending,omitempty"`

	Requirements   *Requirements `json:"requirements,omitempty"`
	Plan           *Plan         `json:"plan,omitempty"`
	TestFiles      []FileChange  `json:"test_files,omitempty"`
	CodeFiles      []FileChange  `json:"code_files,omitempty"`
	TestResults    []TestResult  `json:"test_results,omitempty"`
	ReviewFindings []Finding     `json:"review_findings,omitempty"`

	PreRunSHA    string            `json:"pre_run_sha,omitempty"`
	WorktreePath string            `json:"worktree_path,omitempty"`
	BranchName   string            `json:"branch_name,omitempty"`
	StepCommits  map[string]string `json:"step_commits,omitempty"`

	StepUsage map[string]StepUsage `json:"step_usage,omitempty"`
	TotalCost float64              `json:"total_cost_usd"`
}

func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func NewRunContext(task Task, projectPath string) *RunContext {
	if task.Source == "" {
		task.Source = TaskSourceManual
	}
	return &RunContext{
		RunID:       NewRunID(),
		StartedAt:   time.Now().UTC(),
		Task:        task,
		ProjectPath: projectPath,
		Status:      RunStatusPending,
	}
}

// EffectivePath is where agents and tests operate: the worktree when one exists.
func (rc *RunContext) EffectivePath() string {
	if rc.WorktreePath != "" {
		return rc.WorktreePath
	}
	return rc.ProjectPath
}

// RecordUsage accumulates usage for a step and keeps TotalCost equal to the
// sum of all step costs.
func (rc *RunContext) RecordUsage(step string, u StepUsage) {
	if rc.StepUsage == nil {
		rc.StepUsage = make(map[string]StepUsage)
	}
	cur := rc.StepUsage[step]
	cur.Cost += u.Cost
	cur.InputTokens += u.InputTokens
	cur.OutputTokens += u.OutputTokens
	cur.Duration += u.Duration
	cur.Turns += u.Turns
	rc.StepUsage[step] = cur

	var total float64
	for _, su := range rc.StepUsage {
		total += su.Cost
	}
	rc.TotalCost = total
}

func (rc *RunContext) TotalTokens() (input, output int) {
	for _, su := range rc.StepUsage {
		input += su.InputTokens
		output += su.OutputTokens
	}
	return input, output
}

func (rc *RunContext) RecordCommit(step, sha string) {
	if rc.StepCommits == nil {
		rc.StepCommits = make(map[string]string)
	}
	rc.StepCommits[step] = sha
}

func (rc *RunContext) LatestTestResult() *TestResult {
	if len(rc.TestResults) == 0 {
		return nil
	}
	return &rc.TestResults[len(rc.TestResults)-1]
}

// FindingsFrom returns the findings recorded by the given source.
func (rc *RunContext) FindingsFrom(source string) []Finding {
	var out []Finding
	for _, f := range rc.ReviewFindings {
		if f.Source == source {
			out = append(out, f)
		}
	}
	return out
}

// ReplaceFindings drops findings from source and appends the new ones.
func (rc *RunContext) ReplaceFindings(source string, findings []Finding) {
	kept := rc.ReviewFindings[:0:0]
	for _, f := range rc.ReviewFindings {
		if f.Source != source {
			kept = append(kept, f)
		}
	}
	for _, f := range findings {
		f.Source = source
		kept = append(kept, f)
	}
	rc.ReviewFindings = kept
}
