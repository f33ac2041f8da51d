// Package agent holds the external capabilities a run drives: the coding
// agent, the project's test command and project detection.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/levelup/internal/models"
)

var ErrExecutableNotFound = errors.New("agent executable not found")

type Request struct {
	Role         string
	SystemPrompt string
	Prompt       string
	AllowedTools []string
	WorkDir      string
}

type Result struct {
	Text         string
	SessionID    string
	Cost         float64
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Turns        int
}

func (r *Result) Usage() models.StepUsage {
	return models.StepUsage{
		Cost:         r.Cost,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Duration:     r.Duration,
		Turns:        r.Turns,
	}
}

// Executor runs one agent task to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

type TestRunner interface {
	Run(ctx context.Context, command, workDir string, timeout time.Duration) (*models.TestResult, error)
}

type Detection struct {
	Language    string
	Framework   string
	TestRunner  string
	TestCommand string
}

type Detector interface {
	Detect(ctx context.Context, projectPath string) (*Detection, error)
}

// ExecutionError is a failed agent invocation.
type ExecutionError struct {
	Role     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("agent %s failed", e.Role)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
