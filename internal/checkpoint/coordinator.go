// Package checkpoint asks for a human (or policy) decision after a step.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

var (
	// ErrPaused means the wait ended without a decision because the run was
	// paused or its context cancelled. It is not a rejection.
	ErrPaused = errors.New("checkpoint wait interrupted: run paused")

	ErrCancelled = errors.New("checkpoint request was cancelled by another process")
)

type Outcome struct {
	Decision models.Decision
	Feedback string
}

// Coordinator returns a decision for the checkpoint after step.
type Coordinator interface {
	Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (Outcome, error)
}

// AutoApprove approves every checkpoint.
type AutoApprove struct{}

func (AutoApprove) Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, ErrPaused
	}
	return Outcome{Decision: models.DecisionApprove}, nil
}

// Payload is what a decision maker sees for a step.
type Payload struct {
	RunID        string               `json:"run_id"`
	Step         string               `json:"step"`
	Task         string               `json:"task"`
	Requirements *models.Requirements `json:"requirements,omitempty"`
	Plan         *models.Plan         `json:"plan,omitempty"`
	TestFiles    []models.FileChange  `json:"test_files,omitempty"`
	CodeFiles    []models.FileChange  `json:"code_files,omitempty"`
	TestResult   *models.TestResult   `json:"test_results,omitempty"`
	Findings     []models.Finding     `json:"review_findings,omitempty"`
	Usage        *models.StepUsage    `json:"usage,omitempty"`
}

// BuildPayload selects the artifacts relevant to the step.
func BuildPayload(rc *models.RunContext, step string) Payload {
	p := Payload{RunID: rc.RunID, Step: step, Task: rc.Task.Title}
	if u, ok := rc.StepUsage[step]; ok {
		p.Usage = &u
	}
	switch step {
	case pipeline.StepRequirements:
		p.Requirements = rc.Requirements
	case pipeline.StepPlanning:
		p.Plan = rc.Plan
	case pipeline.StepTestWriting:
		p.TestFiles = rc.TestFiles
	case pipeline.StepCoding:
		p.CodeFiles = rc.CodeFiles
		p.TestResult = rc.LatestTestResult()
	case pipeline.StepSecurity:
		p.Findings = rc.FindingsFrom(models.FindingSourceSecurity)
		p.TestResult = rc.LatestTestResult()
	case pipeline.StepReview:
		p.CodeFiles = rc.CodeFiles
		p.Findings = rc.ReviewFindings
	}
	return p
}

func (p Payload) JSON() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
