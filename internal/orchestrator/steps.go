package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

// stepRunner executes one kind of step. Feedback is the reviser's text when
// a checkpoint sent the step back.
type stepRunner interface {
	run(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) error
}

type (
	detectionStep struct{ o *Orchestrator }
	agentStep     struct{ o *Orchestrator }
	codingStep    struct{ o *Orchestrator }
	securityStep  struct{ o *Orchestrator }
)

func (o *Orchestrator) runnerFor(kind pipeline.Kind) (stepRunner, error) {
	switch kind {
	case pipeline.KindDetection:
		return detectionStep{o}, nil
	case pipeline.KindAgent:
		return agentStep{o}, nil
	case pipeline.KindCoding:
		return codingStep{o}, nil
	case pipeline.KindSecurity:
		return securityStep{o}, nil
	}
	return nil, fmt.Errorf("no runner for step kind %q", kind)
}

func (o *Orchestrator) runStep(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) error {
	r, err := o.runnerFor(step.Kind)
	if err != nil {
		return err
	}
	return r.run(ctx, rc, step, feedback)
}

// callAgent executes req, retrying transient failures, and books the usage
// under usageKey.
func (o *Orchestrator) callAgent(ctx context.Context, rc *models.RunContext, usageKey string, req agent.Request) (*agent.Result, error) {
	if o.executor == nil {
		return nil, agent.ErrExecutableNotFound
	}
	attempts := o.settings.AgentRetries + 1
	for attempt := 1; ; attempt++ {
		res, err := o.executor.Execute(ctx, req)
		if err == nil {
			rc.RecordUsage(usageKey, res.Usage())
			return res, nil
		}
		if errors.Is(err, agent.ErrExecutableNotFound) || ctx.Err() != nil || attempt >= attempts {
			return nil, err
		}
		o.logger.Warn(ctx, "agent call failed, retrying",
			zap.String("role", req.Role), zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (s detectionStep) run(ctx context.Context, rc *models.RunContext, step pipeline.Step, _ string) error {
	o := s.o
	det, err := o.detector.Detect(ctx, rc.EffectivePath())
	if err != nil {
		return fmt.Errorf("project detection failed: %w", err)
	}
	rc.Language = firstNonEmpty(o.settings.Language, det.Language)
	rc.Framework = firstNonEmpty(o.settings.Framework, det.Framework)
	rc.TestRunner = det.TestRunner
	rc.TestCommand = firstNonEmpty(o.settings.TestCommand, det.TestCommand)

	o.logger.Info(ctx, "detected project",
		zap.String("language", rc.Language), zap.String("framework", rc.Framework),
		zap.String("test_command", rc.TestCommand))
	return writeProjectContext(rc)
}

func writeProjectContext(rc *models.RunContext) error {
	path := filepath.Join(rc.EffectivePath(), agent.ProjectContextFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("# Project Context\n\n")
	fmt.Fprintf(&b, "- **Language:** %s\n", orUnknown(rc.Language))
	fmt.Fprintf(&b, "- **Framework:** %s\n", orUnknown(rc.Framework))
	fmt.Fprintf(&b, "- **Test runner:** %s\n", orUnknown(rc.TestRunner))
	fmt.Fprintf(&b, "- **Test command:** %s\n", orUnknown(rc.TestCommand))
	return os.WriteFile(path, []byte(b.String()), 0644)
}

func (s agentStep) run(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) error {
	o := s.o
	req, err := agent.BuildRequest(step.Agent, rc, feedback)
	if err != nil {
		return err
	}
	res, err := o.callAgent(ctx, rc, step.Name, req)
	if err != nil {
		return err
	}

	switch step.Agent {
	case pipeline.RoleRequirements:
		rc.Requirements, err = agent.ParseRequirements(res.Text)
	case pipeline.RolePlanning:
		rc.Plan, err = agent.ParsePlan(res.Text)
	case pipeline.RoleTestWriter:
		var files []models.FileChange
		if files, err = agent.ParseFiles(res.Text); err == nil {
			rc.TestFiles = files
		}
	case pipeline.RoleReviewer:
		var findings []models.Finding
		if findings, _, err = agent.ParseFindings(res.Text); err == nil {
			rc.ReplaceFindings(models.FindingSourceReview, findings)
		}
	}
	if err != nil {
		// The raw reply is kept where a fallback exists; a malformed reply
		// never fails the step.
		o.logger.Warn(ctx, "could not parse agent output", zap.String("role", step.Agent), zap.Error(err))
	}
	return nil
}

func (s codingStep) run(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) error {
	return s.o.code(ctx, rc, step.Agent, step.Name, feedback)
}

// code runs the coder until the tests pass. Every failed attempt, whether the
// tests failed or the agent did, uses one iteration of the budget.
func (o *Orchestrator) code(ctx context.Context, rc *models.RunContext, role, usageKey, feedback string) error {
	if role == "" {
		role = pipeline.RoleCoder
	}
	limit := o.settings.MaxCodeIterations
	rc.CodeIteration = 0
	next := feedback

	for {
		attemptErr := o.codeOnce(ctx, rc, role, usageKey, next)
		if attemptErr == nil {
			return nil
		}
		var failing *testFailure
		switch {
		case ctx.Err() != nil, errors.Is(attemptErr, agent.ErrExecutableNotFound):
			return attemptErr
		case errors.As(attemptErr, &failing):
			next = failing.feedback(feedback)
		default:
			next = joinFeedback(feedback, "The previous attempt failed: "+attemptErr.Error())
		}

		if rc.CodeIteration >= limit {
			return fmt.Errorf("%w: tests still failing after %d iterations (max_code_iterations=%d): %v",
				ErrIterationLimit, rc.CodeIteration, limit, attemptErr)
		}
		rc.CodeIteration++
		o.logger.Info(ctx, "coding iteration failed, retrying",
			zap.Int("iteration", rc.CodeIteration), zap.Int("max", limit), zap.Error(attemptErr))
		if err := o.store.Update(ctx, rc); err != nil {
			return err
		}
	}
}

type testFailure struct {
	result *models.TestResult
}

func (e *testFailure) Error() string {
	return fmt.Sprintf("%d of %d tests failing", e.result.Failures+e.result.Errors, e.result.Total)
}

func (e *testFailure) feedback(base string) string {
	return joinFeedback(base, "The tests are still failing. Fix the implementation, not the tests.\n\nTest output:\n"+e.result.Output)
}

func (o *Orchestrator) codeOnce(ctx context.Context, rc *models.RunContext, role, usageKey, feedback string) error {
	req, err := agent.BuildRequest(role, rc, feedback)
	if err != nil {
		return err
	}
	res, err := o.callAgent(ctx, rc, usageKey, req)
	if err != nil {
		return err
	}
	if files, err := agent.ParseFiles(res.Text); err == nil {
		rc.CodeFiles = files
	}

	if strings.TrimSpace(rc.TestCommand) == "" {
		o.logger.Warn(ctx, "no test command configured; accepting the change untested")
		return nil
	}
	result, err := o.tests.Run(ctx, rc.TestCommand, rc.EffectivePath(), o.settings.TestTimeout)
	if err != nil {
		return fmt.Errorf("run tests: %w", err)
	}
	rc.TestResults = append(rc.TestResults, *result)
	if result.Passed {
		o.logger.Info(ctx, "tests passed", zap.Int("total", result.Total))
		return nil
	}
	return &testFailure{result: result}
}

// run audits the change, patches minor findings, sends major findings back to
// the coder once and audits again. Whatever remains goes to the checkpoint.
func (s securityStep) run(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) error {
	o := s.o
	findings, coderNotes, err := o.audit(ctx, rc, step, feedback)
	if err != nil {
		return err
	}
	o.patchMinor(ctx, rc, step, findings)

	if !hasMajor(findings) {
		return nil
	}
	o.logger.Warn(ctx, "major security findings; sending back to coding", zap.Int("findings", len(findings)))
	// The loop-back counts its own iterations; CodeIteration stays the coding step's.
	iterations := rc.CodeIteration
	err = o.code(ctx, rc, pipeline.RoleCoder, step.Name, securityFeedback(findings, coderNotes))
	rc.CodeIteration = iterations
	if err != nil {
		return err
	}

	findings, _, err = o.audit(ctx, rc, step, feedback)
	if err != nil {
		return err
	}
	o.patchMinor(ctx, rc, step, findings)
	if hasMajor(findings) {
		o.logger.Warn(ctx, "major security findings remain for manual review")
	}
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, rc *models.RunContext, step pipeline.Step, feedback string) ([]models.Finding, string, error) {
	role := step.Agent
	if role == "" {
		role = pipeline.RoleSecurity
	}
	req, err := agent.BuildRequest(role, rc, feedback)
	if err != nil {
		return nil, "", err
	}
	res, err := o.callAgent(ctx, rc, step.Name, req)
	if err != nil {
		return nil, "", err
	}
	findings, notes, err := agent.ParseFindings(res.Text)
	if err != nil {
		o.logger.Warn(ctx, "could not parse security findings", zap.Error(err))
	}
	rc.ReplaceFindings(models.FindingSourceSecurity, findings)
	return rc.FindingsFrom(models.FindingSourceSecurity), notes, nil
}

// patchMinor asks the agent to fix findings below major severity. A failed
// patch leaves the findings unpatched for the reviewer.
func (o *Orchestrator) patchMinor(ctx context.Context, rc *models.RunContext, step pipeline.Step, findings []models.Finding) {
	var minor []models.Finding
	for _, f := range findings {
		if !f.Severity.IsMajor() && !f.PatchApplied {
			minor = append(minor, f)
		}
	}
	if len(minor) == 0 {
		return
	}
	if _, err := o.callAgent(ctx, rc, step.Name, agent.SecurityPatchRequest(rc, minor)); err != nil {
		o.logger.Warn(ctx, "security auto-patch failed", zap.Error(err))
		return
	}
	for i := range findings {
		if !findings[i].Severity.IsMajor() {
			findings[i].PatchApplied = true
		}
	}
	rc.ReplaceFindings(models.FindingSourceSecurity, findings)
}

func hasMajor(findings []models.Finding) bool {
	for _, f := range findings {
		if f.Severity.IsMajor() {
			return true
		}
	}
	return false
}

func securityFeedback(findings []models.Finding, notes string) string {
	var b strings.Builder
	b.WriteString("The security review found issues that must be fixed:\n")
	for _, f := range findings {
		if f.Severity.IsMajor() {
			fmt.Fprintf(&b, "- %s\n", f)
			if f.Suggestion != "" {
				fmt.Fprintf(&b, "  fix: %s\n", f.Suggestion)
			}
		}
	}
	if notes != "" {
		fmt.Fprintf(&b, "\n%s\n", notes)
	}
	return b.String()
}

func joinFeedback(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "\n\n" + extra
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
