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
	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

const (
	rulesFile    = "CLAUDE.md"
	rulesHeading = "## Project Rules"
)

// checkpoint presents step until it is approved. Revise and instruct change
// the worktree and present the same step again.
func (o *Orchestrator) checkpoint(ctx context.Context, rc *models.RunContext, step pipeline.Step) error {
	for {
		rc.Status = models.RunStatusWaitingForInput
		rc.CheckpointPending = true
		if err := o.store.Update(ctx, rc); err != nil {
			return err
		}

		out, err := o.coordinator.Decide(ctx, rc, step)
		if errors.Is(err, checkpoint.ErrPaused) {
			return errPaused
		}
		if err != nil {
			return fmt.Errorf("checkpoint after %s: %w", step.Name, err)
		}
		o.logger.Info(ctx, "checkpoint decision", zap.String("decision", string(out.Decision)), zap.String("feedback", out.Feedback))
		o.journal(rc).decision(step, out)

		rc.Status = models.RunStatusRunning
		rc.CheckpointPending = false
		switch out.Decision {
		case models.DecisionApprove:
			return o.store.Update(ctx, rc)
		case models.DecisionReject:
			return fmt.Errorf("%w %s", errRejected, step.Name)
		case models.DecisionRevise:
			if err := o.store.Update(ctx, rc); err != nil {
				return err
			}
			if err := o.runStep(ctx, rc, step, out.Feedback); err != nil {
				return err
			}
			if err := o.store.Update(ctx, rc); err != nil {
				return err
			}
			if err := o.commit(ctx, rc, step.Name, "revised"); err != nil {
				return err
			}
		case models.DecisionInstruct:
			if err := o.instruct(ctx, rc, step, out.Feedback); err != nil {
				return err
			}
		default:
			return fmt.Errorf("checkpoint after %s: unsupported decision %q", step.Name, out.Decision)
		}
	}
}

// instruct records rule as a standing project rule, has the agent fix
// violations in everything the run changed, and commits the result.
func (o *Orchestrator) instruct(ctx context.Context, rc *models.RunContext, step pipeline.Step, rule string) error {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return errors.New("instruct requires a rule")
	}
	if err := addProjectRule(rc.EffectivePath(), rule); err != nil {
		return fmt.Errorf("failed to record project rule: %w", err)
	}

	var files []string
	if o.isolated(rc) && rc.PreRunSHA != "" {
		changed, err := o.ws.ChangedFiles(ctx, rc.WorktreePath, rc.PreRunSHA)
		if err != nil {
			return err
		}
		files = changed
	}

	if len(files) > 0 {
		if _, err := o.callAgent(ctx, rc, agent.RoleInstructReview, agent.InstructReviewRequest(rc, rule, files)); err != nil {
			return err
		}
	}
	o.journal(rc).rule(rule, files)
	if err := o.store.Update(ctx, rc); err != nil {
		return err
	}
	return o.commit(ctx, rc, step.Name, "instruct")
}

// addProjectRule appends rule as a bullet to the Project Rules section of
// CLAUDE.md, creating the file or section when missing.
func addProjectRule(dir, rule string) error {
	path := filepath.Join(dir, rulesFile)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	bullet := "- " + rule

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == rulesHeading {
			start = i
			break
		}
	}

	if start < 0 {
		if len(lines) > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, rulesHeading, "", bullet)
	} else {
		end := len(lines)
		for i := start + 1; i < len(lines); i++ {
			if strings.HasPrefix(lines[i], "#") {
				end = i
				break
			}
		}
		// Insert after the section's last non-blank line.
		at := end
		for at > start+1 && strings.TrimSpace(lines[at-1]) == "" {
			at--
		}
		for i := start + 1; i < at; i++ {
			if strings.TrimSpace(lines[i]) == bullet {
				return nil
			}
		}
		rest := append([]string{bullet}, lines[at:]...)
		lines = append(lines[:at], rest...)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}
