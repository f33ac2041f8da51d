package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/workspace"
)

// journal appends a human-readable markdown log of the run to
// levelup/<date>-<slug>.md in the run's working tree. Write failures are
// logged; the journal never fails a run.
type journal struct {
	path   string
	logger *logging.Logger
}

func (o *Orchestrator) journal(rc *models.RunContext) journal {
	return journal{path: JournalPath(rc), logger: o.logger.With(zap.String("run_id", rc.RunID))}
}

// JournalPath is where the run's journal lives.
func JournalPath(rc *models.RunContext) string {
	name := fmt.Sprintf("%s-%s.md", rc.StartedAt.Format("2006-01-02"), workspace.SanitizeTitle(rc.Task.Title))
	return filepath.Join(rc.EffectivePath(), "levelup", name)
}

func (j journal) write(text string) {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		j.logger.Warn(context.Background(), "failed to create journal directory", zap.Error(err))
		return
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.logger.Warn(context.Background(), "failed to open journal", zap.String("path", j.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		j.logger.Warn(context.Background(), "failed to write journal", zap.String("path", j.path), zap.Error(err))
	}
}

func (j journal) header(rc *models.RunContext) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run Journal: %s\n\n", rc.Task.Title)
	fmt.Fprintf(&b, "- **Run ID:** %s\n", rc.RunID)
	fmt.Fprintf(&b, "- **Started:** %s\n", rc.StartedAt.Format("2006-01-02 15:04:05 MST"))
	if rc.Task.SourceID != "" {
		fmt.Fprintf(&b, "- **Source:** %s\n", rc.Task.SourceID)
	}
	if rc.BranchName != "" {
		fmt.Fprintf(&b, "- **Branch:** %s\n", rc.BranchName)
	}
	if rc.Task.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", rc.Task.Description)
	}
	j.write(b.String())
}

func (j journal) stepStarted(step pipeline.Step) {
	j.write(fmt.Sprintf("\n## Step: %s\n\n%s\n", step.Name, step.Description))
}

func (j journal) stepFinished(step pipeline.Step, u models.StepUsage) {
	if u.Cost == 0 && u.InputTokens == 0 && u.OutputTokens == 0 {
		j.write("\nDone.\n")
		return
	}
	j.write(fmt.Sprintf("\nDone. Cost $%.4f, %d in / %d out tokens, %d turns, %s.\n",
		u.Cost, u.InputTokens, u.OutputTokens, u.Turns, u.Duration.Round(time.Second)))
}

func (j journal) decision(step pipeline.Step, out checkpoint.Outcome) {
	line := fmt.Sprintf("\n**Checkpoint (%s):** %s\n", step.Name, out.Decision)
	if out.Feedback != "" {
		line += fmt.Sprintf("\n> %s\n", out.Feedback)
	}
	j.write(line)
}

func (j journal) rule(rule string, files []string) {
	j.write(fmt.Sprintf("\n**Project rule added:** %s (reviewed %d files)\n", rule, len(files)))
}

func (j journal) note(text string) {
	j.write(fmt.Sprintf("\n_%s_\n", text))
}

func (j journal) outcome(rc *models.RunContext) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Outcome: %s\n\n", rc.Status)
	if rc.ErrorMessage != "" {
		fmt.Fprintf(&b, "%s\n\n", rc.ErrorMessage)
	}
	in, out := rc.TotalTokens()
	fmt.Fprintf(&b, "Total cost $%.4f, %d in / %d out tokens.\n", rc.TotalCost, in, out)
	j.write(b.String())
}
