// Package orchestrator drives a run through the pipeline: it executes each
// step, persists the run after every step, commits the worktree and asks the
// checkpoint coordinator for decisions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/workspace"
)

var (
	ErrNotResumable   = errors.New("run is not resumable")
	ErrRunActive      = errors.New("run is owned by a live process")
	ErrUnknownStep    = errors.New("unknown step")
	ErrIterationLimit = errors.New("coding iteration limit reached")

	// errPaused and errRejected unwind the step loop; neither is a failure.
	errPaused   = errors.New("run paused")
	errRejected = errors.New("rejected at checkpoint")
)

// Store is the state store as the orchestrator uses it.
type Store interface {
	Register(ctx context.Context, rc *models.RunContext) error
	Update(ctx context.Context, rc *models.RunContext) error
	Get(ctx context.Context, runID string) (*models.RunRecord, error)
	Delete(ctx context.Context, runID string) error
	HasActiveRunForTicket(ctx context.Context, projectPath string, ticket int) (bool, error)
	MarkDead(ctx context.Context, isAlive func(pid int) bool) ([]string, error)
	IsPauseRequested(ctx context.Context, runID string) (bool, error)
	ClearPauseRequest(ctx context.Context, runID string) error
	SetChildProcess(ctx context.Context, runID string, pgid int) error
}

// Settings are the per-run policy knobs.
type Settings struct {
	MaxCodeIterations  int
	RequireCheckpoints bool
	CreateGitBranch    bool
	AgentRetries       int
	BranchNaming       string

	// Overrides for detection results.
	Language    string
	Framework   string
	TestCommand string
	TestTimeout time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxCodeIterations:  cfg.Pipeline.MaxCodeIterations,
		RequireCheckpoints: cfg.Pipeline.RequireCheckpoints,
		CreateGitBranch:    cfg.Pipeline.CreateGitBranch,
		AgentRetries:       cfg.Pipeline.AgentRetries,
		BranchNaming:       cfg.Pipeline.BranchNaming,
		Language:           cfg.Project.Language,
		Framework:          cfg.Project.Framework,
		TestCommand:        cfg.Project.TestCommand,
		TestTimeout:        cfg.Project.TestTimeout,
	}
}

type Options struct {
	Store       Store
	Workspace   *workspace.Manager
	Coordinator checkpoint.Coordinator
	Executor    agent.Executor
	TestRunner  agent.TestRunner
	Detector    agent.Detector
	Pipeline    *pipeline.Definition
	Settings    Settings
	Logger      *logging.Logger

	// IsAlive reports whether a recorded owner pid still runs. Defaults to
	// storage.ProcessAlive.
	IsAlive func(pid int) bool
	Now     func() time.Time
}

type Orchestrator struct {
	store       Store
	ws          *workspace.Manager
	coordinator checkpoint.Coordinator
	executor    agent.Executor
	tests       agent.TestRunner
	detector    agent.Detector
	def         *pipeline.Definition
	settings    Settings
	logger      *logging.Logger
	isAlive     func(pid int) bool
	now         func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("orchestrator requires a store")
	}
	if opts.Coordinator == nil {
		opts.Coordinator = checkpoint.AutoApprove{}
	}
	if opts.Pipeline == nil {
		opts.Pipeline = pipeline.Default()
	}
	if err := pipeline.Validate(opts.Pipeline); err != nil {
		return nil, err
	}
	if opts.Settings.CreateGitBranch && opts.Workspace == nil {
		return nil, errors.New("git isolation requires a workspace manager")
	}
	if opts.Settings.MaxCodeIterations < 1 {
		opts.Settings.MaxCodeIterations = 1
	}
	if opts.IsAlive == nil {
		opts.IsAlive = storage.ProcessAlive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TestRunner == nil {
		opts.TestRunner = agent.ShellTestRunner{}
	}
	if opts.Detector == nil {
		opts.Detector = agent.MarkerDetector{}
	}
	return &Orchestrator{
		store:       opts.Store,
		ws:          opts.Workspace,
		coordinator: opts.Coordinator,
		executor:    opts.Executor,
		tests:       opts.TestRunner,
		detector:    opts.Detector,
		def:         opts.Pipeline,
		settings:    opts.Settings,
		logger:      logging.OrNop(opts.Logger).Named("orchestrator"),
		isAlive:     opts.IsAlive,
		now:         opts.Now,
	}, nil
}

func (o *Orchestrator) Pipeline() *pipeline.Definition {
	return o.def
}

// Run registers a new run for task against the project at projectPath and
// executes it. The returned context reflects the final state even when an
// error is returned.
func (o *Orchestrator) Run(ctx context.Context, task models.Task, projectPath string) (*models.RunContext, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, err
	}
	rc := models.NewRunContext(task, abs)
	rc.BranchNaming = workspace.NormalizePattern(o.settings.BranchNaming)
	rc.CurrentStep = o.def.Steps[0].Name
	ctx = logging.WithRunID(ctx, rc.RunID)

	if n, ok := task.TicketNumber(); ok {
		if _, err := o.Sweep(ctx); err != nil {
			o.logger.Warn(ctx, "dead process sweep failed", zap.Error(err))
		}
		active, err := o.store.HasActiveRunForTicket(ctx, abs, n)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, fmt.Errorf("ticket %d: %w", n, storage.ErrActiveRunConflict)
		}
	}
	if err := o.store.Register(ctx, rc); err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "registered run", zap.String("task", task.Title), zap.String("project", abs))

	if o.settings.CreateGitBranch {
		branch := workspace.BranchName(rc.BranchNaming, rc.RunID, task.Title, o.now())
		iso, err := o.ws.Create(ctx, abs, rc.RunID, branch)
		if err != nil {
			rc.Status = models.RunStatusFailed
			rc.ErrorMessage = err.Error()
			if uerr := o.store.Update(context.WithoutCancel(ctx), rc); uerr != nil {
				o.logger.Error(ctx, "failed to record isolation failure", zap.Error(uerr))
			}
			return rc, fmt.Errorf("failed to isolate run: %w", err)
		}
		rc.PreRunSHA = iso.PreRunSHA
		rc.WorktreePath = iso.WorktreePath
		rc.BranchName = iso.BranchName
	} else if sha, err := workspace.HeadSHA(abs); err == nil {
		rc.PreRunSHA = sha
	}

	rc.Status = models.RunStatusRunning
	if err := o.store.Update(ctx, rc); err != nil {
		return rc, err
	}
	o.journal(rc).header(rc)
	return o.execute(ctx, rc, 0)
}

// Resume re-enters the step loop for a paused, failed or aborted run. With a
// non-empty fromStep the run restarts at that step; otherwise at the step it
// stopped in.
func (o *Orchestrator) Resume(ctx context.Context, runID, fromStep string) (*models.RunContext, error) {
	ctx = logging.WithRunID(ctx, runID)
	if _, err := o.Sweep(ctx); err != nil {
		o.logger.Warn(ctx, "dead process sweep failed", zap.Error(err))
	}

	rec, err := o.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc := rec.Context
	if rec.Status.IsLive() {
		return nil, fmt.Errorf("%w: %s is %s (pid %d)", ErrRunActive, runID, rec.Status, rec.PID)
	}
	if !rec.Status.IsResumable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, runID, rec.Status)
	}

	if fromStep != "" {
		if o.def.Index(fromStep) < 0 {
			return nil, fmt.Errorf("%w %q", ErrUnknownStep, fromStep)
		}
		rc.CurrentStep = fromStep
		rc.CheckpointPending = false
	}
	start := o.def.Index(rc.CurrentStep)
	if start < 0 {
		return nil, fmt.Errorf("%w %q recorded for run %s", ErrUnknownStep, rc.CurrentStep, runID)
	}

	if o.isolated(rc) {
		if rc.WorktreePath == "" {
			rc.WorktreePath = o.ws.WorktreePath(rc.RunID)
		}
		if !o.ws.Exists(rc.WorktreePath) {
			root, err := workspace.RepoRoot(rc.ProjectPath)
			if err != nil {
				return nil, err
			}
			if err := o.ws.Recreate(ctx, root, rc.WorktreePath, rc.BranchName); err != nil {
				return nil, fmt.Errorf("failed to restore worktree: %w", err)
			}
		}
	}

	if err := o.store.ClearPauseRequest(ctx, runID); err != nil {
		return nil, err
	}
	o.logger.Info(ctx, "resuming run", zap.String("step", rc.CurrentStep), zap.String("from_status", string(rec.Status)))
	rc.Status = models.RunStatusRunning
	rc.ErrorMessage = ""
	if err := o.store.Update(ctx, rc); err != nil {
		return nil, err
	}
	o.journal(rc).note(fmt.Sprintf("Resumed at step %s", rc.CurrentStep))
	return o.execute(ctx, rc, start)
}

// Rollback hard-resets the run's branch to the commit recorded for toStep, or
// to the commit the run started from when toStep is empty. The run's status
// is left alone.
func (o *Orchestrator) Rollback(ctx context.Context, runID, toStep string) (string, error) {
	ctx = logging.WithRunID(ctx, runID)
	rec, err := o.store.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if rec.Status.IsLive() && o.isAlive(rec.PID) {
		return "", fmt.Errorf("%w: refusing to roll back %s", ErrRunActive, runID)
	}
	rc := rec.Context

	target := rc.PreRunSHA
	if toStep != "" {
		sha, ok := rc.StepCommits[toStep]
		if !ok {
			return "", fmt.Errorf("%w %q: no commit recorded for run %s", ErrUnknownStep, toStep, runID)
		}
		target = sha
	}
	if target == "" {
		return "", fmt.Errorf("run %s has no recorded commit to roll back to", runID)
	}
	if !o.isolated(rc) {
		return "", fmt.Errorf("run %s was not isolated on a branch", runID)
	}
	root, err := workspace.RepoRoot(rc.ProjectPath)
	if err != nil {
		return "", err
	}
	return o.ws.Rollback(ctx, root, rc.WorktreePath, rc.BranchName, target)
}

// Sweep fails runs whose owning process has died.
func (o *Orchestrator) Sweep(ctx context.Context) ([]string, error) {
	dead, err := o.store.MarkDead(ctx, o.isAlive)
	if err != nil {
		return nil, err
	}
	for _, id := range dead {
		o.logger.Warn(ctx, "marked dead run as failed", zap.String("dead_run_id", id))
	}
	return dead, nil
}

// Kill terminates the process that owns a live run, along with its running
// agent or test command, and fails the run. A run owned by the calling process
// is refused with ErrRunActive.
func (o *Orchestrator) Kill(ctx context.Context, runID string) error {
	rec, err := o.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if !rec.Status.IsLive() {
		return fmt.Errorf("run %s is %s, nothing to kill", runID, rec.Status)
	}
	if rec.PID == os.Getpid() {
		return fmt.Errorf("%w: run %s belongs to this process", ErrRunActive, runID)
	}
	if rec.PID > 0 && o.isAlive(rec.PID) {
		if err := killGroup(rec.PID); err != nil {
			return fmt.Errorf("failed to kill pid %d: %w", rec.PID, err)
		}
	}
	// Agent and test subprocesses lead their own process groups.
	if rec.ChildPGID > 0 {
		if err := syscall.Kill(-rec.ChildPGID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("failed to kill process group %d: %w", rec.ChildPGID, err)
		}
		if err := o.store.SetChildProcess(ctx, runID, 0); err != nil {
			return err
		}
	}

	rc := rec.Context
	rc.Status = models.RunStatusFailed
	rc.ErrorMessage = fmt.Sprintf("killed by user (pid %d)", rec.PID)
	rc.CheckpointPending = false
	if err := o.store.Update(ctx, rc); err != nil {
		return err
	}
	o.cleanup(ctx, rc)
	return nil
}

func killGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return nil
	}
	// Not a group leader.
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Delete removes a run's worktree, optionally its branch, and its records.
func (o *Orchestrator) Delete(ctx context.Context, runID string, deleteBranch bool) error {
	rec, err := o.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if rec.Status.IsLive() && o.isAlive(rec.PID) {
		return fmt.Errorf("%w: refusing to delete %s", ErrRunActive, runID)
	}
	rc := rec.Context
	if o.isolated(rc) {
		root, err := workspace.RepoRoot(rc.ProjectPath)
		if err != nil {
			o.logger.Warn(ctx, "project is no longer a repository; skipping git cleanup", zap.Error(err))
		} else {
			if err := o.ws.Cleanup(ctx, root, rc.WorktreePath); err != nil {
				o.logger.Warn(ctx, "failed to remove worktree", zap.Error(err))
			}
			if deleteBranch {
				if err := o.ws.DeleteBranch(ctx, root, rc.BranchName); err != nil {
					return err
				}
			}
		}
	}
	return o.store.Delete(ctx, runID)
}

// execute runs steps from index start and settles the final status.
func (o *Orchestrator) execute(ctx context.Context, rc *models.RunContext, start int) (*models.RunContext, error) {
	err := o.loop(o.trackChildren(ctx, rc), rc, start)
	switch {
	case err == nil:
		return rc, o.finish(ctx, rc, models.RunStatusCompleted, "")
	case errors.Is(err, errPaused), ctx.Err() != nil:
		return rc, o.pause(ctx, rc)
	case errors.Is(err, errRejected):
		return rc, o.finish(ctx, rc, models.RunStatusAborted, err.Error())
	default:
		o.logger.Error(ctx, "run failed", zap.String("step", rc.CurrentStep), zap.Error(err))
		if ferr := o.finish(ctx, rc, models.RunStatusFailed, err.Error()); ferr != nil {
			return rc, errors.Join(err, ferr)
		}
		return rc, err
	}
}

// trackChildren records the process group of the running agent or test
// command so Kill from another process can reach it.
func (o *Orchestrator) trackChildren(ctx context.Context, rc *models.RunContext) context.Context {
	storeCtx := context.WithoutCancel(ctx)
	return agent.WithProcessHook(ctx, func(pgid int, running bool) {
		if !running {
			pgid = 0
		}
		if err := o.store.SetChildProcess(storeCtx, rc.RunID, pgid); err != nil {
			o.logger.Warn(storeCtx, "failed to record child process", zap.Int("pgid", pgid), zap.Error(err))
		}
	})
}

func (o *Orchestrator) loop(ctx context.Context, rc *models.RunContext, start int) error {
	for _, step := range o.def.Steps[start:] {
		rc.CurrentStep = step.Name
		stepCtx := logging.WithStep(ctx, step.Name)

		if err := o.checkPause(stepCtx, rc); err != nil {
			return err
		}

		// A pending checkpoint means the step already ran and was committed;
		// only the decision is outstanding.
		if !rc.CheckpointPending {
			rc.Status = models.RunStatusRunning
			if err := o.store.Update(stepCtx, rc); err != nil {
				return err
			}
			o.logger.Info(stepCtx, "step started", zap.String("kind", string(step.Kind)))
			o.journal(rc).stepStarted(step)

			if err := o.runStep(stepCtx, rc, step, ""); err != nil {
				return err
			}
			if err := o.store.Update(stepCtx, rc); err != nil {
				return err
			}
			if err := o.commit(stepCtx, rc, step.Name, ""); err != nil {
				return err
			}
			o.journal(rc).stepFinished(step, rc.StepUsage[step.Name])
			o.logger.Info(stepCtx, "step finished", zap.Float64("total_cost_usd", rc.TotalCost))
		}

		if o.needsCheckpoint(step) {
			if err := o.checkpoint(stepCtx, rc, step); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) needsCheckpoint(step pipeline.Step) bool {
	return step.CheckpointAfter && (o.settings.RequireCheckpoints || step.MandatoryCheckpoint)
}

func (o *Orchestrator) isolated(rc *models.RunContext) bool {
	return rc.BranchName != "" && o.ws != nil
}

// checkPause stops the loop at a step boundary when the context is done or
// another process asked for a pause.
func (o *Orchestrator) checkPause(ctx context.Context, rc *models.RunContext) error {
	if ctx.Err() != nil {
		return errPaused
	}
	paused, err := o.store.IsPauseRequested(ctx, rc.RunID)
	if err != nil {
		return err
	}
	if paused {
		return errPaused
	}
	return nil
}

// commit records the worktree state after a step. Without git isolation it
// is a no-op.
func (o *Orchestrator) commit(ctx context.Context, rc *models.RunContext, step, label string) error {
	if !o.isolated(rc) {
		return nil
	}
	sha, err := o.ws.CommitStep(ctx, rc.WorktreePath, workspace.Commit{
		RunID: rc.RunID, Step: step, Label: label, Title: rc.Task.Title,
	})
	if err != nil {
		return err
	}
	rc.RecordCommit(step, sha)
	return o.store.Update(ctx, rc)
}

func (o *Orchestrator) pause(ctx context.Context, rc *models.RunContext) error {
	ctx = context.WithoutCancel(ctx)
	rc.Status = models.RunStatusPaused
	if err := o.store.Update(ctx, rc); err != nil {
		return err
	}
	if err := o.store.ClearPauseRequest(ctx, rc.RunID); err != nil {
		o.logger.Warn(ctx, "failed to clear pause request", zap.Error(err))
	}
	o.journal(rc).note(fmt.Sprintf("Paused at step %s", rc.CurrentStep))
	o.logger.Info(ctx, "run paused", zap.String("step", rc.CurrentStep))
	return nil
}

// finish moves the run to a terminal status and removes its worktree. The
// branch stays; cleanup problems are only logged.
func (o *Orchestrator) finish(ctx context.Context, rc *models.RunContext, status models.RunStatus, msg string) error {
	ctx = context.WithoutCancel(ctx)
	rc.Status = status
	rc.ErrorMessage = msg
	if status != models.RunStatusFailed {
		rc.CheckpointPending = false
	}
	o.journal(rc).outcome(rc)

	if o.isolated(rc) && o.ws.Exists(rc.WorktreePath) {
		if _, err := o.ws.CommitStep(ctx, rc.WorktreePath, workspace.Commit{
			RunID: rc.RunID, Step: "journal", Title: "run " + string(status),
		}); err != nil {
			o.logger.Warn(ctx, "failed to commit run journal", zap.Error(err))
		}
	}

	if err := o.store.Update(ctx, rc); err != nil {
		return err
	}
	o.cleanup(ctx, rc)
	o.logger.Info(ctx, "run finished", zap.String("status", string(status)), zap.Float64("total_cost_usd", rc.TotalCost))
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context, rc *models.RunContext) {
	if !o.isolated(rc) {
		return
	}
	root, err := workspace.RepoRoot(rc.ProjectPath)
	if err == nil {
		err = o.ws.Cleanup(ctx, root, rc.WorktreePath)
	}
	if err != nil {
		o.logger.Warn(ctx, "failed to remove worktree", zap.String("path", rc.WorktreePath), zap.Error(err))
	}
}
