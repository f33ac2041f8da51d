package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/levelup/internal/agent"
	"github.com/mpataki/levelup/internal/checkpoint"
	"github.com/mpataki/levelup/internal/config"
	"github.com/mpataki/levelup/internal/logging"
	levelupLua "github.com/mpataki/levelup/internal/lua"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/orchestrator"
	"github.com/mpataki/levelup/internal/pipeline"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/tui"
	"github.com/mpataki/levelup/internal/workspace"
)

var (
	configPath  string
	projectPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "levelup",
		Short:         "Checkpointed TDD pipeline for coding agents",
		Long:          "levelup drives a coding agent through requirements, planning, tests, code, security and review, pausing for a human decision after each step.",
		RunE:          runMonitor,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a levelup.yaml (default: <project>/levelup.yaml if present)")
	rootCmd.PersistentFlags().StringVarP(&projectPath, "project", "p", ".", "Project repository")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPendingCommand())
	rootCmd.AddCommand(newDecideCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "monitor",
		Short: "Watch runs and answer checkpoints interactively",
		RunE:  runMonitor,
	})

	// SIGINT pauses a run at the next safe point rather than killing it.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is everything a command needs, opened once per invocation.
type env struct {
	cfg    *config.Config
	logger *logging.Logger
	store  *storage.Storage
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store}, nil
}

func (e *env) Close() {
	e.store.Close()
	_ = e.logger.Sync()
}

// coordinator picks how checkpoints are answered. autoApprove forces the
// pipeline through without stopping.
func (e *env) coordinator(autoApprove bool) (checkpoint.Coordinator, error) {
	mode := e.cfg.Pipeline.CheckpointMode
	if autoApprove || e.cfg.Pipeline.AutoApprove {
		mode = config.CheckpointModeAuto
	}
	switch mode {
	case config.CheckpointModeTerminal:
		return checkpoint.NewTerminal(os.Stdin, os.Stdout), nil
	case config.CheckpointModePolling:
		return &checkpoint.Polling{Store: e.store, Interval: e.cfg.Pipeline.PollInterval, Logger: e.logger}, nil
	case config.CheckpointModeScript:
		return levelupLua.LoadPolicy(e.cfg.Pipeline.CheckpointScript, e.logger)
	default:
		return checkpoint.AutoApprove{}, nil
	}
}

func (e *env) orchestrator(coord checkpoint.Coordinator, noCheckpoints bool) (*orchestrator.Orchestrator, error) {
	def := pipeline.Default()
	if e.cfg.Pipeline.Definition != "" {
		loaded, err := pipeline.Load(e.cfg.Pipeline.Definition)
		if err != nil {
			return nil, err
		}
		def = loaded
	}
	settings := orchestrator.SettingsFromConfig(e.cfg)
	if noCheckpoints {
		def = def.WithoutCheckpoints()
		settings.RequireCheckpoints = false
	}

	return orchestrator.New(orchestrator.Options{
		Store:       e.store,
		Workspace:   workspace.NewManager(e.cfg.WorktreesDir(), e.logger),
		Coordinator: coord,
		Executor: &agent.ClaudeCode{
			Executable: e.cfg.LLM.ClaudeExecutable,
			Model:      e.cfg.LLM.Model,
			MaxTurns:   e.cfg.LLM.MaxTurns,
			Timeout:    e.cfg.LLM.Timeout,
			Logger:     e.logger,
		},
		Pipeline: def,
		Settings: settings,
		Logger:   e.logger,
	})
}

func runMonitor(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.orchestrator(checkpoint.AutoApprove{}, false)
	if err != nil {
		return err
	}

	app := tui.NewApp(e.store, orch.Kill)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <title>",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			ticket, _ := cmd.Flags().GetInt("ticket")
			noCheckpoints, _ := cmd.Flags().GetBool("no-checkpoints")
			auto, _ := cmd.Flags().GetBool("auto")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			coord, err := e.coordinator(auto)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(coord, noCheckpoints)
			if err != nil {
				return err
			}

			task := models.Task{Title: args[0], Description: description}
			if ticket > 0 {
				task.Source = models.TaskSourceTicket
				task.SourceID = fmt.Sprintf("ticket:%d", ticket)
			}

			rc, err := orch.Run(cmd.Context(), task, projectPath)
			if rc != nil {
				printOutcome(rc)
			}
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringP("description", "d", "", "Longer task description")
	cmd.Flags().Int("ticket", 0, "Ticket number; only one active run per ticket is allowed")
	cmd.Flags().Bool("no-checkpoints", false, "Skip optional checkpoints (the security checkpoint still stops)")
	cmd.Flags().Bool("auto", false, "Approve every checkpoint automatically")
	return cmd
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStep, _ := cmd.Flags().GetString("from")
			auto, _ := cmd.Flags().GetBool("auto")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			coord, err := e.coordinator(auto)
			if err != nil {
				return err
			}
			orch, err := e.orchestrator(coord, false)
			if err != nil {
				return err
			}

			fmt.Printf("Resuming run %s\n", args[0])
			rc, err := orch.Resume(cmd.Context(), args[0], fromStep)
			if rc != nil {
				printOutcome(rc)
			}
			if err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("from", "", "Restart at this step instead of where the run stopped")
	cmd.Flags().Bool("auto", false, "Approve every checkpoint automatically")
	return cmd
}

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Reset a run's branch to a step commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toStep, _ := cmd.Flags().GetString("to")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			orch, err := e.orchestrator(nil, false)
			if err != nil {
				return err
			}
			sha, err := orch.Rollback(cmd.Context(), args[0], toStep)
			if err != nil {
				return fmt.Errorf("failed to roll back: %w", err)
			}

			target := toStep
			if target == "" {
				target = "pre-run state"
			}
			fmt.Printf("Rolled back run %s to %s (%s)\n", args[0], target, shortSHA(sha))
			return nil
		},
	}

	cmd.Flags().String("to", "", "Step whose commit to reset to (default: the commit the run started from)")
	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			opts := storage.ListOptions{Limit: limit}
			for _, s := range statuses {
				opts.Statuses = append(opts.Statuses, models.RunStatus(s))
			}
			runs, err := e.store.List(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s  %-17s %-13s $%-6.2f %s\n",
					run.RunID, run.Status, run.CurrentStep, run.TotalCost,
					truncate(run.TaskTitle, 50))
			}
			return nil
		},
	}

	cmd.Flags().StringSlice("status", nil, "Only show runs with these statuses")
	cmd.Flags().Int("limit", 20, "Maximum number of runs")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}
			rc := rec.Context

			fmt.Printf("Run %s: %s\n", rec.RunID, rec.TaskTitle)
			fmt.Printf("Status: %s\n", rec.Status)
			fmt.Printf("Step: %s\n", rec.CurrentStep)
			fmt.Printf("Project: %s\n", rec.ProjectPath)
			if rc.BranchName != "" {
				fmt.Printf("Branch: %s\n", rc.BranchName)
				fmt.Printf("Worktree: %s\n", rc.WorktreePath)
			}
			if rec.Language != "" {
				fmt.Printf("Language: %s %s\n", rec.Language, rec.Framework)
			}
			if rc.CodeIteration > 0 {
				fmt.Printf("Code iteration: %d\n", rc.CodeIteration)
			}
			if rec.ErrorMessage != "" {
				fmt.Printf("Error: %s\n", rec.ErrorMessage)
			}
			fmt.Printf("Cost: $%.4f (%d in / %d out tokens)\n", rec.TotalCost, rec.InputTokens, rec.OutputTokens)

			if len(rc.StepCommits) > 0 {
				fmt.Println("\nCommits:")
				pipe := pipeline.Default()
				for _, step := range orderedSteps(pipe, rc.StepCommits) {
					fmt.Printf("  %-14s %s\n", step, shortSHA(rc.StepCommits[step]))
				}
			}

			pending, err := e.store.ListPendingCheckpoints(cmd.Context(), rec.RunID)
			if err != nil {
				return err
			}
			for _, req := range pending {
				fmt.Printf("\nWaiting for a decision on %s (request %d)\n", req.StepName, req.ID)
			}
			return nil
		},
	}
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending [run-id]",
		Short: "List checkpoints waiting for a decision",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			reqs, err := e.store.ListPendingCheckpoints(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Println("No pending checkpoints.")
				return nil
			}
			for _, req := range reqs {
				fmt.Printf("#%-4d %s  %-13s %s\n", req.ID, req.RunID, req.StepName, req.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newDecideCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decide <request-id> <approve|revise|instruct|reject> [feedback]",
		Short: "Answer a pending checkpoint",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request ID: %w", err)
			}
			decision, err := models.ParseDecision(args[1])
			if err != nil {
				return err
			}
			feedback := ""
			if len(args) == 3 {
				feedback = strings.TrimSpace(args[2])
			}
			if decision.NeedsFeedback() && feedback == "" {
				return fmt.Errorf("%s needs feedback", decision)
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.SubmitDecision(cmd.Context(), id, decision, feedback); err != nil {
				return fmt.Errorf("failed to submit decision: %w", err)
			}
			fmt.Printf("Recorded %s for request %d\n", decision, id)
			return nil
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Ask a running run to pause at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.RequestPause(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to request pause: %w", err)
			}
			fmt.Printf("Pause requested for run %s\n", args[0])
			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Kill a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			orch, err := e.orchestrator(nil, false)
			if err != nil {
				return err
			}
			if err := orch.Kill(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to kill run: %w", err)
			}

			fmt.Printf("Killed run %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleteBranch, _ := cmd.Flags().GetBool("branch")

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			orch, err := e.orchestrator(nil, false)
			if err != nil {
				return err
			}
			if err := orch.Delete(cmd.Context(), args[0], deleteBranch); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().Bool("branch", false, "Also delete the run's git branch")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail runs whose process has died",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			orch, err := e.orchestrator(nil, false)
			if err != nil {
				return err
			}
			dead, err := orch.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if len(dead) == 0 {
				fmt.Println("No dead runs.")
				return nil
			}
			for _, id := range dead {
				fmt.Printf("Marked %s as failed\n", id)
			}
			return nil
		},
	}
}

func printOutcome(rc *models.RunContext) {
	fmt.Printf("Run %s: %s", rc.RunID, rc.Status)
	if rc.Status == models.RunStatusPaused {
		fmt.Printf(" at %s; continue with `levelup resume %s`", rc.CurrentStep, rc.RunID)
	}
	fmt.Println()
	if rc.BranchName != "" {
		fmt.Printf("Branch: %s\n", rc.BranchName)
	}
	in, out := rc.TotalTokens()
	fmt.Printf("Cost: $%.4f (%d in / %d out tokens)\n", rc.TotalCost, in, out)
}

// orderedSteps lists committed steps in pipeline order, then any others by name.
func orderedSteps(def *pipeline.Definition, commits map[string]string) []string {
	var known, other []string
	for _, name := range def.Names() {
		if _, ok := commits[name]; ok {
			known = append(known, name)
		}
	}
	for name := range commits {
		if def.Index(name) < 0 {
			other = append(other, name)
		}
	}
	sort.Strings(other)
	return append(known, other...)
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
