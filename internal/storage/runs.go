package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/models"
)

const runColumns = `run_id, task_title, task_description, project_path, status, current_step,
	language, framework, test_runner, error_message, context_json, started_at, updated_at, pid,
	ticket_number, pause_requested, total_cost_usd, input_tokens, output_tokens, child_pgid`

type runRow struct {
	runID, title, description, project, status, step string
	language, framework, runner, errMsg              sql.NullString
	blob, startedAt, updatedAt                       string
	pid                                              int
	ticket                                           sql.NullInt64
	cost                                             float64
	inputTokens, outputTokens                        int
}

func newRunRow(rc *models.RunContext, pid int, now time.Time) (runRow, error) {
	blob, err := models.MarshalContext(rc)
	if err != nil {
		return runRow{}, err
	}
	r := runRow{
		runID:       rc.RunID,
		title:       rc.Task.Title,
		description: rc.Task.Description,
		project:     rc.ProjectPath,
		status:      string(rc.Status),
		step:        rc.CurrentStep,
		language:    nullString(rc.Language),
		framework:   nullString(rc.Framework),
		runner:      nullString(rc.TestRunner),
		errMsg:      nullString(rc.ErrorMessage),
		blob:        string(blob),
		startedAt:   formatTime(rc.StartedAt),
		updatedAt:   formatTime(now),
		pid:         pid,
		cost:        rc.TotalCost,
	}
	if n, ok := rc.Task.TicketNumber(); ok {
		r.ticket = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	r.inputTokens, r.outputTokens = rc.TotalTokens()
	return r, nil
}

// insertArgs follows runColumns order.
func (r runRow) insertArgs() []any {
	return []any{
		r.runID, r.title, r.description, r.project, r.status, r.step,
		r.language, r.framework, r.runner, r.errMsg, r.blob, r.startedAt, r.updatedAt, r.pid,
		r.ticket, 0, r.cost, r.inputTokens, r.outputTokens, 0,
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []models.RunStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

// Register inserts a new run owned by this process. For ticket runs the insert
// is conditional on no other active run for the same project and ticket, and
// happens inside an immediate transaction, so concurrent registrations for one
// ticket admit exactly one.
func (s *Storage) Register(ctx context.Context, rc *models.RunContext) error {
	row, err := newRunRow(rc, s.pid, time.Now())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := row.insertArgs()
	insert := `INSERT INTO runs (` + runColumns + `) SELECT ` + placeholders(len(args))
	if n, ok := rc.Task.TicketNumber(); ok {
		insert += ` WHERE NOT EXISTS (SELECT 1 FROM runs WHERE project_path = ? AND ticket_number = ? AND status IN (` +
			placeholders(len(models.ActiveStatuses)) + `))`
		args = append(append(args, rc.ProjectPath, n), statusArgs(models.ActiveStatuses)...)
	}

	res, err := tx.ExecContext(ctx, insert, args...)
	if err != nil {
		return fmt.Errorf("register run %s: %w", rc.RunID, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		return ErrActiveRunConflict
	}
	return tx.Commit()
}

// Update overwrites every mutable column and the context blob. The writing
// process becomes the owner of the run.
func (s *Storage) Update(ctx context.Context, rc *models.RunContext) error {
	row, err := newRunRow(rc, s.pid, time.Now())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET task_title = ?, task_description = ?, project_path = ?, status = ?, current_step = ?,
			language = ?, framework = ?, test_runner = ?, error_message = ?, context_json = ?,
			updated_at = ?, pid = ?, ticket_number = ?, total_cost_usd = ?, input_tokens = ?, output_tokens = ?
		 WHERE run_id = ?`,
		row.title, row.description, row.project, row.status, row.step,
		row.language, row.framework, row.runner, row.errMsg, row.blob,
		row.updatedAt, row.pid, row.ticket, row.cost, row.inputTokens, row.outputTokens, row.runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", rc.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*models.RunRecord, string, error) {
	var (
		r                                   models.RunRecord
		status                              string
		language, framework, runner, errMsg sql.NullString
		blob, startedAt, updatedAt          string
		ticket                              sql.NullInt64
		pause                               int
	)
	err := sc.Scan(
		&r.RunID, &r.TaskTitle, &r.TaskDescription, &r.ProjectPath, &status, &r.CurrentStep,
		&language, &framework, &runner, &errMsg, &blob, &startedAt, &updatedAt, &r.PID,
		&ticket, &pause, &r.TotalCost, &r.InputTokens, &r.OutputTokens, &r.ChildPGID,
	)
	if err != nil {
		return nil, "", err
	}

	r.Status = models.RunStatus(status)
	r.Language = language.String
	r.Framework = framework.String
	r.TestRunner = runner.String
	r.ErrorMessage = errMsg.String
	r.PauseRequested = pause != 0
	if ticket.Valid {
		n := int(ticket.Int64)
		r.TicketNumber = &n
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, "", fmt.Errorf("run %s started_at: %w", r.RunID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, "", fmt.Errorf("run %s updated_at: %w", r.RunID, err)
	}
	return &r, blob, nil
}

// Get loads a run and decodes its context.
func (s *Storage) Get(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, blob, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	if r.Context, err = models.UnmarshalContext([]byte(blob)); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return r, nil
}

type ListOptions struct {
	Statuses []models.RunStatus
	Limit    int
}

// List returns run records newest first. Contexts are not decoded.
func (s *Storage) List(ctx context.Context, opts ListOptions) ([]*models.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(opts.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(opts.Statuses)) + `)`
		args = statusArgs(opts.Statuses)
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		r, _, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Delete removes a run and its checkpoint requests.
func (s *Storage) Delete(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_requests WHERE run_id = ?`, runID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return tx.Commit()
}

// ActiveRunForTicket returns the id of a non-terminal run for the ticket, or "".
func (s *Storage) ActiveRunForTicket(ctx context.Context, projectPath string, ticket int) (string, error) {
	args := append([]any{projectPath, ticket}, statusArgs(models.ActiveStatuses)...)
	var runID string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id FROM runs WHERE project_path = ? AND ticket_number = ? AND status IN (`+
			placeholders(len(models.ActiveStatuses))+`) ORDER BY updated_at DESC LIMIT 1`,
		args...,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, err
}

func (s *Storage) HasActiveRunForTicket(ctx context.Context, projectPath string, ticket int) (bool, error) {
	id, err := s.ActiveRunForTicket(ctx, projectPath, ticket)
	return id != "", err
}

// ProcessAlive reports whether pid names a live process. EPERM means the
// process exists but belongs to someone else.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// MarkDead flips live-status runs whose owning process is gone to failed, so
// they stop blocking new runs and become resumable. isAlive defaults to
// ProcessAlive. Returns the ids of the runs it changed.
func (s *Storage) MarkDead(ctx context.Context, isAlive func(pid int) bool) ([]string, error) {
	if isAlive == nil {
		isAlive = ProcessAlive
	}
	live := []models.RunStatus{models.RunStatusPending, models.RunStatusRunning, models.RunStatusWaitingForInput}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pid FROM runs WHERE status IN (`+placeholders(len(live))+`)`, statusArgs(live)...)
	if err != nil {
		return nil, err
	}
	type owner struct {
		runID string
		pid   int
	}
	var candidates []owner
	for rows.Next() {
		var o owner
		if err := rows.Scan(&o.runID, &o.pid); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var marked []string
	for _, o := range candidates {
		if o.pid <= 0 || isAlive(o.pid) {
			continue
		}
		rec, err := s.Get(ctx, o.runID)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable run during sweep", zap.String("run_id", o.runID), zap.Error(err))
			continue
		}
		// Another process may have claimed the run since the scan.
		if rec.PID != o.pid || !rec.Status.IsLive() {
			continue
		}
		rc := rec.Context
		rc.Status = models.RunStatusFailed
		rc.ErrorMessage = fmt.Sprintf("process died (pid %d)", o.pid)
		rc.CheckpointPending = false
		if err := s.Update(ctx, rc); err != nil {
			return marked, err
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE checkpoint_requests SET status = ? WHERE run_id = ? AND status = ?`,
			string(models.CheckpointStatusCancelled), o.runID, string(models.CheckpointStatusPending)); err != nil {
			return marked, err
		}
		s.logger.Info(ctx, "marked dead run as failed", zap.String("run_id", o.runID), zap.Int("pid", o.pid))
		marked = append(marked, o.runID)
	}
	return marked, nil
}

func (s *Storage) RequestPause(ctx context.Context, runID string) error {
	return s.setPause(ctx, runID, 1)
}

func (s *Storage) ClearPauseRequest(ctx context.Context, runID string) error {
	return s.setPause(ctx, runID, 0)
}

func (s *Storage) setPause(ctx context.Context, runID string, v int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET pause_requested = ? WHERE run_id = ?`, v, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SetChildProcess records the process group of the subprocess a run is
// waiting on, so another process can kill it. Zero clears it.
func (s *Storage) SetChildProcess(ctx context.Context, runID string, pgid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET child_pgid = ? WHERE run_id = ?`, pgid, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *Storage) IsPauseRequested(ctx context.Context, runID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT pause_requested FROM runs WHERE run_id = ?`, runID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return v != 0, err
}
