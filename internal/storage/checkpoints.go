package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/levelup/internal/models"
)

const checkpointColumns = `id, run_id, step_name, checkpoint_data, status, decision, feedback, created_at, decided_at`

// CreateCheckpointRequest opens a pending request. Any request still pending
// for the run is cancelled first, so a run has at most one open checkpoint.
func (s *Storage) CreateCheckpointRequest(ctx context.Context, runID, step, payload string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE checkpoint_requests SET status = ? WHERE run_id = ? AND status = ?`,
		string(models.CheckpointStatusCancelled), runID, string(models.CheckpointStatusPending),
	); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoint_requests (run_id, step_name, checkpoint_data, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, step, payload, string(models.CheckpointStatusPending), formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("create checkpoint request for %s/%s: %w", runID, step, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func scanCheckpoint(sc rowScanner) (*models.CheckpointRequest, error) {
	var (
		req                          models.CheckpointRequest
		status, createdAt            string
		decision, feedback, decidedAt sql.NullString
	)
	if err := sc.Scan(&req.ID, &req.RunID, &req.StepName, &req.Payload, &status,
		&decision, &feedback, &createdAt, &decidedAt); err != nil {
		return nil, err
	}
	req.Status = models.CheckpointStatus(status)
	req.Decision = models.Decision(decision.String)
	req.Feedback = feedback.String

	var err error
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t, err := parseTime(decidedAt.String)
		if err != nil {
			return nil, err
		}
		req.DecidedAt = &t
	}
	return &req, nil
}

func (s *Storage) GetCheckpointRequest(ctx context.Context, id int64) (*models.CheckpointRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoint_requests WHERE id = ?`, id)
	req, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrCheckpointNotFound, id)
	}
	return req, err
}

// ListPendingCheckpoints returns open requests oldest first. An empty runID
// lists every run.
func (s *Storage) ListPendingCheckpoints(ctx context.Context, runID string) ([]*models.CheckpointRequest, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoint_requests WHERE status = ?`
	args := []any{string(models.CheckpointStatusPending)}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CheckpointRequest
	for rows.Next() {
		req, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// SubmitDecision answers a pending request. It is how a separate process
// resolves a headless checkpoint.
func (s *Storage) SubmitDecision(ctx context.Context, id int64, decision models.Decision, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoint_requests SET status = ?, decision = ?, feedback = ?, decided_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.CheckpointStatusDecided), string(decision), nullString(feedback), formatTime(time.Now()),
		id, string(models.CheckpointStatusPending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetCheckpointRequest(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d", ErrCheckpointNotPending, id)
}

// ResolveCheckpointRequest moves a request to a final status once the
// waiting run has consumed it or given up on it.
func (s *Storage) ResolveCheckpointRequest(ctx context.Context, id int64, status models.CheckpointStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoint_requests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrCheckpointNotFound, id)
	}
	return nil
}
