package checkpoint

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/levelup/internal/logging"
	"github.com/mpataki/levelup/internal/models"
	"github.com/mpataki/levelup/internal/pipeline"
)

// RequestStore is the part of the state store the polling coordinator needs.
type RequestStore interface {
	CreateCheckpointRequest(ctx context.Context, runID, step, payload string) (int64, error)
	GetCheckpointRequest(ctx context.Context, id int64) (*models.CheckpointRequest, error)
	ResolveCheckpointRequest(ctx context.Context, id int64, status models.CheckpointStatus) error
	IsPauseRequested(ctx context.Context, runID string) (bool, error)
}

// Polling writes a checkpoint request and waits for another process to
// answer it through the store.
type Polling struct {
	Store    RequestStore
	Interval time.Duration
	Logger   *logging.Logger
}

func (p *Polling) Decide(ctx context.Context, rc *models.RunContext, step pipeline.Step) (Outcome, error) {
	logger := logging.OrNop(p.Logger).Named("checkpoint")
	payload, err := BuildPayload(rc, step.Name).JSON()
	if err != nil {
		return Outcome{}, err
	}
	id, err := p.Store.CreateCheckpointRequest(ctx, rc.RunID, step.Name, payload)
	if err != nil {
		return Outcome{}, err
	}
	logger.Info(ctx, "waiting for checkpoint decision", zap.Int64("request_id", id), zap.String("step", step.Name))

	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.cancel(ctx, id)
			return Outcome{}, ErrPaused
		case <-ticker.C:
		}

		paused, err := p.Store.IsPauseRequested(ctx, rc.RunID)
		if err != nil {
			return Outcome{}, err
		}
		if paused {
			logger.Info(ctx, "pause requested during checkpoint", zap.Int64("request_id", id))
			p.cancel(ctx, id)
			return Outcome{}, ErrPaused
		}

		req, err := p.Store.GetCheckpointRequest(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		switch req.Status {
		case models.CheckpointStatusPending:
			continue
		case models.CheckpointStatusDecided:
			if err := p.Store.ResolveCheckpointRequest(ctx, id, models.CheckpointStatusResolved); err != nil {
				return Outcome{}, err
			}
			return Outcome{Decision: req.Decision, Feedback: req.Feedback}, nil
		case models.CheckpointStatusCancelled:
			return Outcome{}, ErrCancelled
		default:
			return Outcome{}, fmt.Errorf("checkpoint request %d in unexpected status %q", id, req.Status)
		}
	}
}

func (p *Polling) cancel(ctx context.Context, id int64) {
	// The run's context may already be done; the bookkeeping write must still land.
	ctx = context.WithoutCancel(ctx)
	if err := p.Store.ResolveCheckpointRequest(ctx, id, models.CheckpointStatusCancelled); err != nil {
		logging.OrNop(p.Logger).Warn(ctx, "failed to cancel checkpoint request", zap.Int64("request_id", id), zap.Error(err))
	}
}
