package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/service"
	"github.com/makeasinger/songgen/internal/store"
)

// PollRunner runs one poll loop to completion
type PollRunner interface {
	Run(ctx context.Context, req service.PollRequest) (model.SongStatus, error)
}

// PollWorker processes song:poll tasks
type PollWorker struct {
	poller PollRunner
	logger *zap.Logger
}

// NewPollWorker creates a new poll worker
func NewPollWorker(poller PollRunner, logger *zap.Logger) *PollWorker {
	return &PollWorker{
		poller: poller,
		logger: logger.Named("poll-worker"),
	}
}

// ProcessTask handles poll task processing
func (w *PollWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var req service.PollRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		return fmt.Errorf("failed to unmarshal poll payload: %v: %w", err, asynq.SkipRetry)
	}
	if req.JobID == "" || req.TaskID == "" || !req.Phase.Valid() {
		return fmt.Errorf("incomplete poll payload: %w", asynq.SkipRetry)
	}

	log := w.logger.With(
		zap.String("jobId", req.JobID),
		zap.String("taskId", req.TaskID),
		zap.String("phase", string(req.Phase)),
	)
	log.Info("starting poll task")

	status, err := w.poller.Run(ctx, req)
	if errors.Is(err, store.ErrJobNotFound) {
		// job expired or was never created; nothing left to settle
		log.Warn("poll target missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll loop for job %s failed: %w", req.JobID, err)
	}

	log.Info("poll task finished", zap.String("status", string(status)))
	return nil
}
