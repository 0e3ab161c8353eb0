package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

const (
	TaskTypePoll = "song:poll"
	QueuePoll    = "poll"
)

// PollRequest identifies one dispatched phase to watch
type PollRequest struct {
	JobID        string      `json:"jobId"`
	TaskID       string      `json:"taskId"`
	Phase        model.Phase `json:"phase"`
	DispatchedAt time.Time   `json:"dispatchedAt"`
}

// PollConfig controls the poll cadence and per-phase time caps
type PollConfig struct {
	Interval      time.Duration
	LyricsTimeout time.Duration
	MusicTimeout  time.Duration
}

// Limit returns the time cap of a phase.
func (c PollConfig) Limit(phase model.Phase) time.Duration {
	if phase == model.PhaseMusic {
		return c.MusicTimeout
	}
	return c.LyricsTimeout
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.LyricsTimeout <= 0 {
		c.LyricsTimeout = 120 * time.Second
	}
	if c.MusicTimeout <= 0 {
		c.MusicTimeout = 120 * time.Second
	}
	return c
}

// Poller queries the provider for a dispatched phase until the phase
// settles, the job moves on, or the time cap passes. It compensates for
// callbacks that never arrive.
type Poller struct {
	store    store.JobStore
	provider client.SongProvider
	ingest   *IngestService
	clock    clock.WithTicker
	cfg      PollConfig
	logger   *zap.Logger
}

func NewPoller(jobStore store.JobStore, provider client.SongProvider, ingest *IngestService, clk clock.WithTicker, cfg PollConfig, logger *zap.Logger) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		store:    jobStore,
		provider: provider,
		ingest:   ingest,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.Named("poller"),
	}
}

// Run polls until the phase is done. The first tick runs immediately.
// It returns the job status observed when the loop stopped.
func (p *Poller) Run(ctx context.Context, req PollRequest) (model.SongStatus, error) {
	log := p.logger.With(
		zap.String("jobId", req.JobID),
		zap.String("taskId", req.TaskID),
		zap.String("phase", string(req.Phase)),
	)
	log.Debug("poll loop started")

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	run := &pollRun{req: req}
	for {
		run.attempts++
		status, done, err := p.poll(ctx, run)
		if done {
			log.Debug("poll loop finished",
				zap.Int("attempts", run.attempts),
				zap.Bool("queried", run.queried),
				zap.String("status", string(status)))
			return status, err
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C():
		}
	}
}

type pollRun struct {
	req      PollRequest
	attempts int
	queried  bool
}

// poll runs one tick. done reports whether the loop should stop.
// Once the cap has passed the phase expires, but a loop that never reached
// the provider (it started late, or the store was down) asks it once first.
func (p *Poller) poll(ctx context.Context, run *pollRun) (model.SongStatus, bool, error) {
	req := run.req
	limit := p.cfg.Limit(req.Phase)
	expired := p.clock.Since(req.DispatchedAt) >= limit
	if expired && run.queried {
		return p.expire(ctx, req, limit, "")
	}

	job, err := p.store.Get(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return "", true, err
		}
		p.logger.Warn("poll read failed", zap.String("jobId", req.JobID), zap.Error(err))
		if expired {
			return p.expire(ctx, req, limit, "")
		}
		return "", false, nil
	}

	if superseded(job, req) {
		return job.Status, true, nil
	}

	status, settled := p.query(ctx, req, job.Status)
	run.queried = true
	if settled {
		return status, true, nil
	}
	if expired {
		return p.expire(ctx, req, limit, status)
	}
	return status, false, nil
}

// query asks the provider once and applies the answer. settled reports
// whether the job left the phase's requested status.
func (p *Poller) query(ctx context.Context, req PollRequest, current model.SongStatus) (model.SongStatus, bool) {
	update, raw, err := p.provider.QueryTask(ctx, req.Phase, req.TaskID)
	if err != nil {
		if errors.Is(err, client.ErrTaskNotFound) {
			p.logger.Debug("task not visible yet", zap.String("jobId", req.JobID), zap.String("taskId", req.TaskID))
		} else {
			p.logger.Warn("provider query failed", zap.String("jobId", req.JobID), zap.Error(err))
		}
		return current, false
	}
	if update.TaskID == "" {
		update.TaskID = req.TaskID
	}

	res, err := p.ingest.Apply(ctx, req.JobID, req.Phase, update, raw)
	if err != nil {
		p.logger.Warn("failed to apply poll result", zap.String("jobId", req.JobID), zap.Error(err))
		return current, false
	}
	return res.Status, res.Status != req.Phase.RequestedStatus()
}

func (p *Poller) expire(ctx context.Context, req PollRequest, limit time.Duration, current model.SongStatus) (model.SongStatus, bool, error) {
	res, err := p.ingest.Expire(ctx, req.JobID, req.Phase, req.TaskID, limit)
	if err != nil {
		return current, true, err
	}
	return res.Status, true, nil
}

// superseded reports whether the job no longer waits on the polled task.
func superseded(job *model.SongJob, req PollRequest) bool {
	return job.Status != req.Phase.RequestedStatus() ||
		job.Progress.For(req.Phase).CurrentTaskID() != req.TaskID
}

// PollScheduler starts a poll loop for a dispatched phase
type PollScheduler interface {
	Schedule(ctx context.Context, req PollRequest) error
}

// LocalPollScheduler runs poll loops as goroutines of this process
type LocalPollScheduler struct {
	poller *Poller
	ctx    context.Context
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewLocalPollScheduler runs loops under ctx; cancelling it stops them.
func NewLocalPollScheduler(ctx context.Context, poller *Poller, logger *zap.Logger) *LocalPollScheduler {
	return &LocalPollScheduler{poller: poller, ctx: ctx, logger: logger.Named("poll-scheduler")}
}

func (s *LocalPollScheduler) Schedule(_ context.Context, req PollRequest) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.poller.Run(s.ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("poll loop ended with error", zap.String("jobId", req.JobID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every scheduled loop has returned.
func (s *LocalPollScheduler) Wait() {
	s.wg.Wait()
}

// AsynqPollScheduler enqueues poll loops as asynq tasks so they survive
// restarts. Tasks are deduplicated per provider task.
type AsynqPollScheduler struct {
	client *asynq.Client
	cfg    PollConfig
}

func NewAsynqPollScheduler(asynqClient *asynq.Client, cfg PollConfig) *AsynqPollScheduler {
	return &AsynqPollScheduler{client: asynqClient, cfg: cfg.withDefaults()}
}

// NewPollTask builds the asynq task for a poll request.
func NewPollTask(req PollRequest) (*asynq.Task, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePoll, data), nil
}

func (s *AsynqPollScheduler) Schedule(ctx context.Context, req PollRequest) error {
	task, err := NewPollTask(req)
	if err != nil {
		return fmt.Errorf("failed to create poll task: %w", err)
	}

	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueuePoll),
		asynq.TaskID(fmt.Sprintf("poll:%s:%s", req.Phase, req.TaskID)),
		asynq.MaxRetry(3),
		asynq.Timeout(s.cfg.Limit(req.Phase)+2*s.cfg.Interval),
		asynq.Retention(time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue poll task: %w", err)
	}
	return nil
}
