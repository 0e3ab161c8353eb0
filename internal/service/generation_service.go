package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

// ErrNotOwner is returned when a user touches another user's job.
var ErrNotOwner = errors.New("job belongs to another user")

// DispatchError wraps a failed provider dispatch
type DispatchError struct {
	Phase model.Phase
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch failed: %v", e.Phase, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// GenerationService drives a song job through its provider phases
type GenerationService struct {
	store        store.JobStore
	provider     client.SongProvider
	admission    *AdmissionController
	scheduler    PollScheduler
	ingest       *IngestService
	cache        *cache.LyricsTaskCache
	clock        clock.PassiveClock
	callbackBase string
	logger       *zap.Logger
	newID        func() string
}

// GenerationDeps groups the collaborators of GenerationService
type GenerationDeps struct {
	Store           store.JobStore
	Provider        client.SongProvider
	Admission       *AdmissionController
	Scheduler       PollScheduler
	Ingest          *IngestService
	Cache           *cache.LyricsTaskCache
	Clock           clock.PassiveClock
	CallbackBaseURL string
	Logger          *zap.Logger
}

func NewGenerationService(deps GenerationDeps) *GenerationService {
	return &GenerationService{
		store:        deps.Store,
		provider:     deps.Provider,
		admission:    deps.Admission,
		scheduler:    deps.Scheduler,
		ingest:       deps.Ingest,
		cache:        deps.Cache,
		clock:        deps.Clock,
		callbackBase: strings.TrimRight(deps.CallbackBaseURL, "/"),
		logger:       deps.Logger.Named("generation"),
		newID:        uuid.NewString,
	}
}

// CallbackURL is the webhook address handed to the provider for a job phase.
func (s *GenerationService) CallbackURL(phase model.Phase, jobID string) string {
	return fmt.Sprintf("%s/callbacks/suno/%s?jobId=%s", s.callbackBase, phase, url.QueryEscape(jobID))
}

// StartLyrics admits the user, dispatches the lyrics phase and creates the
// job in lyrics_requested. No job is created when dispatch fails.
func (s *GenerationService) StartLyrics(ctx context.Context, userID, claimTier string, req *model.StartSongRequest) (*model.SongJob, error) {
	if err := s.admit(ctx, userID, claimTier); err != nil {
		return nil, err
	}

	jobID := s.newID()
	brief := req.Brief()

	taskID, err := s.provider.GenerateLyrics(ctx, &client.LyricsRequest{
		Prompt:      lyricsPrompt(brief),
		CallBackURL: s.CallbackURL(model.PhaseLyrics, jobID),
	})
	if err != nil {
		return nil, &DispatchError{Phase: model.PhaseLyrics, Err: err}
	}

	now := s.clock.Now()
	job := model.NewSongJob(jobID, userID, brief, now)
	if err := job.BeginLyrics(taskID, now); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.cache.SetGenerating(taskID)
	s.schedule(ctx, job.ID, taskID, model.PhaseLyrics, now)

	s.logger.Info("lyrics requested", zap.String("jobId", job.ID), zap.String("userId", userID), zap.String("taskId", taskID))
	return job, nil
}

// SelectLyrics picks a lyric variant and dispatches the music phase.
func (s *GenerationService) SelectLyrics(ctx context.Context, userID, claimTier, jobID string, req *model.SelectLyricsRequest) (*model.SongJob, error) {
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	preview := job.Clone()
	if err := preview.SelectLyrics(*req.VariantIndex); err != nil {
		return nil, err
	}
	applyBriefOverrides(preview, req.Title, req.Style)

	if err := s.admit(ctx, userID, claimTier); err != nil {
		return nil, err
	}

	taskID, err := s.provider.GenerateMusic(ctx, s.musicRequest(preview))
	if err != nil {
		return nil, &DispatchError{Phase: model.PhaseMusic, Err: err}
	}

	now := s.clock.Now()
	updated, _, err := s.store.Mutate(ctx, jobID, func(j *model.SongJob) (bool, error) {
		if err := j.SelectLyrics(*req.VariantIndex); err != nil {
			return false, err
		}
		applyBriefOverrides(j, req.Title, req.Style)
		if err := j.BeginMusic(taskID, now); err != nil {
			return false, err
		}
		j.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record music dispatch: %w", err)
	}

	s.schedule(ctx, jobID, taskID, model.PhaseMusic, now)
	s.logger.Info("music requested", zap.String("jobId", jobID), zap.String("taskId", taskID))
	return updated, nil
}

// Retry re-dispatches a phase of a ready or failed job.
func (s *GenerationService) Retry(ctx context.Context, userID, claimTier, jobID string, phase model.Phase) (*model.SongJob, error) {
	if !phase.Valid() {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	job, err := s.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	// dry run on a copy so an invalid retry never reaches the provider
	if err := job.Clone().Retry(phase, "pending", s.clock.Now()); err != nil {
		return nil, err
	}

	if err := s.admit(ctx, userID, claimTier); err != nil {
		return nil, err
	}

	var taskID string
	if phase == model.PhaseLyrics {
		taskID, err = s.provider.GenerateLyrics(ctx, &client.LyricsRequest{
			Prompt:      lyricsPrompt(briefOf(job)),
			CallBackURL: s.CallbackURL(model.PhaseLyrics, jobID),
		})
	} else {
		taskID, err = s.provider.GenerateMusic(ctx, s.musicRequest(job))
	}
	if err != nil {
		return nil, &DispatchError{Phase: phase, Err: err}
	}

	now := s.clock.Now()
	updated, _, err := s.store.Mutate(ctx, jobID, func(j *model.SongJob) (bool, error) {
		if err := j.Retry(phase, taskID, now); err != nil {
			return false, err
		}
		j.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record retry: %w", err)
	}

	if phase == model.PhaseLyrics {
		s.cache.SetGenerating(taskID)
	}
	s.schedule(ctx, jobID, taskID, phase, now)
	s.logger.Info("phase retried",
		zap.String("jobId", jobID),
		zap.String("phase", string(phase)),
		zap.String("taskId", taskID),
		zap.Int("retryCount", updated.Progress.For(phase).RetryCount),
	)
	return updated, nil
}

// Get returns a job owned by userID.
func (s *GenerationService) Get(ctx context.Context, userID, jobID string) (*model.SongJob, error) {
	return s.owned(ctx, userID, jobID)
}

// List returns the user's jobs, newest first.
func (s *GenerationService) List(ctx context.Context, userID string, limit int) ([]*model.SongJob, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Admission reports the user's current admission decision without side effects.
func (s *GenerationService) Admission(ctx context.Context, userID, claimTier string) (model.AdmissionDecision, error) {
	return s.admission.Check(ctx, userID, claimTier)
}

// LyricsTaskStatus reports a lyrics task from the cache, then the job
// store, then a single provider query for a task still generating.
func (s *GenerationService) LyricsTaskStatus(ctx context.Context, userID, taskID string) (*model.LyricsTaskResponse, error) {
	job, err := s.store.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotOwner
	}

	if e, ok := s.cache.Get(taskID); ok && e.Status != cache.StatusGenerating {
		return &model.LyricsTaskResponse{
			TaskID:    taskID,
			Status:    e.Status,
			Variants:  e.Variants,
			Error:     e.ErrorMessage,
			Source:    "cache",
			UpdatedAt: e.UpdatedAt,
		}, nil
	}

	resp := lyricsStatusFromJob(job, taskID)
	if resp.Status != model.LyricsTaskGenerating || s.provider == nil {
		return resp, nil
	}

	update, raw, err := s.provider.QueryTask(ctx, model.PhaseLyrics, taskID)
	if err != nil {
		s.logger.Debug("lyrics status query failed", zap.String("taskId", taskID), zap.Error(err))
		return resp, nil
	}
	if update.TaskID == "" {
		update.TaskID = taskID
	}
	if _, err := s.ingest.Apply(ctx, job.ID, model.PhaseLyrics, update, raw); err != nil {
		s.logger.Warn("failed to apply lyrics status", zap.String("jobId", job.ID), zap.Error(err))
		return resp, nil
	}
	fresh, err := s.store.Get(ctx, job.ID)
	if err != nil {
		return resp, nil
	}
	resp = lyricsStatusFromJob(fresh, taskID)
	resp.Source = "provider"
	return resp, nil
}

func lyricsStatusFromJob(job *model.SongJob, taskID string) *model.LyricsTaskResponse {
	resp := &model.LyricsTaskResponse{
		TaskID:    taskID,
		Status:    model.LyricsTaskGenerating,
		Source:    "store",
		UpdatedAt: job.UpdatedAt,
	}
	p := job.Progress.Lyrics
	if p.CurrentTaskID() != taskID {
		// an earlier attempt, replaced by a retry
		resp.Status = model.LyricsTaskFailed
		resp.Error = "superseded by a newer lyrics request"
		return resp
	}
	switch {
	case p.CompletedAt != nil && p.Error != nil:
		resp.Status = model.LyricsTaskFailed
		resp.Error = *p.Error
	case p.CompletedAt != nil:
		resp.Status = model.LyricsTaskComplete
		for _, v := range job.LyricVariants {
			resp.Variants = append(resp.Variants, v.Text)
		}
	}
	return resp
}

func (s *GenerationService) owned(ctx context.Context, userID, jobID string) (*model.SongJob, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotOwner
	}
	return job, nil
}

func (s *GenerationService) admit(ctx context.Context, userID, claimTier string) error {
	decision, err := s.admission.Check(ctx, userID, claimTier)
	if err != nil {
		return err
	}
	if !decision.Admitted {
		return &AdmissionDeniedError{Decision: decision}
	}
	return nil
}

// schedule starts the compensating poll loop. A scheduling failure is
// logged only: the callback can still settle the phase.
func (s *GenerationService) schedule(ctx context.Context, jobID, taskID string, phase model.Phase, dispatchedAt time.Time) {
	err := s.scheduler.Schedule(ctx, PollRequest{
		JobID:        jobID,
		TaskID:       taskID,
		Phase:        phase,
		DispatchedAt: dispatchedAt,
	})
	if err != nil {
		s.logger.Error("failed to schedule poll",
			zap.String("jobId", jobID),
			zap.String("phase", string(phase)),
			zap.Error(err),
		)
	}
}

func (s *GenerationService) musicRequest(job *model.SongJob) *client.MusicRequest {
	prompt := job.Lyrics
	if job.Instrumental && strings.TrimSpace(prompt) == "" {
		prompt = job.Prompt
	}
	return &client.MusicRequest{
		CustomMode:   true,
		Prompt:       prompt,
		Title:        job.Title,
		Style:        job.Style,
		Tags:         job.Style,
		Model:        job.Model,
		Instrumental: job.Instrumental,
		CallBackURL:  s.CallbackURL(model.PhaseMusic, job.ID),
	}
}

func applyBriefOverrides(job *model.SongJob, title, style string) {
	if t := strings.TrimSpace(title); t != "" {
		job.Title = t
	}
	if st := strings.TrimSpace(style); st != "" {
		job.Style = st
	}
}

func briefOf(job *model.SongJob) model.SongBrief {
	return model.SongBrief{
		Title:        job.Title,
		Style:        job.Style,
		Prompt:       job.Prompt,
		Model:        job.Model,
		Instrumental: job.Instrumental,
	}
}

func lyricsPrompt(brief model.SongBrief) string {
	var parts []string
	if brief.Title != "" {
		parts = append(parts, "Title: "+brief.Title)
	}
	if brief.Style != "" {
		parts = append(parts, "Style: "+brief.Style)
	}
	parts = append(parts, brief.Prompt)
	return strings.Join(parts, "\n")
}
