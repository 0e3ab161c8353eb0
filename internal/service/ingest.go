package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

// Outcome is the acknowledgement class of an ingested payload
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeIdempotent Outcome = "ok-idempotent"
	OutcomeRejected   Outcome = "rejected"
)

// Reasons attached to ingestion results
const (
	ReasonApplied          = "applied"
	ReasonProgress         = "progress"
	ReasonPending          = "pending"
	ReasonNoChange         = "no_change"
	ReasonAlreadySettled   = "already_settled"
	ReasonStaleTask        = "stale_task"
	ReasonNotInPhase       = "not_in_phase"
	ReasonQualityGate      = "quality_gate"
	ReasonProviderFailed   = "provider_failed"
	ReasonTimeout          = "timeout"
	ReasonMalformedPayload = "malformed_payload"
	ReasonJobNotFound      = "job_not_found"
	ReasonInternalError    = "internal_error"
)

// CallbackHint carries identifiers taken from the callback URL
type CallbackHint struct {
	JobID string
}

// CallbackResult reports what an ingested payload did to its job
type CallbackResult struct {
	Outcome Outcome
	Reason  string
	JobID   string
	Status  model.SongStatus
}

// IngestService applies provider results to jobs. Webhook callbacks and
// poll responses both go through Apply so that whichever lands second
// sees the first and does nothing.
type IngestService struct {
	store    store.JobStore
	cache    *cache.LyricsTaskCache
	notify   *NotificationDispatcher
	archiver *CallbackArchiver
	clock    clock.PassiveClock
	logger   *zap.Logger
}

func NewIngestService(
	jobStore store.JobStore,
	lyricsCache *cache.LyricsTaskCache,
	notify *NotificationDispatcher,
	archiver *CallbackArchiver,
	clk clock.PassiveClock,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		store:    jobStore,
		cache:    lyricsCache,
		notify:   notify,
		archiver: archiver,
		clock:    clk,
		logger:   logger.Named("ingest"),
	}
}

// HandleCallback processes a webhook body for a phase. It never returns an
// error: every failure is folded into the result so the provider always
// gets an acknowledgement.
func (s *IngestService) HandleCallback(ctx context.Context, phase model.Phase, raw []byte, hint CallbackHint) CallbackResult {
	update, err := client.ParseProviderPayload(phase, raw)
	if err != nil {
		s.logger.Warn("malformed callback payload",
			zap.String("phase", string(phase)),
			zap.String("jobId", hint.JobID),
			zap.Error(err),
		)
		return CallbackResult{Outcome: OutcomeRejected, Reason: ReasonMalformedPayload, JobID: hint.JobID}
	}

	job, err := s.resolveJob(ctx, hint.JobID, update.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			s.logger.Warn("callback for unknown job",
				zap.String("phase", string(phase)),
				zap.String("jobId", hint.JobID),
				zap.String("taskId", update.TaskID),
			)
			return CallbackResult{Outcome: OutcomeRejected, Reason: ReasonJobNotFound, JobID: hint.JobID}
		}
		s.logger.Error("failed to resolve callback job", zap.String("jobId", hint.JobID), zap.Error(err))
		return CallbackResult{Outcome: OutcomeRejected, Reason: ReasonInternalError, JobID: hint.JobID}
	}

	res, err := s.Apply(ctx, job.ID, phase, update, raw)
	if err != nil {
		s.logger.Error("failed to apply callback", zap.String("jobId", job.ID), zap.Error(err))
		return CallbackResult{Outcome: OutcomeRejected, Reason: ReasonInternalError, JobID: job.ID, Status: job.Status}
	}
	return res
}

func (s *IngestService) resolveJob(ctx context.Context, jobID, taskID string) (*model.SongJob, error) {
	if jobID != "" {
		job, err := s.store.Get(ctx, jobID)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrJobNotFound) {
			return nil, err
		}
	}
	if taskID != "" {
		return s.store.FindByTaskID(ctx, taskID)
	}
	return nil, store.ErrJobNotFound
}

// decision is the outcome of applying one update to one read of a job.
type decision struct {
	outcome Outcome
	reason  string
	before  model.SongStatus
}

// Apply folds a normalized provider update into a job and runs the
// post-commit side effects when something was written.
func (s *IngestService) Apply(ctx context.Context, jobID string, phase model.Phase, update *model.ProviderUpdate, raw []byte) (CallbackResult, error) {
	now := s.clock.Now()
	var d decision

	job, written, err := s.store.Mutate(ctx, jobID, func(j *model.SongJob) (bool, error) {
		d = decision{before: j.Status}
		changed, err := applyUpdate(j, phase, update, now, &d)
		if err != nil || !changed {
			return false, err
		}
		if len(raw) > 0 {
			j.RawLastCallback = append([]byte(nil), raw...)
		}
		j.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to apply %s update to job %s: %w", phase, jobID, err)
	}

	res := CallbackResult{Outcome: d.outcome, Reason: d.reason, JobID: job.ID, Status: job.Status}
	if written {
		s.afterCommit(job, phase, d.before, raw, now)
	}

	s.logger.Info("applied provider update",
		zap.String("jobId", job.ID),
		zap.String("phase", string(phase)),
		zap.String("shape", update.Shape),
		zap.String("state", string(update.State)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
		zap.String("status", string(job.Status)),
	)
	return res, nil
}

// applyUpdate is the transition function shared by every write path. It
// reports whether the job changed and records the outcome in d.
func applyUpdate(j *model.SongJob, phase model.Phase, u *model.ProviderUpdate, now time.Time, d *decision) (bool, error) {
	if j.PhaseSettled(phase) {
		d.outcome, d.reason = OutcomeIdempotent, ReasonAlreadySettled
		return false, nil
	}
	if j.Status != phase.RequestedStatus() {
		d.outcome, d.reason = OutcomeIdempotent, ReasonNotInPhase
		return false, nil
	}
	if recorded := j.Progress.For(phase).CurrentTaskID(); u.TaskID != "" && recorded != "" && u.TaskID != recorded {
		d.outcome, d.reason = OutcomeIdempotent, ReasonStaleTask
		return false, nil
	}

	d.outcome = OutcomeOK
	switch u.State {
	case model.ProviderStateFailed:
		d.reason = ReasonProviderFailed
		msg := u.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("%s generation failed at the provider", phase)
		}
		return true, j.Fail(phase, model.FailureProvider, msg, now)

	case model.ProviderStateSucceeded:
		if phase == model.PhaseLyrics {
			usable := u.UsableLyrics()
			if len(usable) < model.MinLyricVariants {
				d.reason = ReasonQualityGate
				msg := fmt.Sprintf("provider returned %d usable lyric variants, at least %d are required", len(usable), model.MinLyricVariants)
				return true, j.Fail(phase, model.FailureQualityGate, msg, now)
			}
			d.reason = ReasonApplied
			return true, j.CompleteLyrics(usable, now)
		}
		tracks := model.NormalizeTracks(j.ID, u.Tracks)
		merged, _ := model.MergeTracks(j.TrackVariants, tracks, now)
		if !anyPlayable(merged) {
			d.reason = ReasonQualityGate
			return true, j.Fail(phase, model.FailureQualityGate, "provider reported success without a playable track", now)
		}
		d.reason = ReasonApplied
		return true, j.CompleteMusic(tracks, now)

	case model.ProviderStatePartial:
		if phase == model.PhaseMusic {
			changed, err := j.RecordTracks(model.NormalizeTracks(j.ID, u.Tracks), now)
			if err != nil {
				return false, err
			}
			if !changed {
				d.reason = ReasonNoChange
				return false, nil
			}
			d.reason = ReasonProgress
			return true, nil
		}
		d.reason = ReasonPending
		return false, nil

	default:
		d.reason = ReasonPending
		return false, nil
	}
}

func anyPlayable(tracks []model.TrackVariant) bool {
	for _, t := range tracks {
		if t.Playable() {
			return true
		}
	}
	return false
}

// Expire fails a phase that ran past its time cap. It is a no-op when the
// job has moved on or the phase task was replaced.
func (s *IngestService) Expire(ctx context.Context, jobID string, phase model.Phase, taskID string, limit time.Duration) (CallbackResult, error) {
	now := s.clock.Now()
	var d decision

	job, written, err := s.store.Mutate(ctx, jobID, func(j *model.SongJob) (bool, error) {
		d = decision{before: j.Status}
		if j.Status != phase.RequestedStatus() || j.Progress.For(phase).CurrentTaskID() != taskID {
			d.outcome, d.reason = OutcomeIdempotent, ReasonNotInPhase
			return false, nil
		}
		d.outcome, d.reason = OutcomeOK, ReasonTimeout
		msg := fmt.Sprintf("%s generation timed out after %s", phase, limit)
		if err := j.Fail(phase, model.FailureTimeout, msg, now); err != nil {
			return false, err
		}
		j.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to expire job %s: %w", jobID, err)
	}
	if written {
		s.afterCommit(job, phase, d.before, nil, now)
		s.logger.Warn("phase timed out",
			zap.String("jobId", jobID),
			zap.String("phase", string(phase)),
			zap.Duration("limit", limit),
		)
	}
	return CallbackResult{Outcome: d.outcome, Reason: d.reason, JobID: job.ID, Status: job.Status}, nil
}

// afterCommit runs the side effects of a committed write: lyrics cache,
// owner notification and payload archival.
func (s *IngestService) afterCommit(job *model.SongJob, phase model.Phase, before model.SongStatus, raw []byte, now time.Time) {
	if phase == model.PhaseLyrics && s.cache != nil {
		taskID := job.Progress.Lyrics.CurrentTaskID()
		switch job.Status {
		case model.SongStatusLyricsReady:
			texts := make([]string, len(job.LyricVariants))
			for i, v := range job.LyricVariants {
				texts[i] = v.Text
			}
			s.cache.SetComplete(taskID, texts)
		case model.SongStatusFailed:
			msg := ""
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			s.cache.SetFailed(taskID, msg)
		}
	}

	if n, ok := model.NotificationFor(before, job, phase, now); ok {
		s.notify.Dispatch(n)
	}

	s.archiver.Archive(job.ID, phase, raw)
}
