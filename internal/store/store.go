package store

import (
	"context"
	"errors"

	"github.com/makeasinger/songgen/internal/model"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrConcurrentUpdate = errors.New("job changed concurrently, giving up")
)

// MutateFunc inspects and changes a freshly read job. It reports whether
// the job changed; an unchanged job is not written. It may run more than
// once when a concurrent write is detected, so it must be idempotent.
type MutateFunc func(job *model.SongJob) (bool, error)

// JobStore persists song jobs
type JobStore interface {
	Create(ctx context.Context, job *model.SongJob) error
	Get(ctx context.Context, id string) (*model.SongJob, error)
	FindByTaskID(ctx context.Context, taskID string) (*model.SongJob, error)
	// Mutate re-reads the job, applies fn and commits the result atomically
	// with respect to other Mutate calls. It returns the job as committed
	// (or as read, when fn made no change) and whether a write happened.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*model.SongJob, bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.SongJob, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*model.SongJob, error)
}

// taskIDs returns the provider task IDs recorded on a job.
func taskIDs(job *model.SongJob) []string {
	var ids []string
	if id := job.Progress.Lyrics.CurrentTaskID(); id != "" {
		ids = append(ids, id)
	}
	if id := job.Progress.Music.CurrentTaskID(); id != "" {
		ids = append(ids, id)
	}
	return ids
}
