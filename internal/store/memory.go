package store

import (
	"context"
	"sort"
	"sync"

	"github.com/makeasinger/songgen/internal/model"
)

// MemoryStore is a process-local JobStore
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*model.SongJob
	byTask map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*model.SongJob),
		byTask: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, job *model.SongJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.put(job.Clone())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.SongJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) FindByTaskID(ctx context.Context, taskID string) (*model.SongJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTask[taskID]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.SongJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, false, ErrJobNotFound
	}
	job := cur.Clone()
	changed, err := fn(job)
	if err != nil {
		return cur.Clone(), false, err
	}
	if !changed {
		return job, false, nil
	}
	s.put(job.Clone())
	return job, true, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*model.SongJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SongJob
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActiveByUser(ctx context.Context, userID string) ([]*model.SongJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SongJob
	for _, job := range s.jobs {
		if job.UserID == userID && job.Status.InFlight() {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) put(job *model.SongJob) {
	s.jobs[job.ID] = job
	for _, taskID := range taskIDs(job) {
		s.byTask[taskID] = job.ID
	}
}
