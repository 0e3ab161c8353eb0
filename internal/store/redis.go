package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/songgen/internal/model"
)

const maxMutateAttempts = 8

// RedisStore is the JobStore backed by Redis.
//
// Keys:
//
//	song:{id}                 job JSON
//	song:task:{taskId}        job id, one per provider task
//	user:{userId}:songs       sorted set of job ids by creation time
//	user:{userId}:songs:active set of in-flight job ids
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisStore(redisClient *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{redis: redisClient, ttl: ttl}
}

func jobKey(id string) string            { return fmt.Sprintf("song:%s", id) }
func taskKey(taskID string) string       { return fmt.Sprintf("song:task:%s", taskID) }
func userSongsKey(userID string) string  { return fmt.Sprintf("user:%s:songs", userID) }
func userActiveKey(userID string) string { return fmt.Sprintf("user:%s:songs:active", userID) }

// Create stores a new job together with its indexes in one MULTI, so a
// job is never visible without its task index.
func (s *RedisStore) Create(ctx context.Context, job *model.SongJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	key := jobKey(job.ID)

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrJobExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, userSongsKey(job.UserID), redis.Z{
				Score:  float64(job.CreatedAt.UnixMilli()),
				Member: job.ID,
			})
			s.writeIndexes(ctx, pipe, job)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrJobExists), errors.Is(err, redis.TxFailedErr):
		// a concurrent writer created the key between WATCH and EXEC
		return ErrJobExists
	default:
		return fmt.Errorf("failed to save job: %w", err)
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.SongJob, error) {
	return s.getJob(ctx, s.redis, id)
}

func (s *RedisStore) FindByTaskID(ctx context.Context, taskID string) (*model.SongJob, error) {
	id, err := s.redis.Get(ctx, taskKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return s.getJob(ctx, s.redis, id)
}

func (s *RedisStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*model.SongJob, bool, error) {
	key := jobKey(id)

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		var (
			result  *model.SongJob
			written bool
		)
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			before := job.Clone()

			changed, err := fn(job)
			if err != nil {
				result = before
				return err
			}
			if !changed {
				result = job
				return nil
			}

			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, s.ttl)
				s.writeIndexes(ctx, pipe, job)
				return nil
			})
			if err != nil {
				return err
			}
			result = job
			written = true
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, written, err
	}
	return nil, false, ErrConcurrentUpdate
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string, limit int) ([]*model.SongJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	key := userSongsKey(userID)
	ids, err := s.redis.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list songs: %w", err)
	}
	jobs, stale, err := s.loadMany(ctx, ids, func(*model.SongJob) bool { return true })
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.redis.ZRem(ctx, key, stale...)
	}
	return jobs, nil
}

func (s *RedisStore) ListActiveByUser(ctx context.Context, userID string) ([]*model.SongJob, error) {
	key := userActiveKey(userID)
	ids, err := s.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active songs: %w", err)
	}
	jobs, stale, err := s.loadMany(ctx, ids, func(j *model.SongJob) bool { return j.Status.InFlight() })
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.redis.SRem(ctx, key, stale...)
	}
	return jobs, nil
}

// loadMany fetches jobs by id. Ids whose job expired or fails keep are
// returned as stale so the caller can drop them from its index.
func (s *RedisStore) loadMany(ctx context.Context, ids []string, keep func(*model.SongJob) bool) ([]*model.SongJob, []interface{}, error) {
	out := make([]*model.SongJob, 0, len(ids))
	if len(ids) == 0 {
		return out, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load songs: %w", err)
	}

	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var job model.SongJob
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal job %s: %w", ids[i], err)
		}
		if !keep(&job) {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, &job)
	}
	return out, stale, nil
}

// writeIndexes queues the task and active-set index updates for a job.
func (s *RedisStore) writeIndexes(ctx context.Context, pipe redis.Pipeliner, job *model.SongJob) {
	for _, taskID := range taskIDs(job) {
		pipe.Set(ctx, taskKey(taskID), job.ID, s.ttl)
	}
	if job.Status.InFlight() {
		pipe.SAdd(ctx, userActiveKey(job.UserID), job.ID)
	} else {
		pipe.SRem(ctx, userActiveKey(job.UserID), job.ID)
	}
	pipe.Expire(ctx, userSongsKey(job.UserID), s.ttl)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getJob(ctx context.Context, c getter, id string) (*model.SongJob, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.SongJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
