package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// maxQueuedPerKey bounds the backlog behind one ordered key.
const maxQueuedPerKey = 256

type backgroundTask struct {
	name string
	fn   func(ctx context.Context) error
}

// BackgroundPool runs best-effort side effects with bounded concurrency.
// Each task gets its own timeout. When the pool is full the task is dropped.
type BackgroundPool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]backgroundTask
}

func NewBackgroundPool(maxInFlight int64, timeout time.Duration, logger *zap.Logger) *BackgroundPool {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BackgroundPool{
		sem:     semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
		logger:  logger.Named("background"),
		queues:  make(map[string][]backgroundTask),
	}
}

// Go starts fn unless the pool is full. Failures are logged only.
func (p *BackgroundPool) Go(task string, fn func(ctx context.Context) error) bool {
	if !p.sem.TryAcquire(1) {
		p.logger.Warn("pool full, dropping task", zap.String("task", task))
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.run(backgroundTask{name: task, fn: fn})
	}()
	return true
}

// GoOrdered runs fn after every task previously queued under key has
// finished. One goroutine drains a key at a time, holding a single slot.
func (p *BackgroundPool) GoOrdered(key, task string, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	if q, draining := p.queues[key]; draining {
		if len(q) >= maxQueuedPerKey {
			p.mu.Unlock()
			p.logger.Warn("ordered queue full, dropping task", zap.String("key", key), zap.String("task", task))
			return false
		}
		p.queues[key] = append(q, backgroundTask{name: task, fn: fn})
		p.mu.Unlock()
		return true
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		p.logger.Warn("pool full, dropping task", zap.String("task", task))
		return false
	}
	p.queues[key] = nil
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)

		next := backgroundTask{name: task, fn: fn}
		for {
			p.run(next)

			p.mu.Lock()
			q := p.queues[key]
			if len(q) == 0 {
				delete(p.queues, key)
				p.mu.Unlock()
				return
			}
			next, p.queues[key] = q[0], q[1:]
			p.mu.Unlock()
		}
	}()
	return true
}

func (p *BackgroundPool) run(t backgroundTask) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := t.fn(ctx); err != nil {
		p.logger.Warn("background task failed", zap.String("task", t.name), zap.Error(err))
	}
}

// Wait blocks until running tasks finish.
func (p *BackgroundPool) Wait() {
	p.wg.Wait()
}
