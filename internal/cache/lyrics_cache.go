package cache

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Lyrics task statuses held by the cache
const (
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// DefaultMaxAge is how long an entry stays fresh when no max age is configured.
const DefaultMaxAge = 30 * time.Minute

// LyricsTaskEntry is the last known state of a provider lyrics task
type LyricsTaskEntry struct {
	Status       string
	Variants     []string
	ErrorMessage string
	UpdatedAt    time.Time
}

// LyricsTaskCache keeps lyrics task results in process memory so status
// reads do not hit the provider. It is not authoritative: a miss falls
// back to the job store.
type LyricsTaskCache struct {
	mu      sync.Mutex
	entries map[string]LyricsTaskEntry
	clock   clock.WithTicker
	maxAge  time.Duration
}

// NewLyricsTaskCache creates an empty cache. A zero maxAge uses DefaultMaxAge.
func NewLyricsTaskCache(clk clock.WithTicker, maxAge time.Duration) *LyricsTaskCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &LyricsTaskCache{
		entries: make(map[string]LyricsTaskEntry),
		clock:   clk,
		maxAge:  maxAge,
	}
}

// SetGenerating marks a task as running. A finished entry is never
// downgraded back to generating.
func (c *LyricsTaskCache) SetGenerating(taskID string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[taskID]; ok && cur.Status != StatusGenerating && c.fresh(cur) {
		return
	}
	c.entries[taskID] = LyricsTaskEntry{Status: StatusGenerating, UpdatedAt: c.clock.Now()}
}

// SetComplete stores the lyric texts of a finished task.
func (c *LyricsTaskCache) SetComplete(taskID string, variants []string) {
	if taskID == "" {
		return
	}
	cp := make([]string, len(variants))
	copy(cp, variants)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = LyricsTaskEntry{Status: StatusComplete, Variants: cp, UpdatedAt: c.clock.Now()}
}

// SetFailed records a failed task with its message.
func (c *LyricsTaskCache) SetFailed(taskID, message string) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[taskID] = LyricsTaskEntry{Status: StatusFailed, ErrorMessage: message, UpdatedAt: c.clock.Now()}
}

// Get returns the entry for a task. Entries older than the max age are
// treated as missing.
func (c *LyricsTaskCache) Get(taskID string) (LyricsTaskEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[taskID]
	if !ok || !c.fresh(e) {
		return LyricsTaskEntry{}, false
	}
	e.Variants = append([]string(nil), e.Variants...)
	return e, true
}

// Prune drops entries not updated within maxAge and returns how many were removed.
func (c *LyricsTaskCache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-maxAge)
	removed := 0
	for id, e := range c.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of held entries, fresh or not.
func (c *LyricsTaskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunPruner prunes every interval until ctx is done.
func (c *LyricsTaskCache) RunPruner(ctx context.Context, interval time.Duration) {
	t := c.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			c.Prune(c.maxAge)
		}
	}
}

func (c *LyricsTaskCache) fresh(e LyricsTaskEntry) bool {
	return c.clock.Since(e.UpdatedAt) <= c.maxAge
}
