package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func newTestCache() (*LyricsTaskCache, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewLyricsTaskCache(clk, 30*time.Minute), clk
}

func TestLyricsTaskCache_Lifecycle(t *testing.T) {
	c, _ := newTestCache()

	c.SetGenerating("task-1")
	e, ok := c.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusGenerating, e.Status)

	c.SetComplete("task-1", []string{"verse one", "verse two"})
	e, ok = c.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusComplete, e.Status)
	assert.Equal(t, []string{"verse one", "verse two"}, e.Variants)
}

func TestLyricsTaskCache_GeneratingDoesNotDowngrade(t *testing.T) {
	c, _ := newTestCache()

	c.SetFailed("task-1", "provider error")
	c.SetGenerating("task-1")

	e, ok := c.Get("task-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "provider error", e.ErrorMessage)
}

func TestLyricsTaskCache_ExpiredEntryIsMissing(t *testing.T) {
	c, clk := newTestCache()

	c.SetComplete("task-1", []string{"a", "b"})
	clk.Step(31 * time.Minute)

	_, ok := c.Get("task-1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestLyricsTaskCache_Prune(t *testing.T) {
	c, clk := newTestCache()

	c.SetComplete("old", []string{"a", "b"})
	clk.Step(20 * time.Minute)
	c.SetGenerating("new")
	clk.Step(15 * time.Minute)

	removed := c.Prune(30 * time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestLyricsTaskCache_GetReturnsCopy(t *testing.T) {
	c, _ := newTestCache()
	c.SetComplete("task-1", []string{"a", "b"})

	e, _ := c.Get("task-1")
	e.Variants[0] = "mutated"

	again, _ := c.Get("task-1")
	assert.Equal(t, "a", again.Variants[0])
}

func TestLyricsTaskCache_IgnoresEmptyTaskID(t *testing.T) {
	c, _ := newTestCache()
	c.SetGenerating("")
	c.SetComplete("", []string{"a"})
	c.SetFailed("", "x")
	assert.Equal(t, 0, c.Len())
}

func TestLyricsTaskCache_RunPruner(t *testing.T) {
	c, clk := newTestCache()
	c.SetComplete("task-1", []string{"a", "b"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunPruner(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, clk.HasWaiters, time.Second, 5*time.Millisecond)
	clk.Step(31 * time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
