package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	testclock "k8s.io/utils/clock/testing"

	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/model"
	"github.com/makeasinger/songgen/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu  sync.Mutex
	got []*model.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) types() []model.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NotificationType, len(r.got))
	for i, n := range r.got {
		out[i] = n.Type
	}
	return out
}

type fakeProvider struct {
	mu          sync.Mutex
	seq         int
	dispatchErr error
	lyricsReqs  []*client.LyricsRequest
	musicReqs   []*client.MusicRequest
	queries     int
	query       func(phase model.Phase, taskID string) (*model.ProviderUpdate, []byte, error)
}

func (f *fakeProvider) GenerateLyrics(_ context.Context, req *client.LyricsRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lyricsReqs = append(f.lyricsReqs, req)
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	f.seq++
	return fmt.Sprintf("lyr-%d", f.seq), nil
}

func (f *fakeProvider) GenerateMusic(_ context.Context, req *client.MusicRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.musicReqs = append(f.musicReqs, req)
	if f.dispatchErr != nil {
		return "", f.dispatchErr
	}
	f.seq++
	return fmt.Sprintf("mus-%d", f.seq), nil
}

func (f *fakeProvider) QueryTask(_ context.Context, phase model.Phase, taskID string) (*model.ProviderUpdate, []byte, error) {
	f.mu.Lock()
	f.queries++
	q := f.query
	f.mu.Unlock()
	if q == nil {
		return nil, nil, client.ErrTaskNotFound
	}
	return q(phase, taskID)
}

func (f *fakeProvider) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type recordingScheduler struct {
	mu   sync.Mutex
	reqs []PollRequest
}

func (s *recordingScheduler) Schedule(_ context.Context, req PollRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

type staticTiers map[string]model.Tier

func (s staticTiers) ResolveTier(_ context.Context, userID string) (model.Tier, error) {
	if t, ok := s[userID]; ok {
		return t, nil
	}
	return model.TierStandard, nil
}

type harness struct {
	store     *store.MemoryStore
	clock     *testclock.FakeClock
	cache     *cache.LyricsTaskCache
	notifier  *recordingNotifier
	pool      *BackgroundPool
	ingest    *IngestService
	provider  *fakeProvider
	scheduler *recordingScheduler
	tiers     staticTiers
	gen       *GenerationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		store:     store.NewMemoryStore(),
		clock:     testclock.NewFakeClock(t0),
		notifier:  &recordingNotifier{},
		provider:  &fakeProvider{},
		scheduler: &recordingScheduler{},
		tiers:     staticTiers{},
	}
	h.cache = cache.NewLyricsTaskCache(h.clock, 30*time.Minute)
	h.pool = NewBackgroundPool(8, time.Second, logger)
	dispatcher := NewNotificationDispatcher(h.notifier, h.pool)
	h.ingest = NewIngestService(h.store, h.cache, dispatcher, nil, h.clock, logger)
	admission := NewAdmissionController(h.store, h.tiers, AdmissionLimits{Standard: 1, Elevated: 5}, logger)
	h.gen = NewGenerationService(GenerationDeps{
		Store:           h.store,
		Provider:        h.provider,
		Admission:       admission,
		Scheduler:       h.scheduler,
		Ingest:          h.ingest,
		Cache:           h.cache,
		Clock:           h.clock,
		CallbackBaseURL: "https://songs.example.com/",
		Logger:          logger,
	})
	return h
}

// notifications waits for background delivery and returns the event types.
func (h *harness) notifications() []model.NotificationType {
	h.pool.Wait()
	return h.notifier.types()
}

// seedJob stores a job for userID that already dispatched its lyrics task.
func (h *harness) seedJob(t *testing.T, userID, taskID string) *model.SongJob {
	t.Helper()
	job := model.NewSongJob("job-"+taskID, userID, model.SongBrief{Prompt: "a song about rain"}, h.clock.Now())
	require.NoError(t, job.BeginLyrics(taskID, h.clock.Now()))
	require.NoError(t, h.store.Create(context.Background(), job))
	return job
}

// seedMusicJob stores a job waiting on a music task.
func (h *harness) seedMusicJob(t *testing.T, userID, lyricsTask, musicTask string) *model.SongJob {
	t.Helper()
	job := model.NewSongJob("job-"+musicTask, userID, model.SongBrief{Prompt: "a song about rain"}, h.clock.Now())
	now := h.clock.Now()
	require.NoError(t, job.BeginLyrics(lyricsTask, now))
	require.NoError(t, job.CompleteLyrics([]model.LyricVariant{{Text: "one"}, {Text: "two"}}, now))
	require.NoError(t, job.SelectLyrics(1))
	require.NoError(t, job.BeginMusic(musicTask, now))
	require.NoError(t, h.store.Create(context.Background(), job))
	return job
}

func lyricsCallback(taskID string, texts ...string) []byte {
	items := make([]map[string]string, 0, len(texts))
	for i, text := range texts {
		items = append(items, map[string]string{"text": text, "title": fmt.Sprintf("Take %d", i+1), "status": "complete"})
	}
	return mustJSON(map[string]interface{}{
		"code": 200,
		"msg":  "All generated successfully.",
		"data": map[string]interface{}{
			"callbackType": "complete",
			"task_id":      taskID,
			"data":         items,
		},
	})
}

func musicCallback(taskID, callbackType string, tracks ...map[string]interface{}) []byte {
	return mustJSON(map[string]interface{}{
		"code": 200,
		"msg":  "ok",
		"data": map[string]interface{}{
			"callbackType": callbackType,
			"task_id":      taskID,
			"data":         tracks,
		},
	})
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
