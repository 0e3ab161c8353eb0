package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/makeasinger/songgen/internal/auth"
	"github.com/makeasinger/songgen/internal/cache"
	"github.com/makeasinger/songgen/internal/client"
	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/handler"
	"github.com/makeasinger/songgen/internal/middleware"
	"github.com/makeasinger/songgen/internal/service"
	"github.com/makeasinger/songgen/internal/store"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	suno   *fakeSuno
	store  *store.RedisStore
	userID string
	token  string
}

// fakeSuno serves the provider endpoints the client talks to. Tasks stay
// pending until complete is called for them.
type fakeSuno struct {
	mu     sync.Mutex
	prefix string
	seq    int
	done   map[string]bool
}

func (f *fakeSuno) complete(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[taskID] = true
}

func (f *fakeSuno) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/lyrics":
		f.seq++
		fmt.Fprintf(w, `{"code":200,"msg":"success","data":{"taskId":"lyr-%s-%d"}}`, f.prefix, f.seq)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/generate":
		f.seq++
		fmt.Fprintf(w, `{"code":200,"msg":"success","data":{"taskId":"mus-%s-%d"}}`, f.prefix, f.seq)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/lyrics/record-info":
		taskID := r.URL.Query().Get("taskId")
		if !f.done[taskID] {
			fmt.Fprintf(w, `{"code":200,"data":{"taskId":%q,"status":"PENDING","response":null}}`, taskID)
			return
		}
		fmt.Fprintf(w, `{"code":200,"data":{"taskId":%q,"status":"SUCCESS","response":{"taskId":%q,"data":[
			{"text":"[Verse] polled one","title":"One","status":"complete"},
			{"text":"[Verse] polled two","title":"Two","status":"complete"}]}}}`, taskID, taskID)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/generate/record-info":
		taskID := r.URL.Query().Get("taskId")
		if !f.done[taskID] {
			fmt.Fprintf(w, `{"code":200,"data":{"taskId":%q,"status":"PENDING","response":null}}`, taskID)
			return
		}
		fmt.Fprintf(w, `{"code":200,"data":{"taskId":%q,"status":"SUCCESS","response":{"sunoData":[
			{"id":"trk-1","audioUrl":"https://cdn.example.com/1.mp3","streamAudioUrl":"https://cdn.example.com/1","duration":120.5}]}}}`, taskID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// setupApp wires the app the way main.go does, against Redis DB 15 and a
// fake provider. Poll loops run in-process on a short interval.
func setupApp(t *testing.T) *testApp {
	t.Helper()
	logger := zap.NewNop()

	// Redis on localhost; tests skip without it
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	// task ids stay unique across runs sharing DB 15
	suno := &fakeSuno{prefix: uuid.NewString()[:8], done: make(map[string]bool)}
	srv := httptest.NewServer(suno)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	realClock := clock.RealClock{}

	jobs := store.NewRedisStore(redisClient, time.Hour)
	lyricsCache := cache.NewLyricsTaskCache(realClock, cache.DefaultMaxAge)
	ingest := service.NewIngestService(jobs, lyricsCache, nil, nil, realClock, logger)
	sunoClient := client.NewSunoClient(&config.SunoConfig{APIKey: "test-key", BaseURL: srv.URL}, logger)

	poller := service.NewPoller(jobs, sunoClient, ingest, realClock, service.PollConfig{
		Interval:      50 * time.Millisecond,
		LyricsTimeout: 30 * time.Second,
		MusicTimeout:  30 * time.Second,
	}, logger)
	scheduler := service.NewLocalPollScheduler(ctx, poller, logger)
	t.Cleanup(func() {
		cancel()
		scheduler.Wait()
	})

	gen := service.NewGenerationService(service.GenerationDeps{
		Store:     jobs,
		Provider:  sunoClient,
		Admission: service.NewAdmissionController(jobs, store.NewRedisTierResolver(redisClient), service.AdmissionLimits{Standard: 1, Elevated: 5}, logger),
		Scheduler: scheduler,
		Ingest:    ingest,
		Cache:     lyricsCache,
		Clock:     realClock,
		// callbacks are delivered by the tests themselves
		CallbackBaseURL: "http://localhost:8000",
		Logger:          logger,
	})

	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	songHandler := handler.NewSongHandler(gen, validator.New(), logger)
	callbackHandler := handler.NewCallbackHandler(ingest)
	authHandler := handler.NewAuthHandler(authenticator)

	app := fiber.New()

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"suno": sunoClient.IsConfigured(),
				"r2":   false,
				"auth": authenticator.Configured(),
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	callbacks := app.Group("/callbacks/suno")
	callbacks.Post("/lyrics", callbackHandler.Lyrics)
	callbacks.Post("/music", callbackHandler.Music)

	// API routes (authenticated), with a very high limit so tests don't get blocked
	api := app.Group("/api", authMiddleware.Authenticate())
	dispatchLimit := rateLimiter.DispatchLimit(10000)

	songs := api.Group("/songs")
	songs.Get("/admission", songHandler.Admission)
	songs.Get("/", songHandler.List)
	songs.Post("/", dispatchLimit, songHandler.Start)
	songs.Get("/:songId", songHandler.Get)
	songs.Post("/:songId/select-lyrics", dispatchLimit, songHandler.SelectLyrics)
	songs.Post("/:songId/retry", dispatchLimit, songHandler.Retry)
	api.Get("/lyrics/tasks/:taskId", songHandler.LyricsTask)

	userID := "e2e-" + uuid.NewString()
	return &testApp{
		app:    app,
		suno:   suno,
		store:  jobs,
		userID: userID,
		token:  issueToken(t, userID),
	}
}

// generateToken creates a legacy HMAC JWT token for a fresh test user.
func generateToken(t *testing.T) string {
	t.Helper()
	return issueToken(t, "e2e-"+uuid.NewString())
}

func issueToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, auth.Principal{
		UserID: userID,
		Email:  "test@example.com",
	}, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as the app's test user.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + ta.token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
