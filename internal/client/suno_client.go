package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/model"
)

// ErrTaskNotFound is returned when no status endpoint knows the task.
var ErrTaskNotFound = errors.New("provider task not found")

// SongProvider defines the generation provider operations the service needs
type SongProvider interface {
	GenerateLyrics(ctx context.Context, req *LyricsRequest) (string, error)
	GenerateMusic(ctx context.Context, req *MusicRequest) (string, error)
	QueryTask(ctx context.Context, phase model.Phase, taskID string) (*model.ProviderUpdate, []byte, error)
}

// SunoClient implements SongProvider for a Suno-compatible API
type SunoClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	logger       *zap.Logger
}

// LyricsRequest represents the lyrics dispatch body
type LyricsRequest struct {
	Prompt      string `json:"prompt"`
	CallBackURL string `json:"callBackUrl"`
}

// MusicRequest represents the music dispatch body
type MusicRequest struct {
	CustomMode   bool   `json:"customMode"`
	Prompt       string `json:"prompt"`
	Title        string `json:"title,omitempty"`
	Style        string `json:"style,omitempty"`
	Tags         string `json:"tags,omitempty"`
	Model        string `json:"model"`
	Instrumental bool   `json:"instrumental"`
	CallBackURL  string `json:"callBackUrl"`
}

// queryShape is one way of asking the provider for a task's status.
type queryShape struct {
	method string
	path   string
	param  string // query parameter name for GET, empty for POST
}

var queryShapes = map[model.Phase][]queryShape{
	model.PhaseLyrics: {
		{http.MethodGet, "/api/v1/lyrics/record-info", "taskId"},
		{http.MethodGet, "/api/v1/lyrics/record-info", "task_id"},
		{http.MethodGet, "/api/v1/get-lyrics-generation-details", "task_id"},
		{http.MethodPost, "/api/v1/lyrics/record-info", ""},
	},
	model.PhaseMusic: {
		{http.MethodGet, "/api/v1/generate/record-info", "taskId"},
		{http.MethodGet, "/api/v1/generate/record-info", "task_id"},
		{http.MethodGet, "/api/v1/generate/get-music-generation-details", "task_id"},
		{http.MethodPost, "/api/v1/generate/record-info", ""},
	},
}

// NewSunoClient creates a new Suno API client
func NewSunoClient(cfg *config.SunoConfig, logger *zap.Logger) *SunoClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "V5"
	}
	return &SunoClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		defaultModel: defaultModel,
		logger:       logger.Named("suno"),
	}
}

// GenerateLyrics dispatches a lyrics task and returns its task ID
func (c *SunoClient) GenerateLyrics(ctx context.Context, req *LyricsRequest) (string, error) {
	return c.dispatch(ctx, "/api/v1/lyrics", req)
}

// GenerateMusic dispatches a music task and returns its task ID
func (c *SunoClient) GenerateMusic(ctx context.Context, req *MusicRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	return c.dispatch(ctx, "/api/v1/generate", req)
}

func (c *SunoClient) dispatch(ctx context.Context, endpoint string, body interface{}) (string, error) {
	status, respBody, err := c.post(ctx, endpoint, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("suno API error (status %d): %s", status, truncate(respBody))
	}
	taskID, err := ExtractTaskID(respBody)
	if err != nil {
		return "", err
	}
	c.logger.Info("dispatched task", zap.String("endpoint", endpoint), zap.String("taskId", taskID))
	return taskID, nil
}

// QueryTask asks the provider for a task's status, walking the known
// request shapes in order. Not-found, non-success envelope codes and
// unrecognized responses fall through to the next shape. The raw body of the answering shape is
// returned alongside the normalized update.
func (c *SunoClient) QueryTask(ctx context.Context, phase model.Phase, taskID string) (*model.ProviderUpdate, []byte, error) {
	shapes, ok := queryShapes[phase]
	if !ok {
		return nil, nil, fmt.Errorf("unknown phase %q", phase)
	}

	var lastErr error
	for _, s := range shapes {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		var (
			status int
			body   []byte
			err    error
		)
		if s.method == http.MethodGet {
			status, body, err = c.get(ctx, s.path+"?"+url.Values{s.param: {taskID}}.Encode())
		} else {
			status, body, err = c.post(ctx, s.path, map[string]string{"taskId": taskID})
		}
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			continue
		}
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("suno API error (status %d): %s", status, truncate(body))
			continue
		}
		if code, miss := envelopeMiss(body); miss {
			if code != http.StatusNotFound && code != http.StatusMethodNotAllowed {
				lastErr = fmt.Errorf("suno API error (code %d): %s", code, truncate(body))
			}
			continue
		}

		update, err := ParseProviderPayload(phase, body)
		if err != nil {
			c.logger.Debug("unrecognized status response",
				zap.String("path", s.path), zap.String("taskId", taskID), zap.Error(err))
			continue
		}
		if update.TaskID == "" {
			update.TaskID = taskID
		}
		return update, body, nil
	}

	if lastErr != nil {
		return nil, nil, lastErr
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// envelopeMiss reports a 2xx response whose body code is not a success.
// The provider answers a wrong request shape this way, so the caller moves
// on to the next shape. Explicit failures arrive with a success code and a
// failure status token.
func envelopeMiss(body []byte) (int64, bool) {
	var env struct {
		Code json.Number `json:"code"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Code == "" {
		return 0, false
	}
	n, err := env.Code.Int64()
	if err != nil {
		return 0, false
	}
	return n, n != 0 && n != http.StatusOK
}

// post sends a POST request with JSON body
func (c *SunoClient) post(ctx context.Context, endpoint string, body interface{}) (int, []byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req)
}

// get sends a GET request
func (c *SunoClient) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req)
}

// doRequest executes an HTTP request and returns the status and body
func (c *SunoClient) doRequest(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("method", req.Method), zap.String("url", req.URL.String()), zap.Error(err))
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("response",
		zap.Int("status", resp.StatusCode),
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.String("body", truncate(respBody)),
	)

	return resp.StatusCode, respBody, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
