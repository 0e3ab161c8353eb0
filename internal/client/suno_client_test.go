package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/makeasinger/songgen/internal/config"
	"github.com/makeasinger/songgen/internal/model"
)

func newTestSunoClient(t *testing.T, h http.Handler) *SunoClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewSunoClient(&config.SunoConfig{APIKey: "test-key", BaseURL: srv.URL}, zap.NewNop())
}

func TestSunoClient_GenerateLyrics(t *testing.T) {
	var got map[string]string
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/lyrics", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"lyr-42"}}`))
	}))

	taskID, err := c.GenerateLyrics(context.Background(), &LyricsRequest{
		Prompt:      "a song about rain",
		CallBackURL: "https://songs.example.com/callbacks/suno/lyrics?jobId=j1",
	})
	require.NoError(t, err)
	assert.Equal(t, "lyr-42", taskID)
	assert.Equal(t, "a song about rain", got["prompt"])
	assert.Equal(t, "https://songs.example.com/callbacks/suno/lyrics?jobId=j1", got["callBackUrl"])
}

func TestSunoClient_GenerateMusicDefaultsModel(t *testing.T) {
	var got MusicRequest
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":200,"data":{"task_id":"mus-1"}}`))
	}))

	taskID, err := c.GenerateMusic(context.Background(), &MusicRequest{CustomMode: true, Prompt: "[Verse]"})
	require.NoError(t, err)
	assert.Equal(t, "mus-1", taskID)
	assert.Equal(t, "V5", got.Model)
	assert.True(t, got.CustomMode)
}

func TestSunoClient_DispatchFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{name: "http error", status: http.StatusInternalServerError, body: `oops`},
		{name: "rejected code", status: http.StatusOK, body: `{"code":430,"msg":"rate limited"}`},
		{name: "no task id", status: http.StatusOK, body: `{"code":200,"data":{}}`, target: ErrNoTaskID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			_, err := c.GenerateLyrics(context.Background(), &LyricsRequest{Prompt: "x"})
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target))
			}
		})
	}
}

func TestSunoClient_QueryTaskFallsThroughShapes(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/lyrics/record-info" && r.URL.Query().Get("taskId") != "":
			http.NotFound(w, r)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/lyrics/record-info":
			_, _ = w.Write([]byte(`<html>gateway</html>`))
		case r.URL.Path == "/api/v1/get-lyrics-generation-details":
			_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"lyr-1","status":"SUCCESS","response":{"data":[{"text":"a"},{"text":"b"}]}}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))

	update, raw, err := c.QueryTask(context.Background(), model.PhaseLyrics, "lyr-1")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderStateSucceeded, update.State)
	assert.Len(t, update.Lyrics, 2)
	assert.Contains(t, string(raw), "lyr-1")
	assert.Len(t, seen, 3)
}

func TestSunoClient_QueryTaskSkipsRejectedEnvelope(t *testing.T) {
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Query().Get("taskId") != "":
			_, _ = w.Write([]byte(`{"code":400,"msg":"task_id is required","data":null}`))
		case r.URL.Query().Get("task_id") != "":
			_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"lyr-1","status":"PENDING","response":null}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
	}))

	update, _, err := c.QueryTask(context.Background(), model.PhaseLyrics, "lyr-1")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderStatePending, update.State)
	assert.Equal(t, ShapeRecordInfo, update.Shape)
	assert.Empty(t, update.ErrorMessage)
}

func TestSunoClient_QueryTaskAllShapesRejected(t *testing.T) {
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":500,"msg":"internal error","data":null}`))
	}))

	_, _, err := c.QueryTask(context.Background(), model.PhaseLyrics, "lyr-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTaskNotFound)
	assert.Contains(t, err.Error(), "code 500")
}

func TestSunoClient_QueryTaskPostShape(t *testing.T) {
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"code":404,"msg":"not found"}`))
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mus-7", body["taskId"])
		_, _ = w.Write([]byte(`{"code":200,"data":{"status":"FIRST_SUCCESS","response":{"sunoData":[{"id":"t","streamAudioUrl":"https://cdn/t"}]}}}`))
	}))

	update, _, err := c.QueryTask(context.Background(), model.PhaseMusic, "mus-7")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderStatePartial, update.State)
	assert.Equal(t, "mus-7", update.TaskID)
}

func TestSunoClient_QueryTaskNotFound(t *testing.T) {
	c := newTestSunoClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, _, err := c.QueryTask(context.Background(), model.PhaseMusic, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSunoClient_IsConfigured(t *testing.T) {
	c := NewSunoClient(&config.SunoConfig{}, zap.NewNop())
	assert.False(t, c.IsConfigured())
}
