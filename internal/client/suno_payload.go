package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/makeasinger/songgen/internal/model"
)

var (
	// ErrMalformedPayload is returned when no extractor recognizes a payload.
	ErrMalformedPayload = errors.New("malformed provider payload")
	// ErrNoTaskID is returned when a dispatch response carries no task id.
	ErrNoTaskID = errors.New("provider response carried no task id")
)

// Payload shapes recognized by ParseProviderPayload
const (
	ShapeCallback   = "callback"
	ShapeRecordInfo = "record-info"
	ShapeFlat       = "flat"
)

var (
	successTokens = tokenSet("SUCCESS", "COMPLETE", "COMPLETED")
	partialTokens = tokenSet("FIRST_SUCCESS", "TEXT_SUCCESS", "FIRST", "TEXT")
	failedTokens  = tokenSet(
		"FAILED", "ERROR", "CREATE_TASK_FAILED", "GENERATE_AUDIO_FAILED",
		"GENERATE_LYRICS_FAILED", "CALLBACK_EXCEPTION", "SENSITIVE_WORD_ERROR",
	)
)

func tokenSet(tokens ...string) map[string]bool {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m[t] = true
	}
	return m
}

// payloadEnvelope is the outer object of every provider payload.
type payloadEnvelope struct {
	Code         json.Number     `json:"code"`
	Msg          string          `json:"msg"`
	Message      string          `json:"message"`
	TaskID       string          `json:"taskId"`
	TaskIDSnake  string          `json:"task_id"`
	Status       string          `json:"status"`
	CallbackType string          `json:"callbackType"`
	ErrorMessage string          `json:"errorMessage"`
	Lyrics       json.RawMessage `json:"lyrics"`
	Data         json.RawMessage `json:"data"`
}

// payloadData is the object under "data" for callbacks and record-info responses.
type payloadData struct {
	CallbackType string           `json:"callbackType"`
	TaskID       string           `json:"taskId"`
	TaskIDSnake  string           `json:"task_id"`
	Status       string           `json:"status"`
	ErrorMessage string           `json:"errorMessage"`
	Lyrics       json.RawMessage  `json:"lyrics"`
	Data         json.RawMessage  `json:"data"`
	Response     *payloadResponse `json:"response"`
}

type payloadResponse struct {
	TaskID     string          `json:"taskId"`
	Data       json.RawMessage `json:"data"`
	SunoData   json.RawMessage `json:"sunoData"`
	LyricsData json.RawMessage `json:"lyricsData"`
}

// payloadItem covers lyric and track items in both camel and snake case.
type payloadItem struct {
	ID                        string    `json:"id"`
	TrackID                   string    `json:"trackId"`
	TrackIDSnake              string    `json:"track_id"`
	Title                     string    `json:"title"`
	Text                      string    `json:"text"`
	Lyrics                    string    `json:"lyrics"`
	Status                    string    `json:"status"`
	ErrorMessage              string    `json:"errorMessage"`
	AudioURL                  string    `json:"audioUrl"`
	AudioURLSnake             string    `json:"audio_url"`
	StreamAudioURL            string    `json:"streamAudioUrl"`
	StreamAudioURLSnake       string    `json:"stream_audio_url"`
	SourceAudioURL            string    `json:"sourceAudioUrl"`
	SourceAudioURLSnake       string    `json:"source_audio_url"`
	SourceStreamAudioURL      string    `json:"sourceStreamAudioUrl"`
	SourceStreamAudioURLSnake string    `json:"source_stream_audio_url"`
	ImageURL                  string    `json:"imageUrl"`
	ImageURLSnake             string    `json:"image_url"`
	Duration                  flexFloat `json:"duration"`
	DurationSeconds           flexFloat `json:"durationSeconds"`
	ModelName                 string    `json:"modelName"`
	ModelNameSnake            string    `json:"model_name"`
	Tags                      string    `json:"tags"`
}

// flexFloat accepts a JSON number, a numeric string or null.
type flexFloat struct {
	Value *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.Value = &v
	return nil
}

// extractor recognizes one payload shape.
type extractor struct {
	shape string
	fn    func(phase model.Phase, env *payloadEnvelope, data *payloadData) (*model.ProviderUpdate, bool)
}

var extractors = []extractor{
	{ShapeCallback, extractCallback},
	{ShapeRecordInfo, extractRecordInfo},
	{ShapeFlat, extractFlat},
}

// ParseProviderPayload normalizes a provider callback body or status
// response for a phase. Extractors are tried in order; the first one that
// recognizes the shape wins.
func ParseProviderPayload(phase model.Phase, raw []byte) (*model.ProviderUpdate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformedPayload
	}

	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var data *payloadData
	if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
		data = &payloadData{}
		if err := json.Unmarshal(d, data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	for _, ex := range extractors {
		update, ok := ex.fn(phase, &env, data)
		if !ok {
			continue
		}
		update.Shape = ex.shape
		return update, nil
	}
	return nil, ErrMalformedPayload
}

// extractCallback handles {code, msg, data: {callbackType, task_id, data: [...]}}.
func extractCallback(phase model.Phase, env *payloadEnvelope, data *payloadData) (*model.ProviderUpdate, bool) {
	if data == nil || data.CallbackType == "" {
		return nil, false
	}
	items, err := decodeItems(data.Data)
	if err != nil {
		return nil, false
	}
	u := &model.ProviderUpdate{
		TaskID:       first(data.TaskIDSnake, data.TaskID, env.TaskID, env.TaskIDSnake),
		StatusToken:  data.CallbackType,
		CallbackType: data.CallbackType,
	}
	fillItems(u, phase, items)
	if len(u.Lyrics) == 0 && phase == model.PhaseLyrics {
		u.Lyrics = decodeLyricsField(data.Lyrics)
	}
	u.State = classify(phase, env.Code, data.CallbackType, u)
	if u.State == model.ProviderStateFailed {
		u.ErrorMessage = first(data.ErrorMessage, failedItemMessage(items), env.Msg, env.Message)
	}
	return u, true
}

// extractRecordInfo handles {code, msg, data: {taskId, status, response: {data|sunoData: [...]}}}.
func extractRecordInfo(phase model.Phase, env *payloadEnvelope, data *payloadData) (*model.ProviderUpdate, bool) {
	if data == nil || (data.Response == nil && data.Status == "") {
		return nil, false
	}
	u := &model.ProviderUpdate{
		TaskID:      first(data.TaskID, data.TaskIDSnake, env.TaskID, env.TaskIDSnake),
		StatusToken: data.Status,
	}
	var raw json.RawMessage
	if data.Response != nil {
		if u.TaskID == "" {
			u.TaskID = data.Response.TaskID
		}
		raw = firstRaw(data.Response.Data, data.Response.SunoData, data.Response.LyricsData)
	}
	if raw == nil {
		raw = data.Data
	}
	items, err := decodeItems(raw)
	if err != nil {
		return nil, false
	}
	fillItems(u, phase, items)
	if len(u.Lyrics) == 0 && phase == model.PhaseLyrics {
		u.Lyrics = decodeLyricsField(data.Lyrics)
	}
	u.State = classify(phase, env.Code, data.Status, u)
	if u.State == model.ProviderStateFailed {
		u.ErrorMessage = first(data.ErrorMessage, failedItemMessage(items), env.Msg, env.Message)
	}
	return u, true
}

// extractFlat handles {task_id|taskId, status, lyrics|data} with no nesting.
func extractFlat(phase model.Phase, env *payloadEnvelope, data *payloadData) (*model.ProviderUpdate, bool) {
	taskID := first(env.TaskID, env.TaskIDSnake)
	token := first(env.Status, env.CallbackType)
	if data != nil {
		taskID = first(taskID, data.TaskID, data.TaskIDSnake)
		token = first(token, data.Status)
	}
	if taskID == "" && token == "" && isNull(env.Lyrics) && isNull(env.Data) {
		return nil, false
	}

	u := &model.ProviderUpdate{TaskID: taskID, StatusToken: token, CallbackType: env.CallbackType}
	items, err := decodeItems(env.Data)
	if err != nil {
		return nil, false
	}
	fillItems(u, phase, items)
	if phase == model.PhaseLyrics && len(u.Lyrics) == 0 {
		u.Lyrics = decodeLyricsField(env.Lyrics)
		if len(u.Lyrics) == 0 && data != nil {
			u.Lyrics = decodeLyricsField(data.Lyrics)
		}
	}
	u.State = classify(phase, env.Code, token, u)
	if u.State == model.ProviderStateFailed {
		msg := env.ErrorMessage
		if data != nil {
			msg = first(msg, data.ErrorMessage)
		}
		u.ErrorMessage = first(msg, env.Msg, env.Message)
	}
	return u, true
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeItems decodes an item array. Null or absent yields no items.
func decodeItems(raw json.RawMessage) ([]payloadItem, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '[' {
		if raw[0] == '{' {
			return nil, nil
		}
		return nil, ErrMalformedPayload
	}
	var items []payloadItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// decodeLyricsField reads a "lyrics" value given as a string or a string array.
func decodeLyricsField(raw json.RawMessage) []model.LyricVariant {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil
		}
		return []model.LyricVariant{{Text: single}}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		out := make([]model.LyricVariant, 0, len(many))
		for _, s := range many {
			out = append(out, model.LyricVariant{Text: s})
		}
		return out
	}
	return nil
}

func fillItems(u *model.ProviderUpdate, phase model.Phase, items []payloadItem) {
	for _, it := range items {
		if phase == model.PhaseLyrics {
			if failedTokens[strings.ToUpper(it.Status)] {
				continue
			}
			u.Lyrics = append(u.Lyrics, model.LyricVariant{
				Text:  first(it.Text, it.Lyrics),
				Title: it.Title,
			})
			continue
		}
		duration := it.DurationSeconds.Value
		if duration == nil {
			duration = it.Duration.Value
		}
		u.Tracks = append(u.Tracks, model.ProviderTrack{
			ProviderID:           first(it.TrackID, it.TrackIDSnake, it.ID),
			Title:                it.Title,
			AudioURL:             first(it.AudioURL, it.AudioURLSnake),
			StreamAudioURL:       first(it.StreamAudioURL, it.StreamAudioURLSnake),
			SourceAudioURL:       first(it.SourceAudioURL, it.SourceAudioURLSnake),
			SourceStreamAudioURL: first(it.SourceStreamAudioURL, it.SourceStreamAudioURLSnake),
			ImageURL:             first(it.ImageURL, it.ImageURLSnake),
			DurationSeconds:      duration,
			ModelName:            first(it.ModelName, it.ModelNameSnake),
			Tags:                 it.Tags,
		})
	}
}

func failedItemMessage(items []payloadItem) string {
	for _, it := range items {
		if it.ErrorMessage != "" {
			return it.ErrorMessage
		}
	}
	return ""
}

// classify maps a response code and a status token onto a provider state.
// Without a recognized token the content decides.
func classify(phase model.Phase, code json.Number, token string, u *model.ProviderUpdate) model.ProviderState {
	if !codeOK(code) {
		return model.ProviderStateFailed
	}
	t := strings.ToUpper(strings.TrimSpace(token))
	switch {
	case failedTokens[t]:
		return model.ProviderStateFailed
	case successTokens[t]:
		return model.ProviderStateSucceeded
	case partialTokens[t]:
		return model.ProviderStatePartial
	case t != "":
		return model.ProviderStatePending
	}

	if phase == model.PhaseLyrics {
		if len(u.UsableLyrics()) > 0 {
			return model.ProviderStateSucceeded
		}
		return model.ProviderStatePending
	}
	for _, tr := range u.Tracks {
		if tr.AudioURL != "" || tr.SourceAudioURL != "" {
			return model.ProviderStateSucceeded
		}
	}
	if u.HasTrackURLs() {
		return model.ProviderStatePartial
	}
	return model.ProviderStatePending
}

func codeOK(code json.Number) bool {
	if code == "" {
		return true
	}
	n, err := code.Int64()
	if err != nil {
		return false
	}
	return n == 0 || n == 200
}

// ExtractTaskID reads the task id from a dispatch response body.
func ExtractTaskID(raw []byte) (string, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("failed to unmarshal dispatch response: %w", err)
	}
	if !codeOK(env.Code) {
		return "", fmt.Errorf("provider rejected dispatch (code %s): %s", env.Code, first(env.Msg, env.Message))
	}
	taskID := first(env.TaskID, env.TaskIDSnake)
	if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
		var data payloadData
		if err := json.Unmarshal(d, &data); err == nil {
			taskID = first(data.TaskID, data.TaskIDSnake, taskID)
		}
	}
	if taskID == "" {
		return "", ErrNoTaskID
	}
	return taskID, nil
}

func first(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstRaw(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}
