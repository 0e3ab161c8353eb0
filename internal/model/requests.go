package model

import "time"

// StartSongRequest represents the request body for starting a song's lyrics phase
type StartSongRequest struct {
	Prompt       string `json:"prompt" validate:"required,min=1,max=3000"`
	Title        string `json:"title" validate:"omitempty,max=120"`
	Style        string `json:"style" validate:"omitempty,max=200"`
	Model        string `json:"model" validate:"omitempty,oneof=V3_5 V4 V4_5 V4_5PLUS V5"`
	Instrumental bool   `json:"instrumental"`
}

// Brief converts the request into a song brief.
func (r *StartSongRequest) Brief() SongBrief {
	return SongBrief{
		Title:        r.Title,
		Style:        r.Style,
		Prompt:       r.Prompt,
		Model:        r.Model,
		Instrumental: r.Instrumental,
	}
}

// SelectLyricsRequest represents the request body for choosing a lyric variant
type SelectLyricsRequest struct {
	VariantIndex *int   `json:"variantIndex" validate:"required,min=0"`
	Title        string `json:"title" validate:"omitempty,max=120"`
	Style        string `json:"style" validate:"omitempty,max=200"`
}

// RetryRequest represents the request body for retrying a phase
type RetryRequest struct {
	Phase Phase `json:"phase" validate:"required,oneof=lyrics music"`
}

// SongResponse is the API view of a song job
type SongResponse struct {
	*SongJob
	Playable bool `json:"playable"`
}

// NewSongResponse wraps a job for the API.
func NewSongResponse(job *SongJob) *SongResponse {
	playable := false
	for _, t := range job.TrackVariants {
		if t.Playable() {
			playable = true
			break
		}
	}
	return &SongResponse{SongJob: job, Playable: playable}
}

// SongListResponse lists the caller's songs
type SongListResponse struct {
	Songs []*SongResponse `json:"songs"`
}

// LyricsTaskStatus values reported by the lyrics task read path
const (
	LyricsTaskGenerating = "generating"
	LyricsTaskComplete   = "complete"
	LyricsTaskFailed     = "failed"
)

// LyricsTaskResponse reports the status of a provider lyrics task
type LyricsTaskResponse struct {
	TaskID    string    `json:"taskId"`
	Status    string    `json:"status"`
	Variants  []string  `json:"variants,omitempty"`
	Error     string    `json:"error,omitempty"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CallbackResponse is the body returned to provider webhooks
type CallbackResponse struct {
	OK      bool       `json:"ok"`
	Outcome string     `json:"outcome"`
	Reason  string     `json:"reason,omitempty"`
	JobID   string     `json:"jobId,omitempty"`
	Status  SongStatus `json:"status,omitempty"`
}
