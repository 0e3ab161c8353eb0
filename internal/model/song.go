package model

import (
	"encoding/json"
	"time"
)

// SongStatus is the lifecycle state of a song generation job
type SongStatus string

const (
	SongStatusGathering       SongStatus = "gathering"
	SongStatusLyricsRequested SongStatus = "lyrics_requested"
	SongStatusLyricsReady     SongStatus = "lyrics_ready"
	SongStatusMusicRequested  SongStatus = "music_requested"
	SongStatusReady           SongStatus = "ready"
	SongStatusFailed          SongStatus = "failed"
)

// IsTerminal reports whether no automatic transition leaves the status.
func (s SongStatus) IsTerminal() bool {
	return s == SongStatusReady || s == SongStatusFailed
}

// InFlight reports whether a provider job is running for the status.
// Only in-flight jobs count toward a user's admission limit.
func (s SongStatus) InFlight() bool {
	return s == SongStatusLyricsRequested || s == SongStatusMusicRequested
}

// Phase is one of the two sequential provider jobs
type Phase string

const (
	PhaseLyrics Phase = "lyrics"
	PhaseMusic  Phase = "music"
)

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	return p == PhaseLyrics || p == PhaseMusic
}

// RequestedStatus is the in-flight status a job holds while the phase runs.
func (p Phase) RequestedStatus() SongStatus {
	if p == PhaseMusic {
		return SongStatusMusicRequested
	}
	return SongStatusLyricsRequested
}

// SettledStatuses are the statuses a job can hold once the phase produced a result.
func (p Phase) SettledStatuses() []SongStatus {
	if p == PhaseMusic {
		return []SongStatus{SongStatusReady, SongStatusFailed}
	}
	return []SongStatus{SongStatusLyricsReady, SongStatusMusicRequested, SongStatusReady, SongStatusFailed}
}

// PhaseProgress tracks one provider job attempt
type PhaseProgress struct {
	TaskID      *string    `json:"taskId"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	Error       *string    `json:"error"`
	RetryCount  int        `json:"retryCount"`
}

// CurrentTaskID returns the recorded provider task ID or "".
func (p PhaseProgress) CurrentTaskID() string {
	if p.TaskID == nil {
		return ""
	}
	return *p.TaskID
}

// GenerationProgress holds per-phase tracking for a job
type GenerationProgress struct {
	Lyrics PhaseProgress `json:"lyrics"`
	Music  PhaseProgress `json:"music"`
}

// For returns the progress record of a phase.
func (g *GenerationProgress) For(phase Phase) *PhaseProgress {
	if phase == PhaseMusic {
		return &g.Music
	}
	return &g.Lyrics
}

// LyricVariant is one candidate lyric text returned by the provider
type LyricVariant struct {
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Title    string `json:"title,omitempty"`
	Selected bool   `json:"selected"`
}

// TrackVariant is one candidate audio track returned by the provider
type TrackVariant struct {
	Index                int        `json:"index"`
	ID                   string     `json:"id"`
	ProviderID           string     `json:"providerId,omitempty"`
	Title                string     `json:"title,omitempty"`
	AudioURL             string     `json:"audioUrl,omitempty"`
	StreamAudioURL       string     `json:"streamAudioUrl,omitempty"`
	SourceAudioURL       string     `json:"sourceAudioUrl,omitempty"`
	SourceStreamAudioURL string     `json:"sourceStreamAudioUrl,omitempty"`
	ImageURL             string     `json:"imageUrl,omitempty"`
	DurationSeconds      *float64   `json:"durationSeconds,omitempty"`
	ModelName            string     `json:"modelName,omitempty"`
	Tags                 string     `json:"tags,omitempty"`
	StreamAvailableAt    *time.Time `json:"streamAvailableAt,omitempty"`
	DownloadAvailableAt  *time.Time `json:"downloadAvailableAt,omitempty"`
	Selected             bool       `json:"selected"`
}

// Playable reports whether the track carries any URL a client can play.
func (t TrackVariant) Playable() bool {
	return t.AudioURL != "" || t.StreamAudioURL != "" || t.SourceAudioURL != "" || t.SourceStreamAudioURL != ""
}

// SongJob is the unit of work taking a song brief to finished audio
type SongJob struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Status       SongStatus `json:"status"`
	Title        string     `json:"title,omitempty"`
	Style        string     `json:"style,omitempty"`
	Prompt       string     `json:"prompt"`
	Model        string     `json:"model,omitempty"`
	Instrumental bool       `json:"instrumental"`
	Lyrics       string     `json:"lyrics,omitempty"`

	Progress      GenerationProgress `json:"progress"`
	LyricVariants []LyricVariant     `json:"lyricVariants"`
	TrackVariants []TrackVariant     `json:"trackVariants"`

	ErrorMessage    *string         `json:"errorMessage,omitempty"`
	RawLastCallback json.RawMessage `json:"rawLastCallback,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSongJob returns a job in the gathering state holding the brief.
func NewSongJob(id, userID string, brief SongBrief, now time.Time) *SongJob {
	return &SongJob{
		ID:            id,
		UserID:        userID,
		Status:        SongStatusGathering,
		Title:         brief.Title,
		Style:         brief.Style,
		Prompt:        brief.Prompt,
		Model:         brief.Model,
		Instrumental:  brief.Instrumental,
		LyricVariants: []LyricVariant{},
		TrackVariants: []TrackVariant{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SongBrief is the creative input handed to the provider
type SongBrief struct {
	Title        string
	Style        string
	Prompt       string
	Model        string
	Instrumental bool
}

// VariantCount returns the number of variants held for a phase.
func (j *SongJob) VariantCount(phase Phase) int {
	if phase == PhaseMusic {
		return len(j.TrackVariants)
	}
	return len(j.LyricVariants)
}

// PhaseSettled reports whether the phase already produced its outcome.
// A settled phase has a completion timestamp and the job has moved past
// the phase's requested status.
func (j *SongJob) PhaseSettled(phase Phase) bool {
	if j.Progress.For(phase).CompletedAt == nil {
		return false
	}
	for _, s := range phase.SettledStatuses() {
		if j.Status == s {
			return true
		}
	}
	return false
}

// SelectedLyricIndex returns the selected lyric variant index or -1.
func (j *SongJob) SelectedLyricIndex() int {
	for _, v := range j.LyricVariants {
		if v.Selected {
			return v.Index
		}
	}
	return -1
}

// Clone returns a deep copy of the job.
func (j *SongJob) Clone() *SongJob {
	data, err := json.Marshal(j)
	if err != nil {
		cp := *j
		return &cp
	}
	var out SongJob
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *j
		return &cp
	}
	return &out
}
