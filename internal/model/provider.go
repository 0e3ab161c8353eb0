package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderState is the normalized outcome carried by a provider payload
type ProviderState string

const (
	ProviderStatePending   ProviderState = "pending"
	ProviderStatePartial   ProviderState = "partial"
	ProviderStateSucceeded ProviderState = "succeeded"
	ProviderStateFailed    ProviderState = "failed"
)

// ProviderUpdate is a provider callback or status response after normalization
type ProviderUpdate struct {
	Shape        string          `json:"shape"`
	TaskID       string          `json:"taskId,omitempty"`
	StatusToken  string          `json:"statusToken,omitempty"`
	CallbackType string          `json:"callbackType,omitempty"`
	State        ProviderState   `json:"state"`
	Lyrics       []LyricVariant  `json:"lyrics,omitempty"`
	Tracks       []ProviderTrack `json:"tracks,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// ProviderTrack is one audio item as reported by the provider
type ProviderTrack struct {
	ProviderID           string
	Title                string
	AudioURL             string
	StreamAudioURL       string
	SourceAudioURL       string
	SourceStreamAudioURL string
	ImageURL             string
	DurationSeconds      *float64
	ModelName            string
	Tags                 string
}

// UsableLyrics returns the lyric variants with non-blank text.
func (u *ProviderUpdate) UsableLyrics() []LyricVariant {
	out := make([]LyricVariant, 0, len(u.Lyrics))
	for _, v := range u.Lyrics {
		text := strings.TrimSpace(v.Text)
		if text == "" {
			continue
		}
		out = append(out, LyricVariant{Text: text, Title: strings.TrimSpace(v.Title)})
	}
	return out
}

// HasTrackURLs reports whether any track carries a playable URL.
func (u *ProviderUpdate) HasTrackURLs() bool {
	for _, t := range u.Tracks {
		if t.AudioURL != "" || t.StreamAudioURL != "" || t.SourceAudioURL != "" || t.SourceStreamAudioURL != "" {
			return true
		}
	}
	return false
}

// NormalizeTracks turns provider tracks into indexed variants of a job.
// Provider IDs that are not UUIDs are replaced by a UUIDv5 derived from the
// job ID, the provider ID and the position so repeated deliveries agree.
func NormalizeTracks(jobID string, tracks []ProviderTrack) []TrackVariant {
	out := make([]TrackVariant, 0, len(tracks))
	for i, t := range tracks {
		id := t.ProviderID
		if _, err := uuid.Parse(id); err != nil || id == "" {
			seed := fmt.Sprintf("%s:%s:%d", jobID, t.ProviderID, i)
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(seed)).String()
		}
		out = append(out, TrackVariant{
			Index:                i,
			ID:                   id,
			ProviderID:           t.ProviderID,
			Title:                t.Title,
			AudioURL:             t.AudioURL,
			StreamAudioURL:       t.StreamAudioURL,
			SourceAudioURL:       t.SourceAudioURL,
			SourceStreamAudioURL: t.SourceStreamAudioURL,
			ImageURL:             t.ImageURL,
			DurationSeconds:      t.DurationSeconds,
			ModelName:            t.ModelName,
			Tags:                 t.Tags,
		})
	}
	return out
}

// MergeTracks folds incoming tracks into existing ones by index.
// Non-empty incoming fields win; empty incoming fields never clear known data.
// Availability timestamps are stamped the first time a stream or download URL appears.
func MergeTracks(existing, incoming []TrackVariant, now time.Time) ([]TrackVariant, bool) {
	size := len(existing)
	if len(incoming) > size {
		size = len(incoming)
	}
	out := make([]TrackVariant, size)
	copy(out, existing)
	changed := len(incoming) > len(existing)

	for i, in := range incoming {
		cur := out[i]
		if cur.ID == "" {
			cur.Index = i
			cur.ID = in.ID
		}
		changed = mergeString(&cur.ProviderID, in.ProviderID) || changed
		changed = mergeString(&cur.Title, in.Title) || changed
		changed = mergeString(&cur.AudioURL, in.AudioURL) || changed
		changed = mergeString(&cur.StreamAudioURL, in.StreamAudioURL) || changed
		changed = mergeString(&cur.SourceAudioURL, in.SourceAudioURL) || changed
		changed = mergeString(&cur.SourceStreamAudioURL, in.SourceStreamAudioURL) || changed
		changed = mergeString(&cur.ImageURL, in.ImageURL) || changed
		changed = mergeString(&cur.ModelName, in.ModelName) || changed
		changed = mergeString(&cur.Tags, in.Tags) || changed
		if in.DurationSeconds != nil && (cur.DurationSeconds == nil || *cur.DurationSeconds != *in.DurationSeconds) {
			d := *in.DurationSeconds
			cur.DurationSeconds = &d
			changed = true
		}
		if cur.StreamAvailableAt == nil && (cur.StreamAudioURL != "" || cur.SourceStreamAudioURL != "") {
			cur.StreamAvailableAt = timePtr(now)
			changed = true
		}
		if cur.DownloadAvailableAt == nil && cur.AudioURL != "" {
			cur.DownloadAvailableAt = timePtr(now)
			changed = true
		}
		out[i] = cur
	}
	return out, changed
}

func mergeString(dst *string, src string) bool {
	if src == "" || *dst == src {
		return false
	}
	*dst = src
	return true
}
