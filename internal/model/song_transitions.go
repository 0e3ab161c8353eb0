package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinLyricVariants is the quality gate for the lyrics phase.
const MinLyricVariants = 2

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingTaskID     = errors.New("provider task id is required")
	ErrNoLyricsSelected  = errors.New("no lyrics selected")
	ErrVariantNotFound   = errors.New("lyric variant not found")
)

// FailureKind classifies why a phase failed
type FailureKind string

const (
	FailureProvider    FailureKind = "provider"
	FailureQualityGate FailureKind = "quality_gate"
	FailureTimeout     FailureKind = "timeout"
)

var transitions = map[SongStatus][]SongStatus{
	SongStatusGathering:       {SongStatusLyricsRequested},
	SongStatusLyricsRequested: {SongStatusLyricsReady, SongStatusFailed},
	SongStatusLyricsReady:     {SongStatusMusicRequested},
	SongStatusMusicRequested:  {SongStatusReady, SongStatusFailed},
}

// retryable lists the statuses an explicit retry may leave.
var retryable = map[SongStatus]bool{
	SongStatusReady:  true,
	SongStatusFailed: true,
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
// Retry edges are not part of the graph; see SongJob.Retry.
func CanTransition(from, to SongStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (j *SongJob) moveTo(to SongStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// BeginLyrics records a dispatched lyrics task and enters lyrics_requested.
func (j *SongJob) BeginLyrics(taskID string, now time.Time) error {
	if taskID == "" {
		return ErrMissingTaskID
	}
	if err := j.moveTo(SongStatusLyricsRequested); err != nil {
		return err
	}
	p := &j.Progress.Lyrics
	p.TaskID = strPtr(taskID)
	p.StartedAt = timePtr(now)
	p.CompletedAt = nil
	p.Error = nil
	j.ErrorMessage = nil
	return nil
}

// CompleteLyrics stores the usable lyric texts and enters lyrics_ready.
// Fewer than MinLyricVariants texts is rejected; callers fail the phase instead.
func (j *SongJob) CompleteLyrics(variants []LyricVariant, now time.Time) error {
	if len(variants) < MinLyricVariants {
		return fmt.Errorf("need at least %d lyric variants, got %d", MinLyricVariants, len(variants))
	}
	if err := j.moveTo(SongStatusLyricsReady); err != nil {
		return err
	}
	out := make([]LyricVariant, len(variants))
	for i, v := range variants {
		out[i] = LyricVariant{Index: i, Text: v.Text, Title: v.Title}
	}
	j.LyricVariants = out
	p := &j.Progress.Lyrics
	p.CompletedAt = timePtr(now)
	p.Error = nil
	j.ErrorMessage = nil
	return nil
}

// SelectLyrics marks one lyric variant as chosen for the music phase.
func (j *SongJob) SelectLyrics(index int) error {
	if j.Status != SongStatusLyricsReady {
		return fmt.Errorf("%w: cannot select lyrics in %s", ErrInvalidTransition, j.Status)
	}
	found := false
	for i := range j.LyricVariants {
		selected := j.LyricVariants[i].Index == index
		j.LyricVariants[i].Selected = selected
		if selected {
			found = true
			j.Lyrics = j.LyricVariants[i].Text
		}
	}
	if !found {
		return fmt.Errorf("%w: index %d", ErrVariantNotFound, index)
	}
	return nil
}

// BeginMusic records a dispatched music task and enters music_requested.
func (j *SongJob) BeginMusic(taskID string, now time.Time) error {
	if taskID == "" {
		return ErrMissingTaskID
	}
	if strings.TrimSpace(j.Lyrics) == "" && !j.Instrumental {
		return ErrNoLyricsSelected
	}
	if err := j.moveTo(SongStatusMusicRequested); err != nil {
		return err
	}
	p := &j.Progress.Music
	p.TaskID = strPtr(taskID)
	p.StartedAt = timePtr(now)
	p.CompletedAt = nil
	p.Error = nil
	j.TrackVariants = []TrackVariant{}
	j.ErrorMessage = nil
	return nil
}

// RecordTracks merges progressively available track URLs without a transition.
// It reports whether anything changed.
func (j *SongJob) RecordTracks(tracks []TrackVariant, now time.Time) (bool, error) {
	if j.Status != SongStatusMusicRequested {
		return false, fmt.Errorf("%w: cannot record tracks in %s", ErrInvalidTransition, j.Status)
	}
	merged, changed := MergeTracks(j.TrackVariants, tracks, now)
	j.TrackVariants = merged
	return changed, nil
}

// CompleteMusic stores the final tracks and enters ready.
func (j *SongJob) CompleteMusic(tracks []TrackVariant, now time.Time) error {
	merged, _ := MergeTracks(j.TrackVariants, tracks, now)
	playable := false
	for _, t := range merged {
		if t.Playable() {
			playable = true
			break
		}
	}
	if !playable {
		return fmt.Errorf("no playable track url")
	}
	if err := j.moveTo(SongStatusReady); err != nil {
		return err
	}
	j.TrackVariants = merged
	p := &j.Progress.Music
	p.CompletedAt = timePtr(now)
	p.Error = nil
	j.ErrorMessage = nil
	return nil
}

// Fail moves the phase's requested status to failed with a readable message.
// Quality-gate failures count as an attempt and bump the phase retry counter.
func (j *SongJob) Fail(phase Phase, kind FailureKind, message string, now time.Time) error {
	if j.Status != phase.RequestedStatus() {
		return fmt.Errorf("%w: cannot fail %s phase in %s", ErrInvalidTransition, phase, j.Status)
	}
	if err := j.moveTo(SongStatusFailed); err != nil {
		return err
	}
	if message == "" {
		message = fmt.Sprintf("%s generation failed", phase)
	}
	p := j.Progress.For(phase)
	p.CompletedAt = timePtr(now)
	p.Error = strPtr(message)
	if kind == FailureQualityGate {
		p.RetryCount++
	}
	j.ErrorMessage = strPtr(message)
	return nil
}

// Retry re-enters the phase's requested status with a fresh provider task.
func (j *SongJob) Retry(phase Phase, taskID string, now time.Time) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if taskID == "" {
		return ErrMissingTaskID
	}
	if !retryable[j.Status] {
		return fmt.Errorf("%w: cannot retry from %s", ErrInvalidTransition, j.Status)
	}
	if phase == PhaseMusic && strings.TrimSpace(j.Lyrics) == "" && !j.Instrumental {
		return ErrNoLyricsSelected
	}

	p := j.Progress.For(phase)
	p.TaskID = strPtr(taskID)
	p.StartedAt = timePtr(now)
	p.CompletedAt = nil
	p.Error = nil
	p.RetryCount++

	if phase == PhaseLyrics {
		j.LyricVariants = []LyricVariant{}
		j.Lyrics = ""
		music := &j.Progress.Music
		music.TaskID = nil
		music.StartedAt = nil
		music.CompletedAt = nil
		music.Error = nil
	}
	j.TrackVariants = []TrackVariant{}
	j.ErrorMessage = nil
	j.Status = phase.RequestedStatus()
	return nil
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
