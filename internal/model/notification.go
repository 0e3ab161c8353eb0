package model

import "time"

// NotificationType is the kind of event sent to a job's owner
type NotificationType string

const (
	NotificationLyricsReady   NotificationType = "lyrics_ready"
	NotificationMusicProgress NotificationType = "music_progress"
	NotificationMusicReady    NotificationType = "music_ready"
	NotificationFailed        NotificationType = "generation_failed"
)

// Notification is emitted after a job write commits
type Notification struct {
	Type      NotificationType `json:"type"`
	JobID     string           `json:"jobId"`
	UserID    string           `json:"userId"`
	Phase     Phase            `json:"phase"`
	Status    SongStatus       `json:"status"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// NotificationFor returns the notification describing a committed change, if any.
func NotificationFor(before SongStatus, job *SongJob, phase Phase, now time.Time) (*Notification, bool) {
	n := &Notification{
		JobID:     job.ID,
		UserID:    job.UserID,
		Phase:     phase,
		Status:    job.Status,
		CreatedAt: now,
	}
	switch {
	case before != job.Status && job.Status == SongStatusLyricsReady:
		n.Type = NotificationLyricsReady
	case before != job.Status && job.Status == SongStatusReady:
		n.Type = NotificationMusicReady
	case before != job.Status && job.Status == SongStatusFailed:
		n.Type = NotificationFailed
		if job.ErrorMessage != nil {
			n.Message = *job.ErrorMessage
		}
	case before == job.Status && job.Status == SongStatusMusicRequested:
		n.Type = NotificationMusicProgress
	default:
		return nil, false
	}
	return n, true
}
