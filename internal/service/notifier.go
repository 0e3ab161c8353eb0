package service

import (
	"context"

	"github.com/makeasinger/songgen/internal/model"
)

// Notifier delivers job events to the job's owner
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) error
}

// NotificationDispatcher sends notifications on the background pool so a
// slow or failing transport never blocks the write path. Notifications for
// one job are delivered in the order they were dispatched.
type NotificationDispatcher struct {
	notifier Notifier
	pool     *BackgroundPool
}

func NewNotificationDispatcher(notifier Notifier, pool *BackgroundPool) *NotificationDispatcher {
	return &NotificationDispatcher{notifier: notifier, pool: pool}
}

// Dispatch queues n for delivery. It reports false when the notification was dropped.
func (d *NotificationDispatcher) Dispatch(n *model.Notification) bool {
	if d == nil || d.notifier == nil || n == nil {
		return false
	}
	return d.pool.GoOrdered("notify:"+n.JobID, "notify:"+string(n.Type), func(ctx context.Context) error {
		return d.notifier.Notify(ctx, n)
	})
}
