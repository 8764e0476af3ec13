package notify

import (
	"context"

	"github.com/cordum/evaluator/core/infra/intercept"
)

type tracedNotifier struct {
	next Notifier
	ic   *intercept.Interceptor
}

// Traced wraps next so every call is trace-scoped, logged and spanned.
func Traced(next Notifier, opts ...intercept.Option) Notifier {
	return &tracedNotifier{next: next, ic: intercept.New(component, opts...)}
}

func (t *tracedNotifier) Notify(ctx context.Context, recipientID, typ, title, body string, opts Options) (*Notification, error) {
	return intercept.Call(ctx, t.ic, "Notify", func(ctx context.Context) (*Notification, error) {
		return t.next.Notify(ctx, recipientID, typ, title, body, opts)
	}, "recipient_id", recipientID, "type", typ, "title", title, "link", opts.Link)
}

func (t *tracedNotifier) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	return intercept.Call(ctx, t.ic, "UnreadCount", func(ctx context.Context) (int64, error) {
		return t.next.UnreadCount(ctx, recipientID)
	}, "recipient_id", recipientID)
}

func (t *tracedNotifier) MarkRead(ctx context.Context, recipientID, id string) error {
	return t.ic.Do(ctx, "MarkRead", func(ctx context.Context) error {
		return t.next.MarkRead(ctx, recipientID, id)
	}, "recipient_id", recipientID, "notification_id", id)
}

func (t *tracedNotifier) MarkAllRead(ctx context.Context, recipientID string) error {
	return t.ic.Do(ctx, "MarkAllRead", func(ctx context.Context) error {
		return t.next.MarkAllRead(ctx, recipientID)
	}, "recipient_id", recipientID)
}

func (t *tracedNotifier) List(ctx context.Context, recipientID, cursor string, limit int) (*Page, error) {
	return intercept.Call(ctx, t.ic, "List", func(ctx context.Context) (*Page, error) {
		return t.next.List(ctx, recipientID, cursor, limit)
	}, "recipient_id", recipientID, "cursor", cursor, "limit", limit)
}
