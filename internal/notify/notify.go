// Package notify delivers call notifications to the local user. Delivery is
// best-effort by contract: a sink that fails only logs, state transitions
// never wait on it.
package notify

import (
	"context"
	"log/slog"

	"github.com/vishnenko/ringline/internal/callsession"
)

// Log writes notifications to the structured log. It is always installed so
// transitions remain observable without any push subscription.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n callsession.Notification) {
	l.Logger.Info("user notification", "title", n.Title, "body", n.Body, "call_id", n.Call.String())
}

// Multi fans one notification out to several sinks.
type Multi []callsession.Notifier

func (m Multi) Notify(ctx context.Context, n callsession.Notification) {
	for _, sink := range m {
		sink.Notify(ctx, n)
	}
}
