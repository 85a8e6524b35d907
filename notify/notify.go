// Package notify defines the push-notification collaborator surface used
// by the User-facing critical error path (spec.md section 7) and the
// Spike and Force-Mode managers' incomplete-snapshot and SoC-too-low
// paths. The concrete channel (SMS, mobile push, email) is out of scope;
// only the contract and a log-only default are provided here.
package notify

import (
	"context"
	"log/slog"
)

// Severity classifies how urgently a Notification should be surfaced to the user.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is a single user-facing message.
type Notification struct {
	Severity Severity
	Title    string
	Body     string
}

// Notifier delivers Notifications to whatever channel the host platform wires up.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier is the default Notifier: it logs the notification at a
// level matching its severity and delivers nowhere else. Sites that wire
// a real push channel should supply their own Notifier instead.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.Default().With("component", "notify")}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	args := []interface{}{"title", n.Title, "body", n.Body}
	if n.Severity == SeverityCritical {
		l.logger.Error("user-facing notification", args...)
		return
	}
	l.logger.Warn("user-facing notification", args...)
}
