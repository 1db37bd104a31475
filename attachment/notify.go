package attachment

import (
	"context"
	"log/slog"
)

// Level is the severity of a user-facing notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notification is a toast or banner shown for a mutation outcome.
type Notification struct {
	Level   Level
	Title   string
	Message string
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// logNotifier writes notifications to a logger when no UI sink is set.
type logNotifier struct {
	logger *slog.Logger
}

func (l logNotifier) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, n.Title, "message", n.Message)
}
