// Package notify is the injectable reporting surface for user-visible
// failures. Components never talk to a UI directly; they emit events to a
// Sink so callers (and tests) decide how to present them.
package notify

import "go.uber.org/zap"

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is a single user-visible notification. Code is a stable machine
// readable identifier (e.g. "attachment_too_large"), Message is display text.
type Event struct {
	Level   Level
	Code    string
	Message string
	Err     error
}

type Sink interface {
	Notify(Event)
}

func Errorf(code, message string, err error) Event {
	return Event{Level: LevelError, Code: code, Message: message, Err: err}
}

func Warnf(code, message string) Event {
	return Event{Level: LevelWarning, Code: code, Message: message}
}

// LogSink reports events through a zap logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Notify(e Event) {
	fields := []zap.Field{zap.String("code", e.Code)}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	switch e.Level {
	case LevelError:
		s.log.Error(e.Message, fields...)
	case LevelWarning:
		s.log.Warn(e.Message, fields...)
	default:
		s.log.Info(e.Message, fields...)
	}
}

// Nop discards all events. Useful as a default when callers pass nil.
type Nop struct{}

func (Nop) Notify(Event) {}
