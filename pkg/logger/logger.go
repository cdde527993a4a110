// Package logger defines the key/value logging contract shared by every
// parcelsync component, plus adapters for log/slog and zerolog.
package logger

import (
	"log/slog"

	slogadapter "github.com/parcelsync/parcelsync.go/pkg/logger/slog"
)

// Logger is implemented by every logging backend parcelsync can write to.
// args are alternating keys and values, as in log/slog.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New returns a Logger writing through the given slog handler.
func New(h slog.Handler) Logger {
	return slogadapter.New(h)
}

// OrNop returns l, or a Logger that discards everything when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

type nop struct{}

func (nop) Error(string, ...any) {}
func (nop) Warn(string, ...any)  {}
func (nop) Info(string, ...any)  {}
func (nop) Debug(string, ...any) {}
