// Package log provides the level-tagged logging facility consumed by
// the rest of this module. It wraps go-kit/log the way the teacher
// wraps its own logfmt-based logger: a thin level filter over a
// structured key/value sink.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the facility every component logs through. Messages are
// free-form; structured fields are optional, never required.
type Logger interface {
	Info(msg string, keyvals ...any)
	Warning(msg string, keyvals ...any)
	Critical(msg string, keyvals ...any)
}

type kitLogger struct {
	base kitlog.Logger
}

// NewLogfmtLogger returns a Logger that writes logfmt lines to w.
func NewLogfmtLogger(w *os.File) Logger {
	base := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC)
	return &kitLogger{base: base}
}

// Nop discards everything; useful for tests that don't care about logs.
func Nop() Logger {
	return &kitLogger{base: kitlog.NewNopLogger()}
}

func (l *kitLogger) Info(msg string, keyvals ...any) {
	_ = level.Info(l.base).Log(append([]any{"msg", msg}, keyvals...)...)
}

func (l *kitLogger) Warning(msg string, keyvals ...any) {
	_ = level.Warn(l.base).Log(append([]any{"msg", msg}, keyvals...)...)
}

func (l *kitLogger) Critical(msg string, keyvals ...any) {
	_ = level.Error(l.base).Log(append([]any{"msg", msg}, keyvals...)...)
}

// With returns a Logger that always logs the given keyvals in addition
// to whatever is passed to Info/Warning/Critical.
func With(l Logger, keyvals ...any) Logger {
	kl, ok := l.(*kitLogger)
	if !ok {
		return l
	}
	return &kitLogger{base: kitlog.With(kl.base, keyvals...)}
}
