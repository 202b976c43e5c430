// Package relaylog is the single debug sink §7 calls for: timestamped,
// thread-tagged lines. It wraps the standard library's log.Logger the way
// the rest of this codebase's ancestry does, rather than reaching for a
// structured logging library nothing else here needs.
package relaylog

import (
	"log"
	"os"
)

// Logger emits lines prefixed with a fixed tag (typically a connection id
// or username) so concurrent goroutines' output stays attributable.
type Logger struct {
	tag   string
	inner *log.Logger
}

// New creates a Logger tagged with tag, writing to stderr with the
// standard date/time flags.
func New(tag string) *Logger {
	return &Logger{tag: tag, inner: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// Debugf logs a formatted debug line.
func (l *Logger) Debugf(format string, args ...any) {
	l.inner.Printf("[%s] "+format, append([]any{l.tag}, args...)...)
}

// Errorf logs a formatted error line.
func (l *Logger) Errorf(format string, args ...any) {
	l.inner.Printf("[%s] ERROR "+format, append([]any{l.tag}, args...)...)
}

// With returns a new Logger scoped to tag/subtag, for a goroutine spun off
// from the one holding l (e.g. a per-connection logger deriving a
// per-record-kind logger).
func (l *Logger) With(subtag string) *Logger {
	return &Logger{tag: l.tag + "/" + subtag, inner: l.inner}
}
