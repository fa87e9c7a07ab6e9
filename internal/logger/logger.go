// Package logger provides the broker's structured logging convention:
// package-level calls with an inline context map, backed by logrus.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a structured logging context, passed alongside a log message.
type Ctx map[string]any

// safeLogger wraps a logrus.Logger with a mutex so concurrent callers from
// the main loop, the data loop, and the admin HTTP surface never interleave
// a single entry's fields.
type safeLogger struct {
	mu  sync.Mutex
	log *logrus.Logger
}

var global = &safeLogger{log: newDefault()}

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Configure replaces the global logger's level and output destination. Call
// once during daemon bootstrap, before any other goroutine starts logging.
func Configure(debug bool, verbose bool, out *os.File) {
	global.mu.Lock()
	defer global.mu.Unlock()

	l := logrus.New()
	if out != nil {
		l.SetOutput(out)
	} else {
		l.SetOutput(os.Stderr)
	}

	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case debug:
		l.SetLevel(logrus.DebugLevel)
	case verbose:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}

	global.log = l
}

func entry(ctx Ctx) *logrus.Entry {
	global.mu.Lock()
	l := global.log
	global.mu.Unlock()

	return l.WithFields(logrus.Fields(ctx))
}

// Debug logs a debug-level message. No call in this package is
// rate-limited.
func Debug(msg string, ctx ...Ctx) {
	entry(merge(ctx)).Debug(msg)
}

// Info logs an info-level message.
func Info(msg string, ctx ...Ctx) {
	entry(merge(ctx)).Info(msg)
}

// Warn logs a warning.
func Warn(msg string, ctx ...Ctx) {
	entry(merge(ctx)).Warn(msg)
}

// Error logs an error.
func Error(msg string, ctx ...Ctx) {
	entry(merge(ctx)).Error(msg)
}

// Fatal logs an error and exits the process.
func Fatal(msg string, ctx ...Ctx) {
	entry(merge(ctx)).Fatal(msg)
}

func merge(ctxs []Ctx) Ctx {
	if len(ctxs) == 0 {
		return Ctx{}
	}

	if len(ctxs) == 1 {
		return ctxs[0]
	}

	out := Ctx{}
	for _, c := range ctxs {
		for k, v := range c {
			out[k] = v
		}
	}

	return out
}
