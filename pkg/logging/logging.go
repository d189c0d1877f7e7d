// Package logging provides the package-level leveled logger shared by every
// orchestrator component.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	log = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Fields is a typed alias so call sites never need to import logrus directly.
type Fields = logrus.Fields

// SetLevelFromString parses a level name (case-insensitive) and applies it,
// defaulting to info on an empty or unknown value.
func SetLevelFromString(value string) string {
	mu.Lock()
	defer mu.Unlock()
	level := logrus.InfoLevel
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		level = logrus.DebugLevel
	case "info", "":
		level = logrus.InfoLevel
	case "warn", "warning":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		log.Warnf("unknown log level %q, defaulting to info", value)
	}
	log.SetLevel(level)
	return level.String()
}

// CurrentLevel returns the active level name.
func CurrentLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	return log.GetLevel().String()
}

// WithFields returns an entry carrying structured context (job_id, step_id,
// worker, trace_id, ...) for a single log line.
func WithFields(fields Fields) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return log.WithFields(fields)
}

func Debugf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Errorf(format, args...)
}
