// Package riftlog provides the process-wide structured logger and the
// access-log entry used by imposters and the fault proxy.
package riftlog

import (
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLevel parses and applies a level name such as "debug" or "warn".
// An unrecognized name falls back to info, matching the teacher's
// lenient flag handling elsewhere in the config package.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// UseJSON switches the formatter between the default text formatter
// and JSON, for deployments that ship logs to a structured collector.
func UseJSON(enabled bool) {
	if enabled {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Log returns the shared logger so packages can attach fields.
func Log() *logrus.Logger { return log }

// AccessEntry is one line of the per-request access log.
type AccessEntry struct {
	Port     int
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	Kind     string // "is", "proxy", "inject", "fault", "default", "unknown", "no-match"
}

// Access writes one structured access-log line.
func Access(e AccessEntry) {
	log.WithFields(logrus.Fields{
		"port":        e.Port,
		"method":      e.Method,
		"path":        e.Path,
		"status":      e.Status,
		"duration_ms": float64(e.Duration) / float64(time.Millisecond),
		"kind":        e.Kind,
	}).Info("request")
}

// Fatal logs a fatal startup error and exits the process with status 1,
// matching cmd/skipper's behavior on bind failure.
func Fatal(args ...interface{}) {
	log.Fatal(args...)
}
