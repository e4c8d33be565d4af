// Package log centralizes logrus construction so every fledger component
// gets a consistently configured logger, each node component calling
// logrus.New() through this one constructor rather than configuring its
// own.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a fresh *logrus.Logger with level parsed from the
// FLEDGER_LOG_LEVEL environment variable (defaulting to info). The
// component name is not attached to the returned logger's entries. Components hold their own logger rather than sharing a single
// global, the same per-struct `logger *logrus.Logger` field shape used
// throughout this codebase's long-lived components.
func New(component string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(os.Getenv("FLEDGER_LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if component != "" {
		l.SetReportCaller(false)
		l = l.WithField("component", component).Logger
	}
	return l
}
