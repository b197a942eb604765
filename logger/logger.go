// Package logger provides the logging interface used throughout raftlog.
// It mirrors the shape the commitlog package expects of its Logger field
// (Debugf/Infof/Warnf/Errorf plus a Silent toggle) and backs it with
// logrus.
package logger

import (
	"os"
	"time"

	"github.com/hako/durafmt"
	"github.com/sirupsen/logrus"
)

// Logger is the logging interface accepted by every Options struct in
// raftlog. Components never depend on logrus directly so tests can
// supply a silent or capturing implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Silent(silent bool)
}

type logger struct {
	entry  *logrus.Logger
	silent bool
}

// New creates a Logger writing to stderr at the given logrus level. A
// level of 0 defaults to logrus.InfoLevel.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.Out = os.Stderr
	if level == 0 {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &logger{entry: l}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.entry.Debugf(format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.entry.Infof(format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.entry.Warnf(format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	if l.silent {
		return
	}
	l.entry.Errorf(format, args...)
}

func (l *logger) Silent(silent bool) {
	l.silent = silent
}

// HumanDuration renders a duration the way log messages in raftlog report
// election timeouts, watchdog windows, and sync intervals, e.g. "250ms"
// becomes "250 milliseconds".
func HumanDuration(d time.Duration) string {
	return durafmt.Parse(d).String()
}
