package internal

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pion/logging"
)

// pionLoggerFactory routes pion's scoped loggers into logr. Trace and
// debug land on V(2) and V(1).
type pionLoggerFactory struct {
	base logr.Logger
}

// NewPionLoggerFactory returns a pion LoggerFactory writing to base.
func NewPionLoggerFactory(base logr.Logger) logging.LoggerFactory {
	return pionLoggerFactory{base: base}
}

func (f pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{l: f.base.WithName(scope)}
}

type pionLogger struct {
	l logr.Logger
}

func (p pionLogger) Trace(msg string) { p.l.V(2).Info(msg) }
func (p pionLogger) Tracef(format string, args ...interface{}) {
	p.l.V(2).Info(fmt.Sprintf(format, args...))
}

func (p pionLogger) Debug(msg string) { p.l.V(1).Info(msg) }
func (p pionLogger) Debugf(format string, args ...interface{}) {
	p.l.V(1).Info(fmt.Sprintf(format, args...))
}

func (p pionLogger) Info(msg string) { p.l.Info(msg) }
func (p pionLogger) Infof(format string, args ...interface{}) {
	p.l.Info(fmt.Sprintf(format, args...))
}

func (p pionLogger) Warn(msg string) { p.l.Info(msg, "level", "warn") }
func (p pionLogger) Warnf(format string, args ...interface{}) {
	p.l.Info(fmt.Sprintf(format, args...), "level", "warn")
}

func (p pionLogger) Error(msg string) { p.l.Error(nil, msg) }
func (p pionLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(nil, fmt.Sprintf(format, args...))
}
