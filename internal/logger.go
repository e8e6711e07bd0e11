package internal

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

var (
	// defaultLoggerImpl is a zerolog instance with console writer
	defaultLoggerImpl = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		color, _ := strconv.ParseBool(os.Getenv("DEBUG_COLORS"))
		w.NoColor = !color
		w.TimeFormat = "2006-01-02 15:04:05.999"
	})).With().Timestamp().Caller().Logger()

	defaultLoggerLevel atomic.Int32

	// NewLogger creates a scoped logger. Scopes matching a glob in the DEBUG
	// environment variable (comma separated, "-" prefix excludes) log at
	// debug level, everything else at the configured default level.
	NewLogger = func(scope string) logr.Logger {
		level := zerolog.Level(defaultLoggerLevel.Load())
		if debugEnabled(scope, os.Getenv("DEBUG")) {
			level = zerolog.DebugLevel
		}

		logger := defaultLoggerImpl.Level(level)

		return zerologr.New(&logger).WithName(scope)
	}
)

func init() {
	defaultLoggerLevel.Store(int32(zerolog.InfoLevel))
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.999Z07:00"
	zerologr.VerbosityFieldName = ""
}

// SetLogLevel changes the level used by loggers created afterwards.
// Unknown names leave the level unchanged.
func SetLogLevel(name string) bool {
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return false
	}
	defaultLoggerLevel.Store(int32(level))
	return true
}

func debugEnabled(scope, debug string) bool {
	shouldDebug := false
	for _, part := range strings.Split(debug, ",") {
		part = strings.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		shouldMatch := true
		if part[0] == '-' {
			shouldMatch = false
			part = part[1:]
		}
		if g, err := glob.Compile(part); err == nil && g.Match(scope) {
			shouldDebug = shouldMatch
		}
	}
	return shouldDebug
}
