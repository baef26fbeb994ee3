// Package logging configures the process-wide structured logger. It
// follows the slog wiring style of the example pack's CLI tooling: a
// text handler to stderr with a verbosity cutover controlled by a
// flag or an environment variable.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// EnvLevel is the environment variable that sets the default log
// level when the CLI's -v flag is not passed.
const EnvLevel = "STRATUM_LOG_LEVEL"

// Setup installs a text handler to stderr as the default logger.
// verbose forces debug level regardless of the environment.
func Setup(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if lv, ok := levelFromEnv(); ok {
		level = lv
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() (slog.Level, bool) {
	switch strings.ToUpper(os.Getenv(EnvLevel)) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
