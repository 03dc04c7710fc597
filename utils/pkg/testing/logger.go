package fwtesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/flywheel/utils/pkg/logger"
)

// EnvLogLevel names the variable that raises test log output, e.g.
// FLYWHEEL_TEST_LOG_LEVEL=debug.
const EnvLogLevel = "FLYWHEEL_TEST_LOG_LEVEL"

// NewLogger returns the service logger writing to stderr. Tests are quiet by
// default: only errors are shown unless EnvLogLevel (or the legacy DEBUG=1/2)
// asks for more.
func NewLogger() *slog.Logger {
	return logger.NewWithWriter(os.Stderr, testLevel())
}

func testLevel() slog.Level {
	if v := os.Getenv(EnvLogLevel); v != "" {
		if level, err := logger.ParseLevel(v); err == nil {
			return level
		}
	}
	switch os.Getenv("DEBUG") {
	case "2":
		return slog.LevelDebug
	case "1":
		return slog.LevelInfo
	}
	return slog.LevelError
}
