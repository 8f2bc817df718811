package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds a JSON logger on stdout. With a log file it also appends JSON
// records there; the returned cleanup closes the file.
func Setup(level, logFile string) (*slog.Logger, func() error) {
	lvl := ParseLevel(level)
	if logFile == "" {
		return New(os.Stdout, nil, lvl), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := New(os.Stdout, nil, lvl)
		logger.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	return New(os.Stdout, file, lvl), file.Close
}

// New writes JSON records to out and, when file is not nil, to file as well.
func New(out, file io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	stdout := slog.NewJSONHandler(out, opts)
	if file == nil {
		return slog.New(stdout)
	}
	return slog.New(slogmulti.Fanout(stdout, slog.NewJSONHandler(file, opts)))
}
