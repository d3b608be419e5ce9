package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Configure builds a zerolog logger from config values, writing to stderr.
func Configure(level, format string) zerolog.Logger {
	return zerolog.New(output(os.Stderr, format)).Level(parseLevel(level)).With().Timestamp().Logger()
}

// ConfigureWithFile is like Configure but also writes JSON records to
// <dir>/log_<timestamp>.log. The returned closer closes the file.
func ConfigureWithFile(level, format, dir, timestamp string) (zerolog.Logger, io.Closer, error) {
	if dir == "" {
		return Configure(level, format), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Configure(level, format), nil, fmt.Errorf("create log directory: %w", err)
	}
	path := filepath.Join(dir, "log_"+timestamp+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return Configure(level, format), nil, fmt.Errorf("open log file: %w", err)
	}
	multi := zerolog.MultiLevelWriter(output(os.Stderr, format), f)
	return zerolog.New(multi).Level(parseLevel(level)).With().Timestamp().Logger(), f, nil
}

func output(w io.Writer, format string) io.Writer {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if strings.EqualFold(format, "console") {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return w
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
