package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSinkConfig describes an optional rotating log file.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RotatingFile returns a lumberjack writer for cfg, or nil when no path is set.
func RotatingFile(cfg FileSinkConfig) io.WriteCloser {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
}

// ParseLevel maps a textual level onto slog. Unknown values become info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a slog.Logger writing to stdout and any extra sinks.
func NewLogger(level string, json bool, sinks ...io.Writer) *slog.Logger {
	writers := []io.Writer{os.Stdout}
	for _, s := range sinks {
		if s != nil {
			writers = append(writers, s)
		}
	}
	var out io.Writer = os.Stdout
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}
	return newLogger(out, level, json)
}

func newLogger(out io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
