// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"hls-proxy-go/internal/config"
)

// New returns a logger configured from cfg.Log. Output goes to stdout unless
// log.file is set, in which case it is written through a rotating file.
func New(cfg *config.Config) *slog.Logger {
	return slog.New(newHandler(output(cfg.Log), cfg.Log))
}

func newHandler(w io.Writer, lc config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}

	switch strings.ToLower(lc.Format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func output(lc config.LogConfig) io.Writer {
	if lc.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   lc.File,
		MaxSize:    lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		LocalTime:  true,
	}
}
