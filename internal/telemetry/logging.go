package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/basket/tasksync/internal/shared"
)

// LogFileName is the rotated JSON log written under <home>/logs.
const LogFileName = "tasksync.jsonl"

// Rotation bounds the on-disk log. Zero values fall back to lumberjack defaults.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Sink owns the log file and the level shared by every derived logger.
type Sink struct {
	file  *lumberjack.Logger
	level *slog.LevelVar
}

func (s *Sink) Close() error { return s.file.Close() }

// SetLevel changes the level of every logger built on this sink.
func (s *Sink) SetLevel(level string) { s.level.Set(parseLevel(level)) }

// NewLogger returns a JSON logger writing to <home>/logs/tasksync.jsonl and,
// unless quiet, to stdout. Records logged with a context carry its trace_id,
// cycle_id and scope.
func NewLogger(homeDir, level string, quiet bool, rot Rotation) (*slog.Logger, *Sink, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	sink := &Sink{
		file: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, LogFileName),
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
		},
		level: new(slog.LevelVar),
	}
	sink.SetLevel(level)

	var w io.Writer = sink.file
	if !quiet {
		w = io.MultiWriter(os.Stdout, sink.file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       sink.level,
		ReplaceAttr: replaceAttr,
	})
	logger := slog.New(contextHandler{handler}).With("component", "runtime")
	return logger, sink, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// contextHandler copies correlation ids from the record's context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if id := shared.CycleID(ctx); id != "" {
		r.AddAttrs(slog.String("cycle_id", id))
	}
	if scope := shared.Scope(ctx); scope != "" {
		r.AddAttrs(slog.String("scope", scope))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "totp"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
