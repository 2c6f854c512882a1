package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/tasksync/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true, Rotation{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("refresh finished", "view", "inbox", "fetched", 3)

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "runtime" {
		t.Fatalf("expected component=runtime, got %#v", entry["component"])
	}
	if entry["view"] != "inbox" || entry["trace_id"] != "-" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestNewLogger_CopiesContextIDs(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "info", true, Rotation{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()

	ctx := shared.WithScope(shared.WithCycleID(shared.WithTraceID(context.Background(), "trace-1"), "cycle-9"), "search")
	logger.With("component", "syncer").InfoContext(ctx, "fetch failed")

	entry := readLastEntry(t, home)
	if entry["trace_id"] != "trace-1" || entry["cycle_id"] != "cycle-9" || entry["scope"] != "search" {
		t.Fatalf("context ids missing: %#v", entry)
	}
}

func TestSink_SetLevel(t *testing.T) {
	home := t.TempDir()
	logger, sink, err := NewLogger(home, "info", true, Rotation{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer sink.Close()

	logger.Info("first")
	logger.Debug("hidden")
	if entry := readLastEntry(t, home); entry["msg"] != "first" {
		t.Fatalf("debug line leaked at info level: %#v", entry)
	}
	sink.SetLevel("debug")
	logger.Debug("shown")
	if entry := readLastEntry(t, home); entry["msg"] != "shown" {
		t.Fatalf("expected debug line after SetLevel, got %#v", entry)
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true, Rotation{MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("renewal",
		"primary_token", "abc123",
		"totp_passcode", "123456",
		"header", "Authorization: Bearer super-secret-token",
		"body", `{"token":"xyz"}`,
	)

	entry := readLastEntry(t, home)
	if entry["primary_token"] != "[REDACTED]" {
		t.Fatalf("expected primary_token redaction, got %#v", entry["primary_token"])
	}
	if entry["totp_passcode"] != "[REDACTED]" {
		t.Fatalf("expected totp redaction, got %#v", entry["totp_passcode"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("expected header redaction, got %#v", entry["header"])
	}
	if entry["body"] != `{"token":[REDACTED]}` {
		t.Fatalf("expected body redaction, got %#v", entry["body"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true, Rotation{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	entry := readLastEntry(t, home)
	if entry["msg"] != "kept" {
		t.Fatalf("expected only warn line, got %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
