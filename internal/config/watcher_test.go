package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/config"
)

func startWatcher(t *testing.T, homeDir string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

// nextReload rewrites the file until the watcher reports a reload.
func nextReload(t *testing.T, w *config.Watcher, path, body string) config.ReloadEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	rewrite := time.NewTicker(400 * time.Millisecond)
	defer rewrite.Stop()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	for {
		select {
		case ev := <-w.Events():
			return ev
		case <-rewrite.C:
			_ = os.WriteFile(path, []byte(body), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestWatcher_ReloadsConfig(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("server_url: https://a.example.com\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	w := startWatcher(t, homeDir)

	ev := nextReload(t, w, cfgPath, "server_url: https://b.example.com\nrefresh_schedule: \"0 * * * *\"\n")
	if ev.Err != nil {
		t.Fatalf("reload error: %v", ev.Err)
	}
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %s", ev.Path)
	}
	if ev.Config.ServerURL != "https://b.example.com" || ev.Config.RefreshSchedule != "0 * * * *" {
		t.Fatalf("unexpected reloaded config: %+v", ev.Config)
	}
}

func TestWatcher_ReportsInvalidConfig(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	ev := nextReload(t, w, config.ConfigPath(homeDir), "refresh_schedule: \"every so often\"\n")
	if ev.Err == nil {
		t.Fatal("expected a validation error for a bad schedule")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	if err := os.WriteFile(filepath.Join(homeDir, "tasksync.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(400 * time.Millisecond):
	}
}
