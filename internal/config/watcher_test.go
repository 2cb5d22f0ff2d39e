package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/pickupbot/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()

	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; notification
	// readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(cfgPath, []byte("voice:\n  mode: on\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if len(ev.Paths) != 1 || filepath.Base(ev.Paths[0]) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %v", ev.Paths)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("voice:\n  mode: on\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(200 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	cfgPath := filepath.Join(homeDir, "config.yaml")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgPath, []byte("voice:\n  mode: off\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(homeDir, ".env"), []byte("PICKUPBOT_VOICE_MODE=off\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	var ev config.ReloadEvent
	select {
	case ev = <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if len(ev.Paths) != 2 || filepath.Base(ev.Paths[0]) != ".env" || filepath.Base(ev.Paths[1]) != "config.yaml" {
		t.Fatalf("expected one reload naming .env and config.yaml, got %v", ev.Paths)
	}
	select {
	case extra := <-w.Events():
		t.Fatalf("burst produced a second reload: %v", extra.Paths)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	w.SetDebounce(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %v", ev.Paths)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}
