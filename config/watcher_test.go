package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/ordersaga/pkg/logger"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestNewWatcher(t *testing.T) {
	loader := NewLoader()

	t.Run("valid config path", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, watcher.ConfigPath())
		}
		if watcher.IsRunning() {
			t.Error("watcher should not run before Watch")
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher("", loader); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("with options", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		overrides := map[string]interface{}{"log.format": "text"}
		watcher, err := NewWatcher(configPath, loader,
			WithDebounce(100*time.Millisecond),
			WithOverrides(overrides),
			WithWatcherLogger(logger.NewNop()),
		)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		if watcher.debounce != 100*time.Millisecond {
			t.Errorf("expected debounce 100ms, got %v", watcher.debounce)
		}
		if watcher.overrides["log.format"] != "text" {
			t.Errorf("expected overrides to be kept, got %v", watcher.overrides)
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, loader)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		if err := watcher.Stop(); err != nil {
			t.Fatalf("first Stop failed: %v", err)
		}
		if err := watcher.Stop(); err != nil {
			t.Fatalf("second Stop failed: %v", err)
		}
	})
}

func TestWatcher_Watch(t *testing.T) {
	t.Run("detects file changes", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "log:\n  level: info\n")

		watcher, err := NewWatcher(configPath, NewLoader(),
			WithDebounce(50*time.Millisecond),
			WithWatcherLogger(logger.NewNop()),
		)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		received := make(chan *Config, 4)
		watcher.OnChange(func(cfg *Config) {
			received <- cfg
		})

		go func() {
			_ = watcher.Watch(ctx)
		}()
		waitRunning(t, watcher)

		writeConfig(t, configPath, "log:\n  level: debug\n")

		select {
		case cfg := <-received:
			if cfg.Log.Level != "debug" {
				t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
			}
		case <-ctx.Done():
			t.Fatal("expected callback after config change")
		}
	})

	t.Run("invalid reload keeps callbacks silent", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "log:\n  level: info\n")

		watcher, err := NewWatcher(configPath, NewLoader(),
			WithDebounce(20*time.Millisecond),
			WithWatcherLogger(logger.NewNop()),
		)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		calls := 0
		watcher.OnChange(func(*Config) {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		go func() {
			_ = watcher.Watch(ctx)
		}()
		waitRunning(t, watcher)

		writeConfig(t, configPath, "log:\n  level: verbose\n")
		time.Sleep(200 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if calls != 0 {
			t.Errorf("expected no callbacks for invalid config, got %d", calls)
		}
	})

	t.Run("stops on context cancel", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		watchErr := make(chan error, 1)
		go func() {
			watchErr <- watcher.Watch(ctx)
		}()
		waitRunning(t, watcher)
		cancel()

		select {
		case err := <-watchErr:
			if err != context.Canceled {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("watcher did not stop on context cancel")
		}
	})

	t.Run("prevents double watch", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "ordersaga.yaml")
		writeConfig(t, configPath, "app:\n  name: test\n")

		watcher, err := NewWatcher(configPath, NewLoader())
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer watcher.Stop()

		go func() {
			_ = watcher.Watch(context.Background())
		}()
		waitRunning(t, watcher)

		if err := watcher.Watch(context.Background()); err == nil {
			t.Error("expected error when starting double watch")
		}
	})
}

func waitRunning(t *testing.T, w *Watcher) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !w.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give fsnotify time to register the file after running flips.
	time.Sleep(50 * time.Millisecond)
}

func TestHotReloadableConfig(t *testing.T) {
	a := ExtractHotReloadable(DefaultConfig())
	cfg := DefaultConfig()
	if a.Changed(ExtractHotReloadable(cfg)) {
		t.Error("identical configs should not be reported as changed")
	}
	cfg.Log.Level = "debug"
	if !a.Changed(ExtractHotReloadable(cfg)) {
		t.Error("expected log level change to be detected")
	}
}

func TestLogLevelApplier(t *testing.T) {
	log := logger.New(&logger.Config{Level: logger.InfoLevel, Format: "json", Output: "discard"})
	apply := LogLevelApplier(log, DefaultConfig())

	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	apply(cfg)
	if log.GetLevel() != logger.DebugLevel {
		t.Errorf("expected debug level, got %v", log.GetLevel())
	}

	cfg = DefaultConfig()
	cfg.Log.Level = "error"
	apply(cfg)
	if log.GetLevel() != logger.ErrorLevel {
		t.Errorf("expected error level, got %v", log.GetLevel())
	}
}
