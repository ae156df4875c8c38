package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// startWatcher runs Watch in the background and blocks briefly so the
// fsnotify registration is in place before the test rewrites the file.
func startWatcher(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Watch returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Watch did not return after cancel")
		}
	})
	time.Sleep(100 * time.Millisecond)
}

func TestWatchReloadsChangedConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "logging:\n  level: info\nsink:\n  driver: memory\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan *Config, 4)
	m.SetOnChange(func(cfg *Config) { reloaded <- cfg })
	startWatcher(t, m)

	writeConfigFile(t, path, "logging:\n  level: debug\nsink:\n  driver: memory\n")

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("reloaded level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("changed config never reloaded")
	}
	if got := m.Get(); got == nil || got.Logging.Level != "debug" {
		t.Fatalf("Get() did not commit the reloaded config: %+v", got)
	}
}

func TestWatchKeepsPreviousConfigOnParseFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfigFile(t, path, "logging:\n  level: info\nsink:\n  driver: memory\n")

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan *Config, 4)
	m.SetOnChange(func(cfg *Config) { reloaded <- cfg })
	startWatcher(t, m)

	// An unknown key fails the strict decode; the committed config must
	// survive and nothing may be delivered.
	writeConfigFile(t, path, "logging:\n  levle: debug\n")
	select {
	case cfg := <-reloaded:
		t.Fatalf("malformed config was committed: %+v", cfg)
	case <-time.After(600 * time.Millisecond): // past the reload debounce
	}
	if got := m.Get(); got == nil || got.Logging.Level != "info" {
		t.Fatalf("Get() = %+v, want the pre-failure config", got)
	}

	// The watcher is still alive: a valid rewrite goes through.
	writeConfigFile(t, path, "logging:\n  level: warn\nsink:\n  driver: memory\n")
	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("valid config after a failed parse never reloaded")
	}
}

func TestWatchSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	const body = "logging:\n  level: info\nsink:\n  driver: memory\n"
	writeConfigFile(t, path, body)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan *Config, 4)
	m.SetOnChange(func(cfg *Config) { reloaded <- cfg })
	startWatcher(t, m)

	// Rewriting identical content fires fsnotify but must not re-deliver.
	writeConfigFile(t, path, body)
	select {
	case <-reloaded:
		t.Fatal("unchanged config was re-delivered")
	case <-time.After(600 * time.Millisecond):
	}
}
