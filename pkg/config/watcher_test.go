package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxfn.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":8080\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- NewWatcher(path, zerolog.Nop()).Watch(ctx, func(cfg *Config) error {
			select {
			case reloaded <- cfg:
			default:
			}
			return nil
		})
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":7070\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.ListenAddr != ":7070" {
			t.Errorf("expected reloaded listen addr, got %q", cfg.Server.ListenAddr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestWatcher_InvalidReloadSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxfn.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":8080\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	called := make(chan struct{}, 1)
	go func() {
		_ = NewWatcher(path, zerolog.Nop()).Watch(ctx, func(cfg *Config) error {
			called <- struct{}{}
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	// An unparsable rewrite must not reach the reload callback.
	if err := os.WriteFile(path, []byte("server: [broken"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-called:
		t.Fatal("invalid configuration must not trigger a reload")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fluxfn.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":8080\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	called := make(chan struct{}, 1)
	go func() {
		_ = NewWatcher(path, zerolog.Nop()).Watch(ctx, func(cfg *Config) error {
			called <- struct{}{}
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	select {
	case <-called:
		t.Fatal("sibling file writes must not trigger a reload")
	case <-time.After(600 * time.Millisecond):
	}
}
