// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// touch rewrites path and pushes its mtime forward so coarse filesystem
// clocks still register a change.
func touch(t *testing.T, path, content string, offset time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	mod := time.Now().Add(offset)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcherDetectsChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, configPath, "routing:\n  triage_target: desk_a\n")

	watcher, err := NewWatcher(configPath, WithWatchInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if got := watcher.Config().Routing.TriageTarget; got != "desk_a" {
		t.Fatalf("expected desk_a, got %q", got)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	touch(t, configPath, "routing:\n  triage_target: desk_b\n", 2*time.Second)

	select {
	case cfg := <-changes:
		if cfg.Routing.TriageTarget != "desk_b" {
			t.Errorf("expected desk_b, got %q", cfg.Routing.TriageTarget)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config change notification")
	}
	if watcher.Config().Routing.TriageTarget != "desk_b" {
		t.Errorf("watcher did not keep the reloaded config")
	}
}

func TestWatcherProfileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	dev := filepath.Join(dir, "config.dev.yaml")
	writeFile(t, base, "log:\n  level: info\n")
	writeFile(t, dev, "log:\n  level: debug\n")

	watcher, err := NewWatcher(base,
		WithWatchProfile("dev"),
		WithWatchOverrides([]string{"--set", "llm.model=pinned"}),
		WithWatchInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if watcher.Config().Log.Level != "debug" {
		t.Fatalf("expected profile overlay, got %s", watcher.Config().Log.Level)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		select {
		case changes <- cfg:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	touch(t, dev, "log:\n  level: warn\n", 2*time.Second)

	select {
	case cfg := <-changes:
		if cfg.Log.Level != "warn" {
			t.Errorf("expected warn, got %s", cfg.Log.Level)
		}
		if cfg.LLM.Model != "pinned" {
			t.Errorf("override lost on reload: %s", cfg.LLM.Model)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for overlay change")
	}
}

func TestWatcherStops(t *testing.T) {
	watcher, err := NewWatcher("", WithWatchInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestReloadableConfig(t *testing.T) {
	first, _ := Load("")
	r := NewReloadableConfig(first)
	if r.Routing().ClassifyTimeoutSeconds != 5 {
		t.Fatalf("unexpected classify timeout %d", r.Routing().ClassifyTimeoutSeconds)
	}

	second, _ := LoadWithCLI([]string{"--set", "guardrails.pii_mode=hash", "--set", "log.level=debug"})
	r.Update(second)
	if r.Guardrails().PIIMode != "hash" {
		t.Errorf("expected hash, got %s", r.Guardrails().PIIMode)
	}
	if r.Log().Level != "debug" {
		t.Errorf("expected debug, got %s", r.Log().Level)
	}
	if r.Get() != second {
		t.Errorf("Get should return the latest config")
	}
}
