// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"", LevelInfo, false},
		{" info ", LevelInfo, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "testsvc", Quiet: true})

	logger.Info("hello", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "testsvc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}

	content := string(data)
	for _, want := range []string{`"msg":"hello"`, `"key":"value"`, `"service":"testsvc"`} {
		if !strings.Contains(content, want) {
			t.Errorf("log file missing %s:\n%s", want, content)
		}
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelWarn, LogDir: dir, Service: "filter", Quiet: true})

	logger.Debug("drop me")
	logger.Info("drop me too")
	logger.Warn("keep me")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "filter_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if strings.Contains(string(data), "drop me") {
		t.Errorf("filtered levels leaked into output:\n%s", data)
	}
	if !strings.Contains(string(data), "keep me") {
		t.Errorf("warn entry missing:\n%s", data)
	}
}

func TestLogger_With(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "child", Quiet: true})
	child := logger.With("component", "engine")

	child.Info("scoped")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "child_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(data), `"component":"engine"`) {
		t.Errorf("child attribute missing:\n%s", data)
	}
}

func TestLogger_Close_NoFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Service: "conc", Quiet: true})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent", "goroutine", n, "iter", j)
			}
		}(i)
	}
	wg.Wait()
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()
	if logger.Slog() == nil {
		t.Fatal("Default() returned logger without slog")
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FanOut(t *testing.T) {
	var mu sync.Mutex
	var got []string

	mk := func(tag string) slog.Handler {
		return slog.NewTextHandler(writerFunc(func(p []byte) (int, error) {
			mu.Lock()
			got = append(got, tag)
			mu.Unlock()
			return len(p), nil
		}), nil)
	}

	h := &multiHandler{handlers: []slog.Handler{mk("a"), mk("b")}}
	logger := slog.New(h)
	logger.Info("fan out")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 handler writes, got %d (%v)", len(got), got)
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	warn := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := &multiHandler{handlers: []slog.Handler{warn}}

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Enabled(debug) = true, want false")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Enabled(error) = false, want true")
	}
}

// writerFunc adapts a function to io.Writer for handler tests.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"~", home},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
