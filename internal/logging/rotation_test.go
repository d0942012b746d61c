package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRotator(t *testing.T, cfg *RotationConfig) (*logRotator, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoforge.log")
	w, err := newRotatingWriter(path, cfg)
	if err != nil {
		t.Fatalf("newRotatingWriter failed: %v", err)
	}
	r := w.(*logRotator)
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func TestRotatorConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *RotationConfig
		wantError bool
	}{
		{"nil config uses defaults", nil, false},
		{"explicit limits", &RotationConfig{MaxSize: "10MB", MaxAge: "2w", MaxBackups: 2}, false},
		{"bad max_size", &RotationConfig{MaxSize: "lots"}, true},
		{"bad max_age", &RotationConfig{MaxAge: "forever"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "autoforge.log")
			w, err := newRotatingWriter(path, tt.cfg)
			if tt.wantError {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_ = w.(*logRotator).Close()
		})
	}
}

func TestRotatorAppends(t *testing.T) {
	r, path := newTestRotator(t, nil)

	for _, line := range []string{"first\n", "second\n"} {
		n, err := r.Write([]byte(line))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if n != len(line) {
			t.Errorf("wrote %d bytes, want %d", n, len(line))
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	if string(content) != "first\nsecond\n" {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestRotatorRollsAtLimit(t *testing.T) {
	r, path := newTestRotator(t, &RotationConfig{MaxSize: "100B", MaxAge: "1d", MaxBackups: 3})

	line := strings.Repeat("x", 60) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := r.Write([]byte(line)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	backups, err := filepath.Glob(strings.TrimSuffix(path, ".log") + "-*.log")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(backups) == 0 {
		t.Error("expected at least one rolled file")
	}

	// The live file holds only what came after the last roll.
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	if string(content) != line {
		t.Errorf("live file holds %d bytes, want %d", len(content), len(line))
	}
}

func TestRotatorPrunesBackups(t *testing.T) {
	r, path := newTestRotator(t, &RotationConfig{MaxSize: "50B", MaxAge: "1d", MaxBackups: 1})

	line := strings.Repeat("a", 40) + "\n"
	for i := 0; i < 5; i++ {
		if _, err := r.Write([]byte(line)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	backups, err := filepath.Glob(strings.TrimSuffix(path, ".log") + "-*.log")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(backups) > 1 {
		t.Errorf("expected at most 1 rolled file, found %d: %v", len(backups), backups)
	}
}

func TestRotatorReopensAfterClose(t *testing.T) {
	r, path := newTestRotator(t, nil)

	if _, err := r.Write([]byte("before\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := r.Write([]byte("after\n")); err != nil {
		t.Fatalf("Write after Close failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file failed: %v", err)
	}
	if string(content) != "before\nafter\n" {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestRotatorCreatesParentDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "log", "autoforge")
	w, err := newRotatingWriter(filepath.Join(dir, "autoforge.log"), nil)
	if err != nil {
		t.Fatalf("newRotatingWriter failed: %v", err)
	}
	defer func() { _ = w.(*logRotator).Close() }()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected parent directories to exist: %v", err)
	}
}

func TestInitWithRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoforge.log")

	err := Init(&Config{
		Level:  "info",
		Format: "json",
		Output: path,
		Rotation: &RotationConfig{
			MaxSize:    "1MB",
			MaxAge:     "2w",
			MaxBackups: 2,
		},
	})
	if err != nil {
		t.Fatalf("Init with rotation failed: %v", err)
	}
	t.Cleanup(Suppress)

	Info("rotation smoke test")

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
}
