package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRotateBytes = 50 * 1024 * 1024
	defaultRetainFor   = 14 * 24 * time.Hour
	defaultKeepBackups = 5
)

// logRotator is an io.Writer that rolls its file over once it grows past
// a byte limit. Rolled files are kept next to the live one and pruned by
// count and by age.
type logRotator struct {
	path   string
	limit  int64
	retain time.Duration
	keep   int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(path string, cfg *RotationConfig) (io.Writer, error) {
	r := &logRotator{
		path:   path,
		limit:  defaultRotateBytes,
		retain: defaultRetainFor,
		keep:   defaultKeepBackups,
	}

	if cfg != nil {
		if cfg.MaxSize != "" {
			limit, err := parseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("invalid max_size: %w", err)
			}
			r.limit = limit
		}
		if cfg.MaxAge != "" {
			retain, err := parseDuration(cfg.MaxAge)
			if err != nil {
				return nil, fmt.Errorf("invalid max_age: %w", err)
			}
			r.retain = retain
		}
		if cfg.MaxBackups > 0 {
			r.keep = cfg.MaxBackups
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	r.prune()

	return r, nil
}

func (r *logRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.size+int64(len(p)) > r.limit {
		if err := r.roll(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *logRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *logRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	return nil
}

// roll renames the live file to a timestamped sibling and reopens a
// fresh one. Millisecond stamps keep back-to-back rolls from colliding.
func (r *logRotator) roll() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := os.Rename(r.path, r.backupName(time.Now())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}
	r.prune()
	return nil
}

func (r *logRotator) backupName(at time.Time) string {
	ext := filepath.Ext(r.path)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), at.Format("20060102T150405.000"), ext)
}

// prune drops rolled files past the retention window, then the oldest
// survivors until at most keep remain. The live file is never touched.
func (r *logRotator) prune() {
	ext := filepath.Ext(r.path)
	matches, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext)
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup

	cutoff := time.Now().Add(-r.retain)
	for _, path := range matches {
		if path == r.path {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			continue
		}
		backups = append(backups, backup{path: path, mod: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].mod.After(backups[j].mod)
	})
	for _, b := range backups[min(r.keep, len(backups)):] {
		_ = os.Remove(b.path)
	}
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseSize converts a human size like "50MB" to bytes. A bare number
// is taken as bytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))

	var factor int64 = 1
	for _, unit := range sizeUnits {
		if strings.HasSuffix(s, unit.suffix) {
			factor = unit.factor
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * factor, nil
}

// parseDuration accepts "d" (days) and "w" (weeks) on top of the
// standard Go duration units.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	var perUnit time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		perUnit = 24 * time.Hour
	case strings.HasSuffix(s, "w"):
		perUnit = 7 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * perUnit, nil
}
