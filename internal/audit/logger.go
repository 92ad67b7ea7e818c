// Package audit keeps a per-session trail of tool calls.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const maxMemoryEntries = 1000

// Logger appends entries to <dir>/audit/<session>.jsonl and keeps the most
// recent ones in memory.
type Logger struct {
	dir          string
	sessionID    string
	maxResultLen int
	retention    time.Duration

	mu      sync.Mutex
	entries []*Entry
	file    *os.File
}

// Config holds audit logger configuration.
type Config struct {
	MaxResultLen  int
	RetentionDays int
}

// NewLogger opens the session's audit file for appending.
func NewLogger(configDir, sessionID string, cfg Config) (*Logger, error) {
	dir := filepath.Join(configDir, "audit")
	// 0700: arguments and results may be sensitive
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Logger{
		dir:          dir,
		sessionID:    sessionID,
		maxResultLen: cfg.MaxResultLen,
		retention:    time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}

	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	l.file = f
	return l, nil
}

// Path returns the session's audit file.
func (l *Logger) Path() string {
	return filepath.Join(l.dir, l.sessionID+".jsonl")
}

// Log sanitizes entry and appends it.
func (l *Logger) Log(entry *Entry) error {
	if entry == nil {
		return nil
	}
	entry.SessionID = l.sessionID
	entry.Args = SanitizeArgs(entry.Args)
	entry.Result = TruncateResult(RedactSecrets(entry.Result), l.maxResultLen)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > maxMemoryEntries {
		l.entries = l.entries[len(l.entries)-maxMemoryEntries:]
	}

	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (l *Logger) Recent(n int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]*Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Query returns matching in-memory entries, oldest first.
func (l *Logger) Query(filter QueryFilter) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Entry
	for _, e := range l.entries {
		if !e.Matches(filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// CleanupOldFiles removes other sessions' audit files older than the
// retention period.
func (l *Logger) CleanupOldFiles() (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-l.retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || name == l.sessionID+".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Close closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
