// Package events appends sync lifecycle events to a size-rotated JSON
// lines file under the state directory.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxBytes is the size at which the log is rotated.
	DefaultMaxBytes = 5 * 1024 * 1024

	fileName    = "sync-events.jsonl"
	rotatedName = "sync-events.jsonl.1"
)

// Event names.
const (
	SessionEstablished = "session_established"
	SessionReady       = "session_ready"
	SessionNotReady    = "session_not_ready"
	SessionTeardown    = "session_teardown"
	PreflightFailed    = "preflight_failed"
	VMStoppedExternal  = "vm_stopped_externally"
)

// Event is one line of the log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	VM        string         `json:"vm"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
}

// Log writes events. The zero value is not usable; use New.
type Log struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
}

// New returns a log stored in dir. maxBytes <= 0 uses DefaultMaxBytes.
func New(dir string, maxBytes int64) *Log {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Log{dir: dir, maxBytes: maxBytes}
}

// Path returns the active log file.
func (l *Log) Path() string {
	return filepath.Join(l.dir, fileName)
}

// Emit appends one event. Failures are returned but callers treat the log
// as diagnostic only.
func (l *Log) Emit(vm, event, actor, reason string, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	if err := l.rotate(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	h := slog.NewJSONHandler(f, &slog.HandlerOptions{ReplaceAttr: rename})
	attrs := []any{"vm", vm, "actor", actor, "reason", reason}
	if len(details) > 0 {
		attrs = append(attrs, "details", details)
	}
	slog.New(h).LogAttrs(context.Background(), slog.LevelInfo, event, toAttrs(attrs)...)
	return nil
}

func toAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, slog.Any(kv[i].(string), kv[i+1]))
	}
	return attrs
}

// rename maps slog's built-in keys onto the event schema.
func rename(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.Time("timestamp", a.Value.Time().UTC())
	case slog.LevelKey:
		return slog.Attr{}
	case slog.MessageKey:
		a.Key = "event"
	}
	return a
}

func (l *Log) rotate() error {
	info, err := os.Stat(l.Path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if info.Size() < l.maxBytes {
		return nil
	}
	rotated := filepath.Join(l.dir, rotatedName)
	_ = os.Remove(rotated)
	if err := os.Rename(l.Path(), rotated); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	return nil
}

// Recent returns up to n most recent events for vm, oldest first. An empty
// vm matches all events.
func (l *Log) Recent(vm string, n int) ([]Event, error) {
	f, err := os.Open(l.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if vm != "" && ev.VM != vm {
			continue
		}
		out = append(out, ev)
		if len(out) > n {
			out = out[1:]
		}
	}
	return out, sc.Err()
}
