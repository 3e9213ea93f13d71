package lockmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/clawbox/internal/fslock"
	"github.com/javanstorm/clawbox/internal/metrics"
)

// LivenessOracle answers whether a VM is currently running. An error means
// the answer is unknown.
type LivenessOracle interface {
	IsRunning(ctx context.Context, vmID string) (bool, error)
}

// Config holds configuration for the lock manager.
type Config struct {
	// Dir is the lock registry directory.
	Dir string

	// Host is recorded as owner_host. Defaults to os.Hostname.
	Host string

	// Oracle decides whether a foreign owner is still running.
	Oracle LivenessOracle

	// Timeout bounds how long an operation waits for the registry flock.
	Timeout time.Duration

	Logger *slog.Logger
}

// Manager acquires and releases resource locks.
type Manager struct {
	cfg Config
	now func() time.Time
}

// NewManager creates a lock manager.
func NewManager(cfg Config) *Manager {
	if cfg.Host == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		cfg.Host = h
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cfg: cfg, now: time.Now}
}

// Dir returns the registry directory.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

func (m *Manager) recordPath(key string) string {
	return filepath.Join(m.cfg.Dir, key+".json")
}

func (m *Manager) flockPath(key string) string {
	return filepath.Join(m.cfg.Dir, key+".lock")
}

func (m *Manager) lockKey(ctx context.Context, key string) (*fslock.Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	l, err := fslock.Acquire(ctx, m.flockPath(key))
	if err != nil {
		return nil, fmt.Errorf("lock registry entry %s: %w", key[:12], err)
	}
	return l, nil
}

// Acquire attaches path to vmID under role.
//
// A lock already held by vmID is refreshed. A lock held by another VM is
// reclaimed only when the oracle reports that VM as not running; if the
// oracle cannot answer the acquire fails and the record is left alone.
// On success any other lock vmID holds for the same role is dropped.
func (m *Manager) Acquire(ctx context.Context, path, vmID string, role Role) (Token, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return Token{}, err
	}
	key := Key(canonical)

	tok, err := m.acquireKey(ctx, key, canonical, vmID, role)
	outcome := "acquired"
	switch {
	case err != nil && IsBusy(err):
		outcome = "busy"
	case err != nil:
		outcome = "error"
	case tok.Reacquired:
		outcome = "reacquired"
	case tok.Reclaimed:
		outcome = "reclaimed"
	}
	metrics.LockAcquireTotal.WithLabelValues(role.Name, outcome).Inc()
	if err != nil {
		return Token{}, err
	}

	if err := m.pruneRole(ctx, vmID, role, key); err != nil {
		m.cfg.Logger.Warn("prune stale role locks", "vm", vmID, "role", role.Name, "error", err)
	}
	return tok, nil
}

func (m *Manager) acquireKey(ctx context.Context, key, canonical, vmID string, role Role) (Token, error) {
	l, err := m.lockKey(ctx, key)
	if err != nil {
		return Token{}, err
	}
	defer l.Release()

	existing, err := m.read(key)
	if err != nil {
		m.cfg.Logger.Warn("unreadable lock record, reclaiming", "path", canonical, "error", err)
		existing = nil
	}

	now := m.now().UTC()
	tok := Token{}

	switch {
	case existing == nil:
		tok.Record = Record{
			Key:        key,
			Role:       role.Name,
			OwnerVM:    vmID,
			OwnerHost:  m.cfg.Host,
			Path:       canonical,
			Token:      uuid.NewString(),
			AcquiredAt: now,
			UpdatedAt:  now,
		}

	case existing.OwnerVM == vmID:
		tok.Record = *existing
		tok.Record.Role = role.Name
		tok.Record.OwnerHost = m.cfg.Host
		tok.Record.UpdatedAt = now
		tok.Reacquired = true

	default:
		running, err := m.cfg.Oracle.IsRunning(ctx, existing.OwnerVM)
		if err != nil {
			return Token{}, fmt.Errorf("check whether owner VM '%s' of %s is running: %w", existing.OwnerVM, canonical, err)
		}
		if running {
			return Token{}, &BusyError{
				Role:      role,
				Path:      existing.Path,
				OwnerVM:   existing.OwnerVM,
				OwnerHost: existing.OwnerHost,
			}
		}
		m.cfg.Logger.Info("reclaiming stale lock", "path", canonical, "previous_owner", existing.OwnerVM, "vm", vmID)
		tok.Record = Record{
			Key:        key,
			Role:       role.Name,
			OwnerVM:    vmID,
			OwnerHost:  m.cfg.Host,
			Path:       canonical,
			Token:      uuid.NewString(),
			AcquiredAt: now,
			UpdatedAt:  now,
		}
		tok.Reclaimed = true
		tok.PreviousOwner = existing.OwnerVM
	}

	if err := m.write(tok.Record); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Release drops vmID's lock on path. Releasing an unlocked path is a no-op;
// releasing another VM's lock returns ErrNotOwner.
func (m *Manager) Release(ctx context.Context, path, vmID string) error {
	canonical, err := Canonicalize(path)
	if err != nil {
		return err
	}
	return m.releaseKey(ctx, Key(canonical), vmID)
}

func (m *Manager) releaseKey(ctx context.Context, key, vmID string) error {
	l, err := m.lockKey(ctx, key)
	if err != nil {
		return err
	}
	defer l.Release()

	rec, err := m.read(key)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.OwnerVM != vmID {
		return fmt.Errorf("%w: %s is held by '%s'", ErrNotOwner, rec.Path, rec.OwnerVM)
	}

	if err := os.Remove(m.recordPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock record: %w", err)
	}
	metrics.LockReleaseTotal.WithLabelValues(rec.Role).Inc()
	return nil
}

// ReleaseAll drops every lock owned by vmID and returns how many were removed.
func (m *Manager) ReleaseAll(ctx context.Context, vmID string) (int, error) {
	records, err := m.List()
	if err != nil {
		return 0, err
	}

	var errs []error
	n := 0
	for _, rec := range records {
		if rec.OwnerVM != vmID {
			continue
		}
		if err := m.releaseKey(ctx, rec.Key, vmID); err != nil {
			if errors.Is(err, ErrNotOwner) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// IsLocked returns the record holding path, or nil when it is free.
func (m *Manager) IsLocked(path string) (*Record, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}
	return m.read(Key(canonical))
}

// LockedPath returns the path vmID holds for role, or "" if none.
func (m *Manager) LockedPath(vmID string, role Role) (string, error) {
	records, err := m.List()
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.OwnerVM == vmID && rec.Role == role.Name {
			return rec.Path, nil
		}
	}
	return "", nil
}

// List returns all lock records sorted by path.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock dir: %w", err)
	}

	var records []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := m.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			m.cfg.Logger.Warn("skipping unreadable lock record", "file", name, "error", err)
			continue
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return records, nil
}

func (m *Manager) pruneRole(ctx context.Context, vmID string, role Role, keep string) error {
	records, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range records {
		if rec.OwnerVM != vmID || rec.Role != role.Name || rec.Key == keep {
			continue
		}
		if err := m.releaseKey(ctx, rec.Key, vmID); err != nil && !errors.Is(err, ErrNotOwner) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) read(key string) (*Record, error) {
	data, err := os.ReadFile(m.recordPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock record: %w", err)
	}
	if rec.OwnerVM == "" {
		return nil, fmt.Errorf("lock record %s has no owner", key[:12])
	}
	return &rec, nil
}

func (m *Manager) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	if err := fslock.WriteFileAtomic(m.recordPath(rec.Key), data, 0644); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	return nil
}
