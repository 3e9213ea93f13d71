// Package syncd is the guest-side sync daemon. It periodically mirrors the
// guest-local working copy of a payload back onto the host-shared mount.
package syncd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/metrics"
)

// ErrFailureThreshold is returned when pushes fail too many times in a row.
var ErrFailureThreshold = errors.New("consecutive push failures reached threshold")

// Defaults.
const (
	DefaultInterval         = 5 * time.Second
	DefaultFailureThreshold = 5
	DefaultGrace            = 10 * time.Second
)

// Config holds configuration for the daemon.
type Config struct {
	// LocalDir is the guest-local working copy. A leading "~/" is expanded.
	LocalDir string

	// MountDir is the host-shared payload mount.
	MountDir string

	// MarkerName is the host marker file at MountDir's root. Pushes only
	// happen while it is visible, and it is never replaced or deleted.
	MarkerName string

	// SessionID is echoed in the status file so the host can tell this
	// daemon instance apart from an older one.
	SessionID string

	Interval         time.Duration
	FailureThreshold int

	// Grace bounds the final push on shutdown.
	Grace time.Duration

	// StatusFile receives a Status after every tick. A leading "~/" is
	// expanded. Empty disables status reporting.
	StatusFile string

	Logger *slog.Logger
	Pusher Pusher

	// Tick overrides the interval ticker. Tests use it.
	Tick <-chan time.Time
}

// Daemon runs the push loop.
type Daemon struct {
	cfg    Config
	status Status
	now    func() time.Time
}

// New validates cfg and returns a daemon.
func New(cfg Config) (*Daemon, error) {
	var err error
	if cfg.LocalDir, err = ExpandHome(cfg.LocalDir); err != nil {
		return nil, err
	}
	if cfg.StatusFile, err = ExpandHome(cfg.StatusFile); err != nil {
		return nil, err
	}
	if cfg.LocalDir == "" || cfg.MountDir == "" {
		return nil, fmt.Errorf("local and mount directories are required")
	}
	if cfg.MarkerName == "" || strings.ContainsRune(cfg.MarkerName, '/') {
		return nil, fmt.Errorf("invalid marker name %q", cfg.MarkerName)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Pusher == nil {
		cfg.Pusher = MirrorPusher{Keep: cfg.MarkerName}
	}
	return &Daemon{cfg: cfg, now: time.Now}, nil
}

// Status returns a copy of the last reported status.
func (d *Daemon) Status() Status {
	return d.status
}

// Run pushes once immediately and then every interval until ctx is
// cancelled, at which point it makes exactly one final push bounded by the
// grace period and returns nil. It returns ErrFailureThreshold without a
// final push when pushes keep failing.
func (d *Daemon) Run(ctx context.Context) error {
	d.status = Status{
		SessionID: d.cfg.SessionID,
		PID:       os.Getpid(),
		StartedAt: d.now().UTC(),
	}
	d.cfg.Logger.Info("sync daemon started",
		"local", d.cfg.LocalDir, "mount", d.cfg.MountDir,
		"interval", d.cfg.Interval, "threshold", d.cfg.FailureThreshold)

	tick := d.cfg.Tick
	if tick == nil {
		t := time.NewTicker(d.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	if err := d.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-tick:
			if ctx.Err() != nil {
				return d.shutdown()
			}
			if err := d.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) tick(ctx context.Context) error {
	d.status.Ticks++
	d.status.HeartbeatAt = d.now().UTC()
	d.status.MarkerVisible = d.markerVisible()

	if !d.status.MarkerVisible {
		metrics.SyncPushTotal.WithLabelValues("skipped").Inc()
		d.cfg.Logger.Debug("marker not visible, skipping push", "mount", d.cfg.MountDir)
		d.report()
		return nil
	}

	err := d.cfg.Pusher.Push(ctx, d.cfg.LocalDir, d.cfg.MountDir)
	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown; the final push covers it.
		d.report()
		return nil
	}
	d.record(err)
	d.report()

	if d.status.ConsecutiveFailures >= d.cfg.FailureThreshold {
		d.cfg.Logger.Error("giving up after consecutive push failures",
			"failures", d.status.ConsecutiveFailures, "last_error", d.status.LastError)
		return fmt.Errorf("%w (%d): %s", ErrFailureThreshold, d.status.ConsecutiveFailures, d.status.LastError)
	}
	return nil
}

func (d *Daemon) record(err error) {
	if err != nil {
		d.status.ConsecutiveFailures++
		d.status.LastError = err.Error()
		metrics.SyncPushTotal.WithLabelValues("failed").Inc()
		metrics.SyncConsecutiveFailures.Set(float64(d.status.ConsecutiveFailures))
		d.cfg.Logger.Warn("push failed", "error", err, "consecutive_failures", d.status.ConsecutiveFailures)
		return
	}
	d.status.ConsecutiveFailures = 0
	d.status.LastError = ""
	d.status.LastSyncAt = d.now().UTC()
	metrics.SyncPushTotal.WithLabelValues("ok").Inc()
	metrics.SyncConsecutiveFailures.Set(0)
	metrics.SyncLastSuccess.Set(float64(d.status.LastSyncAt.Unix()))
}

func (d *Daemon) shutdown() error {
	d.status.Stopping = true
	if !d.markerVisible() {
		d.cfg.Logger.Info("sync daemon stopping, marker not visible, skipping final push")
		d.report()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Grace)
	defer cancel()
	err := d.cfg.Pusher.Push(ctx, d.cfg.LocalDir, d.cfg.MountDir)
	d.record(err)
	d.report()
	if err != nil {
		d.cfg.Logger.Warn("final push failed", "error", err)
	} else {
		d.cfg.Logger.Info("sync daemon stopped after final push")
	}
	return nil
}

func (d *Daemon) markerVisible() bool {
	_, err := os.Stat(filepath.Join(d.cfg.MountDir, d.cfg.MarkerName))
	return err == nil
}

func (d *Daemon) report() {
	if d.cfg.StatusFile == "" {
		return
	}
	s := d.status
	if err := WriteStatus(d.cfg.StatusFile, &s); err != nil {
		d.cfg.Logger.Warn("write status file", "error", err)
	}
}

// ExpandHome expands a leading "~/" using the current user's home.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
