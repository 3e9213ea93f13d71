package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/clawbox/internal/events"
	"github.com/javanstorm/clawbox/internal/guest"
	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/retry"
	"github.com/javanstorm/clawbox/internal/syncd"
)

// Actor recorded on events emitted by the coordinator.
const Actor = "clawbox"

const statusDelimiter = "clawbox-status"

// ShellProvider opens a shell to a running VM.
type ShellProvider interface {
	ShellFor(ctx context.Context, vm string) (guest.Shell, error)
}

// KeySource supplies the public key installed in the guest before seeding.
type KeySource interface {
	AuthorizedKey(vm string) (string, error)
}

// Config holds configuration for the coordinator.
type Config struct {
	// Dir holds persisted sessions.
	Dir string

	SharedRoot     string
	MarkerFilename string

	// DaemonBinary is the guest path of clawbox-syncd.
	DaemonBinary     string
	Interval         time.Duration
	FailureThreshold int
	Grace            time.Duration

	PollInterval   time.Duration
	CommandTimeout time.Duration

	Events *events.Log
	Keys   KeySource
	Logger *slog.Logger
}

// Coordinator drives payload sync sessions.
type Coordinator struct {
	cfg    Config
	shells ShellProvider
	store  *Store
	now    func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config, shells ShellProvider) *Coordinator {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = syncd.DefaultInterval
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = syncd.DefaultFailureThreshold
	}
	if cfg.Grace == 0 {
		cfg.Grace = syncd.DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Coordinator{cfg: cfg, shells: shells, store: NewStore(cfg.Dir), now: time.Now}
}

// Store returns the session store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// MarkerPath returns the guest path of b's marker.
func (c *Coordinator) MarkerPath(b Binding) string {
	return path.Join(GuestMount(c.cfg.SharedRoot, b.Tag), c.cfg.MarkerFilename)
}

// WriteMarker writes the readiness marker into a host payload directory.
func (c *Coordinator) WriteMarker(hostPath, vm string) error {
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return fmt.Errorf("create payload dir: %w", err)
	}
	p := filepath.Join(hostPath, c.cfg.MarkerFilename)
	if err := os.WriteFile(p, []byte("vm: "+vm+"\n"), 0644); err != nil {
		return fmt.Errorf("write payload marker: %w", err)
	}
	return nil
}

func (c *Coordinator) emit(vm, event, reason string, details map[string]any) {
	if c.cfg.Events == nil {
		return
	}
	if err := c.cfg.Events.Emit(vm, event, Actor, reason, details); err != nil {
		c.cfg.Logger.Warn("append sync event", "vm", vm, "event", event, "error", err)
	}
}

func (c *Coordinator) run(ctx context.Context, sh guest.Shell, step, cmd string) (guest.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	return guest.Check(ctx, sh, step, cmd)
}

// waitMarker polls until the marker is visible through sh.
func (c *Coordinator) waitMarker(ctx context.Context, sh guest.Shell, marker string, timeout time.Duration) (string, error) {
	var last string
	err := retry.Poll(ctx, c.cfg.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
		res, err := sh.Run(cctx, guest.PresenceCommand([]string{marker}, guest.Quote))
		if err != nil {
			last = err.Error()
			return false, nil
		}
		last = res.Output()
		return guest.ParseStatuses(res.Stdout)[marker] == guest.StatusOK, nil
	})
	return last, err
}

// CheckMarker verifies the guest can see b's marker within timeout. It is
// the preflight for anything that would read or write the payload in the
// guest.
func (c *Coordinator) CheckMarker(ctx context.Context, vm string, b Binding, timeout time.Duration) error {
	marker := c.MarkerPath(b)
	sh, err := c.shells.ShellFor(ctx, vm)
	if err != nil {
		return c.notReady(vm, b.Role.Name, marker, "guest shell unavailable", err.Error())
	}
	defer sh.Close()

	last, err := c.waitMarker(ctx, sh, marker, timeout)
	if err != nil {
		if errors.Is(err, retry.ErrPollTimeout) {
			return c.notReady(vm, b.Role.Name, marker, fmt.Sprintf("marker not visible after %s", timeout), last)
		}
		return err
	}
	return nil
}

func (c *Coordinator) notReady(vm, role, p, reason, output string) error {
	c.emit(vm, events.PreflightFailed, reason, map[string]any{"role": role, "path": p})
	return &NotReadyError{VM: vm, Role: role, Path: p, Reason: reason, Output: output}
}

// EstablishOptions tune Establish.
type EstablishOptions struct {
	// Timeout bounds the wait for the mount's marker.
	Timeout time.Duration

	// DeferDaemon seeds even when clawbox-syncd is not installed yet. The
	// session then has no daemon until a later Establish starts one.
	DeferDaemon bool
}

// Establish prepares b inside vm and persists the session: the sync key is
// authorized, the guest-local path is seeded or linked, and seed mode
// bindings get a clawbox-syncd launch agent. The mount must already be
// visible; Establish waits up to opts.Timeout for its marker.
func (c *Coordinator) Establish(ctx context.Context, vm string, b Binding, opts EstablishOptions) (*Session, error) {
	timeout := opts.Timeout
	mount := GuestMount(c.cfg.SharedRoot, b.Tag)
	sess := &Session{
		ID:            uuid.NewString(),
		VM:            vm,
		Role:          b.Role.Name,
		Mode:          b.Mode,
		HostPath:      b.HostPath,
		GuestMount:    mount,
		GuestLocal:    b.GuestLocal,
		MarkerPath:    c.MarkerPath(b),
		EstablishedAt: c.now().UTC(),
	}

	sh, err := c.shells.ShellFor(ctx, vm)
	if err != nil {
		return nil, c.notReady(vm, b.Role.Name, sess.MarkerPath, "guest shell unavailable", err.Error())
	}
	defer sh.Close()

	if c.cfg.Keys != nil {
		key, err := c.cfg.Keys.AuthorizedKey(vm)
		if err != nil {
			return nil, fmt.Errorf("load sync key: %w", err)
		}
		if _, err := c.run(ctx, sh, "authorize sync key", guest.AuthorizeCommand(key)); err != nil {
			return nil, err
		}
	}

	if last, err := c.waitMarker(ctx, sh, sess.MarkerPath, timeout); err != nil {
		if errors.Is(err, retry.ErrPollTimeout) {
			return nil, c.notReady(vm, b.Role.Name, sess.MarkerPath, fmt.Sprintf("marker not visible after %s", timeout), last)
		}
		return nil, err
	}

	switch b.Mode {
	case ModeLink:
		if _, err := c.run(ctx, sh, "link "+b.Role.Name, LinkCommand(mount, b.GuestLocal, c.now().Unix())); err != nil {
			return nil, err
		}
	case ModeSeed:
		installed := true
		if _, err := c.run(ctx, sh, "check sync daemon", "test -x "+guest.Quote(c.cfg.DaemonBinary)); err != nil {
			if !opts.DeferDaemon {
				return nil, fmt.Errorf("%w\nclawbox-syncd must be installed at %s; re-run provisioning", err, c.cfg.DaemonBinary)
			}
			installed = false
		}
		// A running agent from an earlier session would push into local
		// while it is being reseeded. bootout waits for its final push.
		if installed {
			if err := c.stopAgent(ctx, sh, DaemonLabel(b.Role.Name)); err != nil {
				return nil, err
			}
		}
		if _, err := c.run(ctx, sh, "seed "+b.Role.Name, SeedCommand(mount, b.GuestLocal, c.cfg.MarkerFilename)); err != nil {
			return nil, err
		}
		if installed {
			sess.DaemonLabel = DaemonLabel(b.Role.Name)
			sess.StatusFile = daemonStatusFile(b.Role.Name)
			if _, err := c.run(ctx, sh, "start sync daemon", installAgentCommand(c.agent(sess))); err != nil {
				return nil, err
			}
		} else {
			c.cfg.Logger.Info("sync daemon not installed yet, seeded without it", "vm", vm, "role", b.Role.Name)
		}
	default:
		return nil, fmt.Errorf("unknown sync mode %q", b.Mode)
	}

	if err := c.store.Save(sess); err != nil {
		return nil, err
	}
	c.emit(vm, events.SessionEstablished, "", map[string]any{"role": sess.Role, "mode": string(sess.Mode), "session": sess.ID})
	c.cfg.Logger.Debug("sync session established", "vm", vm, "role", sess.Role, "mode", sess.Mode)
	return sess, nil
}

// stopAgent unloads label. The bound is Grace plus slack since bootout
// waits for the final push.
func (c *Coordinator) stopAgent(ctx context.Context, sh guest.Shell, label string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Grace+c.cfg.CommandTimeout)
	defer cancel()
	_, err := guest.Check(ctx, sh, "stop sync daemon", removeAgentCommand(label))
	return err
}

func (c *Coordinator) agent(sess *Session) agentSpec {
	return agentSpec{
		Label: sess.DaemonLabel,
		Program: []string{
			c.cfg.DaemonBinary,
			"--local", sess.GuestLocal,
			"--mount", sess.GuestMount,
			"--marker", c.cfg.MarkerFilename,
			"--session", sess.ID,
			"--interval", c.cfg.Interval.String(),
			"--failure-threshold", strconv.Itoa(c.cfg.FailureThreshold),
			"--grace", c.cfg.Grace.String(),
			"--status-file", sess.StatusFile,
			"--log-file", daemonLogFile(sess.Role),
		},
		// launchd's SIGKILL must not cut the final push short.
		ExitGrace: c.cfg.Grace + 5*time.Second,
	}
}

// SeedCommand copies mount into local, leaving the marker behind.
func SeedCommand(mount, local, marker string) string {
	l := guest.HomePath(local)
	return fmt.Sprintf(`if [ -L %s ]; then rm -f %s; fi; mkdir -p %s && rsync -a --delete --exclude=%s %s/ %s/`,
		l, l, l, guest.Quote("/"+marker), guest.Quote(mount), l)
}

// LinkCommand points local at mount. A real directory at local is moved
// aside with a timestamp suffix rather than deleted.
func LinkCommand(mount, local string, stamp int64) string {
	l := guest.HomePath(local)
	backup := guest.HomePath(strings.TrimSuffix(local, "/") + ".clawbox-backup-" + strconv.FormatInt(stamp, 10))
	return fmt.Sprintf(`mkdir -p "$(dirname %s)" && if [ -d %s ] && [ ! -L %s ]; then mv %s %s; fi; ln -sfn %s %s`,
		l, l, l, l, backup, guest.Quote(mount), l)
}

// readiness is the parsed output of one guest check.
type readiness struct {
	markerVisible bool
	status        *syncd.Status
	output        string
}

func (c *Coordinator) check(ctx context.Context, sh guest.Shell, sess *Session) (readiness, error) {
	cmd := guest.PresenceCommand([]string{sess.MarkerPath}, guest.Quote)
	if sess.StatusFile != "" {
		cmd += "; printf '%s\\n' " + statusDelimiter + "; cat " + guest.HomePath(sess.StatusFile) + " 2>/dev/null || true"
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()
	res, err := sh.Run(cctx, cmd)
	if err != nil {
		return readiness{}, err
	}

	p := readiness{output: res.Output()}
	head, tail, found := strings.Cut(res.Stdout, statusDelimiter+"\n")
	p.markerVisible = guest.ParseStatuses(head)[sess.MarkerPath] == guest.StatusOK
	if found && strings.TrimSpace(tail) != "" {
		if st, err := syncd.ParseStatus([]byte(tail)); err == nil {
			p.status = st
		}
	}
	return p, nil
}

// fresh reports whether st comes from the daemon started for sess.
func fresh(sess *Session, st *syncd.Status) bool {
	return st != nil && st.SessionID == sess.ID && st.Ticks > 0
}

// AwaitReady waits until the marker is visible and, for seed mode, until the
// daemon launched by this session has reported a heartbeat.
func (c *Coordinator) AwaitReady(ctx context.Context, sess *Session, timeout time.Duration) error {
	sh, err := c.shells.ShellFor(ctx, sess.VM)
	if err != nil {
		return c.notReadySession(sess, "guest shell unavailable", err.Error())
	}
	defer sh.Close()

	var last readiness
	err = retry.Poll(ctx, c.cfg.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		p, err := c.check(ctx, sh, sess)
		if err != nil {
			last.output = err.Error()
			return false, nil
		}
		last = p
		if !p.markerVisible {
			return false, nil
		}
		if sess.Mode != ModeSeed || sess.DaemonLabel == "" {
			return true, nil
		}
		return fresh(sess, p.status), nil
	})
	if err != nil {
		if !errors.Is(err, retry.ErrPollTimeout) {
			return err
		}
		reason := fmt.Sprintf("marker not visible after %s", timeout)
		if last.markerVisible {
			reason = fmt.Sprintf("sync daemon did not report a heartbeat within %s", timeout)
		}
		return c.notReadySession(sess, reason, last.output)
	}

	now := c.now().UTC()
	sess.ReadyAt = &now
	c.apply(sess, last.status)
	if err := c.store.Save(sess); err != nil {
		return err
	}
	c.emit(sess.VM, events.SessionReady, "", map[string]any{"role": sess.Role, "session": sess.ID})
	return nil
}

func (c *Coordinator) notReadySession(sess *Session, reason, output string) error {
	c.emit(sess.VM, events.SessionNotReady, reason, map[string]any{"role": sess.Role, "session": sess.ID})
	return &NotReadyError{VM: sess.VM, Role: sess.Role, Path: sess.MarkerPath, Reason: reason, Output: output}
}

func (c *Coordinator) apply(sess *Session, st *syncd.Status) {
	if !fresh(sess, st) {
		return
	}
	if !st.LastSyncAt.IsZero() {
		t := st.LastSyncAt
		sess.LastSuccessfulSyncAt = &t
	}
	sess.ConsecutiveFailureCount = st.ConsecutiveFailures
}

// Health is a point-in-time view of a session.
type Health struct {
	Session       *Session
	MarkerVisible bool
	DaemonSeen    bool
	LastError     string
}

// Health checks sess once and persists the daemon's counters.
func (c *Coordinator) Health(ctx context.Context, sess *Session) (*Health, error) {
	sh, err := c.shells.ShellFor(ctx, sess.VM)
	if err != nil {
		return nil, err
	}
	defer sh.Close()

	p, err := c.check(ctx, sh, sess)
	if err != nil {
		return nil, err
	}
	c.apply(sess, p.status)
	if err := c.store.Save(sess); err != nil {
		return nil, err
	}

	h := &Health{Session: sess, MarkerVisible: p.markerVisible, DaemonSeen: fresh(sess, p.status)}
	if h.DaemonSeen {
		h.LastError = p.status.LastError
	}
	return h, nil
}

// Sessions lists vm's persisted sessions.
func (c *Coordinator) Sessions(vm string) ([]*Session, error) {
	return c.store.List(vm)
}

// StopDaemons unloads vm's sync agents so each makes its final push before
// the VM goes down. It is best effort.
func (c *Coordinator) StopDaemons(ctx context.Context, vm string) {
	sessions, err := c.store.List(vm)
	if err != nil || len(sessions) == 0 {
		return
	}
	var labels []string
	for _, s := range sessions {
		if s.DaemonLabel != "" {
			labels = append(labels, s.DaemonLabel)
		}
	}
	if len(labels) == 0 {
		return
	}

	sh, err := c.shells.ShellFor(ctx, vm)
	if err != nil {
		c.cfg.Logger.Warn("cannot reach guest to stop sync daemons", "vm", vm, "error", err)
		return
	}
	defer sh.Close()
	for _, label := range labels {
		if err := c.stopAgent(ctx, sh, label); err != nil {
			c.cfg.Logger.Warn("stop sync daemon", "vm", vm, "label", label, "error", err)
		}
	}
}

// Teardown forgets vm's sessions and records why.
func (c *Coordinator) Teardown(vm, reason string) error {
	sessions, err := c.store.List(vm)
	if err != nil {
		return err
	}
	if err := c.store.Remove(vm); err != nil {
		return err
	}
	if len(sessions) > 0 {
		c.emit(vm, events.SessionTeardown, reason, map[string]any{"sessions": len(sessions)})
	}
	return nil
}
