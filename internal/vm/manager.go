// Package vm drives the clawbox VM lifecycle: create, launch, provision,
// up, down, delete and recreate, composed from the hypervisor driver, the
// resource lock manager, the provisioning engine and the payload sync
// coordinator.
package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/events"
	"github.com/javanstorm/clawbox/internal/guest"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/metrics"
	"github.com/javanstorm/clawbox/internal/payload"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/retry"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// Watchers supervises the host-side process that notices a VM stopping
// outside clawbox.
type Watchers interface {
	Start(vm string) (int, error)
	Stop(vm string) error
	PID(vm string) (int, bool)
}

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	Config    *config.Config
	Driver    hypervisor.Driver
	Engine    provision.Engine
	Connector guest.Connector

	// Watchers is optional.
	Watchers Watchers

	// Out receives user-facing progress lines.
	Out    io.Writer
	Logger *slog.Logger
}

// Manager orchestrates VM lifecycle operations. Each public operation holds
// the VM's command lock for its whole duration.
type Manager struct {
	cfg    *config.Config
	driver hypervisor.Driver
	engine provision.Engine
	conn   guest.Connector
	watch  Watchers
	out    io.Writer
	log    *slog.Logger

	store  *Store
	locks  *lockmgr.Manager
	sync   *payload.Coordinator
	keys   *guest.KeyManager
	events *events.Log
	now    func() time.Time
}

// NewManager wires a manager from mc.
func NewManager(mc ManagerConfig) *Manager {
	cfg := mc.Config
	out := mc.Out
	if out == nil {
		out = io.Discard
	}
	logger := mc.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	m := &Manager{
		cfg:    cfg,
		driver: mc.Driver,
		engine: mc.Engine,
		conn:   mc.Connector,
		watch:  mc.Watchers,
		out:    out,
		log:    logger,
		store:  NewStore(cfg.VMsDir()),
		keys:   guest.NewKeyManager(cfg.KeysDir()),
		events: events.New(cfg.LogsDir(), events.DefaultMaxBytes),
		now:    time.Now,
	}
	m.locks = lockmgr.NewManager(lockmgr.Config{
		Dir:     cfg.LocksDir(),
		Oracle:  hypervisor.Oracle{Driver: mc.Driver},
		Timeout: cfg.Timeouts.RegistryLock,
		Logger:  logger,
	})
	m.sync = payload.NewCoordinator(payload.Config{
		Dir:              cfg.SyncDir(),
		SharedRoot:       cfg.Guest.SharedRoot,
		MarkerFilename:   cfg.Sync.MarkerFilename,
		DaemonBinary:     cfg.Sync.DaemonBinary,
		Interval:         cfg.Sync.Interval,
		FailureThreshold: cfg.Sync.FailureThreshold,
		Grace:            cfg.Sync.Grace,
		PollInterval:     cfg.Timeouts.Poll,
		CommandTimeout:   cfg.Timeouts.GuestCommand,
		Events:           m.events,
		Keys:             m.keys,
		Logger:           logger,
	}, m)
	return m
}

// Store returns the descriptor store.
func (m *Manager) Store() *Store { return m.store }

// Locks returns the resource lock manager.
func (m *Manager) Locks() *lockmgr.Manager { return m.locks }

// Sync returns the payload sync coordinator.
func (m *Manager) Sync() *payload.Coordinator { return m.sync }

// Events returns the sync event log.
func (m *Manager) Events() *events.Log { return m.events }

// Driver returns the hypervisor driver.
func (m *Manager) Driver() hypervisor.Driver { return m.driver }

func (m *Manager) printf(format string, args ...any) {
	fmt.Fprintf(m.out, format, args...)
}

// lock takes the command lock of name, bounded by the descriptor lock
// timeout.
func (m *Manager) lock(ctx context.Context, name string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.DescriptorLock)
	defer cancel()
	l, err := m.store.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	return func() { _ = l.Release() }, nil
}

// observe records operation metrics and refreshes the textfile.
func (m *Manager) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.VMOperationTotal.WithLabelValues(op, result).Inc()
	metrics.VMOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if werr := metrics.WriteTextfile(m.cfg.MetricsTextfile); werr != nil {
		m.log.Warn("write metrics textfile", "error", werr)
	}
}

// bindings returns the payload bindings of d. The signal payload is
// included only when withSignal is set.
func (m *Manager) bindings(d *Descriptor, withSignal bool) []payload.Binding {
	var out []payload.Binding
	if d.Mounts.Payload != "" {
		out = append(out, payload.PayloadBinding(d.Mounts.Payload, m.cfg.Guest.PayloadLocalPath))
	}
	if withSignal && d.Mounts.SignalPayload != "" {
		out = append(out, payload.SignalPayloadBinding(d.Mounts.SignalPayload, m.cfg.Guest.SignalPayloadLocalPath))
	}
	return out
}

// mountedResources lists d's mounts with their lock roles, in lock order.
func mountedResources(d *Descriptor) []mountedResource {
	var out []mountedResource
	if d.Mounts.Source != "" {
		out = append(out, mountedResource{lockmgr.RoleSource, payload.SourceTag, d.Mounts.Source})
	}
	if d.Mounts.Payload != "" {
		out = append(out, mountedResource{lockmgr.RolePayload, payload.PayloadTag, d.Mounts.Payload})
	}
	if d.Mounts.SignalPayload != "" {
		out = append(out, mountedResource{lockmgr.RoleSignalPayload, payload.SignalPayloadTag, d.Mounts.SignalPayload})
	}
	return out
}

type mountedResource struct {
	role lockmgr.Role
	tag  string
	path string
}

func (m *Manager) launchLog(name string) string {
	return filepath.Join(m.cfg.LogsDir(), name+".launch.log")
}

// waitIP polls the driver for the VM's address.
func (m *Manager) waitIP(ctx context.Context, name string) (string, error) {
	var ip string
	var last error
	err := retry.Poll(ctx, m.cfg.Timeouts.Poll, m.cfg.Timeouts.IP, func(ctx context.Context) (bool, error) {
		addr, err := m.driver.IP(ctx, name)
		if err != nil {
			last = err
			return false, nil
		}
		ip = addr
		return true, nil
	})
	if err != nil {
		if last == nil {
			last = err
		}
		return "", fmt.Errorf("resolve IP of '%s' within %s: %w\nWait for the VM to finish booting and retry.", name, m.cfg.Timeouts.IP, last)
	}
	return ip, nil
}

// credentials picks the guest account for name: the bootstrap admin until
// the VM is provisioned, the per-VM user afterwards.
func (m *Manager) credentials(name string) (string, string, error) {
	d, err := m.store.Load(name)
	if err != nil {
		return "", "", err
	}
	if d == nil || d.Provisioned == nil {
		return m.cfg.Bootstrap.User, m.cfg.Bootstrap.Password, nil
	}
	pw, err := config.ReadVMPassword(m.cfg.SecretsFile)
	if err != nil {
		return "", "", err
	}
	return name, pw, nil
}

// ShellFor opens a shell to a running VM. It reads the descriptor without
// taking the command lock, since callers usually hold it.
func (m *Manager) ShellFor(ctx context.Context, name string) (guest.Shell, error) {
	ip, err := m.waitIP(ctx, name)
	if err != nil {
		return nil, err
	}
	user, password, err := m.credentials(name)
	if err != nil {
		return nil, err
	}
	if err := m.keys.Ensure(name); err != nil {
		return nil, err
	}
	key, err := m.keys.PrivateKey(name)
	if err != nil {
		return nil, err
	}
	return m.conn.Connect(ctx, guest.Target{Host: ip, Port: 22, User: user, Password: password, KeyPEM: key})
}
