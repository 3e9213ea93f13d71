package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// Create clones a new VM for opts and records its descriptor. The options
// become the VM's stored invocation unless one was captured earlier.
func (m *Manager) Create(ctx context.Context, opts Options) (d *Descriptor, err error) {
	start := time.Now()
	defer func() { m.observe("create", start, err) }()

	opts, err = Normalize(opts)
	if err != nil {
		return nil, err
	}
	name := m.cfg.VMName(opts.Number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.create(ctx, opts)
}

func (m *Manager) create(ctx context.Context, opts Options) (*Descriptor, error) {
	name := m.cfg.VMName(opts.Number)
	d, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	if d != nil && d.State != StateAbsent {
		return nil, fmt.Errorf("%w: VM '%s' already exists (state: %s)", ErrInvalidState, name, d.State)
	}
	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: VM '%s' already exists in the hypervisor but has no clawbox record\nRemove it first: clawbox delete %d", ErrInvalidState, name, opts.Number)
	}
	if err := m.checkMountsFree(ctx, name, opts.Mounts); err != nil {
		return nil, err
	}

	m.printf("Creating VM '%s' from %s...\n", name, m.cfg.BaseImage)
	if err := m.driver.Create(ctx, hypervisor.CreateSpec{Name: name, BaseImage: m.cfg.BaseImage}); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	next := &Descriptor{
		Number:    opts.Number,
		Name:      name,
		Profile:   opts.Profile,
		State:     StateCreated,
		Mounts:    opts.Mounts,
		Services:  opts.Services,
		CreatedAt: now,
	}
	if d != nil && d.Invocation != nil {
		next.Invocation = d.Invocation
	} else {
		next.Invocation = &Invocation{Options: opts, CapturedAt: now}
	}
	if err := m.store.Save(next); err != nil {
		return nil, err
	}
	m.printf("Created VM: %s\n", name)
	return next, nil
}

// checkMountsFree fails with a *lockmgr.BusyError when a requested mount is
// held by another VM that is running. No lock is taken.
func (m *Manager) checkMountsFree(ctx context.Context, name string, mounts Mounts) error {
	for _, r := range mountedResources(&Descriptor{Mounts: mounts}) {
		rec, err := m.locks.IsLocked(r.path)
		if err != nil {
			return err
		}
		if rec == nil || rec.OwnerVM == name {
			continue
		}
		running, err := m.driver.IsRunning(ctx, rec.OwnerVM)
		if err != nil {
			return fmt.Errorf("check whether owner VM '%s' of %s is running: %w", rec.OwnerVM, rec.Path, err)
		}
		if running {
			return &lockmgr.BusyError{Role: r.role, Path: rec.Path, OwnerVM: rec.OwnerVM, OwnerHost: rec.OwnerHost}
		}
	}
	return nil
}

// Launch boots VM number with its recorded mounts attached. A VM that is
// already running keeps running; its locks are refreshed.
func (m *Manager) Launch(ctx context.Context, number int, headless bool) (err error) {
	start := time.Now()
	defer func() { m.observe("launch", start, err) }()

	name := m.cfg.VMName(number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := m.require(name, number)
	if err != nil {
		return err
	}
	return m.launch(ctx, d, headless)
}

// require loads name's descriptor, failing when there is none.
func (m *Manager) require(name string, number int) (*Descriptor, error) {
	d, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}
	if d == nil || d.State == StateAbsent {
		return nil, fmt.Errorf("%w: '%s'\nCreate it first: clawbox create %d", ErrVMNotFound, name, number)
	}
	return d, nil
}

func (m *Manager) launch(ctx context.Context, d *Descriptor, headless bool) error {
	running, err := m.driver.IsRunning(ctx, d.Name)
	if err != nil {
		return err
	}

	acquired, err := m.acquireLocks(ctx, d)
	if err != nil {
		return err
	}

	if running {
		m.printf("VM '%s' is already running.\n", d.Name)
		if err := m.writeMarkers(d); err != nil {
			return err
		}
		if !d.State.Live() {
			d.State = d.upState()
			if err := m.store.Save(d); err != nil {
				return err
			}
		}
		m.startWatcher(d.Name)
		return nil
	}

	if err := m.writeMarkers(d); err != nil {
		m.rollbackLocks(ctx, d.Name, acquired)
		return err
	}

	m.printf("Launching VM '%s'...\n", d.Name)
	var dirs []hypervisor.SharedDir
	for _, r := range mountedResources(d) {
		dirs = append(dirs, hypervisor.SharedDir{Tag: r.tag, HostPath: r.path})
	}
	err = m.driver.Boot(ctx, d.Name, hypervisor.BootOptions{
		Headless:   headless,
		SharedDirs: dirs,
		LogPath:    m.launchLog(d.Name),
		Timeout:    m.cfg.Timeouts.Boot,
	})
	if err != nil {
		m.rollbackLocks(ctx, d.Name, acquired)
		return err
	}

	d.State = d.upState()
	d.BootCount++
	d.LastBootAt = m.now().UTC()
	if err := m.store.Save(d); err != nil {
		return err
	}
	m.printf("VM '%s' is running.\n", d.Name)
	m.startWatcher(d.Name)
	return nil
}

// upState is the state of d once it has booted.
func (d *Descriptor) upState() State {
	if d.Provisioned != nil {
		return StateReady
	}
	return StateRunning
}

// acquireLocks takes every mount lock of d in role order. If one fails, the
// locks this call newly took are released; locks d already owned are kept.
func (m *Manager) acquireLocks(ctx context.Context, d *Descriptor) ([]string, error) {
	var acquired []string
	for _, r := range mountedResources(d) {
		tok, err := m.locks.Acquire(ctx, r.path, d.Name, r.role)
		if err != nil {
			m.rollbackLocks(ctx, d.Name, acquired)
			return nil, err
		}
		if tok.Reclaimed {
			m.printf("Reclaimed stale lock on %s from '%s'.\n", r.path, tok.PreviousOwner)
		}
		if tok.Fresh() {
			acquired = append(acquired, r.path)
		}
	}
	return acquired, nil
}

func (m *Manager) rollbackLocks(ctx context.Context, name string, paths []string) {
	for _, p := range paths {
		if err := m.locks.Release(ctx, p, name); err != nil {
			m.log.Warn("roll back lock", "vm", name, "path", p, "error", err)
		}
	}
}

// writeMarkers drops the readiness marker into each synced host directory.
func (m *Manager) writeMarkers(d *Descriptor) error {
	for _, b := range m.bindings(d, true) {
		if err := m.sync.WriteMarker(b.HostPath, d.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) startWatcher(name string) {
	if m.watch == nil {
		return
	}
	if _, err := m.watch.Start(name); err != nil {
		m.log.Warn("start VM watcher", "vm", name, "error", err)
	}
}

func (m *Manager) stopWatcher(name string) {
	if m.watch == nil {
		return
	}
	if err := m.watch.Stop(name); err != nil {
		m.log.Warn("stop VM watcher", "vm", name, "error", err)
	}
}

// Down stops VM number. Sync daemons are unloaded first so they make their
// final push. Resource locks stay with the VM until delete.
func (m *Manager) Down(ctx context.Context, number int) (err error) {
	start := time.Now()
	defer func() { m.observe("down", start, err) }()

	name := m.cfg.VMName(number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return m.down(ctx, name, number)
}

func (m *Manager) down(ctx context.Context, name string, number int) error {
	m.stopWatcher(name)

	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return err
	}
	d, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if !exists {
		if d != nil && d.State != StateAbsent {
			d.State = StateAbsent
			if err := m.store.Save(d); err != nil {
				return err
			}
		}
		m.printf("VM '%s' does not exist.\n", name)
		return nil
	}

	running, err := m.driver.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		m.printf("Stopping VM '%s'...\n", name)
		if err := m.stop(ctx, name); err != nil {
			return fmt.Errorf("%w\nTry again: clawbox down %d", err, number)
		}
		m.printf("VM '%s' stopped.\n", name)
	} else {
		m.printf("VM '%s' is already stopped.\n", name)
	}

	if d != nil && d.State != StateStopped {
		d.State = StateStopped
		return m.store.Save(d)
	}
	return nil
}

// stop unloads sync daemons and waits for the VM to power off.
func (m *Manager) stop(ctx context.Context, name string) error {
	m.sync.StopDaemons(ctx, name)
	if err := m.driver.Stop(ctx, name); err != nil {
		return err
	}
	return hypervisor.WaitStopped(ctx, m.driver, name, m.cfg.Timeouts.Stop, m.cfg.Timeouts.Poll)
}

// Delete destroys VM number and everything clawbox holds for it: resource
// locks, sync sessions, watcher, SSH keys and the descriptor. A running VM
// must be stopped first.
func (m *Manager) Delete(ctx context.Context, number int) (err error) {
	start := time.Now()
	defer func() { m.observe("delete", start, err) }()

	name := m.cfg.VMName(number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return m.delete(ctx, name, number)
}

func (m *Manager) delete(ctx context.Context, name string, number int) error {
	exists, err := m.driver.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		running, err := m.driver.IsRunning(ctx, name)
		if err != nil {
			return err
		}
		if running {
			return fmt.Errorf("%w: '%s'\nStop it first: clawbox down %d", ErrVMStillRunning, name, number)
		}
	}

	m.stopWatcher(name)
	if exists {
		m.printf("Deleting VM '%s'...\n", name)
		if err := m.driver.Delete(ctx, name); err != nil {
			return err
		}
	}

	var errs []error
	if n, err := m.locks.ReleaseAll(ctx, name); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		m.log.Debug("released locks", "vm", name, "count", n)
	}
	if err := m.sync.Teardown(name, "vm deleted"); err != nil {
		errs = append(errs, err)
	}
	if err := m.keys.Remove(name); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Delete(name); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clean up after deleting '%s': %w", name, err)
	}

	if exists {
		m.printf("Deleted VM: %s\n", name)
	} else {
		m.printf("VM '%s' does not exist.\n", name)
	}
	return nil
}
