package vm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/timing"
)

// Steps of the up saga, in order.
const (
	StepCreate    = "create"
	StepLaunch    = "launch"
	StepSync      = "sync"
	StepProvision = "provision"
	StepRelaunch  = "relaunch"
	StepResync    = "resync"
)

// UpSteps lists the up saga in execution order.
var UpSteps = []string{StepCreate, StepLaunch, StepSync, StepProvision, StepRelaunch, StepResync}

// Up brings VM opts.Number to a ready state, creating, launching and
// provisioning it as needed. Progress is persisted after each step; a failed
// up leaves the VM where the last step put it, and the next up resumes from
// there.
func (m *Manager) Up(ctx context.Context, opts Options) (err error) {
	start := time.Now()
	defer func() { m.observe("up", start, err) }()

	opts, err = Normalize(opts)
	if err != nil {
		return err
	}
	name := m.cfg.VMName(opts.Number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	return m.up(ctx, opts)
}

func (m *Manager) up(ctx context.Context, opts Options) error {
	name := m.cfg.VMName(opts.Number)

	created, err := config.EnsureSecretsFile(m.cfg.SecretsFile, true)
	if err != nil {
		return err
	}
	if created {
		m.printf("Created secrets file: %s\n", m.cfg.SecretsFile)
	}

	d, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if err := checkUpMatches(d, opts); err != nil {
		return err
	}

	saga := &Saga{Op: "up", StartedAt: m.now().UTC()}
	if d != nil && d.State != StateAbsent && d.Saga != nil && d.Saga.Op == "up" {
		saga = d.Saga
		m.printf("Resuming up for '%s' after step %s.\n", name, saga.Completed)
	}

	var timer *timing.Timer
	if timing.Enabled() {
		timer = timing.New("up")
		defer timer.Report(m.out)
	}

	next := 0
	if saga.Completed != "" {
		next = slices.Index(UpSteps, saga.Completed) + 1
	}
	// Steps after launch assume a running VM; one stopped since the saga
	// was recorded is booted and synced again.
	if launch := slices.Index(UpSteps, StepLaunch); next > launch {
		running, err := m.driver.IsRunning(ctx, name)
		if err != nil {
			return err
		}
		if !running {
			m.printf("VM '%s' is not running; resuming from %s.\n", name, StepLaunch)
			next = launch
		}
	}
	for _, step := range UpSteps[next:] {
		err := m.upStep(ctx, step, opts, saga)
		timer.Step(step, err)
		if err != nil {
			return err
		}
		saga.Completed = step
		saga.UpdatedAt = m.now().UTC()
		if err := m.saveSaga(name, saga); err != nil {
			return err
		}
	}
	if err := m.saveSaga(name, nil); err != nil {
		return err
	}

	if saga.Provisioned {
		m.printf("Clawbox is ready: %s\n", name)
	} else {
		m.printf("Clawbox is running: %s (provisioning skipped)\n", name)
	}
	return nil
}

func (m *Manager) upStep(ctx context.Context, step string, opts Options, saga *Saga) error {
	name := m.cfg.VMName(opts.Number)
	d, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if step != StepCreate && (d == nil || d.State == StateAbsent) {
		return fmt.Errorf("%w: '%s' disappeared during up\nRerun: %s", ErrVMNotFound, name, UpCommand(opts))
	}

	switch step {
	case StepCreate:
		if d != nil && d.State != StateAbsent {
			return nil
		}
		m.printf("VM '%s' does not exist; creating it...\n", name)
		_, err := m.create(ctx, opts)
		return err

	case StepLaunch:
		if d.Provisioned == nil && !slices.Equal(d.Services, opts.Services) {
			d.Services = opts.Services
			if err := m.store.Save(d); err != nil {
				return err
			}
		}
		running, err := m.driver.IsRunning(ctx, name)
		if err != nil {
			return err
		}
		headless := opts.Headless || d.Provisioned == nil
		if !running {
			saga.Headless = headless
		}
		return m.launch(ctx, d, headless)

	case StepSync:
		return m.establish(ctx, d, true, d.Provisioned == nil)

	case StepProvision:
		if d.Provisioned != nil {
			m.printf("Provision record found for '%s'; skipping provisioning.\n", name)
			m.printf("  If this VM is not actually provisioned, recreate it with:\n    clawbox delete %d\n    %s\n", opts.Number, UpCommand(opts))
			return nil
		}
		req := provision.Request{
			Profile:       opts.Profile,
			Services:      opts.Services,
			SignalPayload: opts.Mounts.SignalPayload != "",
		}
		if err := m.provision(ctx, d, req); err != nil {
			return err
		}
		saga.Provisioned = true
		return nil

	case StepRelaunch:
		if !saga.Provisioned || !saga.Headless || opts.Headless {
			return nil
		}
		m.printf("Provisioning completed; relaunching '%s' with a window...\n", name)
		if d.Profile == provision.ProfileDeveloper {
			m.printf("  Note: the VM window may appear before host<->VM sync is ready.\n")
			m.printf("  Wait for 'Clawbox is ready:' before logging in or editing synced files.\n")
		}
		m.stopWatcher(name)
		if err := m.stop(ctx, name); err != nil {
			return fmt.Errorf("stop headless VM '%s' before relaunch: %w\nTry: clawbox down %d", name, err, opts.Number)
		}
		saga.Headless = false
		return m.launch(ctx, d, false)

	case StepResync:
		if !saga.Provisioned {
			return nil
		}
		return m.establish(ctx, d, true, false)
	}
	return fmt.Errorf("unknown up step %q", step)
}

func (m *Manager) saveSaga(name string, saga *Saga) error {
	d, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	d.Saga = saga
	return m.store.Save(d)
}

// checkUpMatches refuses to up an existing VM with options it was not built
// with.
func checkUpMatches(d *Descriptor, opts Options) error {
	if d == nil || d.State == StateAbsent {
		return nil
	}
	var diffs []string
	if d.Profile != opts.Profile {
		diffs = append(diffs, fmt.Sprintf("profile: %s (requested %s)", d.Profile, opts.Profile))
	}
	if d.Mounts != opts.Mounts {
		diffs = append(diffs, fmt.Sprintf("mounts: %s (requested %s)", describeMounts(d.Mounts), describeMounts(opts.Mounts)))
	}
	if d.Provisioned != nil && !sameProvisioning(d.Provisioned, opts) {
		diffs = append(diffs, fmt.Sprintf("services: %s (requested %s)", describeServices(d.Provisioned.Services), describeServices(opts.Services)))
	}
	if len(diffs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: '%s'\n  %s\nIn-place reprovision is unsafe after initial provisioning.\n%s",
		ErrProvisionMismatch, d.Name, strings.Join(diffs, "\n  "), recreateHint(opts))
}

func describeMounts(m Mounts) string {
	if m.Empty() {
		return "none"
	}
	var parts []string
	for _, r := range mountedResources(&Descriptor{Mounts: m}) {
		parts = append(parts, r.role.Name+"="+r.path)
	}
	return strings.Join(parts, " ")
}

func describeServices(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ",")
}

// Recreate replays down, delete and up for VM number using the options of
// its first create or up.
func (m *Manager) Recreate(ctx context.Context, number int) (err error) {
	start := time.Now()
	defer func() { m.observe("recreate", start, err) }()

	name := m.cfg.VMName(number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := m.store.Load(name)
	if err != nil {
		return err
	}
	if d == nil || d.Invocation == nil {
		return fmt.Errorf("%w for '%s'\nRun 'clawbox up %d' with the desired options first.", ErrNoStoredParams, name, number)
	}
	opts, err := Normalize(d.Invocation.Options)
	if err != nil {
		return fmt.Errorf("stored invocation of '%s' is no longer valid: %w", name, err)
	}

	m.printf("Clean recreate requested for '%s'.\n", name)
	m.printf("  replaying: %s\n", UpCommand(opts))
	if err := m.down(ctx, name, number); err != nil {
		return err
	}
	if err := m.delete(ctx, name, number); err != nil {
		return err
	}
	return m.up(ctx, opts)
}
