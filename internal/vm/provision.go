package vm

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/payload"
	"github.com/javanstorm/clawbox/internal/provision"
)

// ProvisionOptions are the parameters of a manual provision.
type ProvisionOptions struct {
	Number int
	// Profile defaults to the VM's recorded profile and must match it.
	Profile provision.Profile
	// Services are added to those the VM already has.
	Services []string
	// EnableSignalPayload must be set exactly when the VM carries a
	// signal-cli payload mount.
	EnableSignalPayload bool
}

// Provision runs the configuration engine against running VM number, then
// establishes its payload sync sessions.
func (m *Manager) Provision(ctx context.Context, po ProvisionOptions) (err error) {
	start := time.Now()
	defer func() { m.observe("provision", start, err) }()

	name := m.cfg.VMName(po.Number)
	unlock, err := m.lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := m.require(name, po.Number)
	if err != nil {
		return err
	}
	req, err := provisionRequest(d, po)
	if err != nil {
		return err
	}
	if _, err := config.EnsureSecretsFile(m.cfg.SecretsFile, false); err != nil {
		return err
	}
	running, err := m.driver.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("%w: VM '%s' is not running\nStart it first: clawbox launch %d", ErrInvalidState, name, po.Number)
	}
	if err := m.provision(ctx, d, req); err != nil {
		return err
	}
	return m.establish(ctx, d, req.SignalPayload, false)
}

// provisionRequest checks po against d. The signal payload is gated twice:
// a VM with the mount needs the enable flag, and the flag needs the mount.
func provisionRequest(d *Descriptor, po ProvisionOptions) (provision.Request, error) {
	profile := po.Profile
	if profile == "" {
		profile = d.Profile
	}
	if profile != d.Profile {
		return provision.Request{}, invalidArgs("VM '%s' was created with the %s profile, not %s\nRecreate it to change profiles: clawbox recreate %d", d.Name, d.Profile, profile, d.Number)
	}
	if d.SignalPayload() && !po.EnableSignalPayload {
		return provision.Request{}, invalidArgs("VM '%s' has a signal-cli payload mount; pass --enable-signal-payload to provision it", d.Name)
	}
	if po.EnableSignalPayload && !d.SignalPayload() {
		return provision.Request{}, invalidArgs("--enable-signal-payload requires a VM launched with --signal-cli-payload")
	}

	services := provision.NormalizeServices(append(slices.Clone(d.Services), po.Services...))
	if err := provision.ValidateFeatures(profile, services, po.EnableSignalPayload); err != nil {
		return provision.Request{}, invalidArgs("%v", err)
	}
	return provision.Request{Profile: profile, Services: services, SignalPayload: po.EnableSignalPayload}, nil
}

// provision verifies every synced mount is live, then runs each plan step.
// A failed step leaves the VM in the state it booted into, so the call can
// be retried.
func (m *Manager) provision(ctx context.Context, d *Descriptor, req provision.Request) error {
	m.printf("Provisioning %s...\n", d.Name)
	m.printf("  profile: %s\n", req.Profile)
	for _, svc := range provision.Services {
		m.printf("  %s enabled: %t\n", svc.DisplayName, slices.Contains(req.Services, svc.Key))
	}
	m.printf("  signal payload enabled: %t\n", req.SignalPayload)

	ip, err := m.waitIP(ctx, d.Name)
	if err != nil {
		return err
	}
	m.printf("  vm ip: %s\n", ip)

	for _, b := range m.bindings(d, req.SignalPayload) {
		m.printf("  verifying %s mount...\n", b.Role.Label)
		if err := m.sync.CheckMarker(ctx, d.Name, b, m.cfg.Timeouts.Preflight); err != nil {
			return err
		}
	}

	d.State = StateProvisioning
	if err := m.store.Save(d); err != nil {
		return err
	}

	vars := m.provisionVars(d, req)
	steps := provision.Plan(req)
	for i, step := range steps {
		m.printf("  [%d/%d] %s\n", i+1, len(steps), step.Name)
		err := m.engine.Run(ctx, provision.Run{
			Step:      step.Name,
			Playbook:  step.Playbook,
			Inventory: ip + ",",
			User:      m.cfg.Bootstrap.User,
			Password:  m.cfg.Bootstrap.Password,
			Vars:      vars,
		})
		if err != nil {
			d.State = d.upState()
			if serr := m.store.Save(d); serr != nil {
				m.log.Warn("save descriptor after failed provision", "vm", d.Name, "error", serr)
			}
			return fmt.Errorf("provisioning '%s' failed at step %s: %w\nRetry: clawbox provision %d", d.Name, step.Name, err, d.Number)
		}
	}

	d.Services = req.Services
	d.Provisioned = &ProvisionRecord{
		Profile:       req.Profile,
		Services:      req.Services,
		SignalPayload: req.SignalPayload,
		ProvisionedAt: m.now().UTC(),
	}
	d.State = StateReady
	if err := m.store.Save(d); err != nil {
		return err
	}
	m.printf("Provisioning completed: %s\n", d.Name)
	return nil
}

func (m *Manager) provisionVars(d *Descriptor, req provision.Request) map[string]string {
	vars := provision.Vars(d.Number, d.Name, req)
	vars["clawbox_syncd_binary"] = m.cfg.Sync.DaemonBinary
	vars["clawbox_payload_marker_filename"] = m.cfg.Sync.MarkerFilename
	for _, r := range mountedResources(d) {
		vars["clawbox_"+r.role.Name+"_mount"] = payload.GuestMount(m.cfg.Guest.SharedRoot, r.tag)
	}
	return vars
}

// establish brings up a sync session for each payload binding of d and
// blocks until each is ready. With deferDaemon the sessions may come up
// before clawbox-syncd is installed.
func (m *Manager) establish(ctx context.Context, d *Descriptor, withSignal, deferDaemon bool) error {
	bindings := m.bindings(d, withSignal)
	if len(bindings) == 0 {
		return nil
	}
	m.printf("Preparing payload sync for '%s'...\n", d.Name)
	for _, b := range bindings {
		sess, err := m.sync.Establish(ctx, d.Name, b, payload.EstablishOptions{
			Timeout:     m.cfg.Timeouts.Preflight,
			DeferDaemon: deferDaemon,
		})
		if err != nil {
			return err
		}
		m.printf("  %s: %s -> %s (%s)\n", b.Role.Name, sess.GuestMount, sess.GuestLocal, sess.Mode)
		if err := m.sync.AwaitReady(ctx, sess, m.cfg.Timeouts.Ready); err != nil {
			return err
		}
	}
	m.printf("Payload sync ready.\n")
	return nil
}
