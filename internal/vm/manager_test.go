package vm

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/events"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/payload"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/testutil"
)

type fakeWatchers struct {
	mu      sync.Mutex
	running map[string]bool
	starts  int
}

func (w *fakeWatchers) Start(vm string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running == nil {
		w.running = map[string]bool{}
	}
	w.running[vm] = true
	w.starts++
	return 4242, nil
}

func (w *fakeWatchers) Stop(vm string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, vm)
	return nil
}

func (w *fakeWatchers) PID(vm string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running[vm] {
		return 4242, true
	}
	return 0, false
}

type fixture struct {
	cfg      *config.Config
	driver   *testutil.FakeDriver
	engine   *testutil.FakeEngine
	shells   *testutil.Shells
	shell    *testutil.LocalShell
	watchers *fakeWatchers
	out      *bytes.Buffer
	m        *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testutil.TestConfig(t)
	shell := testutil.NewLocalShell(t)
	cfg.Sync.DaemonBinary = testutil.WriteStub(t, shell.Bin, "clawbox-syncd", "exit 0")
	require.NoError(t, os.MkdirAll(cfg.Guest.SharedRoot, 0755))

	f := &fixture{
		cfg:      cfg,
		driver:   testutil.NewFakeDriver(),
		engine:   &testutil.FakeEngine{},
		shell:    shell,
		shells:   &testutil.Shells{Shell: shell},
		watchers: &fakeWatchers{},
		out:      &bytes.Buffer{},
	}
	f.m = NewManager(ManagerConfig{
		Config:    cfg,
		Driver:    f.driver,
		Engine:    f.engine,
		Connector: f.shells,
		Watchers:  f.watchers,
		Out:       f.out,
	})
	return f
}

// mount makes dir visible in the guest under tag, as the hypervisor's
// shared directory would.
func (f *fixture) mount(t *testing.T, tag, dir string) {
	t.Helper()
	require.NoError(t, os.Symlink(dir, filepath.Join(f.cfg.Guest.SharedRoot, tag)))
}

// developer returns up options for a developer VM whose source and payload
// directories are mounted in the guest.
func (f *fixture) developer(t *testing.T, number int, services ...string) Options {
	t.Helper()
	src, pay := t.TempDir(), t.TempDir()
	f.mount(t, payload.SourceTag, src)
	f.mount(t, payload.PayloadTag, pay)
	return Options{
		Number:   number,
		Profile:  provision.ProfileDeveloper,
		Mounts:   Mounts{Source: src, Payload: pay},
		Services: services,
	}
}

func (f *fixture) load(t *testing.T, name string) *Descriptor {
	t.Helper()
	d, err := f.m.Store().Load(name)
	require.NoError(t, err)
	return d
}

func (f *fixture) locksOf(t *testing.T, vm string) []lockmgr.Record {
	t.Helper()
	records, err := f.m.Locks().List()
	require.NoError(t, err)
	var out []lockmgr.Record
	for _, r := range records {
		if r.OwnerVM == vm {
			out = append(out, r)
		}
	}
	return out
}

func canonical(t *testing.T, p string) string {
	t.Helper()
	c, err := lockmgr.Canonicalize(p)
	require.NoError(t, err)
	return c
}

func TestUpDeveloperThenDownDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1, provision.ServiceTailscale)

	require.NoError(t, f.m.Up(ctx, opts))

	d := f.load(t, "clawbox-1")
	require.NotNil(t, d)
	assert.Equal(t, StateReady, d.State)
	assert.Nil(t, d.Saga, "completed saga is cleared")
	require.NotNil(t, d.Provisioned)
	assert.Equal(t, []string{provision.ServiceTailscale}, d.Provisioned.Services)
	assert.Equal(t, 2, d.BootCount)

	assert.Equal(t, []string{provision.StepDependencies, provision.StepBuildGate, provision.ServiceTailscale}, f.engine.Steps())
	run := f.engine.Runs()[0]
	assert.Equal(t, "192.168.64.10,", run.Inventory)
	assert.Equal(t, "admin", run.User)
	assert.Equal(t, "true", run.Vars["clawbox_enable_tailscale"])

	calls := strings.Join(f.driver.Calls(), "\n")
	assert.Contains(t, calls, "boot clawbox-1 headless=true\nstop clawbox-1\nboot clawbox-1 headless=false")

	target, err := os.Readlink(filepath.Join(f.shell.Home, ".openclaw"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.cfg.Guest.SharedRoot, payload.PayloadTag), target)

	assert.Len(t, f.locksOf(t, "clawbox-1"), 2)
	sessions, err := f.m.Sync().Sessions("clawbox-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].ReadyAt)
	assert.Contains(t, f.out.String(), "Clawbox is ready: clawbox-1")

	require.NoError(t, f.m.Down(ctx, 1))
	assert.Equal(t, StateStopped, f.load(t, "clawbox-1").State)
	assert.Len(t, f.locksOf(t, "clawbox-1"), 2, "down keeps locks")

	require.NoError(t, f.m.Delete(ctx, 1))
	assert.Nil(t, f.load(t, "clawbox-1"))
	assert.Nil(t, f.driver.VM("clawbox-1"))
	assert.Empty(t, f.locksOf(t, "clawbox-1"))
	sessions, err = f.m.Sync().Sessions("clawbox-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	st, err := f.m.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
	assert.False(t, st.Exists)
}

func TestUpStandardHeadless(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Up(ctx, Options{Number: 2, Headless: true}))

	d := f.load(t, "clawbox-2")
	assert.Equal(t, StateReady, d.State)
	assert.Equal(t, provision.ProfileStandard, d.Profile)
	assert.Equal(t, 1, d.BootCount, "headless up does not relaunch")
	assert.Equal(t, []string{provision.StepDependencies}, f.engine.Steps())
	assert.Empty(t, f.locksOf(t, "clawbox-2"))
}

func TestUpExistingReadySkipsProvisioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1)

	require.NoError(t, f.m.Up(ctx, opts))
	require.NoError(t, f.m.Up(ctx, opts))

	assert.Len(t, f.engine.Runs(), 2, "dependencies and build gate ran once")
	assert.Contains(t, f.out.String(), "skipping provisioning")
	assert.Contains(t, f.out.String(), "Clawbox is running: clawbox-1 (provisioning skipped)")
}

func TestUpMismatchSuggestsRecreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Up(ctx, Options{Number: 1}))
	err := f.m.Up(ctx, Options{Number: 1, Services: []string{provision.ServiceTailscale}})
	require.ErrorIs(t, err, ErrProvisionMismatch)
	assert.Contains(t, err.Error(), "clawbox delete 1")
	assert.Contains(t, err.Error(), "clawbox up 1 --add-tailscale-provisioning")
}

func TestUpResumesAfterFailedStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1)
	f.engine.FailStep = provision.StepBuildGate

	err := f.m.Up(ctx, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build-gate")

	d := f.load(t, "clawbox-1")
	assert.Equal(t, StateRunning, d.State, "failed provisioning returns to running")
	require.NotNil(t, d.Saga)
	assert.Equal(t, StepSync, d.Saga.Completed)
	assert.True(t, d.Saga.Headless)

	f.engine.FailStep = ""
	require.NoError(t, f.m.Up(ctx, opts))
	assert.Contains(t, f.out.String(), "Resuming up for 'clawbox-1' after step sync")

	creates := 0
	for _, c := range f.driver.Calls() {
		if c == "create clawbox-1" {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
	assert.Equal(t, StateReady, f.load(t, "clawbox-1").State)
	assert.False(t, f.driver.VM("clawbox-1").Boot.Headless, "relaunched with a window")
}

func TestUpResumeRelaunchesStoppedVM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1)
	f.engine.FailStep = provision.StepBuildGate

	require.Error(t, f.m.Up(ctx, opts))
	require.NoError(t, f.m.Down(ctx, 1))
	d := f.load(t, "clawbox-1")
	assert.Equal(t, StateStopped, d.State)
	require.NotNil(t, d.Saga)
	assert.Equal(t, StepSync, d.Saga.Completed)

	f.engine.FailStep = ""
	require.NoError(t, f.m.Up(ctx, opts))
	assert.Contains(t, f.out.String(), "VM 'clawbox-1' is not running; resuming from launch.")

	d = f.load(t, "clawbox-1")
	assert.Equal(t, StateReady, d.State)
	assert.Nil(t, d.Saga)
	vm := f.driver.VM("clawbox-1")
	require.NotNil(t, vm)
	assert.True(t, vm.Running)
	assert.False(t, vm.Boot.Headless, "relaunched with a window after provisioning")
}

func TestRecreateReplaysOriginalInvocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1, provision.ServiceTailscale)

	require.NoError(t, f.m.Up(ctx, opts))
	first := len(f.engine.Runs())

	require.NoError(t, f.m.Recreate(ctx, 1))

	calls := strings.Join(f.driver.Calls(), "\n")
	assert.Contains(t, calls, "delete clawbox-1\ncreate clawbox-1")

	d := f.load(t, "clawbox-1")
	require.NotNil(t, d)
	assert.Equal(t, StateReady, d.State)
	assert.Equal(t, canonical(t, opts.Mounts.Source), d.Mounts.Source)
	assert.Equal(t, canonical(t, opts.Mounts.Payload), d.Mounts.Payload)
	assert.Equal(t, []string{provision.ServiceTailscale}, d.Services)
	require.NotNil(t, d.Invocation)
	assert.Equal(t, []string{provision.ServiceTailscale}, d.Invocation.Services)

	replayed := f.engine.Steps()[first:]
	assert.Equal(t, []string{provision.StepDependencies, provision.StepBuildGate, provision.ServiceTailscale}, replayed)
	assert.Contains(t, f.out.String(), "replaying: clawbox up 1 --developer --openclaw-source")
}

func TestRecreateWithoutInvocation(t *testing.T) {
	f := newFixture(t)
	err := f.m.Recreate(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNoStoredParams)
}

func TestProvisionSignalPayloadMarkerMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1, provision.ServiceSignalCLI)
	// The signal-cli share is never mounted in the guest.
	opts.Mounts.SignalPayload = t.TempDir()

	_, err := f.m.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.m.Launch(ctx, 1, true))
	_, err = config.EnsureSecretsFile(f.cfg.SecretsFile, true)
	require.NoError(t, err)

	err = f.m.Provision(ctx, ProvisionOptions{Number: 1, EnableSignalPayload: true})
	require.Error(t, err)
	assert.True(t, payload.IsNotReady(err))
	var nr *payload.NotReadyError
	require.True(t, errors.As(err, &nr))
	assert.Equal(t, lockmgr.RoleSignalPayload.Name, nr.Role)

	assert.Empty(t, f.engine.Runs(), "no provisioning step may run")
	assert.NoDirExists(t, filepath.Join(f.shell.Home, ".local", "share", "signal-cli"))
	assert.Equal(t, StateRunning, f.load(t, "clawbox-1").State)

	evs, err := f.m.Events().Recent("clawbox-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.PreflightFailed, evs[len(evs)-1].Event)
}

func TestProvisionSignalPayloadDoubleGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := f.developer(t, 1, provision.ServiceSignalCLI)
	opts.Mounts.SignalPayload = t.TempDir()
	_, err := f.m.Create(ctx, opts)
	require.NoError(t, err)

	err = f.m.Provision(ctx, ProvisionOptions{Number: 1})
	assert.ErrorIs(t, err, ErrInvalidProfileArgs, "mount without enable flag")

	require.NoError(t, f.m.Up(ctx, Options{Number: 2, Headless: true}))
	err = f.m.Provision(ctx, ProvisionOptions{Number: 2, EnableSignalPayload: true})
	assert.ErrorIs(t, err, ErrInvalidProfileArgs, "enable flag without mount")

	err = f.m.Provision(ctx, ProvisionOptions{Number: 2, Profile: provision.ProfileDeveloper})
	assert.ErrorIs(t, err, ErrInvalidProfileArgs, "profile change")
}

func TestProvisionRequiresRunningVM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := config.EnsureSecretsFile(f.cfg.SecretsFile, true)
	require.NoError(t, err)
	_, err = f.m.Create(ctx, Options{Number: 1})
	require.NoError(t, err)

	err = f.m.Provision(ctx, ProvisionOptions{Number: 1})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "clawbox launch 1")
}

func TestProvisionAddsServices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Up(ctx, Options{Number: 1, Headless: true}))

	require.NoError(t, f.m.Provision(ctx, ProvisionOptions{Number: 1, Services: []string{provision.ServicePlaywright}}))
	d := f.load(t, "clawbox-1")
	assert.Equal(t, []string{provision.ServicePlaywright}, d.Provisioned.Services)
	assert.Equal(t, StateReady, d.State)
}

func TestLaunchRollsBackFreshLocksOnBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src1, src2, shared := t.TempDir(), t.TempDir(), t.TempDir()

	_, err := f.m.Create(ctx, Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src1, Payload: shared}})
	require.NoError(t, err)
	_, err = f.m.Create(ctx, Options{Number: 2, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src2, Payload: shared}})
	require.NoError(t, err)
	require.NoError(t, f.m.Launch(ctx, 2, true))

	err = f.m.Launch(ctx, 1, true)
	require.Error(t, err)
	var busy *lockmgr.BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "clawbox-2", busy.OwnerVM)

	assert.Empty(t, f.locksOf(t, "clawbox-1"), "source lock taken in the failed launch is released")
	assert.Nil(t, f.driver.VM("clawbox-1").Boot.SharedDirs)
	assert.Equal(t, StateCreated, f.load(t, "clawbox-1").State)
}

func TestLaunchBootFailureKeepsPriorLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, pay := t.TempDir(), t.TempDir()
	_, err := f.m.Create(ctx, Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src, Payload: pay}})
	require.NoError(t, err)

	f.driver.BootErr = errors.New("tart run: exit status 1")
	require.Error(t, f.m.Launch(ctx, 1, true))
	assert.Empty(t, f.locksOf(t, "clawbox-1"), "fresh locks roll back on boot failure")

	f.driver.BootErr = nil
	require.NoError(t, f.m.Launch(ctx, 1, true))
	f.driver.SetRunning("clawbox-1", false)

	f.driver.BootErr = errors.New("tart run: exit status 1")
	require.Error(t, f.m.Launch(ctx, 1, true))
	assert.Len(t, f.locksOf(t, "clawbox-1"), 2, "locks held before the call are kept")
}

func TestLaunchAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Create(ctx, Options{Number: 1})
	require.NoError(t, err)
	require.NoError(t, f.m.Launch(ctx, 1, true))
	require.NoError(t, f.m.Launch(ctx, 1, false))

	assert.Equal(t, 1, f.driver.VM("clawbox-1").Boots)
	assert.Contains(t, f.out.String(), "VM 'clawbox-1' is already running.")
	assert.Equal(t, 2, f.watchers.starts)
}

func TestLaunchWithoutDescriptor(t *testing.T) {
	f := newFixture(t)
	err := f.m.Launch(context.Background(), 4, false)
	assert.ErrorIs(t, err, ErrVMNotFound)
	assert.Contains(t, err.Error(), "clawbox create 4")
}

func TestDeleteRunningVM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Up(ctx, Options{Number: 1, Headless: true}))

	err := f.m.Delete(ctx, 1)
	require.ErrorIs(t, err, ErrVMStillRunning)
	assert.Contains(t, err.Error(), "clawbox down 1")
	assert.NotNil(t, f.driver.VM("clawbox-1"))
	assert.NotNil(t, f.load(t, "clawbox-1"))
}

func TestDeleteMissingVMCleansUp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Delete(context.Background(), 7))
	assert.Contains(t, f.out.String(), "VM 'clawbox-7' does not exist.")
}

func TestDownMissingVM(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.m.Down(context.Background(), 1))
	assert.Contains(t, f.out.String(), "VM 'clawbox-1' does not exist.")
}

func TestCreateRejectsBusyMount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src1, src2, shared := t.TempDir(), t.TempDir(), t.TempDir()

	_, err := f.m.Create(ctx, Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src1, Payload: shared}})
	require.NoError(t, err)
	require.NoError(t, f.m.Launch(ctx, 1, true))

	_, err = f.m.Create(ctx, Options{Number: 2, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src2, Payload: shared}})
	require.True(t, lockmgr.IsBusy(err))
	assert.NotContains(t, f.driver.Calls(), "create clawbox-2")
}

func TestCreateExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Create(ctx, Options{Number: 1})
	require.NoError(t, err)

	_, err = f.m.Create(ctx, Options{Number: 1})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestNormalize(t *testing.T) {
	src, pay := t.TempDir(), t.TempDir()
	missing := filepath.Join(t.TempDir(), "missing")

	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{"zero number", Options{Number: 0}, "positive integer"},
		{"developer missing payload", Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src}}, "requires --openclaw-source and --openclaw-payload"},
		{"standard with mounts", Options{Number: 1, Mounts: Mounts{Payload: pay}}, "only valid with --developer"},
		{"same directory", Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src, Payload: src}}, "must be different directories"},
		{"missing directory", Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src, Payload: missing}}, "does not exist"},
		{"signal payload without service", Options{Number: 1, Profile: provision.ProfileDeveloper, Mounts: Mounts{Source: src, Payload: pay, SignalPayload: t.TempDir()}}, "--add-signal-cli-provisioning"},
		{"bad profile", Options{Number: 1, Profile: "gpu"}, "profile must be"},
		{"unknown service", Options{Number: 1, Services: []string{"docker"}}, "unknown optional service"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.opts)
			require.ErrorIs(t, err, ErrInvalidProfileArgs)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	got, err := Normalize(Options{Number: 1, Services: []string{"tailscale", "playwright", "tailscale"}})
	require.NoError(t, err)
	assert.Equal(t, provision.ProfileStandard, got.Profile)
	assert.Equal(t, []string{"tailscale", "playwright"}, got.Services)
}

func TestUpCommand(t *testing.T) {
	opts := Options{
		Number:   3,
		Profile:  provision.ProfileDeveloper,
		Mounts:   Mounts{Source: "/src/openclaw", Payload: "/Users/me/My Payload", SignalPayload: "/sig"},
		Services: []string{provision.ServiceSignalCLI},
	}
	assert.Equal(t,
		"clawbox up 3 --developer --openclaw-source /src/openclaw --openclaw-payload '/Users/me/My Payload' --add-signal-cli-provisioning --signal-cli-payload /sig",
		UpCommand(opts))
	assert.Equal(t, "clawbox up 1", UpCommand(Options{Number: 1, Profile: provision.ProfileStandard}))
}

func TestShellForCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.Create(ctx, Options{Number: 1})
	require.NoError(t, err)
	require.NoError(t, f.m.Launch(ctx, 1, true))

	sh, err := f.m.ShellFor(ctx, "clawbox-1")
	require.NoError(t, err)
	require.NoError(t, sh.Close())

	_, err = config.EnsureSecretsFile(f.cfg.SecretsFile, true)
	require.NoError(t, err)
	require.NoError(t, f.m.Provision(ctx, ProvisionOptions{Number: 1}))
	_, err = f.m.ShellFor(ctx, "clawbox-1")
	require.NoError(t, err)

	targets := f.shells.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "admin", targets[0].User)
	assert.Equal(t, "clawbox-1", targets[1].User)
	assert.Equal(t, config.DefaultVMPassword, targets[1].Password)
	assert.NotEmpty(t, targets[1].KeyPEM)
}

func TestShellForWithoutIP(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.ShellFor(context.Background(), "clawbox-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve IP of 'clawbox-9'")
}

func TestStatusReportsLocksAndSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Up(ctx, f.developer(t, 1)))

	st, err := f.m.Status(ctx, 1)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "192.168.64.10", st.IP)
	assert.Len(t, st.Locks, 2)
	assert.Equal(t, 4242, st.WatcherPID)
	require.Len(t, st.Sessions, 1)
	assert.True(t, st.Sessions[0].Checked)
	assert.True(t, st.Sessions[0].MarkerVisible)

	all, records, err := f.m.Environment(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Len(t, records, 2)
	assert.False(t, all[0].Sessions[0].Checked, "environment does not contact guests")

	ip, err := f.m.IP(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "192.168.64.10", ip)
}

func TestIPErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.m.IP(ctx, 1)
	assert.ErrorIs(t, err, ErrVMNotFound)

	_, err = f.m.Create(ctx, Options{Number: 1})
	require.NoError(t, err)
	_, err = f.m.IP(ctx, 1)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Up(ctx, Options{Number: 1, Headless: true}))

	f.driver.SetRunning("clawbox-1", false)
	changed, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"clawbox-1"}, changed)
	assert.Equal(t, StateStopped, f.load(t, "clawbox-1").State)

	evs, err := f.m.Events().Recent("clawbox-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.VMStoppedExternal, evs[0].Event)
	assert.Equal(t, "reconcile", evs[0].Actor)

	changed, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, f.driver.Delete(ctx, "clawbox-1"))
	changed, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"clawbox-1"}, changed)
	d := f.load(t, "clawbox-1")
	assert.Equal(t, StateAbsent, d.State)
	assert.NotNil(t, d.Invocation, "invocation survives for recreate")
}

func TestMarkStoppedIgnoresRunningVM(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.m.Up(ctx, Options{Number: 1, Headless: true}))

	require.NoError(t, f.m.MarkStopped(ctx, "clawbox-1"))
	assert.Equal(t, StateReady, f.load(t, "clawbox-1").State)
}
