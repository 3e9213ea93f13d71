package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/execx"
	"github.com/javanstorm/clawbox/internal/image"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/payload"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/testutil"
	"github.com/javanstorm/clawbox/internal/vm"
	"github.com/javanstorm/clawbox/internal/watcher"
)

type harness struct {
	cfg    *config.Config
	driver *testutil.FakeDriver
	engine *testutil.FakeEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testutil.TestConfig(t)
	shell := testutil.NewLocalShell(t)
	cfg.Sync.DaemonBinary = testutil.WriteStub(t, shell.Bin, "clawbox-syncd", "exit 0")
	require.NoError(t, os.MkdirAll(cfg.Guest.SharedRoot, 0755))

	h := &harness{cfg: cfg, driver: testutil.NewFakeDriver(), engine: &testutil.FakeEngine{}}
	shells := &testutil.Shells{Shell: shell}

	prevLoad, prevApp := loadConfig, newApp
	t.Cleanup(func() { loadConfig, newApp = prevLoad, prevApp })

	loadConfig = func() (*config.Config, error) { return cfg, nil }
	newApp = func(cmd *cobra.Command) (*app, error) {
		logger := logging.Discard()
		mgr := vm.NewManager(vm.ManagerConfig{
			Config:    cfg,
			Driver:    h.driver,
			Engine:    h.engine,
			Connector: shells,
			Out:       cmd.OutOrStdout(),
			Logger:    logger,
		})
		return &app{cfg: cfg, mgr: mgr, watchers: newWatchers(cfg, logger), log: logger}, nil
	}
	return h
}

// run executes the root command with args and returns everything written.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := Execute()
	return out.String(), err
}

// resetFlags undoes the previous run; cobra keeps flag values in package
// variables.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"usage", usageErrorf("bad"), ExitInvalidArgs},
		{"invalid profile args", fmt.Errorf("up: %w", vm.ErrInvalidProfileArgs), ExitInvalidArgs},
		{"busy", fmt.Errorf("launch: %w", &lockmgr.BusyError{Role: lockmgr.RolePayload, OwnerVM: "clawbox-1"}), ExitBusy},
		{"vm locked", vm.ErrVMLocked, ExitBusy},
		{"payload not ready", &payload.NotReadyError{VM: "clawbox-1"}, ExitPayloadNotReady},
		{"still running", vm.ErrVMStillRunning, ExitStillRunning},
		{"no stored params", vm.ErrNoStoredParams, ExitNoStoredParams},
		{"tool failure", &execx.ToolError{Tool: "tart", ExitCode: 1}, ExitToolFailure},
		{"other", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestProfileFlagsResolve(t *testing.T) {
	tests := []struct {
		name    string
		def     string
		args    []string
		want    provision.Profile
		wantErr bool
	}{
		{"unset", "", nil, "", false},
		{"default", "standard", nil, provision.ProfileStandard, false},
		{"developer shortcut", "", []string{"--developer"}, provision.ProfileDeveloper, false},
		{"profile flag", "", []string{"--profile", "developer"}, provision.ProfileDeveloper, false},
		{"shortcut beats default", "standard", []string{"--developer"}, provision.ProfileDeveloper, false},
		{"exclusive shortcuts", "", []string{"--developer", "--standard"}, "", true},
		{"unknown profile", "", []string{"--profile", "bogus"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p profileFlags
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			p.register(fs, tt.def)
			require.NoError(t, fs.Parse(tt.args))

			got, err := p.resolve()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ExitInvalidArgs, ExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionalNumber(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		args    []string
		want    int
		wantErr string
	}{
		{"default", nil, nil, 1, ""},
		{"positional", nil, []string{"3"}, 3, ""},
		{"flag", []string{"--number", "4"}, nil, 4, ""},
		{"both", []string{"--number", "4"}, []string{"4"}, 0, "more than once"},
		{"zero flag", []string{"--number", "0"}, nil, 0, ">= 1"},
		{"not a number", nil, []string{"two"}, 0, "invalid VM number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n int
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			fs.IntVar(&n, "number", 1, "")
			require.NoError(t, fs.Parse(tt.flags))

			got, err := optionalNumber(fs, n, tt.args)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServiceFlagsKeepRegistryOrder(t *testing.T) {
	var s serviceFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	s.register(fs)
	require.NoError(t, fs.Parse([]string{"--add-tailscale-provisioning", "--add-playwright-provisioning"}))
	assert.Equal(t, []string{provision.ServicePlaywright, provision.ServiceTailscale}, s.keys())
}

func TestMountFlagNames(t *testing.T) {
	var m mountFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	m.register(fs)
	require.NoError(t, fs.Parse([]string{"--openclaw-source", "/src", "--openclaw-payload", "/pay"}))
	assert.Equal(t, vm.Mounts{Source: "/src", Payload: "/pay"}, m.mounts())
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "clawbox dev")
	assert.Contains(t, out, "Commit:")
}

func TestUpAndStatusJSON(t *testing.T) {
	h := newHarness(t)

	out, err := run(t, "up", "2", "--headless")
	require.NoError(t, err)
	assert.Contains(t, out, "clawbox-2")
	assert.Equal(t, []string{provision.StepDependencies}, h.engine.Steps())

	out, err = run(t, "status", "2", "--json")
	require.NoError(t, err)

	var st struct {
		Name    string `json:"name"`
		State   string `json:"state"`
		Running bool   `json:"running"`
		Profile string `json:"profile"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "clawbox-2", st.Name)
	assert.Equal(t, "ready", st.State)
	assert.True(t, st.Running)
	assert.Equal(t, "standard", st.Profile)
}

func TestStatusEnvironment(t *testing.T) {
	newHarness(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No clawbox VMs")

	_, err = run(t, "up", "--number", "1", "--headless")
	require.NoError(t, err)

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "clawbox-1")
	assert.Contains(t, out, "ready")

	out, err = run(t, "status", "--json")
	require.NoError(t, err)
	var env struct {
		VMs   []map[string]any `json:"vms"`
		Locks []any            `json:"locks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	require.Len(t, env.VMs, 1)
	assert.Equal(t, "clawbox-1", env.VMs[0]["name"])
	assert.NotNil(t, env.Locks)
}

func TestStatusMissingVM(t *testing.T) {
	newHarness(t)
	out, err := run(t, "status", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "clawbox-5")
	assert.Contains(t, out, "clawbox up 5")
}

func TestDeleteRunningVMExitCode(t *testing.T) {
	h := newHarness(t)
	_, err := run(t, "up", "--headless")
	require.NoError(t, err)

	_, err = run(t, "delete")
	require.Error(t, err)
	assert.Equal(t, ExitStillRunning, ExitCode(err))

	_, err = run(t, "down", "1")
	require.NoError(t, err)
	_, err = run(t, "delete", "1")
	require.NoError(t, err)
	assert.Nil(t, h.driver.VM("clawbox-1"))
}

func TestIPCommand(t *testing.T) {
	newHarness(t)
	_, err := run(t, "ip", "1")
	assert.ErrorIs(t, err, vm.ErrVMNotFound)

	_, err = run(t, "up", "--headless")
	require.NoError(t, err)
	out, err := run(t, "ip")
	require.NoError(t, err)
	assert.Equal(t, "192.168.64.10\n", out)
}

func TestRecreateWithoutStoredInvocation(t *testing.T) {
	newHarness(t)
	_, err := run(t, "recreate", "3")
	require.Error(t, err)
	assert.Equal(t, ExitNoStoredParams, ExitCode(err))
}

func TestUsageErrors(t *testing.T) {
	newHarness(t)
	tests := []struct {
		name string
		args []string
	}{
		{"number twice", []string{"up", "2", "--number", "3"}},
		{"exclusive profiles", []string{"up", "--developer", "--standard"}},
		{"developer without mounts", []string{"up", "--developer"}},
		{"mounts without developer", []string{"create", "--openclaw-payload", "/tmp"}},
		{"unknown flag", []string{"up", "--nope"}},
		{"too many args", []string{"down", "1", "2"}},
		{"bad number", []string{"launch", "zero"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitInvalidArgs, ExitCode(err), "error: %v", err)
		})
	}
}

func TestWatchMarksStoppedVM(t *testing.T) {
	h := newHarness(t)
	_, err := run(t, "up", "--headless")
	require.NoError(t, err)

	h.driver.SetRunning("clawbox-1", false)
	_, err = run(t, watcher.Command, "clawbox-1")
	require.NoError(t, err)

	a, err := newApp(rootCmd)
	require.NoError(t, err)
	d, err := a.mgr.Store().Load("clawbox-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, vm.StateStopped, d.State)
}

type recordingRunner struct {
	cmds []execx.Command
}

func (r *recordingRunner) Run(_ context.Context, c execx.Command) (execx.Result, error) {
	r.cmds = append(r.cmds, c)
	return execx.Result{}, nil
}

func (r *recordingRunner) Start(execx.Command, string) (execx.Background, error) {
	return nil, errors.New("not supported")
}

func TestImageCommands(t *testing.T) {
	h := newHarness(t)
	tmpl := h.cfg.PackerTemplate()
	require.NoError(t, os.MkdirAll(filepath.Dir(tmpl), 0755))
	require.NoError(t, os.WriteFile(tmpl, []byte("packer {}\n"), 0644))

	r := &recordingRunner{}
	prev := newImageBuilder
	t.Cleanup(func() { newImageBuilder = prev })
	newImageBuilder = func(cmd *cobra.Command) (*image.Builder, error) {
		return &image.Builder{ProjectDir: h.cfg.ProjectDir, Template: tmpl, Runner: r, Out: cmd.OutOrStdout()}, nil
	}

	out, err := run(t, "image", "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Building base image")
	require.Len(t, r.cmds, 2)
	assert.Equal(t, []string{"init", "packer/macos-base.pkr.hcl"}, r.cmds[0].Args)
	assert.Equal(t, []string{"build", "packer/macos-base.pkr.hcl"}, r.cmds[1].Args)

	r.cmds = nil
	_, err = run(t, "image", "rebuild", "--skip-init")
	require.NoError(t, err)
	require.Len(t, r.cmds, 1)
	assert.Equal(t, []string{"build", "-force", "packer/macos-base.pkr.hcl"}, r.cmds[0].Args)
}
