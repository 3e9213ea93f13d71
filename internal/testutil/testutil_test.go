package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

var _ hypervisor.Driver = (*FakeDriver)(nil)
var _ provision.Engine = (*FakeEngine)(nil)

func TestTestConfig(t *testing.T) {
	cfg := TestConfig(t)
	assert.NotEmpty(t, cfg.StateDir)
	assert.NotEmpty(t, cfg.Guest.SharedRoot)
	assert.Positive(t, cfg.Timeouts.Poll)
}

func TestLocalShell(t *testing.T) {
	sh := NewLocalShell(t)
	res, err := sh.Run(context.Background(), `printf '%s' "$HOME"; launchctl list`)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, sh.Home, res.Stdout)

	res, err = sh.Run(context.Background(), "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Len(t, sh.Commands(), 2)
}

func TestFakeDriver(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	require.NoError(t, d.Create(ctx, hypervisor.CreateSpec{Name: "vm"}))
	assert.ErrorIs(t, d.Create(ctx, hypervisor.CreateSpec{Name: "vm"}), hypervisor.ErrAlreadyExists)
	require.NoError(t, d.Boot(ctx, "vm", hypervisor.BootOptions{Headless: true}))
	assert.ErrorIs(t, d.Boot(ctx, "vm", hypervisor.BootOptions{}), hypervisor.ErrAlreadyRunning)

	running, err := d.IsRunning(ctx, "vm")
	require.NoError(t, err)
	assert.True(t, running)

	d.SetRunning("vm", false)
	_, err = d.IP(ctx, "vm")
	assert.ErrorIs(t, err, hypervisor.ErrNoIP)
	assert.Equal(t, 1, d.VM("vm").Boots)
}

func TestFakeEngine(t *testing.T) {
	e := &FakeEngine{FailStep: "build-gate"}
	ctx := context.Background()
	require.NoError(t, e.Run(ctx, provision.Run{Step: "dependencies"}))
	assert.Error(t, e.Run(ctx, provision.Run{Step: "build-gate"}))
	assert.Equal(t, []string{"dependencies"}, e.Steps())
}
