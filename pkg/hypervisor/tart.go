package hypervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/execx"
)

// TartConfig holds configuration for the tart driver.
type TartConfig struct {
	// Binary is the tart executable. Defaults to "tart".
	Binary string

	// PollInterval is how often state is polled while waiting.
	PollInterval time.Duration

	// LogDir is where launch logs go when BootOptions.LogPath is empty.
	LogDir string
}

// TartDriver drives VMs through the tart command line.
type TartDriver struct {
	cfg    TartConfig
	runner execx.Runner
}

// NewTartDriver creates a tart driver that runs commands with runner.
func NewTartDriver(cfg TartConfig, runner execx.Runner) *TartDriver {
	if cfg.Binary == "" {
		cfg.Binary = "tart"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LogDir == "" {
		cfg.LogDir = os.TempDir()
	}
	return &TartDriver{cfg: cfg, runner: runner}
}

// Info returns driver metadata.
func (d *TartDriver) Info() Info {
	return Info{Name: "tart", Version: "cli"}
}

type tartVM struct {
	Name    string `json:"Name"`
	Running bool   `json:"Running"`
	State   string `json:"State"`
}

func (v tartVM) running() bool {
	return v.Running || strings.EqualFold(v.State, "running")
}

func (d *TartDriver) tart(args ...string) execx.Command {
	return execx.Command{Name: d.cfg.Binary, Args: args}
}

func (d *TartDriver) list(ctx context.Context) ([]tartVM, error) {
	res, err := d.runner.Run(ctx, d.tart("list", "--format", "json"))
	if err != nil {
		return nil, err
	}

	var vms []tartVM
	if err := json.Unmarshal([]byte(res.Stdout), &vms); err != nil {
		return nil, fmt.Errorf("parse tart list output: %w", err)
	}
	return vms, nil
}

func (d *TartDriver) find(ctx context.Context, name string) (*tartVM, error) {
	vms, err := d.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.Name == name {
			return &vm, nil
		}
	}
	return nil, nil
}

// Exists reports whether tart knows the VM.
func (d *TartDriver) Exists(ctx context.Context, name string) (bool, error) {
	vm, err := d.find(ctx, name)
	if err != nil {
		return false, err
	}
	return vm != nil, nil
}

// IsRunning reports whether tart lists the VM as running.
func (d *TartDriver) IsRunning(ctx context.Context, name string) (bool, error) {
	vm, err := d.find(ctx, name)
	if err != nil {
		return false, err
	}
	return vm != nil && vm.running(), nil
}

// Create clones spec.BaseImage into spec.Name.
func (d *TartDriver) Create(ctx context.Context, spec CreateSpec) error {
	exists, err := d.Exists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, spec.Name)
	}

	if _, err := d.runner.Run(ctx, d.tart("clone", spec.BaseImage, spec.Name)); err != nil {
		return WithLimitHint(fmt.Errorf("clone %s from %s: %w", spec.Name, spec.BaseImage, err))
	}
	return nil
}

// Boot starts `tart run` detached and waits for the running state. If the
// run process exits first, the tail of its log is returned.
func (d *TartDriver) Boot(ctx context.Context, name string, opts BootOptions) error {
	vm, err := d.find(ctx, name)
	if err != nil {
		return err
	}
	if vm == nil {
		return fmt.Errorf("%w: %s", ErrNotCreated, name)
	}
	if vm.running() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}

	logPath := opts.LogPath
	if logPath == "" {
		logPath = filepath.Join(d.cfg.LogDir, fmt.Sprintf("clawbox-%s-launch.log", name))
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create launch log dir: %w", err)
	}
	// Truncate so the tail only reflects this launch.
	if err := os.WriteFile(logPath, nil, 0644); err != nil {
		return fmt.Errorf("reset launch log: %w", err)
	}

	cmd := d.tart(RunArgs(name, opts)...)
	proc, err := d.runner.Start(cmd, logPath)
	if err != nil {
		return WithLimitHint(fmt.Errorf("start %s: %w", name, err))
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		running, err := d.IsRunning(ctx, name)
		if err == nil && running {
			return nil
		}

		select {
		case <-proc.Done():
			// One last look: tart may report running just after the
			// launcher process returns.
			if running, err := d.IsRunning(ctx, name); err == nil && running {
				return nil
			}
			tail := readTail(logPath)
			return WithLimitHint(fmt.Errorf("launch %s: %w", name, &execx.ToolError{
				Tool:     d.cfg.Binary,
				Args:     cmd.Args,
				ExitCode: proc.ExitCode(),
				Tail:     tail,
			}))
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s\n%s", ErrBootTimeout, name, timeout, readTail(logPath))
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunArgs builds the `tart run` argument list.
func RunArgs(name string, opts BootOptions) []string {
	args := []string{"run", name}
	if opts.Headless {
		args = append(args, "--no-graphics")
	}
	for _, dir := range opts.SharedDirs {
		spec := fmt.Sprintf("--dir=%s:%s", dir.Tag, dir.HostPath)
		if dir.ReadOnly {
			spec += ":ro"
		}
		args = append(args, spec)
	}
	return args
}

// Stop asks tart to stop the VM. A VM that is not running is left alone.
func (d *TartDriver) Stop(ctx context.Context, name string) error {
	running, err := d.IsRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}
	if _, err := d.runner.Run(ctx, d.tart("stop", name)); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// Delete removes the VM. Deleting an unknown VM is not an error.
func (d *TartDriver) Delete(ctx context.Context, name string) error {
	exists, err := d.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if _, err := d.runner.Run(ctx, d.tart("delete", name)); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// IP asks the guest agent first, then falls back to DHCP lease lookup.
func (d *TartDriver) IP(ctx context.Context, name string) (string, error) {
	var lastErr error
	for _, args := range [][]string{
		{"ip", "--resolver=agent", name},
		{"ip", name},
	} {
		res, err := d.runner.Run(ctx, d.tart(args...))
		if err != nil {
			lastErr = err
			continue
		}
		if ip := strings.TrimSpace(res.Stdout); ip != "" {
			return ip, nil
		}
	}
	if lastErr != nil && !execx.IsToolError(lastErr) {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: %s", ErrNoIP, name)
}

// WaitStopped polls until the VM is no longer running.
func WaitStopped(ctx context.Context, d Driver, name string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		running, err := d.IsRunning(ctx, name)
		if err == nil && !running {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("VM '%s' did not stop within %s", name, timeout)
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func readTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return execx.LastLines(string(data), 20)
}
