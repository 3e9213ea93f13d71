// Package testutil provides fakes and helpers shared by clawbox tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/clawbox/internal/config"
	"github.com/javanstorm/clawbox/internal/guest"
)

// TestConfig returns a configuration rooted in temp directories with short
// timeouts. The guest shared root is a host temp directory so that local
// shells can see "mounted" payloads directly.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	paths := &config.Paths{
		ConfigDir:  filepath.Join(dir, "config"),
		DataDir:    filepath.Join(dir, "data"),
		StateDir:   filepath.Join(dir, "data", "state"),
		ConfigFile: filepath.Join(dir, "data", "config.yaml"),
	}
	cfg := config.DefaultConfig(paths)
	cfg.ProjectDir = filepath.Join(dir, "project")
	cfg.SecretsFile = filepath.Join(cfg.ProjectDir, "ansible", "secrets.yml")
	cfg.Guest.SharedRoot = filepath.Join(dir, "shared")

	cfg.Sync.Interval = 10 * time.Millisecond
	cfg.Sync.Grace = 100 * time.Millisecond
	cfg.Timeouts.Boot = time.Second
	cfg.Timeouts.Stop = time.Second
	cfg.Timeouts.IP = 100 * time.Millisecond
	cfg.Timeouts.Ready = 200 * time.Millisecond
	cfg.Timeouts.Preflight = 200 * time.Millisecond
	cfg.Timeouts.SSHConnect = 100 * time.Millisecond
	cfg.Timeouts.GuestCommand = 5 * time.Second
	cfg.Timeouts.Poll = 5 * time.Millisecond
	cfg.Watcher.PollInterval = 10 * time.Millisecond
	cfg.Watcher.StopTimeout = time.Second
	return cfg
}

// WriteStub writes an executable shell script named name into dir.
func WriteStub(t *testing.T, dir, name, script string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("create stub dir: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return p
}

// LocalShell runs guest commands on the host with sh, HOME pointed at a
// temp directory and Bin prepended to PATH.
type LocalShell struct {
	Home string
	Bin  string

	mu       sync.Mutex
	commands []string
}

// NewLocalShell creates a local shell with fresh home and bin directories.
func NewLocalShell(t *testing.T) *LocalShell {
	t.Helper()
	s := &LocalShell{Home: t.TempDir(), Bin: t.TempDir()}
	// launchd is not available here; agents are "loaded" silently.
	WriteStub(t, s.Bin, "launchctl", "exit 0")
	return s
}

// Run executes command with sh -c.
func (s *LocalShell) Run(ctx context.Context, command string) (guest.Result, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "HOME="+s.Home, "PATH="+s.Bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := guest.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Close is a no-op.
func (s *LocalShell) Close() error { return nil }

// Commands returns every command run so far.
func (s *LocalShell) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Shells hands out the same LocalShell for every VM and can be told to
// refuse connections. It serves both as a payload shell provider and as a
// guest connector.
type Shells struct {
	Shell *LocalShell
	Err   error

	mu      sync.Mutex
	targets []guest.Target
}

// Connect records target and returns the shared shell.
func (p *Shells) Connect(_ context.Context, target guest.Target) (guest.Shell, error) {
	p.mu.Lock()
	p.targets = append(p.targets, target)
	p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Shell, nil
}

// Targets returns every target passed to Connect.
func (p *Shells) Targets() []guest.Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]guest.Target(nil), p.targets...)
}

// ShellFor returns the shared shell.
func (p *Shells) ShellFor(context.Context, string) (guest.Shell, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Shell, nil
}
