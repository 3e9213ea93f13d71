// Package watcher supervises the detached host process that notices a VM
// stopping outside clawbox.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/javanstorm/clawbox/internal/execx"
	"github.com/javanstorm/clawbox/internal/fslock"
	"github.com/javanstorm/clawbox/internal/logging"
	"github.com/javanstorm/clawbox/internal/retry"
)

// Command is the hidden CLI subcommand a watcher process runs.
const Command = "_watch-vm"

// Record is the persisted identity of a watcher process.
type Record struct {
	VM          string    `json:"vm"`
	PID         int       `json:"pid"`
	PollSeconds float64   `json:"poll_seconds"`
	StartedAt   time.Time `json:"started_at"`
}

// Config holds configuration for the watcher supervisor.
type Config struct {
	// Dir holds one record per VM.
	Dir string

	// LogDir receives each watcher's output.
	LogDir string

	// Executable is the clawbox binary. Defaults to os.Executable.
	Executable string

	Interval    time.Duration
	StopTimeout time.Duration

	Runner execx.Runner
	Logger *slog.Logger
}

// Supervisor starts, finds and stops watcher processes.
type Supervisor struct {
	cfg Config
	now func() time.Time
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = execx.OSRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Supervisor{cfg: cfg, now: time.Now}
}

func (s *Supervisor) path(vm string) string {
	return filepath.Join(s.cfg.Dir, vm+".json")
}

func (s *Supervisor) read(vm string) (*Record, error) {
	data, err := os.ReadFile(s.path(vm))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watcher record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse watcher record %s: %w", vm, err)
	}
	return &rec, nil
}

func (s *Supervisor) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watcher record: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("create watcher dir: %w", err)
	}
	return fslock.WriteFileAtomic(s.path(rec.VM), data, 0644)
}

func (s *Supervisor) remove(vm string) error {
	if err := os.Remove(s.path(vm)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove watcher record: %w", err)
	}
	return nil
}

// Start launches a watcher for vm unless a live one is already recorded.
// It returns the watcher's pid.
func (s *Supervisor) Start(vm string) (int, error) {
	if pid, ok := s.PID(vm); ok {
		return pid, nil
	}

	exe := s.cfg.Executable
	if exe == "" {
		p, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("locate clawbox executable: %w", err)
		}
		exe = p
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0755); err != nil {
		return 0, fmt.Errorf("create watcher log dir: %w", err)
	}

	// The watcher inherits the environment, so it resolves the same config.
	proc, err := s.cfg.Runner.Start(execx.Command{Name: exe, Args: []string{Command, vm}}, filepath.Join(s.cfg.LogDir, vm+".watcher.log"))
	if err != nil {
		return 0, fmt.Errorf("start watcher for '%s': %w", vm, err)
	}

	rec := Record{
		VM:          vm,
		PID:         proc.Pid(),
		PollSeconds: s.cfg.Interval.Seconds(),
		StartedAt:   s.now().UTC(),
	}
	if err := s.write(rec); err != nil {
		return 0, err
	}
	s.cfg.Logger.Debug("watcher started", "vm", vm, "pid", rec.PID)
	return rec.PID, nil
}

// PID returns the pid of vm's watcher if it is alive.
func (s *Supervisor) PID(vm string) (int, bool) {
	rec, err := s.read(vm)
	if err != nil || rec == nil {
		return 0, false
	}
	if !Alive(rec.PID, vm) {
		return 0, false
	}
	return rec.PID, true
}

// Stop terminates vm's watcher, escalating to SIGKILL after StopTimeout.
// Stopping a VM without a watcher is a no-op.
func (s *Supervisor) Stop(vm string) error {
	rec, err := s.read(vm)
	if err != nil || rec == nil {
		// An unreadable record names no process we can trust.
		return s.remove(vm)
	}
	if !Alive(rec.PID, vm) {
		return s.remove(vm)
	}

	p, err := process.NewProcess(int32(rec.PID))
	if err == nil {
		if err := p.Terminate(); err != nil {
			s.cfg.Logger.Debug("terminate watcher", "vm", vm, "pid", rec.PID, "error", err)
		}
		err = retry.Poll(context.Background(), 20*time.Millisecond, s.cfg.StopTimeout, func(context.Context) (bool, error) {
			return !Alive(rec.PID, vm), nil
		})
		if errors.Is(err, retry.ErrPollTimeout) {
			s.cfg.Logger.Warn("watcher ignored SIGTERM, killing", "vm", vm, "pid", rec.PID)
			if err := p.Kill(); err != nil && Alive(rec.PID, vm) {
				return fmt.Errorf("kill watcher %d for '%s': %w", rec.PID, vm, err)
			}
		}
	}
	return s.remove(vm)
}

// Forget removes vm's record if it still names pid. A watcher calls it on
// its way out.
func (s *Supervisor) Forget(vm string, pid int) error {
	rec, err := s.read(vm)
	if err != nil || rec == nil || rec.PID != pid {
		return err
	}
	return s.remove(vm)
}

// List returns every record, live or not, sorted by VM.
func (s *Supervisor) List() ([]Record, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watcher dir: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil || rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VM < out[j].VM })
	return out, nil
}

// Reconcile drops records whose process is gone and returns their VMs.
func (s *Supervisor) Reconcile() ([]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var dropped []string
	for _, rec := range records {
		if Alive(rec.PID, rec.VM) {
			continue
		}
		if err := s.remove(rec.VM); err != nil {
			return dropped, err
		}
		dropped = append(dropped, rec.VM)
	}
	return dropped, nil
}

// Alive reports whether pid is a running watcher for vm. A recycled pid
// running something else does not count.
func Alive(pid int, vm string) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if status, err := p.Status(); err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return false
	}
	return matches(cmdline, vm)
}

// matches reports whether cmdline invokes the watcher subcommand for vm.
func matches(cmdline []string, vm string) bool {
	for i := 0; i+1 < len(cmdline); i++ {
		if cmdline[i] == Command && cmdline[i+1] == vm {
			return true
		}
	}
	return false
}
