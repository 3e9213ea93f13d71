package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// FakeDriver is an in-memory hypervisor.Driver.
type FakeDriver struct {
	mu      sync.Mutex
	vms     map[string]*FakeVM
	calls   []string
	IPAddr  string
	BootErr error
	// ListErr makes every state query fail.
	ListErr   error
	CreateErr error
}

// FakeVM is one VM known to a FakeDriver.
type FakeVM struct {
	Running bool
	Boot    hypervisor.BootOptions
	Boots   int
}

// NewFakeDriver returns an empty driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{vms: map[string]*FakeVM{}, IPAddr: "192.168.64.10"}
}

func (d *FakeDriver) record(format string, args ...any) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// Calls returns the operations performed so far.
func (d *FakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// VM returns a copy of name's state, or nil.
func (d *FakeDriver) VM(name string) *FakeVM {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[name]
	if !ok {
		return nil
	}
	cp := *vm
	return &cp
}

// SetRunning changes a VM's state behind clawbox's back.
func (d *FakeDriver) SetRunning(name string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vm, ok := d.vms[name]; ok {
		vm.Running = running
	}
}

func (d *FakeDriver) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test"}
}

func (d *FakeDriver) Create(_ context.Context, spec hypervisor.CreateSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("create %s", spec.Name)
	if d.CreateErr != nil {
		return d.CreateErr
	}
	if _, ok := d.vms[spec.Name]; ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrAlreadyExists, spec.Name)
	}
	d.vms[spec.Name] = &FakeVM{}
	return nil
}

func (d *FakeDriver) Boot(_ context.Context, name string, opts hypervisor.BootOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("boot %s headless=%t", name, opts.Headless)
	vm, ok := d.vms[name]
	if !ok {
		return fmt.Errorf("%w: %s", hypervisor.ErrNotCreated, name)
	}
	if vm.Running {
		return fmt.Errorf("%w: %s", hypervisor.ErrAlreadyRunning, name)
	}
	if d.BootErr != nil {
		return d.BootErr
	}
	vm.Running = true
	vm.Boot = opts
	vm.Boots++
	return nil
}

func (d *FakeDriver) Stop(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("stop %s", name)
	if vm, ok := d.vms[name]; ok {
		vm.Running = false
	}
	return nil
}

func (d *FakeDriver) Delete(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("delete %s", name)
	delete(d.vms, name)
	return nil
}

func (d *FakeDriver) Exists(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return false, d.ListErr
	}
	_, ok := d.vms[name]
	return ok, nil
}

func (d *FakeDriver) IsRunning(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ListErr != nil {
		return false, d.ListErr
	}
	vm, ok := d.vms[name]
	return ok && vm.Running, nil
}

func (d *FakeDriver) IP(_ context.Context, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vm, ok := d.vms[name]
	if !ok || !vm.Running || d.IPAddr == "" {
		return "", fmt.Errorf("%w: %s", hypervisor.ErrNoIP, name)
	}
	return d.IPAddr, nil
}

// FakeEngine records provisioning runs.
type FakeEngine struct {
	mu   sync.Mutex
	runs []provision.Run
	// FailStep makes the run of that step fail.
	FailStep string
	// OnRun is called after each successful run.
	OnRun func(provision.Run)
}

func (e *FakeEngine) Run(_ context.Context, run provision.Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run.Step == e.FailStep {
		return fmt.Errorf("provision step %s: playbook failed", run.Step)
	}
	e.runs = append(e.runs, run)
	if e.OnRun != nil {
		e.OnRun(run)
	}
	return nil
}

// Runs returns successful runs.
func (e *FakeEngine) Runs() []provision.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]provision.Run(nil), e.runs...)
}

// Steps returns the step names of successful runs.
func (e *FakeEngine) Steps() []string {
	var out []string
	for _, r := range e.Runs() {
		out = append(out, r.Step)
	}
	return out
}
