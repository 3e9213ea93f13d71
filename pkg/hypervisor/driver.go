// Package hypervisor is the boundary between clawbox and the program that
// actually runs macOS guests. The only backend is the tart CLI.
package hypervisor

import (
	"context"
	"time"
)

// Driver is the main interface for hypervisor operations.
type Driver interface {
	Lifecycle
	Info() Info

	// Exists reports whether a VM with this name has been created.
	Exists(ctx context.Context, name string) (bool, error)

	// IsRunning reports whether the VM is running. An error means the
	// state could not be determined.
	IsRunning(ctx context.Context, name string) (bool, error)

	// IP returns the guest address, or ErrNoIP when none is assigned yet.
	IP(ctx context.Context, name string) (string, error)
}

// Lifecycle defines VM lifecycle operations.
type Lifecycle interface {
	// Create clones a new VM from a base image without starting it.
	Create(ctx context.Context, spec CreateSpec) error

	// Boot starts the VM and waits until the hypervisor reports it running.
	Boot(ctx context.Context, name string, opts BootOptions) error

	// Stop gracefully shuts down the VM. Stopping a stopped VM is not an error.
	Stop(ctx context.Context, name string) error

	// Delete removes the VM and its disk.
	Delete(ctx context.Context, name string) error
}

// CreateSpec describes a VM to clone.
type CreateSpec struct {
	Name      string
	BaseImage string
}

// SharedDir is a host directory exposed to the guest under Tag.
type SharedDir struct {
	Tag      string
	HostPath string
	ReadOnly bool
}

// BootOptions controls how a VM is started.
type BootOptions struct {
	// Headless starts the VM without a graphics window.
	Headless bool

	SharedDirs []SharedDir

	// LogPath receives hypervisor output for the life of the VM.
	LogPath string

	// Timeout bounds the wait for the running state.
	Timeout time.Duration
}

// Info contains driver metadata.
type Info struct {
	Name    string
	Version string
}

// Oracle adapts a Driver to the liveness question asked by the lock manager.
type Oracle struct {
	Driver Driver
}

// IsRunning reports whether the named VM is running.
func (o Oracle) IsRunning(ctx context.Context, vmID string) (bool, error) {
	return o.Driver.IsRunning(ctx, vmID)
}
