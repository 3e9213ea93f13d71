package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidProfileArgs means the requested profile, mounts and
	// provisioning flags do not fit together. Nothing was changed.
	ErrInvalidProfileArgs = errors.New("invalid profile arguments")

	// ErrVMStillRunning is returned by delete on a running VM.
	ErrVMStillRunning = errors.New("VM is still running")

	// ErrNoStoredParams is returned by recreate when the VM has no recorded
	// invocation.
	ErrNoStoredParams = errors.New("no stored invocation parameters")

	// ErrInvalidState means the VM is in the wrong state for the operation.
	ErrInvalidState = errors.New("invalid VM state")

	// ErrVMNotFound means clawbox has no record of the VM.
	ErrVMNotFound = errors.New("VM not found")

	// ErrProvisionMismatch means up was asked for options that differ from
	// what the VM was provisioned with.
	ErrProvisionMismatch = errors.New("requested options do not match provisioned VM")

	// ErrVMLocked means another clawbox command is driving the VM.
	ErrVMLocked = errors.New("VM is busy with another clawbox command")
)

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProfileArgs, fmt.Sprintf(format, args...))
}
