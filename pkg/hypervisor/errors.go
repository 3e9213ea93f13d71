package hypervisor

import (
	"errors"
	"strings"
)

// Runtime errors
var (
	ErrNotCreated     = errors.New("hypervisor: VM not created")
	ErrAlreadyExists  = errors.New("hypervisor: VM already exists")
	ErrAlreadyRunning = errors.New("hypervisor: VM is already running")
	ErrNotRunning     = errors.New("hypervisor: VM is not running")
	ErrBootTimeout    = errors.New("hypervisor: VM did not reach running state")
	ErrNoIP           = errors.New("hypervisor: VM has no IP address yet")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)

var virtualizationLimitIndicators = []string{
	"vzerrordomain",
	"virtualization",
	"virtual machine limit",
	"system limit",
	"exceeds the system limit",
	"maximum number of virtual machines",
	"resource busy",
}

// VirtualizationLimitHint returns an operator hint when msg looks like the
// host refused to start another VM, or "" otherwise.
func VirtualizationLimitHint(msg string) string {
	lowered := strings.ToLower(msg)
	for _, token := range virtualizationLimitIndicators {
		if strings.Contains(lowered, token) {
			return "Hint: macOS Virtualization.framework may be refusing another VM on this host.\n" +
				"Stop other VMs and retry (for example: clawbox down 1, clawbox down 2)."
		}
	}
	return ""
}

// LimitError decorates a boot or create failure with VirtualizationLimitHint.
type LimitError struct {
	Err  error
	Hint string
}

func (e *LimitError) Error() string { return e.Err.Error() + "\n" + e.Hint }
func (e *LimitError) Unwrap() error { return e.Err }

// WithLimitHint wraps err in a *LimitError when its message matches a
// virtualization-limit failure.
func WithLimitHint(err error) error {
	if err == nil {
		return nil
	}
	if hint := VirtualizationLimitHint(err.Error()); hint != "" {
		return &LimitError{Err: err, Hint: hint}
	}
	return err
}
