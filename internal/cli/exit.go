package cli

import (
	"errors"
	"fmt"

	"github.com/javanstorm/clawbox/internal/execx"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/payload"
	"github.com/javanstorm/clawbox/internal/vm"
)

// Exit codes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidArgs     = 2
	ExitBusy            = 3
	ExitPayloadNotReady = 4
	ExitStillRunning    = 5
	ExitNoStoredParams  = 6
	ExitToolFailure     = 7
)

// usageError is a malformed command line.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ue), errors.Is(err, vm.ErrInvalidProfileArgs):
		return ExitInvalidArgs
	case lockmgr.IsBusy(err), errors.Is(err, vm.ErrVMLocked):
		return ExitBusy
	case payload.IsNotReady(err):
		return ExitPayloadNotReady
	case errors.Is(err, vm.ErrVMStillRunning):
		return ExitStillRunning
	case errors.Is(err, vm.ErrNoStoredParams):
		return ExitNoStoredParams
	case execx.IsToolError(err):
		return ExitToolFailure
	}
	return ExitFailure
}
