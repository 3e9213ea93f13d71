package lockmgr

import (
	"errors"
	"fmt"
)

// ErrNotOwner is returned when a VM releases a lock held by another VM.
var ErrNotOwner = errors.New("lockmgr: lock is owned by another VM")

// BusyError reports that a resource is attached to another running VM.
type BusyError struct {
	Role      Role
	Path      string
	OwnerVM   string
	OwnerHost string
}

func (e *BusyError) Error() string {
	host := e.OwnerHost
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf(
		"%s is already in use by running VM '%s'.\n  path: %s\n  owner host: %s\nUse a different %s path or run 'clawbox down' on the owner VM first.",
		e.Role.Label, e.OwnerVM, e.Path, host, e.Role.Flag,
	)
}

// IsBusy reports whether err wraps a *BusyError.
func IsBusy(err error) bool {
	var be *BusyError
	return errors.As(err, &be)
}
