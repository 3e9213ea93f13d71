package payload

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when a VM has no session for a role.
var ErrNoSession = errors.New("no sync session")

// NotReadyError means the guest cannot see a mounted payload's marker, or
// the sync daemon never reported in.
type NotReadyError struct {
	VM     string
	Role   string
	Path   string
	Reason string
	Output string
}

func (e *NotReadyError) Error() string {
	msg := fmt.Sprintf("payload %s is not ready in VM '%s': %s\n  guest path: %s", e.Role, e.VM, e.Reason, e.Path)
	if e.Output != "" {
		msg += "\n  last output: " + e.Output
	}
	return msg + "\nWait for the VM to finish booting, then retry."
}

// IsNotReady reports whether err is a *NotReadyError.
func IsNotReady(err error) bool {
	var nr *NotReadyError
	return errors.As(err, &nr)
}
