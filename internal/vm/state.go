package vm

import "fmt"

// State is the lifecycle state of a VM.
type State int

const (
	StateAbsent       State = iota
	StateCreated            // Cloned, never booted
	StateRunning            // Booted, not provisioned
	StateProvisioning       // Provisioning in progress
	StateReady              // Provisioned and running
	StateStopped            // Stopped, may be provisioned
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for st := StateAbsent; st <= StateStopped; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StateAbsent, fmt.Errorf("unknown VM state %q", s)
}

// MarshalText stores states by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Live reports whether the state expects the VM to be booted.
func (s State) Live() bool {
	return s == StateRunning || s == StateProvisioning || s == StateReady
}
