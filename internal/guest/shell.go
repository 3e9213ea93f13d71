// Package guest runs commands inside a VM over SSH and builds the small
// shell snippets clawbox uses to inspect guest state.
package guest

import (
	"context"
	"fmt"
	"strings"
)

// Result is the outcome of a guest command. A non-zero ExitCode is not an
// error by itself.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Output returns trimmed stderr, falling back to stdout, for diagnostics.
func (r Result) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// Shell executes commands in a guest. The returned error is reserved for
// transport failures.
type Shell interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Target identifies a guest account to connect to.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	// KeyPEM is an OpenSSH private key. Key auth is tried before password.
	KeyPEM []byte
}

// Connector opens shells to guests.
type Connector interface {
	Connect(ctx context.Context, target Target) (Shell, error)
}

// CommandError describes a guest command that exited non-zero.
type CommandError struct {
	Step   string
	Result Result
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed in guest (exit %d)", e.Step, e.Result.ExitCode)
	if out := e.Result.Output(); out != "" {
		msg += ": " + out
	}
	return msg
}

// Check runs command and turns a non-zero exit into a *CommandError.
func Check(ctx context.Context, sh Shell, step, command string) (Result, error) {
	res, err := sh.Run(ctx, command)
	if err != nil {
		return res, fmt.Errorf("%s: %w", step, err)
	}
	if !res.OK() {
		return res, &CommandError{Step: step, Result: res}
	}
	return res, nil
}
