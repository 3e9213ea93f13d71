// Package execx runs external tools and turns their failures into
// diagnosable errors.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Command describes one invocation of an external tool.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Stream, when set, receives combined output as it is produced.
	Stream io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Background is a detached process started by Runner.Start.
type Background interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	ExitCode() int
}

// Runner executes commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	// Start launches cmd detached from the caller, with output appended to logPath.
	Start(cmd Command, logPath string) (Background, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// Run executes cmd and waits. A non-zero exit returns a *ToolError.
func (OSRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout bytes.Buffer
	stderr := NewTail(DefaultTailBytes)
	if c.Stream != nil {
		// os/exec copies each pipe in its own goroutine.
		stream := &lockedWriter{w: c.Stream}
		cmd.Stdout = io.MultiWriter(&stdout, stream)
		cmd.Stderr = io.MultiWriter(stderr, stream)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = stderr
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		tail := res.Stderr
		if strings.TrimSpace(tail) == "" {
			tail = lastBytes(res.Stdout, DefaultTailBytes)
		}
		return res, &ToolError{Tool: c.Name, Args: c.Args, ExitCode: res.ExitCode, Tail: tail, Err: err}
	}
	return res, wrapStartError(c, err)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Start launches the command in its own process group so it outlives the CLI.
func (OSRunner) Start(c Command, logPath string) (Background, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, wrapStartError(c, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		logFile.Close()
		p.mu.Lock()
		p.exitCode = cmd.ProcessState.ExitCode()
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func wrapStartError(c Command, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return &ToolError{Tool: c.Name, Args: c.Args, ExitCode: -1, Err: fmt.Errorf("command not found: %s", c.Name)}
	}
	return &ToolError{Tool: c.Name, Args: c.Args, ExitCode: -1, Err: err}
}
