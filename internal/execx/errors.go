package execx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultTailBytes is how much trailing output a ToolError keeps.
const DefaultTailBytes = 4096

// ToolError reports a failed external tool invocation with the tail of
// its diagnostic output.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Tail     string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, "%s failed (exit %d)", e.Tool, e.ExitCode)
	} else {
		fmt.Fprintf(&b, "%s failed: %v", e.Tool, e.Err)
	}
	if tail := strings.TrimSpace(e.Tail); tail != "" {
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error { return e.Err }

// IsToolError reports whether err wraps a *ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Tail is an io.Writer that keeps only the last max bytes written to it.
type Tail struct {
	mu  sync.Mutex
	max int
	buf []byte
}

// NewTail returns a Tail bounded to max bytes.
func NewTail(max int) *Tail {
	return &Tail{max: max}
}

func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// LastLines returns at most n trailing lines of s.
func LastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
