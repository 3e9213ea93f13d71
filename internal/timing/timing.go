// Package timing records how long each step of a multi-step VM operation
// took, for the opt-in report printed when CLAWBOX_TIMING=1.
package timing

import (
	"fmt"
	"io"
	"os"
	"time"
)

// EnvVar enables reports when set to "1".
const EnvVar = "CLAWBOX_TIMING"

// Enabled reports whether the environment asks for timing reports.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Step is one timed step.
type Step struct {
	Name     string
	Duration time.Duration
	Failed   bool
}

// Timer tracks the steps of one operation. A nil *Timer is a no-op, so
// callers need not check whether timing is enabled.
type Timer struct {
	op    string
	start time.Time
	last  time.Time
	steps []Step
	now   func() time.Time
}

// New starts a timer for op.
func New(op string) *Timer {
	now := time.Now()
	return &Timer{op: op, start: now, last: now, now: time.Now}
}

// Step records a step ending now. The duration runs from the previous step.
func (t *Timer) Step(name string, err error) {
	if t == nil {
		return
	}
	now := t.now()
	t.steps = append(t.steps, Step{Name: name, Duration: now.Sub(t.last), Failed: err != nil})
	t.last = now
}

// Steps returns the recorded steps.
func (t *Timer) Steps() []Step {
	if t == nil {
		return nil
	}
	return t.steps
}

// Total is the time since New.
func (t *Timer) Total() time.Duration {
	if t == nil {
		return 0
	}
	return t.now().Sub(t.start)
}

// Report writes a table of steps to w.
func (t *Timer) Report(w io.Writer) {
	if t == nil {
		return
	}
	fmt.Fprintf(w, "\n=== %s timing ===\n", t.op)
	for _, s := range t.steps {
		mark := ""
		if s.Failed {
			mark = " (failed)"
		}
		fmt.Fprintf(w, "  %-12s %s%s\n", s.Name+":", formatDuration(s.Duration), mark)
	}
	fmt.Fprintf(w, "  %-12s %s\n", "total:", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return d.Round(time.Second).String()
}
