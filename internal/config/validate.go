package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultVMBaseName is used when no base name is configured.
const DefaultVMBaseName = "clawbox"

var vmBaseNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = will be ignored
}

// Validate checks cfg and returns every problem found.
func Validate(cfg *Config) []ValidationError {
	var errors []ValidationError

	if !vmBaseNameRE.MatchString(cfg.VMBaseName) {
		errors = append(errors, ValidationError{
			Field:   "vm_base_name",
			Message: fmt.Sprintf("%q must start with a letter or digit and contain only letters, digits and '-'", cfg.VMBaseName),
			Fatal:   true,
		})
	}

	if cfg.Sync.MarkerFilename == "" || strings.ContainsRune(cfg.Sync.MarkerFilename, '/') {
		errors = append(errors, ValidationError{
			Field:   "sync.marker_filename",
			Message: "must be a plain file name",
			Fatal:   true,
		})
	}

	if cfg.Sync.FailureThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "sync.failure_threshold",
			Message: "must be at least 1",
			Fatal:   true,
		})
	}

	for field, d := range map[string]time.Duration{
		"timeouts.boot":      cfg.Timeouts.Boot,
		"timeouts.stop":      cfg.Timeouts.Stop,
		"timeouts.ready":     cfg.Timeouts.Ready,
		"timeouts.preflight": cfg.Timeouts.Preflight,
		"timeouts.poll":      cfg.Timeouts.Poll,
		"sync.interval":      cfg.Sync.Interval,
	} {
		if d <= 0 {
			errors = append(errors, ValidationError{Field: field, Message: "must be positive", Fatal: true})
		}
	}

	if cfg.Bootstrap.Password == "admin" {
		errors = append(errors, ValidationError{
			Field:   "bootstrap.password",
			Message: "using the base image default admin password",
			Fatal:   false,
		})
	}

	return errors
}

// HasFatal reports whether any error is fatal.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
