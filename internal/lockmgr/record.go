// Package lockmgr guarantees that a host resource path is attached to at
// most one running VM at a time.
//
// Locks are JSON records under <state_dir>/locks, one per resource key.
// Every read-modify-write of a record happens under an exclusive flock on
// a sibling .lock file, so concurrent clawbox processes on the same host
// observe a single order of acquisitions.
package lockmgr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Role identifies which kind of resource a lock carries. Label and Flag
// are used to build operator-facing messages.
type Role struct {
	Name  string
	Label string
	Flag  string
}

var (
	RoleSource = Role{
		Name:  "source",
		Label: "OpenClaw source directory",
		Flag:  "--openclaw-source",
	}
	RolePayload = Role{
		Name:  "payload",
		Label: "OpenClaw payload directory",
		Flag:  "--openclaw-payload",
	}
	RoleSignalPayload = Role{
		Name:  "signal-payload",
		Label: "signal-cli payload directory",
		Flag:  "--signal-cli-payload",
	}
)

// Roles lists every known role in mount order.
var Roles = []Role{RoleSource, RolePayload, RoleSignalPayload}

// RoleByName returns the Role with the given name.
func RoleByName(name string) (Role, bool) {
	for _, r := range Roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

// Record is the persisted ownership of one resource.
type Record struct {
	Key        string    `json:"resource_key"`
	Role       string    `json:"role"`
	OwnerVM    string    `json:"owner_vm"`
	OwnerHost  string    `json:"owner_host"`
	Path       string    `json:"resource_path"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Token is returned by a successful Acquire.
type Token struct {
	Record Record
	// Reacquired is set when the caller already owned the lock.
	Reacquired bool
	// Reclaimed is set when a stale lock of another VM was taken over.
	Reclaimed     bool
	PreviousOwner string
}

// Fresh reports whether this acquisition created ownership the caller did
// not hold before the call.
func (t Token) Fresh() bool {
	return !t.Reacquired
}

// Canonicalize expands ~, makes path absolute and resolves symlinks. Paths
// that do not exist yet are cleaned but not resolved.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty resource path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// Key derives the resource key of a canonical path.
func Key(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
