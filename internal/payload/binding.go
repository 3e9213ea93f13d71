// Package payload coordinates how host payload directories reach a guest:
// readiness markers, guest-side seeding or linking, the guest sync daemon,
// and persisted sync sessions.
package payload

import (
	"path"

	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/pkg/hypervisor"
)

// Mode selects how the guest-local copy relates to the mount.
type Mode string

const (
	// ModeLink points the guest-local path at the mount with a symlink.
	ModeLink Mode = "link"

	// ModeSeed copies the mount into a real guest-local directory and runs
	// clawbox-syncd to push changes back.
	ModeSeed Mode = "seed"
)

// Mount tags.
const (
	SourceTag        = "openclaw-source"
	PayloadTag       = "openclaw-payload"
	SignalPayloadTag = "signal-cli-payload"
)

// Binding ties a host payload directory to its guest location.
type Binding struct {
	Role       lockmgr.Role
	Tag        string
	HostPath   string
	GuestLocal string
	Mode       Mode
}

// PayloadBinding is the OpenClaw state payload, linked into place.
func PayloadBinding(hostPath, guestLocal string) Binding {
	return Binding{
		Role:       lockmgr.RolePayload,
		Tag:        PayloadTag,
		HostPath:   hostPath,
		GuestLocal: guestLocal,
		Mode:       ModeLink,
	}
}

// SignalPayloadBinding is the signal-cli data payload. signal-cli keeps
// sqlite databases that misbehave on shared filesystems, so it is seeded
// into a local copy and pushed back by the daemon.
func SignalPayloadBinding(hostPath, guestLocal string) Binding {
	return Binding{
		Role:       lockmgr.RoleSignalPayload,
		Tag:        SignalPayloadTag,
		HostPath:   hostPath,
		GuestLocal: guestLocal,
		Mode:       ModeSeed,
	}
}

// SharedDir returns the hypervisor share for b.
func (b Binding) SharedDir() hypervisor.SharedDir {
	return hypervisor.SharedDir{Tag: b.Tag, HostPath: b.HostPath}
}

// GuestMount returns where b's share appears in the guest.
func GuestMount(sharedRoot, tag string) string {
	return path.Join(sharedRoot, tag)
}
