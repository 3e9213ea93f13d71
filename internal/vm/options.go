package vm

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/javanstorm/clawbox/internal/guest"
	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/provision"
)

// Normalize validates opts and returns a copy with canonical mount paths and
// ordered, de-duplicated services. Nothing on disk is changed.
func Normalize(opts Options) (Options, error) {
	if opts.Number < 1 {
		return opts, invalidArgs("VM number must be a positive integer, got %d", opts.Number)
	}
	if opts.Profile == "" {
		opts.Profile = provision.ProfileStandard
	}
	if _, err := provision.ParseProfile(string(opts.Profile)); err != nil {
		return opts, invalidArgs("%v", err)
	}
	opts.Services = provision.NormalizeServices(opts.Services)

	switch opts.Profile {
	case provision.ProfileDeveloper:
		if opts.Mounts.Source == "" || opts.Mounts.Payload == "" {
			return opts, invalidArgs("developer profile requires --openclaw-source and --openclaw-payload\nExample:\n  clawbox up %d --developer --openclaw-source ~/src/openclaw --openclaw-payload ~/.openclaw", opts.Number)
		}
	default:
		if !opts.Mounts.Empty() {
			return opts, invalidArgs("--openclaw-source, --openclaw-payload and --signal-cli-payload are only valid with --developer")
		}
	}

	if err := provision.ValidateFeatures(opts.Profile, opts.Services, opts.Mounts.SignalPayload != ""); err != nil {
		return opts, invalidArgs("%v", err)
	}

	mounts, err := canonicalMounts(opts.Mounts)
	if err != nil {
		return opts, err
	}
	opts.Mounts = mounts
	return opts, nil
}

func canonicalMounts(m Mounts) (Mounts, error) {
	var out Mounts
	seen := map[string]string{}
	for _, f := range []struct {
		flag string
		in   string
		out  *string
	}{
		{lockmgr.RoleSource.Flag, m.Source, &out.Source},
		{lockmgr.RolePayload.Flag, m.Payload, &out.Payload},
		{lockmgr.RoleSignalPayload.Flag, m.SignalPayload, &out.SignalPayload},
	} {
		if f.in == "" {
			continue
		}
		p, err := lockmgr.Canonicalize(f.in)
		if err != nil {
			return Mounts{}, invalidArgs("%s: %v", f.flag, err)
		}
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			return Mounts{}, invalidArgs("%s directory does not exist: %s", f.flag, f.in)
		}
		if other, dup := seen[p]; dup {
			return Mounts{}, invalidArgs("%s and %s must be different directories: %s", other, f.flag, p)
		}
		seen[p] = f.flag
		*f.out = p
	}
	return out, nil
}

// sameProvisioning reports whether re-running up with opts would produce
// the VM recorded in rec.
func sameProvisioning(rec *ProvisionRecord, opts Options) bool {
	return rec.Profile == opts.Profile &&
		slices.Equal(provision.NormalizeServices(rec.Services), opts.Services) &&
		rec.SignalPayload == (opts.Mounts.SignalPayload != "")
}

// UpCommand renders the up invocation that reproduces opts.
func UpCommand(opts Options) string {
	parts := []string{"clawbox", "up", strconv.Itoa(opts.Number)}
	if opts.Profile == provision.ProfileDeveloper {
		parts = append(parts, "--developer",
			lockmgr.RoleSource.Flag, shellWord(opts.Mounts.Source),
			lockmgr.RolePayload.Flag, shellWord(opts.Mounts.Payload))
	}
	for _, key := range opts.Services {
		if svc, ok := provision.ServiceByKey(key); ok {
			parts = append(parts, svc.Flag)
		}
	}
	if opts.Mounts.SignalPayload != "" {
		parts = append(parts, lockmgr.RoleSignalPayload.Flag, shellWord(opts.Mounts.SignalPayload))
	}
	if opts.Headless {
		parts = append(parts, "--headless")
	}
	return strings.Join(parts, " ")
}

func recreateHint(opts Options) string {
	return fmt.Sprintf("Recreate the VM instead:\n  clawbox delete %d\n  %s", opts.Number, UpCommand(opts))
}

func shellWord(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return guest.Quote(s)
}
