// Package provision drives the external configuration engine that
// installs software into a running guest.
package provision

import (
	"fmt"
	"sort"
	"strings"
)

// Profile selects what a VM is provisioned for.
type Profile string

const (
	ProfileStandard  Profile = "standard"
	ProfileDeveloper Profile = "developer"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileStandard, ProfileDeveloper:
		return Profile(s), nil
	}
	return "", fmt.Errorf("profile must be 'standard' or 'developer', got %q", s)
}

// Service is an optional component installed on request.
type Service struct {
	Key         string
	DisplayName string
	Flag        string
	Playbook    string
	Profiles    []Profile
}

// Service keys.
const (
	ServicePlaywright = "playwright"
	ServiceTailscale  = "tailscale"
	ServiceSignalCLI  = "signal-cli"
)

// Services is the registry of optional services.
var Services = []Service{
	{
		Key:         ServicePlaywright,
		DisplayName: "Playwright",
		Flag:        "--add-playwright-provisioning",
		Playbook:    "playbooks/services/playwright.yml",
		Profiles:    []Profile{ProfileStandard, ProfileDeveloper},
	},
	{
		Key:         ServiceTailscale,
		DisplayName: "Tailscale",
		Flag:        "--add-tailscale-provisioning",
		Playbook:    "playbooks/services/tailscale.yml",
		Profiles:    []Profile{ProfileStandard, ProfileDeveloper},
	},
	{
		Key:         ServiceSignalCLI,
		DisplayName: "signal-cli",
		Flag:        "--add-signal-cli-provisioning",
		Playbook:    "playbooks/services/signal-cli.yml",
		Profiles:    []Profile{ProfileStandard, ProfileDeveloper},
	},
}

// ServiceByKey looks up a registered service.
func ServiceByKey(key string) (Service, bool) {
	for _, s := range Services {
		if s.Key == key {
			return s, true
		}
	}
	return Service{}, false
}

func (s Service) allows(p Profile) bool {
	for _, allowed := range s.Profiles {
		if allowed == p {
			return true
		}
	}
	return false
}

// NormalizeServices drops duplicates, keeping the first occurrence so
// caller order is preserved.
func NormalizeServices(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// ValidateFeatures checks that the requested services and signal payload
// mode are allowed together under profile.
func ValidateFeatures(profile Profile, services []string, signalPayload bool) error {
	var unsupported []Service
	for _, key := range services {
		svc, ok := ServiceByKey(key)
		if !ok {
			return fmt.Errorf("unknown optional service %q", key)
		}
		if !svc.allows(profile) {
			unsupported = append(unsupported, svc)
		}
	}
	if len(unsupported) > 0 {
		names := make([]string, 0, len(unsupported))
		profiles := map[string]bool{}
		for _, s := range unsupported {
			names = append(names, s.DisplayName)
			for _, p := range s.Profiles {
				profiles[string(p)] = true
			}
		}
		supported := make([]string, 0, len(profiles))
		for p := range profiles {
			supported = append(supported, p)
		}
		sort.Strings(supported)
		return fmt.Errorf("%s provisioning is not supported for profile '%s' (supported profiles: %s)",
			strings.Join(names, ", "), profile, strings.Join(supported, ", "))
	}

	if signalPayload && profile != ProfileDeveloper {
		return fmt.Errorf("signal-cli payload mode is only valid in developer mode; standard mode supports signal-cli provisioning without payload mounts")
	}
	if signalPayload && !contains(services, ServiceSignalCLI) {
		return fmt.Errorf("signal-cli payload mode requires --add-signal-cli-provisioning")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
