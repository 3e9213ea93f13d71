package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/javanstorm/clawbox/internal/lockmgr"
	"github.com/javanstorm/clawbox/internal/provision"
	"github.com/javanstorm/clawbox/internal/vm"
)

// profileFlags are --profile and its --developer/--standard shortcuts.
type profileFlags struct {
	profile   string
	developer bool
	standard  bool
}

func (p *profileFlags) register(fs *pflag.FlagSet, def string) {
	fs.StringVar(&p.profile, "profile", def, "VM profile (standard or developer)")
	fs.BoolVar(&p.developer, "developer", false, "shortcut for --profile developer")
	fs.BoolVar(&p.standard, "standard", false, "shortcut for --profile standard")
}

func (p *profileFlags) resolve() (provision.Profile, error) {
	if p.developer && p.standard {
		return "", usageErrorf("--developer and --standard are mutually exclusive")
	}
	switch {
	case p.developer:
		return provision.ProfileDeveloper, nil
	case p.standard:
		return provision.ProfileStandard, nil
	case p.profile == "":
		return "", nil
	}
	prof, err := provision.ParseProfile(p.profile)
	if err != nil {
		return "", usageErrorf("--profile: %v", err)
	}
	return prof, nil
}

// mountFlags are the host directories shared with a developer VM.
type mountFlags struct {
	source        string
	payload       string
	signalPayload string
}

func (m *mountFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&m.source, flagName(lockmgr.RoleSource.Flag), "", "host OpenClaw source checkout (developer)")
	fs.StringVar(&m.payload, flagName(lockmgr.RolePayload.Flag), "", "host OpenClaw state payload directory (developer)")
	fs.StringVar(&m.signalPayload, flagName(lockmgr.RoleSignalPayload.Flag), "", "host signal-cli data directory (developer, needs --add-signal-cli-provisioning)")
}

func (m *mountFlags) mounts() vm.Mounts {
	return vm.Mounts{Source: m.source, Payload: m.payload, SignalPayload: m.signalPayload}
}

// serviceFlags are the --add-*-provisioning switches, one per registered
// optional service.
type serviceFlags struct {
	enabled map[string]*bool
}

func (s *serviceFlags) register(fs *pflag.FlagSet) {
	s.enabled = map[string]*bool{}
	for _, svc := range provision.Services {
		v := new(bool)
		fs.BoolVar(v, flagName(svc.Flag), false, "install "+svc.DisplayName)
		s.enabled[svc.Key] = v
	}
}

// keys returns the requested services in registry order.
func (s *serviceFlags) keys() []string {
	var out []string
	for _, svc := range provision.Services {
		if v := s.enabled[svc.Key]; v != nil && *v {
			out = append(out, svc.Key)
		}
	}
	return out
}

func flagName(flag string) string {
	return strings.TrimPrefix(flag, "--")
}

// parseNumber parses a positional VM number.
func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, usageErrorf("invalid VM number %q", s)
	}
	if n < 1 {
		return 0, usageErrorf("VM number must be >= 1")
	}
	return n, nil
}

// singleNumber reads the optional positional VM number, defaulting to 1.
func singleNumber(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	return parseNumber(args[0])
}

// optionalNumber accepts the VM number either positionally or as
// --number, but not both.
func optionalNumber(fs *pflag.FlagSet, flag int, args []string) (int, error) {
	set := fs.Changed("number")
	if set && len(args) > 0 {
		return 0, usageErrorf("VM number provided more than once")
	}
	if set {
		if flag < 1 {
			return 0, usageErrorf("VM number must be >= 1")
		}
		return flag, nil
	}
	return singleNumber(args)
}

// numberArg allows at most one positional VM number.
func numberArg(cmd *cobra.Command, args []string) error {
	if err := cobra.MaximumNArgs(1)(cmd, args); err != nil {
		return usageErrorf("%v", err)
	}
	return nil
}
