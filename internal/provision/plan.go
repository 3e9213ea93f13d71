package provision

import "strconv"

// Fixed steps that run before optional services.
const (
	StepDependencies = "dependencies"
	StepBuildGate    = "build-gate"

	DependenciesPlaybook = "playbooks/dependencies.yml"
	BuildGatePlaybook    = "playbooks/build-gate.yml"
)

// Step is one idempotent playbook run.
type Step struct {
	Name     string
	Playbook string
}

// Request is what a provisioning run must install.
type Request struct {
	Profile       Profile
	Services      []string
	SignalPayload bool
}

// Plan orders the steps for req: dependencies, the build gate for
// developer VMs, then each service in the order the caller listed it.
func Plan(req Request) []Step {
	steps := []Step{{Name: StepDependencies, Playbook: DependenciesPlaybook}}
	if req.Profile == ProfileDeveloper {
		steps = append(steps, Step{Name: StepBuildGate, Playbook: BuildGatePlaybook})
	}
	for _, key := range NormalizeServices(req.Services) {
		svc, ok := ServiceByKey(key)
		if !ok {
			continue
		}
		steps = append(steps, Step{Name: svc.Key, Playbook: svc.Playbook})
	}
	return steps
}

// Vars are the extra variables passed to every step.
func Vars(vmNumber int, vmName string, req Request) map[string]string {
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	services := NormalizeServices(req.Services)
	return map[string]string{
		"vm_number":                     strconv.Itoa(vmNumber),
		"vm_name":                       vmName,
		"clawbox_profile":               string(req.Profile),
		"clawbox_enable_dev_mounts":     b(req.Profile == ProfileDeveloper),
		"clawbox_enable_playwright":     b(contains(services, ServicePlaywright)),
		"clawbox_enable_tailscale":      b(contains(services, ServiceTailscale)),
		"clawbox_enable_signal_cli":     b(contains(services, ServiceSignalCLI)),
		"clawbox_enable_signal_payload": b(req.SignalPayload),
	}
}
