package payload

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/javanstorm/clawbox/internal/guest"
)

// DaemonLabel is the launchd label of role's sync agent.
func DaemonLabel(role string) string {
	return "com.clawbox.syncd." + role
}

// daemonStatusFile is the status path, relative to the guest home.
func daemonStatusFile(role string) string {
	return "~/Library/Application Support/clawbox/syncd-" + role + ".json"
}

func daemonLogFile(role string) string {
	return "~/Library/Logs/clawbox-syncd-" + role + ".log"
}

func agentPath(label string) string {
	return "~/Library/LaunchAgents/" + label + ".plist"
}

// agentSpec describes one launchd agent.
type agentSpec struct {
	Label     string
	Program   []string
	ExitGrace time.Duration
}

// renderPlist builds the property list for spec. KeepAlive restarts the
// daemon whenever it exits, including after the failure threshold.
func renderPlist(spec agentSpec) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString(`<plist version="1.0">` + "\n<dict>\n")
	writeKey(&b, "Label")
	writeString(&b, spec.Label)
	writeKey(&b, "ProgramArguments")
	b.WriteString("\t<array>\n")
	for _, arg := range spec.Program {
		b.WriteString("\t")
		writeString(&b, arg)
	}
	b.WriteString("\t</array>\n")
	writeKey(&b, "RunAtLoad")
	b.WriteString("\t<true/>\n")
	writeKey(&b, "KeepAlive")
	b.WriteString("\t<true/>\n")
	writeKey(&b, "ThrottleInterval")
	b.WriteString("\t<integer>10</integer>\n")
	writeKey(&b, "ExitTimeOut")
	b.WriteString("\t<integer>" + strconv.Itoa(int(spec.ExitGrace.Seconds())) + "</integer>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func writeKey(b *strings.Builder, k string) {
	b.WriteString("\t<key>" + k + "</key>\n")
}

func writeString(b *strings.Builder, s string) {
	b.WriteString("\t<string>")
	_ = xml.EscapeText(b, []byte(s))
	b.WriteString("</string>\n")
}

// installAgentCommand writes the plist and (re)loads the agent. bootout
// delivers SIGTERM to a previous instance, which makes its final push.
func installAgentCommand(spec agentSpec) string {
	plist := agentPath(spec.Label)
	target := `gui/$(id -u)/` + spec.Label
	return fmt.Sprintf(
		`mkdir -p "$HOME/Library/LaunchAgents" "$HOME/Library/Application Support/clawbox" "$HOME/Library/Logs" && `+
			`printf '%%s' %s > %s && `+
			`(launchctl bootout %s >/dev/null 2>&1 || launchctl bootout user/$(id -u)/%s >/dev/null 2>&1 || true) && `+
			`(launchctl bootstrap gui/$(id -u) %s 2>/dev/null || launchctl bootstrap user/$(id -u) %s)`,
		guest.Quote(renderPlist(spec)), guest.HomePath(plist),
		target, spec.Label,
		guest.HomePath(plist), guest.HomePath(plist),
	)
}

// removeAgentCommand unloads the agent and deletes its plist.
func removeAgentCommand(label string) string {
	return fmt.Sprintf(
		`(launchctl bootout gui/$(id -u)/%s >/dev/null 2>&1 || launchctl bootout user/$(id -u)/%s >/dev/null 2>&1 || true); rm -f %s`,
		label, label, guest.HomePath(agentPath(label)),
	)
}
