package guest

import (
	"bufio"
	"strings"
)

// Path states reported by PresenceCommand.
const (
	StatusOK      = "ok"
	StatusMissing = "missing"
)

const presencePrefix = "clawbox-presence"

// PresenceCommand builds a command that reports, one line per path,
// whether each path exists. Paths are rendered with render (Quote or
// HomePath) so both absolute and home-relative paths work.
func PresenceCommand(paths []string, render func(string) string) string {
	var b strings.Builder
	for _, p := range paths {
		q := render(p)
		b.WriteString("if [ -e " + q + " ]; then printf '%s %s %s\\n' " + presencePrefix + " " + StatusOK + " " + Quote(p) + "; ")
		b.WriteString("else printf '%s %s %s\\n' " + presencePrefix + " " + StatusMissing + " " + Quote(p) + "; fi; ")
	}
	b.WriteString("true")
	return b.String()
}

// ParseStatuses extracts the presence lines from output. Lines that are not
// presence output are ignored, so shell banners and warnings do not matter.
func ParseStatuses(output string) map[string]string {
	statuses := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		idx := strings.Index(line, presencePrefix+" ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len(presencePrefix)+1:]
		status, path, ok := strings.Cut(rest, " ")
		if !ok || path == "" {
			continue
		}
		statuses[path] = status
	}
	return statuses
}

// AllPresent reports whether every path has StatusOK.
func AllPresent(statuses map[string]string, paths []string) bool {
	for _, p := range paths {
		if statuses[p] != StatusOK {
			return false
		}
	}
	return true
}
