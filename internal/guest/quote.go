package guest

import "strings"

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// HomePath renders a path relative to the guest user's home directory.
// Paths that are already absolute are quoted unchanged.
func HomePath(rel string) string {
	rel = strings.TrimPrefix(rel, "~/")
	if strings.HasPrefix(rel, "/") {
		return Quote(rel)
	}
	if rel == "" || rel == "~" {
		return `"$HOME"`
	}
	return `"$HOME"/` + Quote(rel)
}
