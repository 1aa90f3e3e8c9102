package protocol

import "regexp"

// scriptNameRe matches bare Python script names: alphanumerics, underscores,
// and hyphens followed by a literal ".py". Path separators and other
// extensions never match, so a name that passes can be safely joined onto the
// scripts directory.
var scriptNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+\.py$`)

// ValidScriptName reports whether s names a runnable script.
func ValidScriptName(s string) bool {
	return scriptNameRe.MatchString(s)
}
