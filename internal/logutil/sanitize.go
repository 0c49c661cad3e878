package logutil

import "strings"

// maxLabelLen is the longest command label, in runes, written to the log
// before it is cut with an ellipsis.
const maxLabelLen = 80

// SanitizeForLog removes newlines and control characters from strings that
// come from catalogs, flags or remote output, so a crafted benchmark name or
// host entry cannot forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate sanitizes s and shortens it to a readable log label. The cut
// always falls on a rune boundary.
func Truncate(s string) string {
	s = SanitizeForLog(s)
	n := 0
	for i := range s {
		if n == maxLabelLen {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// FirstLine returns the first non-empty line of remote output, sanitized.
// Used to attach a short hint to error messages without dumping a whole log.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return Truncate(line)
		}
	}
	return ""
}
