package util

import "strings"

// MaxLogValueLength bounds user-supplied values before they reach a log line.
const MaxLogValueLength = 256

// SanitizeLogValue strips newline and control characters from a user-supplied
// string so it cannot forge log entries, and truncates oversized input.
func SanitizeLogValue(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxLogValueLength {
		s = s[:MaxLogValueLength] + "...[truncated]"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r < 0x20 || r == 0x7f {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
