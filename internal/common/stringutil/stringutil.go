// Package stringutil provides small string utilities shared across the bridge.
package stringutil

// Truncate returns s unchanged if it is at most maxLen bytes, otherwise the
// first maxLen bytes.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis is like Truncate but replaces the tail with "..." when
// the string is cut, so callers can tell truncated output from exact output.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
