package sdp

import "strings"

// SplitLines splits a session description into its CRLF-terminated lines.
// Trailing empty lines are dropped, so a well-formed description ending in
// CRLF yields no empty tail element.
func SplitLines(text string) []string {
	lines := strings.Split(text, "\r\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinLines renders lines back into description text, CRLF after every
// line including the last.
func JoinLines(lines []string) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}
