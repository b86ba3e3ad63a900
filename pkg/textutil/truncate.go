// Package textutil holds small text-shaping helpers shared by CLI output
// and search snippets.
package textutil

import "strings"

// minTruncateLen leaves room for at least one character plus "...".
const minTruncateLen = 4

// Truncate collapses a string to a single line of at most maxLen runes,
// appending "..." when content was dropped. Operates on runes so
// multi-byte characters are never split.
func Truncate(s string, maxLen int) string {
	if maxLen < minTruncateLen {
		maxLen = minTruncateLen
	}

	flattened := strings.Join(strings.Fields(s), " ")
	runes := []rune(flattened)
	if len(runes) <= maxLen {
		return flattened
	}
	return string(runes[:maxLen-3]) + "..."
}
