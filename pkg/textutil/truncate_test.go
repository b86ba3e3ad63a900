package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		maxLen   int
		expected string
	}{
		{"short stays", "hello", 10, "hello"},
		{"exact fits", "hello", 5, "hello"},
		{"long truncates", "hello world", 8, "hello..."},
		{"newlines collapse", "line one\nline two", 40, "line one line two"},
		{"whitespace collapses", "a   b\t\tc", 40, "a b c"},
		{"tiny maxLen clamps", "abcdefgh", 1, "a..."},
		{"unicode safe", "héllö wörld", 8, "héllö..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Truncate(tt.in, tt.maxLen))
		})
	}
}
