package helpers

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"valid ascii", "LOGIN|alice|pw", "LOGIN|alice|pw"},
		{"valid multibyte", "SEND_EMAIL|a|b|Grüße|hi", "SEND_EMAIL|a|b|Grüße|hi"},
		{"null byte", "LOGIN|al\x00ice|pw", "LOGIN|alice|pw"},
		{"invalid byte", "LOGIN|al\xffice|pw", "LOGIN|alice|pw"},
		{"truncated sequence", "abc\xe2\x82", "abc"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeUTF8(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "hello", TruncateUTF8("hello", 10))
	assert.Equal(t, "hel", TruncateUTF8("hello", 3))
	assert.Equal(t, "", TruncateUTF8("hello", 0))

	// "é" is two bytes; cutting in the middle drops it entirely.
	assert.Equal(t, "caf", TruncateUTF8("café", 4))
	assert.Equal(t, "café", TruncateUTF8("café", 5))
	assert.True(t, utf8.ValidString(TruncateUTF8("日本語", 4)))
}
