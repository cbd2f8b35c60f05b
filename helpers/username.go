package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUsernameLength is the longest accepted account name in bytes.
const MaxUsernameLength = 64

// ValidUsername reports whether s may name an account. Account names become
// mailbox directory names and credential log keys, so path separators,
// wire delimiters, the log separator and control characters are refused,
// as are names starting with '.'.
func ValidUsername(s string) bool {
	if s == "" || len(s) > MaxUsernameLength || !utf8.ValidString(s) {
		return false
	}
	if s[0] == '.' {
		return false
	}
	if strings.ContainsAny(s, `/\:|;`) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
