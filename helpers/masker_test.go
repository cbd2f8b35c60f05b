package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{"login", "LOGIN|alice|secret", "LOGIN|alice|[REDACTED]"},
		{"register", "REGISTER|bob|hunter2", "REGISTER|bob|[REDACTED]"},
		{"lowercase command", "login|alice|secret", "login|alice|[REDACTED]"},
		{"password with separator", "LOGIN|alice|a|b", "LOGIN|alice|[REDACTED]"},
		{"missing password", "LOGIN|alice", "LOGIN|alice"},
		{"not sensitive", "GET_EMAILS|alice", "GET_EMAILS|alice"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MaskSensitive(tt.line, "|", 2, "LOGIN", "REGISTER"))
		})
	}
}
