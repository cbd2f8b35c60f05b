package helpers

import "strings"

// MaskSensitive redacts credentials from a request line before it is logged.
// Fields are separated by sep; every field of a sensitive command from
// index keep onward is replaced. For LOGIN|alice|secret with keep=2 the
// result is LOGIN|alice|[REDACTED].
func MaskSensitive(line, sep string, keep int, sensitiveCommands ...string) string {
	parts := strings.Split(line, sep)
	if len(parts) == 0 {
		return line
	}

	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(parts[0], cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive || len(parts) <= keep {
		return line
	}

	return strings.Join(parts[:keep], sep) + sep + "[REDACTED]"
}
