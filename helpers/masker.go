package helpers

import "strings"

// MaskEmail redacts the localpart of an address for logging, keeping the
// first character and the domain so operators can still correlate entries.
func MaskEmail(email string) string {
	local, domain := SplitEmailAddress(email)
	if domain == "" {
		return "[REDACTED]"
	}
	if len(local) <= 1 {
		return "*@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + "@" + domain
}

// MaskSecret fully redacts a credential value while signalling whether it
// was empty, which is the only property worth logging.
func MaskSecret(s string) string {
	if s == "" {
		return "[EMPTY]"
	}
	return "[REDACTED]"
}
