package helpers

import "strings"

// SplitEmailAddress splits an address into localpart and domain. The second
// return value is empty when the address has no domain part.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// DomainOf extracts the domain of an email address.
func DomainOf(email string) (string, bool) {
	_, domain := SplitEmailAddress(email)
	if domain == "" || !strings.Contains(domain, ".") {
		return "", false
	}
	return domain, true
}

// NormalizeAddress lowercases an address and strips whitespace, a display
// name prefix and angle brackets, e.g. `"Bob" <Bob@Example.com>` becomes
// `bob@example.com`. Returns "" for values that do not look like addresses.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if open := strings.LastIndex(addr, "<"); open >= 0 {
		if close := strings.Index(addr[open:], ">"); close > 0 {
			addr = addr[open+1 : open+close]
		} else {
			addr = addr[open+1:]
		}
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" || !strings.Contains(addr, "@") {
		return ""
	}
	return addr
}
