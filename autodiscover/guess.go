package autodiscover

import "strings"

// GuessIMAPHost derives an IMAP endpoint guess from an MX hostname.
// Major providers are recognized by name; otherwise the leading
// smtp/mx/mail token is rewritten to imap. Returns "" when no guess can
// be made.
func GuessIMAPHost(mx string) string {
	mx = normalizeHost(mx)
	if mx == "" {
		return ""
	}

	switch {
	case strings.Contains(mx, "google"):
		return "imap.gmail.com"
	case strings.Contains(mx, "yahoodns") || strings.Contains(mx, "yahoo"):
		return "imap.mail.yahoo.com"
	case strings.Contains(mx, "outlook") || strings.Contains(mx, "hotmail"):
		return "outlook.office365.com"
	case strings.Contains(mx, "icloud") || strings.Contains(mx, ".me.com"):
		return "imap.mail.me.com"
	}

	for _, token := range []string{"smtp", "mx", "mail"} {
		if strings.HasPrefix(mx, token+".") {
			return "imap." + strings.TrimPrefix(mx, token+".")
		}
	}
	if strings.Contains(mx, ".smtp.") {
		return strings.Replace(mx, ".smtp.", ".imap.", 1)
	}
	return ""
}

// GuessExchangeHost derives an Exchange endpoint guess from an MX
// hostname by rewriting the leading smtp/mx/mail token. Returns "" when
// the hostname has no such token.
func GuessExchangeHost(mx string) string {
	mx = normalizeHost(mx)
	if mx == "" {
		return ""
	}

	if strings.Contains(mx, "protection.outlook.com") || strings.Contains(mx, "outlook") {
		return "outlook.office365.com"
	}

	for _, token := range []string{"smtp", "mx", "mail"} {
		if strings.HasPrefix(mx, token+".") {
			return "exchange." + strings.TrimPrefix(mx, token+".")
		}
	}
	return ""
}
