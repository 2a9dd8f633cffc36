package autodiscover

import "strings"

// consumerMailDomains never run their own Exchange; the heuristic is always
// false for them.
var consumerMailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"yahoo.co.uk":    {},
	"hotmail.com":    {},
	"outlook.com":    {},
	"live.com":       {},
	"msn.com":        {},
	"aol.com":        {},
	"icloud.com":     {},
	"me.com":         {},
	"mac.com":        {},
	"mail.ru":        {},
	"gmx.com":        {},
	"gmx.de":         {},
	"gmx.net":        {},
	"web.de":         {},
	"yandex.ru":      {},
	"yandex.com":     {},
	"protonmail.com": {},
	"proton.me":      {},
	"zoho.com":       {},
}

// enterpriseMXSignals in any MX hostname strongly suggest an Exchange
// deployment (direct or behind a mail security gateway).
var enterpriseMXSignals = []string{
	"protection.outlook.com",
	"exchange",
	"exch",
	"serverdata.net",
	"intermedia",
	"mimecast",
	"proofpoint",
	"ppe-hosted",
	"barracuda",
	"messagelabs",
	"iphmx.com",
}

// nonExchangeMXSignals identify providers known not to front Exchange.
var nonExchangeMXSignals = []string{
	"google.com",
	"googlemail.com",
	"yahoodns.net",
	"zoho.",
	"mail.ru",
	"yandex.",
	"icloud.com",
	"messagingengine.com",
	"protonmail.ch",
	"migadu.com",
	"mxroute.com",
	"emailsrvr.com",
}

// businessTLDs are top-level suffixes where a self-hosted or hosted
// Exchange deployment is plausible.
var businessTLDs = map[string]struct{}{
	"com":  {},
	"net":  {},
	"org":  {},
	"biz":  {},
	"info": {},
	"co":   {},
	"io":   {},
	"us":   {},
	"de":   {},
	"uk":   {},
}

// MightSupportExchange is the heuristic predicate for synthesizing
// last-resort Exchange candidates when no rule produced one.
func MightSupportExchange(domain string, mxHosts []string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))

	if _, consumer := consumerMailDomains[domain]; consumer {
		return false
	}

	for _, mx := range mxHosts {
		mx = normalizeHost(mx)
		for _, signal := range enterpriseMXSignals {
			if strings.Contains(mx, signal) {
				return true
			}
		}
	}

	for _, mx := range mxHosts {
		mx = normalizeHost(mx)
		for _, signal := range nonExchangeMXSignals {
			if strings.Contains(mx, signal) {
				return false
			}
		}
	}

	// No recognizable provider: guess Exchange only for business-like TLDs
	// that actually receive mail.
	if len(mxHosts) == 0 {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	if dot < 0 {
		return false
	}
	_, ok := businessTLDs[domain[dot+1:]]
	return ok
}

// exchangeGuesses synthesizes the four last-resort URL-addressed Exchange
// candidates: autodiscover/webmail/mail subdomains plus the primary MX
// host itself.
func exchangeGuesses(domain string, mxHosts []string) []Candidate {
	hosts := []string{
		"autodiscover." + domain,
		"webmail." + domain,
		"mail." + domain,
	}
	if len(mxHosts) > 0 {
		if mx := normalizeHost(mxHosts[0]); mx != "" {
			hosts = append(hosts, mx)
		}
	}

	out := make([]Candidate, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, Candidate{
			Rule:      "exchange-heuristic",
			Source:    SourceHeuristic,
			Protocols: []Protocol{ProtocolExchange},
			Host:      host,
			URL:       "https://" + host + "/EWS/Exchange.asmx",
			Port:      443,
			Secure:    true,
		})
	}
	return out
}
