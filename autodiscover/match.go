package autodiscover

import (
	"strconv"
	"strings"
)

// CandidateSource records which matching stage produced a candidate.
// Ordering among sources is significant and preserved by Match.
type CandidateSource int

const (
	SourceMX CandidateSource = iota
	SourceDomain
	SourceFallback
	SourceHeuristic
)

func (s CandidateSource) String() string {
	switch s {
	case SourceMX:
		return "mx"
	case SourceDomain:
		return "domain"
	case SourceFallback:
		return "fallback"
	case SourceHeuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

// Candidate is a fully resolved, untested server configuration guess.
// Protocols preserves the matched rule's declared order.
type Candidate struct {
	Rule      string
	Source    CandidateSource
	Protocols []Protocol
	Host      string
	URL       string
	Port      int
	Secure    bool
}

// matchesPattern reports whether value matches a rule pattern. A leading
// "." makes the match suffix-aware: ".google.com" matches any hostname
// ending in ".google.com" and "google.com" itself. Any other pattern is
// plain substring containment.
func matchesPattern(value, pattern string) bool {
	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(value, pattern) || value == strings.TrimPrefix(pattern, ".")
	}
	return strings.Contains(value, pattern)
}

// Match returns ranked candidate configurations for a domain and its MX
// hostnames (in resolver priority order). Ranking: MX-derived, then
// domain-derived, then universal fallback, then heuristic Exchange guesses
// (only when no earlier candidate is Exchange-capable and the heuristic
// predicate holds). Deterministic, no I/O.
func Match(domain string, mxHosts []string) []Candidate {
	return MatchRules(DefaultRules, domain, mxHosts)
}

// MatchRules is Match against an explicit rule table.
func MatchRules(rules []ServerRule, domain string, mxHosts []string) []Candidate {
	domain = strings.ToLower(strings.TrimSpace(domain))

	var out []Candidate

	// MX-pattern rules first, walked per MX hostname so resolver priority
	// dominates rule order.
	for _, mx := range mxHosts {
		mx = normalizeHost(mx)
		if mx == "" {
			continue
		}
		for _, rule := range rules {
			if rule.Kind != RuleMX || !matchesPattern(mx, rule.Pattern) {
				continue
			}
			if c, ok := resolveRule(rule, domain, mx, SourceMX); ok {
				out = append(out, c)
			}
		}
	}

	// Domain-pattern rules, excluding the universal fallback.
	for _, rule := range rules {
		if rule.Kind != RuleDomain || rule.Pattern == universalPattern {
			continue
		}
		if !matchesPattern(domain, rule.Pattern) {
			continue
		}
		if c, ok := resolveRule(rule, domain, "", SourceDomain); ok {
			out = append(out, c)
		}
	}

	// Universal fallback rules last, in declared order.
	for _, rule := range rules {
		if rule.Kind != RuleDomain || rule.Pattern != universalPattern {
			continue
		}
		if c, ok := resolveRule(rule, domain, "", SourceFallback); ok {
			out = append(out, c)
		}
	}

	out = dedupe(out)

	if !hasExchangeCandidate(out) && MightSupportExchange(domain, mxHosts) {
		out = append(out, exchangeGuesses(domain, mxHosts)...)
		out = dedupe(out)
	}

	return out
}

// resolveRule substitutes template placeholders. Returns false when a rule
// requires MX material that is not available.
func resolveRule(rule ServerRule, domain, mx string, source CandidateSource) (Candidate, bool) {
	host := rule.Server
	url := rule.URL

	if strings.Contains(host, serverFromMXTransform) || strings.Contains(url, serverFromMXTransform) {
		if mx == "" {
			return Candidate{}, false
		}
		transformed := TransformHostedExchangeMX(mx)
		host = strings.ReplaceAll(host, serverFromMXTransform, transformed)
		url = strings.ReplaceAll(url, serverFromMXTransform, transformed)
	}

	if strings.Contains(host, placeholderMX) || strings.Contains(url, placeholderMX) {
		if mx == "" {
			return Candidate{}, false
		}
		host = strings.ReplaceAll(host, placeholderMX, mx)
		url = strings.ReplaceAll(url, placeholderMX, mx)
	}

	host = strings.ReplaceAll(host, placeholderDomain, domain)
	url = strings.ReplaceAll(url, placeholderDomain, domain)

	if host == "" && url == "" {
		return Candidate{}, false
	}

	protocols := make([]Protocol, len(rule.Protocols))
	copy(protocols, rule.Protocols)

	return Candidate{
		Rule:      rule.Name,
		Source:    source,
		Protocols: protocols,
		Host:      host,
		URL:       url,
		Port:      rule.Port,
		Secure:    rule.Secure,
	}, true
}

func hasExchangeCandidate(candidates []Candidate) bool {
	for _, c := range candidates {
		for _, p := range c.Protocols {
			if p == ProtocolExchange {
				return true
			}
		}
	}
	return false
}

// dedupe drops candidates whose normalized (protocols, host/URL, port)
// already appeared, keeping the first occurrence so ranking is preserved.
func dedupe(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		var sb strings.Builder
		for _, p := range c.Protocols {
			sb.WriteString(string(p))
			sb.WriteByte(',')
		}
		key := sb.String() + "|" + strings.ToLower(c.Host) + "|" + strings.ToLower(c.URL) + "|" + strconv.Itoa(c.Port)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}
