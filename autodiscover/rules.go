// Package autodiscover infers candidate mail-server configurations for an
// email address from its domain and MX records. Matching is a pure function
// over an immutable rule table so it can be tested without any I/O.
package autodiscover

// Protocol identifies a mail access protocol kind.
type Protocol string

const (
	ProtocolIMAP     Protocol = "imap"
	ProtocolPOP3     Protocol = "pop3"
	ProtocolExchange Protocol = "exchange"
)

// RuleKind selects what a rule's pattern is matched against.
type RuleKind int

const (
	// RuleMX matches the pattern against resolved MX hostnames.
	RuleMX RuleKind = iota
	// RuleDomain matches the pattern against the email domain.
	RuleDomain
)

// Placeholders usable in Server and URL templates.
const (
	placeholderDomain = "#domain#"
	placeholderMX     = "#mx#"

	// serverFromMXTransform marks rules whose endpoint host must be derived
	// from the matched MX hostname via TransformHostedExchangeMX.
	serverFromMXTransform = "#mx-transform#"

	// universalPattern is the domain-rule fallback that matches everything.
	// Rules carrying it are always evaluated last.
	universalPattern = "."
)

// ServerRule is one immutable matching rule. A leading "." in Pattern makes
// the match suffix-aware; otherwise plain substring containment is used.
type ServerRule struct {
	Name      string
	Kind      RuleKind
	Pattern   string
	Protocols []Protocol // tested in this order
	Server    string     // host template; may use placeholders
	Port      int
	Secure    bool
	URL       string // endpoint template for URL-addressed protocols
}

// DefaultRules is the built-in rule table, loaded once at process start.
// Order within each kind is significant: earlier rules produce
// higher-ranked candidates.
var DefaultRules = []ServerRule{
	// MX-pattern rules. These fire before any domain rule.
	{
		Name:      "google-workspace",
		Kind:      RuleMX,
		Pattern:   ".google.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.gmail.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "google-legacy",
		Kind:      RuleMX,
		Pattern:   ".googlemail.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.gmail.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "office365",
		Kind:      RuleMX,
		Pattern:   ".mail.protection.outlook.com",
		Protocols: []Protocol{ProtocolExchange, ProtocolIMAP},
		Server:    "outlook.office365.com",
		Port:      993,
		Secure:    true,
		URL:       "https://outlook.office365.com/EWS/Exchange.asmx",
	},
	{
		Name:      "yahoo",
		Kind:      RuleMX,
		Pattern:   ".yahoodns.net",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.mail.yahoo.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "icloud",
		Kind:      RuleMX,
		Pattern:   ".mail.icloud.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.mail.me.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "fastmail",
		Kind:      RuleMX,
		Pattern:   ".messagingengine.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.fastmail.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "zoho",
		Kind:      RuleMX,
		Pattern:   "zoho.",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.zoho.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "mailru",
		Kind:      RuleMX,
		Pattern:   ".mail.ru",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.mail.ru",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "yandex",
		Kind:      RuleMX,
		Pattern:   "yandex.",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.yandex.com",
		Port:      993,
		Secure:    true,
	},
	{
		// Intermedia hosted Exchange: the MX hostname encodes the real
		// endpoint host and must be transformed, e.g.
		// west.smtp.mx.exch092.serverdata.net -> west.exch092.serverdata.net.
		Name:      "intermedia-hosted-exchange",
		Kind:      RuleMX,
		Pattern:   ".serverdata.net",
		Protocols: []Protocol{ProtocolExchange},
		Server:    serverFromMXTransform,
		Port:      443,
		Secure:    true,
		URL:       "https://" + serverFromMXTransform + "/EWS/Exchange.asmx",
	},
	{
		Name:      "mimecast-gateway",
		Kind:      RuleMX,
		Pattern:   ".mimecast.com",
		Protocols: []Protocol{ProtocolExchange},
		Server:    "outlook.office365.com",
		Port:      443,
		Secure:    true,
		URL:       "https://outlook.office365.com/EWS/Exchange.asmx",
	},
	{
		Name:      "generic-mx-imap",
		Kind:      RuleMX,
		Pattern:   "mx.",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap." + placeholderDomain,
		Port:      993,
		Secure:    true,
	},

	// Domain-pattern rules for consumer providers reached directly.
	{
		Name:      "gmail",
		Kind:      RuleDomain,
		Pattern:   "gmail.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.gmail.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "outlook-consumer",
		Kind:      RuleDomain,
		Pattern:   "outlook.",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "outlook.office365.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "hotmail",
		Kind:      RuleDomain,
		Pattern:   "hotmail.",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "outlook.office365.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "gmx",
		Kind:      RuleDomain,
		Pattern:   "gmx.",
		Protocols: []Protocol{ProtocolIMAP, ProtocolPOP3},
		Server:    "imap.gmx.com",
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "aol",
		Kind:      RuleDomain,
		Pattern:   "aol.com",
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap.aol.com",
		Port:      993,
		Secure:    true,
	},

	// Universal fallbacks, always ranked last, in declared order.
	{
		Name:      "fallback-imap",
		Kind:      RuleDomain,
		Pattern:   universalPattern,
		Protocols: []Protocol{ProtocolIMAP},
		Server:    "imap." + placeholderDomain,
		Port:      993,
		Secure:    true,
	},
	{
		Name:      "fallback-mail",
		Kind:      RuleDomain,
		Pattern:   universalPattern,
		Protocols: []Protocol{ProtocolIMAP, ProtocolPOP3},
		Server:    "mail." + placeholderDomain,
		Port:      993,
		Secure:    true,
	},
}
