package autodiscover

import "strings"

// TransformHostedExchangeMX derives the real endpoint host from an
// Intermedia-style MX hostname. The MX naming convention embeds the
// endpoint: a ".smtp.mx." or ".smtp." infix is stripped, and a leading
// "mx1.smtp"/"mx2.smtp" token maps to the "west"/"east" datacenter.
//
//	west.smtp.mx.exch092.serverdata.net -> west.exch092.serverdata.net
//	east.smtp.exch028.serverdata.net    -> east.exch028.serverdata.net
//	mx1.smtp.mx.exch092.serverdata.net  -> west.exch092.serverdata.net
//	mx2.smtp.exch028.serverdata.net     -> east.exch028.serverdata.net
//
// Hostnames without the expected infix are returned unchanged.
func TransformHostedExchangeMX(mx string) string {
	host := normalizeHost(mx)

	switch {
	case strings.Contains(host, ".smtp.mx."):
		host = strings.Replace(host, ".smtp.mx.", ".", 1)
	case strings.Contains(host, ".smtp."):
		host = strings.Replace(host, ".smtp.", ".", 1)
	default:
		return host
	}

	switch {
	case strings.HasPrefix(host, "mx1."):
		host = "west." + strings.TrimPrefix(host, "mx1.")
	case strings.HasPrefix(host, "mx2."):
		host = "east." + strings.TrimPrefix(host, "mx2.")
	}

	return host
}
