package helpers

import (
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// HeaderAddresses holds the address fields extracted from one message
// header.
type HeaderAddresses struct {
	From string
	To   []string
	Cc   []string
	Bcc  []string
}

// ExtractHeaderAddresses pulls From/To/Cc/Bcc out of a parsed message
// header. Fields that fail to parse are skipped; extraction is best-effort
// because real-world headers are frequently malformed.
func ExtractHeaderAddresses(header message.Header) HeaderAddresses {
	mailHeader := mail.Header{Header: header}

	var out HeaderAddresses
	if fromAddrs, err := mailHeader.AddressList("From"); err == nil && len(fromAddrs) > 0 {
		out.From = fromAddrs[0].Address
	}
	out.To = addressValues(mailHeader, "To")
	out.Cc = addressValues(mailHeader, "Cc")
	out.Bcc = addressValues(mailHeader, "Bcc")
	return out
}

func addressValues(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}
