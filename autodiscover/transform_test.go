package autodiscover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransformHostedExchangeMX(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"smtp.mx infix with west prefix", "west.smtp.mx.exch092.serverdata.net", "west.exch092.serverdata.net"},
		{"smtp infix with east prefix", "east.smtp.exch028.serverdata.net", "east.exch028.serverdata.net"},
		{"mx1 rewritten to west", "mx1.smtp.exch034.serverdata.net", "west.exch034.serverdata.net"},
		{"mx2 rewritten to east", "mx2.smtp.mx.exch051.serverdata.net", "east.exch051.serverdata.net"},
		{"no infix left unchanged", "mail.example.com", "mail.example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TransformHostedExchangeMX(tc.in))
		})
	}
}

func TestMightSupportExchange(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		mx     []string
		want   bool
	}{
		{"consumer domain always false", "gmail.com", []string{"exchange.gmail.com"}, false},
		{"consumer domain false without mx", "outlook.com", nil, false},
		{"enterprise signal wins", "acme.example", []string{"acme.mail.protection.outlook.com"}, true},
		{"hosted exchange signal", "lawfirm.biz", []string{"west.smtp.mx.exch092.serverdata.net"}, true},
		{"non-exchange provider", "shop.com", []string{"aspmx.l.google.com"}, false},
		{"business TLD with mx", "acme-corp.com", []string{"mail.acme-corp.com"}, true},
		{"business TLD without mx", "acme-corp.com", nil, false},
		{"non-business TLD", "acme.museum", []string{"mail.acme.museum"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MightSupportExchange(tc.domain, tc.mx))
		})
	}
}
