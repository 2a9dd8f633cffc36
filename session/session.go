// Package session defines the protocol session boundary used by detection
// and sync. Wire-level protocol handling stays inside the dialers and the
// libraries they wrap; callers only see folders and message records.
package session

import (
	"context"
	"time"

	"github.com/mailgrab/mailgrab/autodiscover"
)

// Credentials carries the login material for one account.
type Credentials struct {
	Email    string
	Password string
}

// ProxyKind selects the proxy protocol.
type ProxyKind string

const (
	ProxySOCKS5 ProxyKind = "socks5"
	ProxyHTTP   ProxyKind = "http"
)

// ProxyConfig is supplied per operation and forwarded to the dialer; it is
// never persisted by this package.
type ProxyConfig struct {
	Host     string
	Port     int
	Kind     ProxyKind
	Username string
	Password string
}

// Endpoint is a resolved server to connect to. URL is set for
// URL-addressed protocols (Exchange); Host/Port otherwise.
type Endpoint struct {
	Protocol autodiscover.Protocol
	Host     string
	URL      string
	Port     int
	Secure   bool
}

// Message is one extracted message record. Only envelope address data is
// carried; bodies never cross this boundary.
type Message struct {
	ID      string
	Subject string
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Date    time.Time
	Folder  string
}

// MessageStream is a lazy, finite, non-restartable sequence of messages.
// Next returns io.EOF after the last message.
type MessageStream interface {
	Next(ctx context.Context) (*Message, error)
}

// Session is an open, authenticated protocol session.
type Session interface {
	// Folders lists the account's folders.
	Folders(ctx context.Context) ([]string, error)
	// Messages opens a message stream for one folder.
	Messages(ctx context.Context, folder string) (MessageStream, error)
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Dialer opens a session against an endpoint. Implementations must honor
// ctx for connect and authentication so cancellation interrupts the dial
// instead of waiting out the timeout.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint, creds Credentials, proxy *ProxyConfig) (Session, error)
}

// DefaultDialers returns the dialer per protocol kind.
func DefaultDialers() map[autodiscover.Protocol]Dialer {
	return map[autodiscover.Protocol]Dialer{
		autodiscover.ProtocolIMAP:     &IMAPDialer{},
		autodiscover.ProtocolPOP3:     &POP3Dialer{},
		autodiscover.ProtocolExchange: NewEWSDialer(),
	}
}
