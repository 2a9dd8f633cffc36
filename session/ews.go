package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/circuitbreaker"
)

// ewsEndpointTemplates are the well-known endpoint URLs tried in order
// when a candidate carries only a host.
var ewsEndpointTemplates = []string{
	"https://%s/EWS/Exchange.asmx",
	"https://%s/ews/exchange.asmx",
	"https://mail.%s/EWS/Exchange.asmx",
}

// ewsProbeBody is a minimal GetFolder SOAP request used to verify that an
// endpoint speaks EWS and accepts the credentials.
const ewsProbeBody = `<?xml version="1.0" encoding="utf-8"?>
<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"
               xmlns:t="http://schemas.microsoft.com/exchange/services/2006/types"
               xmlns:m="http://schemas.microsoft.com/exchange/services/2006/messages">
  <soap:Body>
    <m:GetFolder>
      <m:FolderShape><t:BaseShape>IdOnly</t:BaseShape></m:FolderShape>
      <m:FolderIds><t:DistinguishedFolderId Id="inbox"/></m:FolderIds>
    </m:GetFolder>
  </soap:Body>
</soap:Envelope>`

// EWSDialer verifies Exchange Web Services endpoints. Full EWS message
// streaming is provided by an external session collaborator; this dialer
// covers reachability and authentication, which is all detection needs.
// Repeatedly failing endpoint hosts are guarded by a circuit breaker so
// bursts of detections do not hammer a dead host.
type EWSDialer struct {
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

func NewEWSDialer() *EWSDialer {
	return &EWSDialer{breakers: make(map[string]*circuitbreaker.CircuitBreaker)}
}

func (d *EWSDialer) breakerFor(host string) *circuitbreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[host]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.Settings{
			Name:    "ews-" + host,
			Timeout: 2 * time.Minute,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("EWS: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
		d.breakers[host] = cb
	}
	return cb
}

func (d *EWSDialer) Dial(ctx context.Context, ep Endpoint, creds Credentials, p *ProxyConfig) (Session, error) {
	urls := d.endpointURLs(ep)
	if len(urls) == 0 {
		return nil, fmt.Errorf("no EWS endpoint for host %q", ep.Host)
	}

	client, err := newEWSHTTPClient(p)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		host := hostOfURL(url)
		err := d.breakerFor(host).Execute(func() error {
			return probeEWS(ctx, client, url, creds)
		})
		if err == nil {
			logger.Debug("EWS: endpoint verified", "url", url, "user", helpers.MaskEmail(creds.Email))
			return &ewsSession{url: url}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// endpointURLs returns the URLs to try: the explicit URL when present,
// otherwise the well-known templates applied to the host.
func (d *EWSDialer) endpointURLs(ep Endpoint) []string {
	if ep.URL != "" {
		return []string{ep.URL}
	}
	if ep.Host == "" {
		return nil
	}
	urls := make([]string, 0, len(ewsEndpointTemplates))
	for _, tmpl := range ewsEndpointTemplates {
		urls = append(urls, fmt.Sprintf(tmpl, ep.Host))
	}
	return urls
}

func newEWSHTTPClient(p *ProxyConfig) (*http.Client, error) {
	dialer, err := newDialer(p)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: consts.MaxProbeTimeout,
	}
	return &http.Client{Transport: transport}, nil
}

func probeEWS(ctx context.Context, client *http.Client, url string, creds Credentials) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(ewsProbeBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.SetBasicAuth(creds.Email, creds.Password)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("endpoint %s unreachable: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w at %s (status %d)", consts.ErrAuthFailed, url, resp.StatusCode)
	default:
		return fmt.Errorf("endpoint %s rejected probe with status %d", url, resp.StatusCode)
	}
}

func hostOfURL(url string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	if i := strings.IndexAny(rest, "/:"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// ewsSession is the verified-endpoint handle returned by EWSDialer.
// Message streaming for Exchange accounts is served by the external EWS
// collaborator; this handle only records the verified URL.
type ewsSession struct {
	url string
}

func (s *ewsSession) Folders(context.Context) ([]string, error) {
	return nil, consts.ErrNotSupported
}

func (s *ewsSession) Messages(context.Context, string) (MessageStream, error) {
	return nil, consts.ErrNotSupported
}

func (s *ewsSession) Close() error { return nil }

// URL returns the endpoint URL that answered the probe.
func (s *ewsSession) URL() string { return s.url }
