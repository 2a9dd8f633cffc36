package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// contextDialer is the shape shared by net.Dialer and x/net/proxy dialers.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// newDialer returns a context-aware dialer, routed through the proxy when
// one is configured.
func newDialer(p *ProxyConfig) (contextDialer, error) {
	direct := &net.Dialer{}
	if p == nil {
		return direct, nil
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	switch p.Kind {
	case ProxySOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := proxy.SOCKS5("tcp", addr, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer for %s: %w", addr, err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support context dialing", addr)
		}
		return cd, nil
	case ProxyHTTP:
		return &httpConnectDialer{proxyAddr: addr, username: p.Username, password: p.Password, forward: direct}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy kind %q", p.Kind)
	}
}

// httpConnectDialer tunnels TCP through an HTTP proxy via CONNECT.
type httpConnectDialer struct {
	proxyAddr string
	username  string
	password  string
	forward   contextDialer
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.forward.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach HTTP proxy %s: %w", d.proxyAddr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT to %s: %w", d.proxyAddr, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response from %s: %w", d.proxyAddr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("HTTP proxy %s refused CONNECT: %s", d.proxyAddr, resp.Status)
	}

	// Clear the handshake deadline; the caller manages I/O deadlines.
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
