package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialerDirectWhenNoProxy(t *testing.T) {
	d, err := newDialer(nil)
	require.NoError(t, err)
	_, ok := d.(*net.Dialer)
	assert.True(t, ok)
}

func TestNewDialerRejectsUnknownKind(t *testing.T) {
	_, err := newDialer(&ProxyConfig{Host: "proxy.example", Port: 1080, Kind: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported proxy kind")
}

func TestNewDialerSOCKS5(t *testing.T) {
	d, err := newDialer(&ProxyConfig{Host: "proxy.example", Port: 1080, Kind: ProxySOCKS5,
		Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.NotNil(t, d)
}

// fakeHTTPProxy accepts one connection, records the CONNECT request and
// replies with the configured status line.
func fakeHTTPProxy(t *testing.T, status string, requests chan<- string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var req strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		requests <- req.String()
		conn.Write([]byte(status))
		// Echo a byte so the caller can verify the tunnel is passthrough.
		if b, err := br.ReadByte(); err == nil {
			conn.Write([]byte{b})
		}
	}()
	return ln
}

func TestHTTPConnectDialer(t *testing.T) {
	requests := make(chan string, 1)
	ln := fakeHTTPProxy(t, "HTTP/1.1 200 Connection established\r\n\r\n", requests)
	defer ln.Close()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	d := &httpConnectDialer{
		proxyAddr: net.JoinHostPort(host, port),
		username:  "user",
		password:  "pass",
		forward:   &net.Dialer{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", "imap.example.com:993")
	require.NoError(t, err)
	defer conn.Close()

	req := <-requests
	assert.True(t, strings.HasPrefix(req, "CONNECT imap.example.com:993 HTTP/1.1\r\n"))
	assert.Contains(t, req, "Proxy-Authorization: Basic ")

	// Tunnel passes bytes through untouched.
	_, err = conn.Write([]byte{'x'})
	require.NoError(t, err)
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), buf[0])
}

func TestHTTPConnectDialerRefused(t *testing.T) {
	requests := make(chan string, 1)
	ln := fakeHTTPProxy(t, "HTTP/1.1 403 Forbidden\r\n\r\n", requests)
	defer ln.Close()

	d := &httpConnectDialer{proxyAddr: ln.Addr().String(), forward: &net.Dialer{}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.DialContext(ctx, "tcp", "imap.example.com:993")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused CONNECT")
}
