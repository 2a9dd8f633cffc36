package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pop3TestMessage = "From: \"Alice\" <Alice@Example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: hello\r\n" +
	"Message-Id: <msg-1@example.com>\r\n" +
	"\r\n.\r\n"

// fakePOP3Server speaks just enough POP3 for the dialer: greeting,
// USER/PASS, STAT, TOP and QUIT.
func fakePOP3Server(t *testing.T, messages int, passOK bool) net.Listener {
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
		write := func(s string) { conn.Write([]byte(s + "\r\n")) }

		write("+OK fake POP3 ready")
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.Fields(strings.TrimSpace(line))[0])
			switch cmd {
			case "USER":
				write("+OK")
			case "PASS":
				if passOK {
					write("+OK logged in")
				} else {
					write("-ERR invalid credentials")
				}
			case "STAT":
				write(fmt.Sprintf("+OK %d 640", messages))
			case "TOP":
				write("+OK headers follow")
				conn.Write([]byte(pop3TestMessage))
			case "QUIT":
				write("+OK bye")
				return
			default:
				write("-ERR unknown command")
			}
		}
	}()
	return ln
}

func pop3Endpoint(t *testing.T, ln net.Listener) Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Endpoint{Protocol: "pop3", Host: host, Port: port, Secure: false}
}

func TestPOP3DialerSession(t *testing.T) {
	ln := fakePOP3Server(t, 2, true)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := &POP3Dialer{}
	sess, err := d.Dial(ctx, pop3Endpoint(t, ln), Credentials{Email: "user@example.com", Password: "pw"}, nil)
	require.NoError(t, err)
	defer sess.Close()

	folders, err := sess.Folders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX"}, folders)

	stream, err := sess.Messages(ctx, "INBOX")
	require.NoError(t, err)

	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", strings.ToLower(msg.From))
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, []string{"dave@example.com"}, msg.Cc)
	assert.Equal(t, "hello", msg.Subject)
	assert.Equal(t, "INBOX", msg.Folder)

	_, err = stream.Next(ctx)
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPOP3DialerAuthFailure(t *testing.T) {
	ln := fakePOP3Server(t, 0, false)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := &POP3Dialer{}
	_, err := d.Dial(ctx, pop3Endpoint(t, ln), Credentials{Email: "user@example.com", Password: "bad"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestPOP3SessionCloseIdempotent(t *testing.T) {
	ln := fakePOP3Server(t, 0, true)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := &POP3Dialer{}
	sess, err := d.Dial(ctx, pop3Endpoint(t, ln), Credentials{Email: "user@example.com", Password: "pw"}, nil)
	require.NoError(t, err)

	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close(), "second close is a no-op")
}
