package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-message"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
)

// POP3Dialer opens POP3 sessions with a minimal client. No POP3 client
// library covers this; the command surface needed here is USER/PASS,
// STAT, TOP and QUIT.
type POP3Dialer struct{}

func (d *POP3Dialer) Dial(ctx context.Context, ep Endpoint, creds Credentials, p *ProxyConfig) (Session, error) {
	dialer, err := newDialer(p)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if ep.Secure {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", addr, err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	text := textproto.NewConn(conn)

	s := &pop3Session{conn: conn, text: text}
	if _, err := s.readResponse(); err != nil {
		s.Close()
		return nil, fmt.Errorf("bad POP3 greeting from %s: %w", addr, err)
	}
	if _, err := s.command("USER %s", creds.Email); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", consts.ErrAuthFailed, err)
	}
	if _, err := s.command("PASS %s", creds.Password); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w for %s: %v", consts.ErrAuthFailed, helpers.MaskEmail(creds.Email), err)
	}

	logger.Debug("POP3: session established", "host", ep.Host, "user", helpers.MaskEmail(creds.Email))
	return s, nil
}

type pop3Session struct {
	conn      net.Conn
	text      *textproto.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// command sends one command and reads its single-line status response.
func (s *pop3Session) command(format string, args ...any) (string, error) {
	if err := s.text.PrintfLine(format, args...); err != nil {
		return "", err
	}
	return s.readResponse()
}

func (s *pop3Session) readResponse() (string, error) {
	line, err := s.text.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, "+OK") {
		return "", fmt.Errorf("server replied %q", line)
	}
	return line, nil
}

// Folders returns the single POP3 mailbox.
func (s *pop3Session) Folders(context.Context) ([]string, error) {
	return []string{"INBOX"}, nil
}

func (s *pop3Session) Messages(ctx context.Context, folder string) (MessageStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := s.command("STAT")
	if err != nil {
		return nil, fmt.Errorf("STAT failed: %w", err)
	}
	fields := strings.Fields(stat)
	count := 0
	if len(fields) >= 2 {
		count, _ = strconv.Atoi(fields[1])
	}
	return &pop3Stream{session: s, folder: folder, count: count}, nil
}

// fetchHeader retrieves message n's headers via TOP n 0 and parses the
// address fields.
func (s *pop3Session) fetchHeader(n int) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.command("TOP %d 0", n); err != nil {
		return nil, fmt.Errorf("TOP %d failed: %w", n, err)
	}
	raw, err := s.text.ReadDotBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read TOP %d response: %w", n, err)
	}

	msg := &Message{ID: strconv.Itoa(n)}
	entity, err := message.Read(strings.NewReader(string(raw)))
	if err != nil && entity == nil {
		// Unparsable header; keep the placeholder record so counting
		// still progresses.
		return msg, nil
	}

	addrs := helpers.ExtractHeaderAddresses(entity.Header)
	msg.From = addrs.From
	msg.To = addrs.To
	msg.Cc = addrs.Cc
	msg.Bcc = addrs.Bcc
	msg.Subject = entity.Header.Get("Subject")
	if id := entity.Header.Get("Message-Id"); id != "" {
		msg.ID = id
	}
	return msg, nil
}

func (s *pop3Session) Close() error {
	s.closeOnce.Do(func() {
		if s.text != nil {
			_, _ = s.command("QUIT")
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

type pop3Stream struct {
	session *pop3Session
	folder  string
	count   int
	next    int
}

func (st *pop3Stream) Next(ctx context.Context) (*Message, error) {
	if st.next >= st.count {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.next++
	msg, err := st.session.fetchHeader(st.next)
	if err != nil {
		return nil, err
	}
	msg.Folder = st.folder
	return msg, nil
}
