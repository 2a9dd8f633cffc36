package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
)

// IMAPDialer opens IMAP sessions via go-imap v2.
type IMAPDialer struct{}

func (d *IMAPDialer) Dial(ctx context.Context, ep Endpoint, creds Credentials, p *ProxyConfig) (Session, error) {
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

	// The login exchange reads from the socket; bound it by the caller's
	// deadline so a server that greets and then goes silent cannot hang us.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client := imapclient.New(conn, nil)

	if err := client.Login(creds.Email, creds.Password).Wait(); err != nil {
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("login to %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("%w for %s: %v", consts.ErrAuthFailed, helpers.MaskEmail(creds.Email), err)
	}

	// Long-lived sessions re-arm the deadline per operation.
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("IMAP: session established", "host", ep.Host, "user", helpers.MaskEmail(creds.Email))
	return &imapSession{client: client, conn: conn}, nil
}

type imapSession struct {
	client    *imapclient.Client
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// applyDeadline bounds reads on the underlying connection by the caller's
// context. Without it a mid-command stall blocks the client's read loop
// past any wall clock the caller set.
func (s *imapSession) applyDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *imapSession) Folders(ctx context.Context) ([]string, error) {
	s.applyDeadline(ctx)
	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	folders := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		folders = append(folders, mbox.Mailbox)
	}
	return folders, nil
}

func (s *imapSession) Messages(ctx context.Context, folder string) (MessageStream, error) {
	s.applyDeadline(ctx)
	selected, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %q: %w", folder, err)
	}
	if selected.NumMessages == 0 {
		return &imapStream{folder: folder}, nil
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(1, selected.NumMessages)

	cmd := s.client.Fetch(seqSet, &imap.FetchOptions{Envelope: true})
	return &imapStream{sess: s, cmd: cmd, folder: folder}, nil
}

func (s *imapSession) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.SetDeadline(time.Now().Add(10 * time.Second))
		if err := s.client.Logout().Wait(); err != nil {
			// Logout failing usually means the peer is already gone; close
			// the connection regardless.
			s.closeErr = s.client.Close()
			return
		}
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// imapStream adapts a FETCH command's responses to a MessageStream.
type imapStream struct {
	sess   *imapSession
	cmd    *imapclient.FetchCommand
	folder string
	done   bool
}

func (st *imapStream) Next(ctx context.Context) (*Message, error) {
	if st.cmd == nil || st.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.sess.applyDeadline(ctx)

	data := st.cmd.Next()
	if data == nil {
		st.done = true
		if err := st.cmd.Close(); err != nil {
			return nil, fmt.Errorf("fetch in folder %q failed: %w", st.folder, err)
		}
		return nil, io.EOF
	}

	buf, err := data.Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to collect message data: %w", err)
	}

	msg := &Message{
		ID:     strconv.FormatUint(uint64(buf.SeqNum), 10),
		Folder: st.folder,
	}
	if env := buf.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.ID = env.MessageID
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
		msg.To = collectAddrs(env.To)
		msg.Cc = collectAddrs(env.Cc)
		msg.Bcc = collectAddrs(env.Bcc)
	}
	return msg, nil
}

func collectAddrs(addrs []imap.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if addr := a.Addr(); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
