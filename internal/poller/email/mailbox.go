package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const imapTimeout = 30 * time.Second

// Fetched is one message as returned by the server.
type Fetched struct {
	UID      uint32
	Envelope *imap.Envelope
	Raw      []byte
}

// Mailbox is the slice of an IMAP session the source uses.
type Mailbox interface {
	// UnseenUIDs returns unseen UIDs greater than after, ascending.
	UnseenUIDs(after uint32) ([]uint32, error)
	Fetch(uid uint32) (*Fetched, error)
	MarkSeen(uid uint32) error
	Logout() error
}

// Dialer opens an authenticated session with INBOX selected.
type Dialer func(ctx context.Context) (Mailbox, error)

// IMAPConfig addresses an IMAP server over implicit TLS.
type IMAPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// DialIMAP returns a Dialer for cfg.
func DialIMAP(cfg IMAPConfig) Dialer {
	return func(ctx context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		d := &net.Dialer{Timeout: imapTimeout}
		if deadline, ok := ctx.Deadline(); ok {
			d.Deadline = deadline
		}
		c, err := client.DialWithDialerTLS(d, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		c.Timeout = imapTimeout
		if err := c.Login(cfg.User, cfg.Password); err != nil {
			c.Logout()
			return nil, fmt.Errorf("login: %w", err)
		}
		if _, err := c.Select("INBOX", false); err != nil {
			c.Logout()
			return nil, fmt.Errorf("select INBOX: %w", err)
		}
		return &imapMailbox{c: c}, nil
	}
}

type imapMailbox struct {
	c *client.Client
}

func (m *imapMailbox) UnseenUIDs(after uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	if after > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(after+1, 0)
	}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	// "n:*" always matches the highest UID, even when it is below n.
	out := uids[:0]
	for _, uid := range uids {
		if uid > after {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (m *imapMailbox) Fetch(uid uint32) (*Fetched, error) {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope, section.FetchItem()}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- m.c.UidFetch(seq, items, ch) }()

	var out *Fetched
	var readErr error
	for msg := range ch {
		f := &Fetched{UID: msg.Uid, Envelope: msg.Envelope}
		if body := msg.GetBody(section); body != nil {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, body); err != nil {
				readErr = err
			}
			f.Raw = buf.Bytes()
		}
		out = f
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %d: %w", uid, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read body %d: %w", uid, readErr)
	}
	if out == nil {
		return nil, fmt.Errorf("fetch %d: message not found", uid)
	}
	return out, nil
}

func (m *imapMailbox) MarkSeen(uid uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	flags := []interface{}{imap.SeenFlag}
	return m.c.UidStore(seq, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil)
}

func (m *imapMailbox) Logout() error {
	return m.c.Logout()
}
