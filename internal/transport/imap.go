package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/textproto"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/pool"
)

// IMAPDialer creates logged-in, folder-selected IMAP connections for the
// pool.
type IMAPDialer struct {
	// Password is the mail server password for the account; the login
	// name comes from the account config.
	Password string
}

// Dial connects to the IMAP server, authenticates, and selects folder.
func (d *IMAPDialer) Dial(_ context.Context, cfg model.AccountConfig, folder string) (pool.Conn, error) {
	addr := cfg.IMAPHost + ":" + cfg.IMAPPort

	var client *imapclient.Client
	var err error

	if cfg.IMAPTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(cfg.LoginUser(), d.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{
			Account: cfg.Email,
			Message: fmt.Sprintf("authentication failed for %s: %v", cfg.LoginUser(), err),
		}
	}

	if _, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}

	return &imapConn{client: client}, nil
}

// imapConn adapts an IMAP client to the pool's Conn contract.
type imapConn struct {
	client *imapclient.Client
}

// Live probes the connection with a NOOP.
func (c *imapConn) Live() bool {
	return c.client.Noop().Wait() == nil
}

func (c *imapConn) Close() error {
	return c.client.Logout().Wait()
}

// IMAPMailbox implements the Mailbox contract over pooled IMAP
// connections for reading and SMTP for sending.
type IMAPMailbox struct {
	cfg      model.AccountConfig
	password string
	pool     *pool.Pool
}

// NewIMAPMailbox creates a mailbox for one account. The pool is owned by
// the caller and may be shared across folders.
func NewIMAPMailbox(cfg model.AccountConfig, password string, p *pool.Pool) *IMAPMailbox {
	return &IMAPMailbox{cfg: cfg, password: password, pool: p}
}

// folderName maps the local folder model to IMAP mailbox names.
func folderName(folder model.Folder) string {
	if folder == model.FolderSent {
		return "Sent"
	}
	return "INBOX"
}

// Send delivers the message over SMTP.
func (m *IMAPMailbox) Send(ctx context.Context, msg *Outgoing) error {
	return sendSMTP(ctx, m.cfg, m.password, msg)
}

// Search finds message ids matching the criteria in the given folder.
func (m *IMAPMailbox) Search(ctx context.Context, criteria SearchCriteria) ([]string, error) {
	conn, err := m.pool.Acquire(ctx, m.cfg, folderName(criteria.Folder))
	if err != nil {
		return nil, err
	}
	client := conn.(*imapConn).client

	searchData, err := client.UIDSearch(buildSearchCriteria(criteria), nil).Wait()
	if err != nil {
		m.pool.Invalidate(conn)
		return nil, fmt.Errorf("searching %s: %w", criteria.Folder, err)
	}

	uids := searchData.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}

	return ids, nil
}

// FetchHeaders retrieves only the wire headers of a message.
func (m *IMAPMailbox) FetchHeaders(ctx context.Context, folder model.Folder, id string) (map[string]string, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx, m.cfg, folderName(folder))
	if err != nil {
		return nil, err
	}
	client := conn.(*imapConn).client

	section := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	}
	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		m.pool.Invalidate(conn)
		return nil, fmt.Errorf("message %s not found in %s", id, folder)
	}

	buf, err := msg.Collect()
	if err != nil {
		m.pool.Invalidate(conn)
		return nil, fmt.Errorf("collecting headers for %s: %w", id, err)
	}

	raw := buf.FindBodySection(section)
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	mimeHeader, err := reader.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("parsing headers for %s: %w", id, err)
	}

	return wireHeaderValues(mimeHeader.Get), nil
}

// FetchBody retrieves and parses the full message.
func (m *IMAPMailbox) FetchBody(ctx context.Context, folder model.Folder, id string) (*Fetched, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx, m.cfg, folderName(folder))
	if err != nil {
		return nil, err
	}
	client := conn.(*imapConn).client

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		m.pool.Invalidate(conn)
		return nil, fmt.Errorf("message %s not found in %s", id, folder)
	}

	buf, err := msg.Collect()
	if err != nil {
		m.pool.Invalidate(conn)
		return nil, fmt.Errorf("collecting message %s: %w", id, err)
	}

	fetched := &Fetched{ID: id}
	if buf.Envelope != nil {
		fetched.Subject = buf.Envelope.Subject
		fetched.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			fetched.From = buf.Envelope.From[0].Addr()
		}
		for _, to := range buf.Envelope.To {
			fetched.To = append(fetched.To, to.Addr())
		}
		for _, cc := range buf.Envelope.Cc {
			fetched.CC = append(fetched.CC, cc.Addr())
		}
	}

	raw := buf.FindBodySection(section)
	fetched.Headers, fetched.TextBody, fetched.PayloadJSON, fetched.AttachmentsBlob = parseMIME(raw)

	return fetched, nil
}

// buildSearchCriteria translates a SearchCriteria into IMAP search terms.
func buildSearchCriteria(criteria SearchCriteria) *imap.SearchCriteria {
	sc := &imap.SearchCriteria{}

	if !criteria.Since.IsZero() {
		sc.Since = criteria.Since
	}
	if criteria.Header != nil {
		sc.Header = append(sc.Header, imap.SearchCriteriaHeaderField{
			Key:   criteria.Header.Name,
			Value: criteria.Header.Value,
		})
	}
	if criteria.Subject != "" {
		sc.Header = append(sc.Header, imap.SearchCriteriaHeaderField{
			Key:   "Subject",
			Value: criteria.Subject,
		})
	}
	if len(criteria.Senders) > 0 {
		sc.And(senderCriteria(criteria.Senders))
	}

	return sc
}

// senderCriteria builds an OR tree matching any of the given From
// addresses.
func senderCriteria(senders []string) *imap.SearchCriteria {
	from := func(addr string) imap.SearchCriteria {
		return imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: addr}},
		}
	}

	result := from(senders[0])
	for _, addr := range senders[1:] {
		result = imap.SearchCriteria{
			Or: [][2]imap.SearchCriteria{{result, from(addr)}},
		}
	}
	return &result
}

// parseUID converts a transport id string to an IMAP UID.
func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return uint32(uid), nil
}
