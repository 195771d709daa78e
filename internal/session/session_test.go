package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/identity"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/store"
	"github.com/zkemails/zkemails/internal/transport"
	"github.com/zkemails/zkemails/internal/trust"
	"github.com/zkemails/zkemails/tests/testutil"
)

// memServer routes messages between in-memory mailboxes, standing in for
// the IMAP/SMTP pair.
type memServer struct {
	mu      sync.Mutex
	inboxes map[string][]*transport.Fetched
	nextUID int
}

func newMemServer() *memServer {
	return &memServer{inboxes: map[string][]*transport.Fetched{}}
}

func (s *memServer) mailbox(addr string) *memMailbox {
	return &memMailbox{server: s, addr: addr}
}

func (s *memServer) deliver(msg *transport.Outgoing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipients := msg.Recipients
	if len(recipients) == 0 {
		recipients = append(append(append([]string{}, msg.To...), msg.CC...), msg.BCC...)
	}

	for _, rcpt := range recipients {
		s.nextUID++
		headers := make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
		s.inboxes[rcpt] = append(s.inboxes[rcpt], &transport.Fetched{
			ID:              strconv.Itoa(s.nextUID),
			From:            msg.From,
			To:              append([]string{}, msg.To...),
			CC:              append([]string{}, msg.CC...),
			Subject:         msg.Subject,
			Date:            time.Now(),
			Headers:         headers,
			TextBody:        msg.TextBody,
			PayloadJSON:     append([]byte{}, msg.PayloadJSON...),
			AttachmentsBlob: append([]byte{}, msg.AttachmentsBlob...),
		})
	}
}

// memMailbox is one account's view of the server.
type memMailbox struct {
	server *memServer
	addr   string
}

func (m *memMailbox) Send(_ context.Context, msg *transport.Outgoing) error {
	m.server.deliver(msg)
	return nil
}

func (m *memMailbox) Search(_ context.Context, criteria transport.SearchCriteria) ([]string, error) {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()

	var ids []string
	for _, msg := range m.server.inboxes[m.addr] {
		if criteria.Header != nil {
			v, ok := msg.Headers[criteria.Header.Name]
			if !ok || (criteria.Header.Value != "" && v != criteria.Header.Value) {
				continue
			}
		}
		if criteria.Subject != "" &&
			!strings.Contains(strings.ToLower(msg.Subject), strings.ToLower(criteria.Subject)) {
			continue
		}
		if len(criteria.Senders) > 0 && !containsString(criteria.Senders, msg.From) {
			continue
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memMailbox) FetchHeaders(_ context.Context, _ model.Folder, id string) (map[string]string, error) {
	msg, err := m.find(id)
	if err != nil {
		return nil, err
	}
	return msg.Headers, nil
}

func (m *memMailbox) FetchBody(_ context.Context, _ model.Folder, id string) (*transport.Fetched, error) {
	return m.find(id)
}

func (m *memMailbox) find(id string) (*transport.Fetched, error) {
	m.server.mu.Lock()
	defer m.server.mu.Unlock()

	for _, msg := range m.server.inboxes[m.addr] {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, &store.NotFoundError{Kind: "message", Key: id}
}

func newTestSession(t *testing.T, server *memServer, email string) *Session {
	t.Helper()

	db := testutil.NewTestStore(t)

	cfg := model.AccountConfig{Email: email}
	sess, err := Open(cfg, db, server.mailbox(email))
	require.NoError(t, err)
	return sess
}

// pair runs the invite/accept ceremony so both sessions pin each other.
func pair(t *testing.T, ctx context.Context, inviter, invitee *Session, inviteeAddr string) {
	t.Helper()

	_, err := inviter.Invite(ctx, inviteeAddr)
	require.NoError(t, err)

	pending, err := invitee.CheckInvites(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, invitee.Accept(ctx, pending[0]))

	_, err = inviter.CheckInvites(ctx)
	require.NoError(t, err)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")

	pair(t, ctx, alice, bob, "bob@example.com")

	// both sides ended up with ready contacts
	bobContact, err := alice.Trust().Get(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Equal(t, model.ContactReady, bobContact.Status)

	aliceContact, err := bob.Trust().Get(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, model.ContactReady, aliceContact.Status)

	threadID, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		Subject: "Quarterly numbers",
		Body:    "revenue is up 40%",
	})
	require.NoError(t, err)

	result, err := bob.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.New)
	require.Equal(t, 0, result.Failed)

	msgs, err := bob.db.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "revenue is up 40%", msgs[0].Plaintext)

	// the sender kept a local copy in the same thread
	sent, err := alice.db.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.Equal(t, model.FolderSent, sent[0].Folder)
}

func TestSnoopCannotDecrypt(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")
	pair(t, ctx, alice, bob, "bob@example.com")

	_, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		Subject: "secret plans",
		Body:    "the vault code is 4512",
	})
	require.NoError(t, err)

	// an eavesdropper with the raw message and their own keys
	snoop, err := identity.Generate()
	require.NoError(t, err)

	var raw *transport.Fetched
	for _, msg := range server.inboxes["bob@example.com"] {
		if msg.Headers[transport.HeaderType] == transport.TypeMsg {
			raw = msg
		}
	}
	require.NotNil(t, raw)

	env, err := transport.ParseEnvelopeV1(raw.Headers)
	require.NoError(t, err)

	aliceContact, err := bob.Trust().Get(ctx, "alice@example.com")
	require.NoError(t, err)
	aliceSigning, _, err := trust.PinnedKeys(aliceContact)
	require.NoError(t, err)

	result := envelope.Open(raw.From, "bob@example.com", raw.Subject,
		env, snoop.AgreementPrivate, aliceSigning)
	require.False(t, result.OK)
	require.Nil(t, result.Plaintext)
}

func TestAcceptRejectsForgedGossip(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	bob := newTestSession(t, server, "bob@example.com")

	mallory, err := identity.Generate()
	require.NoError(t, err)
	victim, err := identity.Generate()
	require.NoError(t, err)

	// Mallory's keys under the victim's fingerprint.
	headers := transport.GossipHeaders(mallory)
	headers[transport.HeaderFingerprint] = victim.Fingerprint
	headers[transport.HeaderType] = transport.TypeInvite
	headers[transport.HeaderInviteID] = "forged-invite"

	err = bob.Accept(ctx, &transport.Fetched{
		ID:      "1",
		From:    "mallory@example.com",
		To:      []string{"bob@example.com"},
		Subject: "let's talk",
		Headers: headers,
	})
	require.Error(t, err)

	_, err = bob.Trust().Get(ctx, "mallory@example.com")
	require.True(t, trust.IsTrustError(err), "forged gossip must not pin a contact")
}

func TestSendToUnpinnedRecipientFails(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()
	alice := newTestSession(t, server, "alice@example.com")

	_, err := alice.SendText(ctx, Draft{
		To:      []string{"stranger@example.com"},
		Subject: "hi",
		Body:    "hello",
	})
	require.Error(t, err)
	require.True(t, trust.IsTrustError(err))

	// nothing left the machine
	require.Empty(t, server.inboxes["stranger@example.com"])
}

func TestGroupSendWithBCCIsolation(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")
	carol := newTestSession(t, server, "carol@example.com")

	pair(t, ctx, alice, bob, "bob@example.com")
	pair(t, ctx, alice, carol, "carol@example.com")

	threadID, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		BCC:     []string{"carol@example.com"},
		Subject: "launch plan",
		Body:    "we ship tuesday",
	})
	require.NoError(t, err)

	// both recipients can read their copies
	bobResult, err := bob.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, bobResult.New)

	carolResult, err := carol.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, carolResult.New)

	carolMsgs, err := carol.db.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, carolMsgs, 1)
	require.Equal(t, "we ship tuesday", carolMsgs[0].Plaintext)

	// bob's copy carries no trace of carol
	carolFp := carol.Fingerprint()
	for _, msg := range server.inboxes["bob@example.com"] {
		if msg.Headers[transport.HeaderType] != transport.TypeMsg {
			continue
		}
		require.NotContains(t, string(msg.PayloadJSON), carolFp)
		require.NotContains(t, msg.To, "carol@example.com")
		require.NotContains(t, msg.CC, "carol@example.com")
	}
}

func TestSendWithAttachments(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")
	pair(t, ctx, alice, bob, "bob@example.com")

	threadID, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		Subject: "the report",
		Body:    "see attached",
		Attachments: []Attachment{{
			Filename: "report.pdf",
			MIMEType: "application/pdf",
			Content:  []byte("pdf bytes"),
		}},
	})
	require.NoError(t, err)

	result, err := bob.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.New)

	msgs, err := bob.db.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "see attached", msgs[0].Plaintext)
	require.Len(t, msgs[0].Attachments, 1)
	require.Equal(t, "report.pdf", msgs[0].Attachments[0].Filename)
}

func TestReplyJoinsThread(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")
	pair(t, ctx, alice, bob, "bob@example.com")

	threadID, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		Subject: "Hello",
		Body:    "first",
	})
	require.NoError(t, err)

	_, err = bob.Sync(ctx)
	require.NoError(t, err)

	replyThread, err := bob.SendText(ctx, Draft{
		To:       []string{"alice@example.com"},
		Subject:  "Re: Hello",
		Body:     "second",
		ThreadID: threadID,
	})
	require.NoError(t, err)
	require.Equal(t, threadID, replyThread)

	_, err = alice.Sync(ctx)
	require.NoError(t, err)

	// alice's thread now holds her sent message and bob's reply
	msgs, err := alice.db.GetThreadMessages(ctx, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	summary, err := alice.db.GetThread(ctx, threadID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.MessageCount)
}

func TestFindRemoteThread(t *testing.T) {
	ctx := context.Background()
	server := newMemServer()

	alice := newTestSession(t, server, "alice@example.com")
	bob := newTestSession(t, server, "bob@example.com")
	pair(t, ctx, alice, bob, "bob@example.com")

	threadID, err := alice.SendText(ctx, Draft{
		To:      []string{"bob@example.com"},
		Subject: "Hello",
		Body:    "first",
	})
	require.NoError(t, err)

	ids, err := bob.FindRemoteThread(ctx, threadID, "Re: Hello", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// a legacy message without the thread header joins via the subject
	// fallback
	server.deliver(&transport.Outgoing{
		From:     "alice@example.com",
		To:       []string{"bob@example.com"},
		Subject:  "Re: Hello",
		TextBody: "old client reply",
	})

	ids, err = bob.FindRemoteThread(ctx, threadID, "Re: Hello", "alice@example.com")
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestIdentityPersistsAcrossSessions(t *testing.T) {
	db := testutil.NewTestStore(t)

	server := newMemServer()
	cfg := model.AccountConfig{Email: "alice@example.com"}

	first, err := Open(cfg, db, server.mailbox(cfg.Email))
	require.NoError(t, err)

	second, err := Open(cfg, db, server.mailbox(cfg.Email))
	require.NoError(t, err)

	require.Equal(t, first.Fingerprint(), second.Fingerprint())
}
