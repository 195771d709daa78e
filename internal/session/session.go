// Package session wires one profile's identity, trust store, transport,
// and sync pipeline together and exposes the user-level operations:
// invite, accept, send, sync.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/identity"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/store"
	"github.com/zkemails/zkemails/internal/syncer"
	"github.com/zkemails/zkemails/internal/transport"
	"github.com/zkemails/zkemails/internal/trust"
)

// identityKey is the profile-document key holding the serialized key
// bundle.
const identityKey = "identity"

// Session is one profile's live state. All mutating operations assume a
// single writer per profile.
type Session struct {
	cfg     model.AccountConfig
	keys    *identity.KeyBundle
	db      store.Store
	trust   *trust.Store
	mailbox transport.Mailbox
	sync    *syncer.Syncer

	now func() time.Time
}

// Open loads or creates the profile identity and assembles the session.
// A freshly generated identity is persisted before the session is
// returned so a crash cannot lose the private keys.
func Open(cfg model.AccountConfig, db store.Store, mailbox transport.Mailbox) (*Session, error) {
	keys, err := loadOrCreateIdentity(db)
	if err != nil {
		return nil, err
	}

	trustStore := trust.New(db)
	return &Session{
		cfg:     cfg,
		keys:    keys,
		db:      db,
		trust:   trustStore,
		mailbox: mailbox,
		sync:    syncer.New(mailbox, db, trustStore, keys, cfg.Email),
		now:     time.Now,
	}, nil
}

func loadOrCreateIdentity(db store.Store) (*identity.KeyBundle, error) {
	ctx := context.Background()

	raw, err := db.GetValue(ctx, identityKey)
	if err == nil {
		var keys identity.KeyBundle
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("loading identity: %w", err)
		}
		return &keys, nil
	}

	var notFound *store.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	keys, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	raw, err = json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("serializing identity: %w", err)
	}
	if err := db.SetValue(ctx, identityKey, raw); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	logrus.WithField("fingerprint", keys.Fingerprint[:8]).Info("generated new identity")
	return keys, nil
}

// Fingerprint returns the local identity's fingerprint.
func (s *Session) Fingerprint() string {
	return s.keys.Fingerprint
}

// Trust exposes the session's trust store for contact listing and diffs.
func (s *Session) Trust() *trust.Store {
	return s.trust
}

// Invite sends a key-gossip invitation to toEmail, records it in the
// invite ledger, and creates a placeholder contact.
func (s *Session) Invite(ctx context.Context, toEmail string) (*model.Invite, error) {
	inviteID := uuid.NewString()

	headers := transport.GossipHeaders(s.keys)
	headers[transport.HeaderType] = transport.TypeInvite
	headers[transport.HeaderInviteID] = inviteID

	msg := &transport.Outgoing{
		From:    s.cfg.Email,
		To:      []string{toEmail},
		Subject: "Encrypted mail invitation",
		Headers: headers,
		TextBody: s.cfg.Email + " would like to exchange end-to-end encrypted mail " +
			"with you. Reply with a compatible client to accept.",
	}
	if err := s.mailbox.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending invite to %s: %w", toEmail, err)
	}

	inv := model.Invite{
		InviteID:  inviteID,
		Direction: model.InviteOut,
		FromEmail: s.cfg.Email,
		ToEmail:   toEmail,
		Subject:   msg.Subject,
		Status:    model.InvitePending,
		CreatedAt: s.now().Unix(),
	}
	if err := s.db.UpsertInvite(ctx, inv); err != nil {
		return nil, err
	}
	if _, err := s.trust.UpsertBasic(ctx, toEmail); err != nil {
		return nil, err
	}

	return &inv, nil
}

// Accept processes a received invitation: it pins the inviter's gossiped
// keys, replies with our own gossip under the same invite id, and marks
// the ledger entry acked.
func (s *Session) Accept(ctx context.Context, invite *transport.Fetched) error {
	gossip, ok := transport.ParseGossip(invite.Headers)
	if !ok {
		return fmt.Errorf("invite from %s carries no key gossip", invite.From)
	}
	inviteID := invite.Headers[transport.HeaderInviteID]
	if inviteID == "" {
		return fmt.Errorf("invite from %s carries no invite id", invite.From)
	}

	if _, err := s.trust.UpsertKeys(ctx, invite.From,
		gossip.Fingerprint, gossip.SigningPublic, gossip.AgreementPublic); err != nil {
		return err
	}

	headers := transport.GossipHeaders(s.keys)
	headers[transport.HeaderType] = transport.TypeAccept
	headers[transport.HeaderInviteID] = inviteID

	reply := &transport.Outgoing{
		From:     s.cfg.Email,
		To:       []string{invite.From},
		Subject:  "Re: " + invite.Subject,
		Headers:  headers,
		TextBody: s.cfg.Email + " accepted your encrypted mail invitation.",
	}
	if err := s.mailbox.Send(ctx, reply); err != nil {
		return fmt.Errorf("sending accept to %s: %w", invite.From, err)
	}

	return s.db.UpsertInvite(ctx, model.Invite{
		InviteID:  inviteID,
		Direction: model.InviteIn,
		FromEmail: invite.From,
		ToEmail:   s.cfg.Email,
		Subject:   invite.Subject,
		Status:    model.InviteAcked,
		CreatedAt: s.now().Unix(),
	})
}

// ProcessGossip pins key material gossiped by from. Called for any
// gossip-bearing message; an accept additionally resolves our pending
// outbound invite.
func (s *Session) ProcessGossip(ctx context.Context, from string, headers map[string]string) error {
	gossip, ok := transport.ParseGossip(headers)
	if !ok {
		return nil
	}

	if _, err := s.trust.UpsertKeys(ctx, from,
		gossip.Fingerprint, gossip.SigningPublic, gossip.AgreementPublic); err != nil {
		return err
	}

	if headers[transport.HeaderType] != transport.TypeAccept {
		return nil
	}
	inviteID := headers[transport.HeaderInviteID]
	if inviteID == "" {
		return nil
	}

	inv, err := s.db.GetInvite(ctx, inviteID)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			logrus.WithField("invite_id", inviteID).Warn("accept for unknown invite")
			return nil
		}
		return err
	}
	inv.Status = model.InviteAcked
	return s.db.UpsertInvite(ctx, *inv)
}

// CheckInvites scans the inbox for invitation traffic: accepts are
// processed immediately (keys pinned, ledger resolved); incoming invites
// are recorded pending and returned for the caller to Accept.
func (s *Session) CheckInvites(ctx context.Context) ([]*transport.Fetched, error) {
	var pending []*transport.Fetched

	for _, msgType := range []string{transport.TypeAccept, transport.TypeInvite} {
		ids, err := s.mailbox.Search(ctx, transport.SearchCriteria{
			Folder: model.FolderInbox,
			Header: &transport.HeaderFilter{Name: transport.HeaderType, Value: msgType},
		})
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			fetched, err := s.mailbox.FetchBody(ctx, model.FolderInbox, id)
			if err != nil {
				logrus.WithField("id", id).WithError(err).Warn("skipping invite message")
				continue
			}

			if msgType == transport.TypeAccept {
				if err := s.ProcessGossip(ctx, fetched.From, fetched.Headers); err != nil {
					return nil, err
				}
				continue
			}

			if err := s.recordIncomingInvite(ctx, fetched); err != nil {
				return nil, err
			}
			pending = append(pending, fetched)
		}
	}

	return pending, nil
}

func (s *Session) recordIncomingInvite(ctx context.Context, invite *transport.Fetched) error {
	inviteID := invite.Headers[transport.HeaderInviteID]
	if inviteID == "" {
		return nil
	}

	existing, err := s.db.GetInvite(ctx, inviteID)
	if err == nil && existing.Status == model.InviteAcked {
		return nil
	}
	var notFound *store.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	if existing != nil {
		return nil
	}

	return s.db.UpsertInvite(ctx, model.Invite{
		InviteID:  inviteID,
		Direction: model.InviteIn,
		FromEmail: invite.From,
		ToEmail:   s.cfg.Email,
		Subject:   invite.Subject,
		Status:    model.InvitePending,
		CreatedAt: s.now().Unix(),
	})
}

// Sync pulls new inbox messages into the local store.
func (s *Session) Sync(ctx context.Context) (syncer.SyncResult, error) {
	return s.sync.Sync(ctx, model.FolderInbox)
}

// FullRefresh wipes local message state and resyncs from the server.
func (s *Session) FullRefresh(ctx context.Context) (syncer.SyncResult, error) {
	return s.sync.FullRefresh(ctx)
}

// resolveRecipients looks up pinned key material for every address. Any
// unpinned address fails the whole send with a TrustError.
func (s *Session) resolveRecipients(ctx context.Context, addrs []string) (map[string][32]byte, map[string]string, error) {
	keys := make(map[string][32]byte, len(addrs))
	byAddr := make(map[string]string, len(addrs))

	for _, addr := range addrs {
		contact, err := s.trust.Get(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		_, agreementPub, err := trust.PinnedKeys(contact)
		if err != nil {
			return nil, nil, err
		}
		keys[contact.Fingerprint] = agreementPub
		byAddr[addr] = contact.Fingerprint
	}

	return keys, byAddr, nil
}

// sealAttachments encrypts each attachment for the visible recipient set
// and packs the container part.
func (s *Session) sealAttachments(
	from, primaryTo, subject string,
	attachments []Attachment,
	recipients map[string][32]byte,
) ([]byte, []model.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil, nil
	}

	items := make([]transport.EncryptedAttachment, 0, len(attachments))
	meta := make([]model.Attachment, 0, len(attachments))
	for _, a := range attachments {
		env, err := envelope.SealMany(from, primaryTo, subject, a.Content, s.keys, recipients)
		if err != nil {
			return nil, nil, fmt.Errorf("sealing attachment %s: %w", a.Filename, err)
		}
		items = append(items, transport.EncryptedAttachment{
			Filename: a.Filename,
			MIMEType: a.MIMEType,
			Size:     int64(len(a.Content)),
			Envelope: env,
		})
		meta = append(meta, model.Attachment{
			Filename: a.Filename,
			Size:     int64(len(a.Content)),
			MIMEType: a.MIMEType,
		})
	}

	blob, err := transport.MarshalAttachments(items)
	if err != nil {
		return nil, nil, err
	}
	return blob, meta, nil
}
