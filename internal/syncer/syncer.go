// Package syncer pulls new messages from the remote mailbox into the
// local store. Sync is incremental: only transport ids the store has not
// seen are fetched, decrypted, and appended. Writes assume the
// single-writer-per-profile discipline; the syncer has no internal
// concurrency.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/identity"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/store"
	"github.com/zkemails/zkemails/internal/thread"
	"github.com/zkemails/zkemails/internal/transport"
	"github.com/zkemails/zkemails/internal/trust"
)

// SyncResult reports the outcome of one sync pass.
type SyncResult struct {
	// New is the number of messages decrypted and appended.
	New int

	// Failed is the number of messages that could not be processed
	// (unpinned sender, undecryptable envelope, malformed wire format).
	// Failed messages are skipped, not retried.
	Failed int
}

// Delta returns the remote ids absent from local, preserving remote
// order.
func Delta(remoteIDs, localIDs []string) []string {
	local := make(map[string]bool, len(localIDs))
	for _, id := range localIDs {
		local[id] = true
	}

	var missing []string
	for _, id := range remoteIDs {
		if !local[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// Syncer drives the incremental sync pipeline for one profile.
type Syncer struct {
	mailbox  transport.Mailbox
	db       store.Store
	trust    *trust.Store
	resolver *thread.Resolver
	keys     *identity.KeyBundle
	self     string

	now func() time.Time
}

// New creates a Syncer for the given profile identity.
func New(
	mailbox transport.Mailbox,
	db store.Store,
	trustStore *trust.Store,
	keys *identity.KeyBundle,
	selfEmail string,
) *Syncer {
	return &Syncer{
		mailbox:  mailbox,
		db:       db,
		trust:    trustStore,
		resolver: thread.NewResolver(),
		keys:     keys,
		self:     selfEmail,
		now:      time.Now,
	}
}

// Sync fetches, decrypts, and stores every encrypted message in the
// folder that the local store has not seen. Per-message failures are
// logged and skipped; the batch always runs to completion.
func (s *Syncer) Sync(ctx context.Context, folder model.Folder) (SyncResult, error) {
	var result SyncResult

	remoteIDs, err := s.mailbox.Search(ctx, transport.SearchCriteria{
		Folder: folder,
		Header: &transport.HeaderFilter{Name: transport.HeaderType, Value: transport.TypeMsg},
	})
	if err != nil {
		return result, err
	}

	localIDs, err := s.db.ListTransportIDs(ctx, folder)
	if err != nil {
		return result, err
	}

	for _, id := range Delta(remoteIDs, localIDs) {
		if err := s.syncOne(ctx, folder, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"folder": folder,
				"id":     id,
			}).WithError(err).Warn("skipping message")
			result.Failed++
			continue
		}
		result.New++
	}

	return result, nil
}

// FullRefresh wipes all message and thread state and resyncs both folders
// from empty. Trust state (contacts, snapshots, invites) is untouched.
// Sent v2 mail is recoverable because its envelope includes the sender as
// a recipient; sent v1 mail is sealed for the recipient only and is
// counted failed. This is a recovery path and is never triggered
// automatically.
func (s *Syncer) FullRefresh(ctx context.Context) (SyncResult, error) {
	if err := s.db.WipeMessages(ctx); err != nil {
		return SyncResult{}, err
	}

	result, err := s.Sync(ctx, model.FolderInbox)
	if err != nil {
		return result, err
	}

	sent, err := s.Sync(ctx, model.FolderSent)
	result.New += sent.New
	result.Failed += sent.Failed
	return result, err
}

// syncOne runs the pipeline for one message: fetch, resolve sender keys,
// decrypt, correlate thread, append, roll up the thread summary.
func (s *Syncer) syncOne(ctx context.Context, folder model.Folder, id string) error {
	fetched, err := s.mailbox.FetchBody(ctx, folder, id)
	if err != nil {
		return err
	}

	senderSigning, err := s.senderSigningKey(ctx, fetched.From)
	if err != nil {
		return err
	}

	plaintext, err := s.decrypt(fetched, senderSigning)
	if err != nil {
		return err
	}

	var attachments []model.Attachment
	if len(fetched.AttachmentsBlob) > 0 {
		container, err := transport.ParseAttachments(fetched.AttachmentsBlob)
		if err != nil {
			return err
		}
		attachments = transport.AttachmentMeta(container)
	}

	participant := fetched.From
	if participant == s.self && len(fetched.To) > 0 {
		participant = fetched.To[0]
	}
	threadID := s.resolver.Resolve(thread.Meta{
		ThreadHeader: fetched.Headers[transport.HeaderThreadID],
		Subject:      fetched.Subject,
		Participant:  participant,
	})

	msg := model.StoredMessage{
		TransportID: id,
		Folder:      folder,
		From:        fetched.From,
		To:          fetched.To,
		CC:          fetched.CC,
		Subject:     fetched.Subject,
		Plaintext:   string(plaintext),
		ThreadID:    threadID,
		SentAt:      fetched.Date,
		StoredAt:    s.now(),
		Attachments: attachments,
	}
	return s.record(ctx, msg)
}

// senderSigningKey resolves the signature-verification key for a message
// sender: our own signing key for mail we sent, the pinned contact's
// otherwise.
func (s *Syncer) senderSigningKey(ctx context.Context, from string) ([]byte, error) {
	if from == s.self {
		return s.keys.SigningPublic, nil
	}

	senderContact, err := s.trust.Get(ctx, from)
	if err != nil {
		return nil, err
	}
	senderSigning, _, err := trust.PinnedKeys(senderContact)
	if err != nil {
		return nil, err
	}
	return senderSigning, nil
}

// RecordSent appends a locally composed message to the sent store and
// rolls it into its thread. Sent mail is stored at send time because the
// outgoing envelope is sealed for the recipients, not for us.
func (s *Syncer) RecordSent(ctx context.Context, msg model.StoredMessage) error {
	msg.Folder = model.FolderSent
	if msg.StoredAt.IsZero() {
		msg.StoredAt = s.now()
	}
	return s.record(ctx, msg)
}

// record appends the message and updates its thread summary.
func (s *Syncer) record(ctx context.Context, msg model.StoredMessage) error {
	if err := s.db.AppendMessage(ctx, msg); err != nil {
		return err
	}
	return s.updateThread(ctx, msg)
}

// decrypt opens the message's envelope, v1 from headers or v2 from the
// payload part. An undecryptable envelope is an error here so the caller
// counts it failed.
func (s *Syncer) decrypt(fetched *transport.Fetched, senderSigning []byte) ([]byte, error) {
	primaryTo := s.self
	if len(fetched.To) > 0 {
		primaryTo = fetched.To[0]
	}

	if fetched.Headers[transport.HeaderEnc] == "1" {
		env, err := transport.ParseEnvelopeV1(fetched.Headers)
		if err != nil {
			return nil, err
		}
		result := envelope.Open(fetched.From, primaryTo, fetched.Subject,
			env, s.keys.AgreementPrivate, senderSigning)
		if !result.OK {
			return nil, &UndecryptableError{ID: fetched.ID, Reason: result.Reason}
		}
		return result.Plaintext, nil
	}

	if len(fetched.PayloadJSON) > 0 {
		env, err := transport.ParsePayload(fetched.PayloadJSON)
		if err != nil {
			return nil, err
		}
		result := envelope.OpenMany(fetched.From, primaryTo, fetched.Subject,
			env, s.keys.Fingerprint, s.keys.AgreementPrivate, senderSigning)
		if !result.OK {
			return nil, &UndecryptableError{ID: fetched.ID, Reason: result.Reason}
		}
		return result.Plaintext, nil
	}

	return nil, &UndecryptableError{ID: fetched.ID, Reason: envelope.ReasonMalformed}
}

// updateThread rolls the appended message into its thread summary. An
// existing summary keeps its read flag; new inbox threads start unread.
func (s *Syncer) updateThread(ctx context.Context, msg model.StoredMessage) error {
	existing, err := s.db.GetThread(ctx, msg.ThreadID)
	if err != nil {
		var notFound *store.NotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		return s.db.UpsertThread(ctx, model.ThreadSummary{
			ThreadID:      msg.ThreadID,
			Subject:       msg.Subject,
			Participants:  s.participants(nil, msg),
			MessageCount:  1,
			LastTimestamp: msg.SentAt,
			Read:          msg.Folder == model.FolderSent,
		})
	}

	existing.MessageCount++
	existing.Participants = s.participants(existing.Participants, msg)
	if msg.SentAt.After(existing.LastTimestamp) {
		existing.LastTimestamp = msg.SentAt
	}
	return s.db.UpsertThread(ctx, *existing)
}

// participants unions the message's counter-parties into the participant
// list, excluding the local identity.
func (s *Syncer) participants(existing []string, msg model.StoredMessage) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+1)
	for _, p := range existing {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	candidates := append([]string{msg.From}, msg.To...)
	candidates = append(candidates, msg.CC...)
	for _, p := range candidates {
		if p == s.self || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
