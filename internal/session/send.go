package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/transport"
)

// courtesyBody is the visible plaintext shown by clients that cannot
// decrypt.
const courtesyBody = "This message is end-to-end encrypted. Open it with a compatible client."

// Attachment is a file to encrypt and send.
type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// Draft is an outgoing message before sealing.
type Draft struct {
	To      []string
	CC      []string
	BCC     []string
	Subject string
	Body    string

	// ThreadID continues an existing conversation; empty starts a new
	// one.
	ThreadID string

	Attachments []Attachment
}

// SendText seals and sends a message. Every recipient, BCC included,
// must have pinned keys or the whole send fails with a TrustError. A
// single visible recipient with no CC, BCC, or attachments goes out as a
// compact header-borne envelope; everything else uses the multi-recipient
// payload format. Each BCC recipient gets an independently sealed copy
// that reveals nothing about other BCC recipients.
func (s *Session) SendText(ctx context.Context, d Draft) (string, error) {
	if len(d.To) == 0 {
		return "", fmt.Errorf("message has no visible recipients")
	}

	threadID := d.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}

	visible := append(append([]string{}, d.To...), d.CC...)
	visibleKeys, _, err := s.resolveRecipients(ctx, visible)
	if err != nil {
		return "", err
	}
	bccKeys, bccFps, err := s.resolveRecipients(ctx, d.BCC)
	if err != nil {
		return "", err
	}

	primaryTo := d.To[0]

	if len(visible) == 1 && len(d.BCC) == 0 && len(d.Attachments) == 0 {
		if err := s.sendV1(ctx, d, primaryTo, threadID, visibleKeys); err != nil {
			return "", err
		}
	} else {
		if err := s.sendV2(ctx, d, primaryTo, threadID, visibleKeys, bccKeys, bccFps); err != nil {
			return "", err
		}
	}

	meta := make([]model.Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		meta = append(meta, model.Attachment{
			Filename: a.Filename,
			Size:     int64(len(a.Content)),
			MIMEType: a.MIMEType,
		})
	}

	err = s.sync.RecordSent(ctx, model.StoredMessage{
		TransportID: "local-" + uuid.NewString(),
		From:        s.cfg.Email,
		To:          d.To,
		CC:          d.CC,
		Subject:     d.Subject,
		Plaintext:   d.Body,
		ThreadID:    threadID,
		SentAt:      s.now(),
		Attachments: meta,
	})
	if err != nil {
		return "", err
	}

	return threadID, nil
}

// sendV1 seals and sends the single-recipient header-borne form.
func (s *Session) sendV1(
	ctx context.Context, d Draft, to, threadID string,
	keys map[string][32]byte,
) error {
	var fp string
	var agreementPub [32]byte
	for k, v := range keys {
		fp, agreementPub = k, v
	}

	env, err := envelope.Seal(s.cfg.Email, to, d.Subject, []byte(d.Body),
		s.keys, fp, agreementPub)
	if err != nil {
		return err
	}

	headers := transport.EnvelopeV1Headers(s.keys.Fingerprint, env)
	headers[transport.HeaderType] = transport.TypeMsg
	headers[transport.HeaderThreadID] = threadID

	return s.mailbox.Send(ctx, &transport.Outgoing{
		From:     s.cfg.Email,
		To:       d.To,
		Subject:  d.Subject,
		Headers:  headers,
		TextBody: courtesyBody,
	})
}

// sendV2 seals and sends the payload-borne form: one shared envelope for
// the visible recipients (the sender included, so sent mail remains
// recoverable), plus one isolated copy per BCC recipient.
func (s *Session) sendV2(
	ctx context.Context, d Draft, primaryTo, threadID string,
	visibleKeys, bccKeys map[string][32]byte,
	bccFps map[string]string,
) error {
	sealKeys := make(map[string][32]byte, len(visibleKeys)+1)
	for fp, pub := range visibleKeys {
		sealKeys[fp] = pub
	}
	sealKeys[s.keys.Fingerprint] = s.keys.AgreementPublic

	env, err := envelope.SealMany(s.cfg.Email, primaryTo, d.Subject,
		[]byte(d.Body), s.keys, sealKeys)
	if err != nil {
		return err
	}
	payload, err := transport.MarshalPayload(env)
	if err != nil {
		return err
	}

	attachBlob, _, err := s.sealAttachments(s.cfg.Email, primaryTo, d.Subject,
		d.Attachments, sealKeys)
	if err != nil {
		return err
	}

	headers := s.v2Headers(threadID, len(d.Attachments))

	if err := s.mailbox.Send(ctx, &transport.Outgoing{
		From:            s.cfg.Email,
		To:              d.To,
		CC:              d.CC,
		Subject:         d.Subject,
		Recipients:      append(append([]string{}, d.To...), d.CC...),
		Headers:         headers,
		TextBody:        courtesyBody,
		PayloadJSON:     payload,
		AttachmentsBlob: attachBlob,
	}); err != nil {
		return err
	}

	if len(bccKeys) == 0 {
		return nil
	}

	bccEnvs, err := envelope.SealBCC(s.cfg.Email, primaryTo, d.Subject,
		[]byte(d.Body), s.keys, bccKeys)
	if err != nil {
		return err
	}

	for addr, fp := range bccFps {
		copyKeys := map[string][32]byte{fp: bccKeys[fp]}
		copyBlob, _, err := s.sealAttachments(s.cfg.Email, primaryTo, d.Subject,
			d.Attachments, copyKeys)
		if err != nil {
			return err
		}

		copyPayload, err := transport.MarshalPayload(bccEnvs[fp])
		if err != nil {
			return err
		}

		if err := s.mailbox.Send(ctx, &transport.Outgoing{
			From:            s.cfg.Email,
			To:              d.To,
			CC:              d.CC,
			Subject:         d.Subject,
			Recipients:      []string{addr},
			Headers:         s.v2Headers(threadID, len(d.Attachments)),
			TextBody:        courtesyBody,
			PayloadJSON:     copyPayload,
			AttachmentsBlob: copyBlob,
		}); err != nil {
			return fmt.Errorf("sending BCC copy to %s: %w", addr, err)
		}
	}

	return nil
}

func (s *Session) v2Headers(threadID string, attachmentCount int) map[string]string {
	headers := map[string]string{
		transport.HeaderType:     transport.TypeMsg,
		transport.HeaderVersion:  "2",
		transport.HeaderSenderFp: s.keys.Fingerprint,
		transport.HeaderThreadID: threadID,
	}
	if attachmentCount > 0 {
		headers[transport.HeaderHasAttachments] = transport.HasAttachmentsHeader(attachmentCount)
	}
	return headers
}
