package transport

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// buildMIME renders an Outgoing message as a full RFC 5322 message. BCC
// recipients are deliberately absent: they exist only on the SMTP
// envelope.
func buildMIME(msg *Outgoing) ([]byte, error) {
	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(msg.Subject)
	header.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	header.SetAddressList("To", addressList(msg.To))
	if len(msg.CC) > 0 {
		header.SetAddressList("Cc", addressList(msg.CC))
	}
	header.GenerateMessageID()

	for name, value := range msg.Headers {
		header.Set(name, value)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var inlineHeader mail.InlineHeader
	inlineHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	body, err := mw.CreateSingleInline(inlineHeader)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(body, msg.TextBody); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}
	if err := body.Close(); err != nil {
		return nil, fmt.Errorf("closing text part: %w", err)
	}

	if len(msg.PayloadJSON) > 0 {
		if err := writeAttachmentPart(mw, PayloadFilename, "application/json", msg.PayloadJSON); err != nil {
			return nil, err
		}
	}
	if len(msg.AttachmentsBlob) > 0 {
		if err := writeAttachmentPart(mw, AttachmentsFilename, "application/json", msg.AttachmentsBlob); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), nil
}

// writeAttachmentPart adds one named attachment part to the message.
func writeAttachmentPart(mw *mail.Writer, filename, contentType string, data []byte) error {
	var header mail.AttachmentHeader
	header.SetFilename(filename)
	header.SetContentType(contentType, nil)

	part, err := mw.CreateAttachment(header)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", filename, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing %s part: %w", filename, err)
	}
	if err := part.Close(); err != nil {
		return fmt.Errorf("closing %s part: %w", filename, err)
	}
	return nil
}

// parseMIME extracts the wire headers, text body, and zkemails parts from
// a raw message. Parsing failures degrade to treating the whole body as
// plain text, matching how legacy (pre-zkemails) messages look.
func parseMIME(raw []byte) (headers map[string]string, textBody string, payload []byte, attachments []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, string(raw), nil, nil
	}
	defer mr.Close()

	headers = wireHeaderValues(func(name string) string {
		return mr.Header.Get(name)
	})

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if !strings.HasPrefix(contentType, "text/plain") {
				continue
			}
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			textBody = string(body)

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch filename {
			case PayloadFilename:
				payload = body
			case AttachmentsFilename:
				attachments = body
			}
		}
	}

	return headers, textBody, payload, attachments
}

// wireHeaders lists every X-ZKEmails header the core reads.
var wireHeaders = []string{
	HeaderType,
	HeaderVersion,
	HeaderInviteID,
	HeaderFingerprint,
	HeaderPubKeyEd,
	HeaderPubKeyX25519,
	HeaderEnc,
	HeaderSenderFp,
	HeaderRecipientFp,
	HeaderEphemX25519,
	HeaderWrappedKey,
	HeaderWrappedKeyNonce,
	HeaderNonce,
	HeaderCiphertext,
	HeaderSig,
	HeaderThreadID,
	HeaderHasAttachments,
}

// wireHeaderValues collects the non-empty wire headers via the given
// case-insensitive lookup.
func wireHeaderValues(get func(name string) string) map[string]string {
	out := make(map[string]string)
	for _, name := range wireHeaders {
		if v := get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// addressList wraps bare addresses for a header field.
func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
