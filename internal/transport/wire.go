package transport

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/identity"
	"github.com/zkemails/zkemails/internal/model"
)

// Custom message headers (wire format v1).
const (
	HeaderType     = "X-ZKEmails-Type" // invite | accept | msg
	HeaderVersion  = "X-ZKEmails-Version"
	HeaderInviteID = "X-ZKEmails-Invite-Id"

	// Key gossip, on invite/accept.
	HeaderFingerprint  = "X-ZKEmails-Fingerprint"
	HeaderPubKeyEd     = "X-ZKEmails-PubKey-Ed25519"
	HeaderPubKeyX25519 = "X-ZKEmails-PubKey-X25519"

	// v1 envelope, on msg.
	HeaderEnc             = "X-ZKEmails-Enc"
	HeaderSenderFp        = "X-ZKEmails-Sender-Fp"
	HeaderRecipientFp     = "X-ZKEmails-Recipient-Fp"
	HeaderEphemX25519     = "X-ZKEmails-Ephem-X25519"
	HeaderWrappedKey      = "X-ZKEmails-WrappedKey"
	HeaderWrappedKeyNonce = "X-ZKEmails-WrappedKey-Nonce"
	HeaderNonce           = "X-ZKEmails-Nonce"
	HeaderCiphertext      = "X-ZKEmails-Ciphertext"
	HeaderSig             = "X-ZKEmails-Sig"

	// Thread correlation; designed to survive header-stripping
	// intermediaries that drop In-Reply-To/References.
	HeaderThreadID = "X-ZKEmails-Thread-Id"

	HeaderHasAttachments = "X-ZKEmails-Has-Attachments"
)

// Message type values for HeaderType.
const (
	TypeInvite = "invite"
	TypeAccept = "accept"
	TypeMsg    = "msg"
)

// MIME part filenames for the v2 wire format.
const (
	PayloadFilename     = "zkemails-payload.json"
	AttachmentsFilename = "attachments.zke"
)

// AttachmentsVersion tags the attachments.zke container format.
const AttachmentsVersion = 1

// EncryptedAttachment is one attachment in the attachments.zke container:
// its metadata plus the content sealed as a v2 envelope.
type EncryptedAttachment struct {
	Filename string               `json:"filename"`
	MIMEType string               `json:"mime_type"`
	Size     int64                `json:"size"`
	Envelope *envelope.EnvelopeV2 `json:"envelope"`
}

// AttachmentContainer is the JSON document carried in attachments.zke.
type AttachmentContainer struct {
	Version int                   `json:"version"`
	Items   []EncryptedAttachment `json:"items"`
}

// Gossip is the public key material carried on invite and accept
// messages.
type Gossip struct {
	Fingerprint     string
	SigningPublic   string // base64
	AgreementPublic string // base64
}

// GossipHeaders builds the key-gossip headers for the local identity.
func GossipHeaders(kb *identity.KeyBundle) map[string]string {
	return map[string]string{
		HeaderFingerprint:  kb.Fingerprint,
		HeaderPubKeyEd:     base64.StdEncoding.EncodeToString(kb.SigningPublic),
		HeaderPubKeyX25519: base64.StdEncoding.EncodeToString(kb.AgreementPublic[:]),
	}
}

// ParseGossip extracts gossiped key material from message headers. The
// second return is false when the message carries no complete gossip or
// when the claimed fingerprint is not the digest of the gossiped public
// keys. A contact is only ever pinned under a fingerprint its key
// material actually hashes to.
func ParseGossip(headers map[string]string) (Gossip, bool) {
	g := Gossip{
		Fingerprint:     headers[HeaderFingerprint],
		SigningPublic:   headers[HeaderPubKeyEd],
		AgreementPublic: headers[HeaderPubKeyX25519],
	}
	if g.Fingerprint == "" || g.SigningPublic == "" || g.AgreementPublic == "" {
		return Gossip{}, false
	}

	signingRaw, err := base64.StdEncoding.DecodeString(g.SigningPublic)
	if err != nil || len(signingRaw) != ed25519.PublicKeySize {
		return Gossip{}, false
	}
	agreementRaw, err := base64.StdEncoding.DecodeString(g.AgreementPublic)
	if err != nil || len(agreementRaw) != 32 {
		return Gossip{}, false
	}

	var agreementPub [32]byte
	copy(agreementPub[:], agreementRaw)
	if identity.Fingerprint(ed25519.PublicKey(signingRaw), agreementPub) != g.Fingerprint {
		return Gossip{}, false
	}

	return g, true
}

// EnvelopeV1Headers serializes a v1 envelope into its header form.
func EnvelopeV1Headers(senderFp string, env *envelope.EnvelopeV1) map[string]string {
	b64 := base64.StdEncoding.EncodeToString
	return map[string]string{
		HeaderEnc:             "1",
		HeaderSenderFp:        senderFp,
		HeaderRecipientFp:     env.RecipientFingerprint,
		HeaderEphemX25519:     b64(env.EphemeralPublic),
		HeaderWrappedKey:      b64(env.WrappedKey),
		HeaderWrappedKeyNonce: b64(env.WrappedKeyNonce),
		HeaderNonce:           b64(env.MessageNonce),
		HeaderCiphertext:      b64(env.Ciphertext),
		HeaderSig:             b64(env.Signature),
	}
}

// ParseEnvelopeV1 reassembles a v1 envelope from message headers.
func ParseEnvelopeV1(headers map[string]string) (*envelope.EnvelopeV1, error) {
	if headers[HeaderEnc] == "" {
		return nil, fmt.Errorf("parsing v1 envelope: %s header missing", HeaderEnc)
	}

	fields := map[string]*[]byte{}
	env := &envelope.EnvelopeV1{
		RecipientFingerprint: headers[HeaderRecipientFp],
	}
	fields[HeaderEphemX25519] = &env.EphemeralPublic
	fields[HeaderWrappedKey] = &env.WrappedKey
	fields[HeaderWrappedKeyNonce] = &env.WrappedKeyNonce
	fields[HeaderNonce] = &env.MessageNonce
	fields[HeaderCiphertext] = &env.Ciphertext
	fields[HeaderSig] = &env.Signature

	for name, dst := range fields {
		raw, err := base64.StdEncoding.DecodeString(headers[name])
		if err != nil {
			return nil, fmt.Errorf("parsing v1 envelope: decoding %s: %w", name, err)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("parsing v1 envelope: %s header missing or empty", name)
		}
		*dst = raw
	}

	return env, nil
}

// MarshalPayload serializes a v2 envelope for the zkemails-payload.json
// MIME part.
func MarshalPayload(env *envelope.EnvelopeV2) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling v2 payload: %w", err)
	}
	return data, nil
}

// ParsePayload deserializes a zkemails-payload.json MIME part.
func ParsePayload(data []byte) (*envelope.EnvelopeV2, error) {
	var env envelope.EnvelopeV2
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing v2 payload: %w", err)
	}
	if len(env.EphemeralPublic) == 0 || len(env.Ciphertext) == 0 || len(env.Recipients) == 0 {
		return nil, fmt.Errorf("parsing v2 payload: incomplete envelope")
	}
	return &env, nil
}

// MarshalAttachments serializes the encrypted-attachment container for
// the attachments.zke MIME part.
func MarshalAttachments(items []EncryptedAttachment) ([]byte, error) {
	data, err := json.Marshal(AttachmentContainer{
		Version: AttachmentsVersion,
		Items:   items,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling attachments container: %w", err)
	}
	return data, nil
}

// ParseAttachments deserializes an attachments.zke MIME part.
func ParseAttachments(data []byte) (*AttachmentContainer, error) {
	var container AttachmentContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("parsing attachments container: %w", err)
	}
	if container.Version != AttachmentsVersion {
		return nil, fmt.Errorf("unsupported attachments container version %d", container.Version)
	}
	return &container, nil
}

// AttachmentMeta converts container items to storable metadata.
func AttachmentMeta(container *AttachmentContainer) []model.Attachment {
	if container == nil {
		return nil
	}
	out := make([]model.Attachment, 0, len(container.Items))
	for _, item := range container.Items {
		out = append(out, model.Attachment{
			Filename: item.Filename,
			Size:     item.Size,
			MIMEType: item.MIMEType,
		})
	}
	return out
}

// HasAttachmentsHeader formats the attachment-count header value.
func HasAttachmentsHeader(count int) string {
	return strconv.Itoa(count)
}
