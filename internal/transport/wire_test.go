package transport

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkemails/zkemails/internal/envelope"
	"github.com/zkemails/zkemails/internal/identity"
)

func TestGossipHeadersRoundTrip(t *testing.T) {
	kb, err := identity.Generate()
	require.NoError(t, err)

	headers := GossipHeaders(kb)

	gossip, ok := ParseGossip(headers)
	require.True(t, ok)
	require.Equal(t, kb.Fingerprint, gossip.Fingerprint)

	signing, err := base64.StdEncoding.DecodeString(gossip.SigningPublic)
	require.NoError(t, err)
	require.Equal(t, []byte(kb.SigningPublic), signing)

	agreement, err := base64.StdEncoding.DecodeString(gossip.AgreementPublic)
	require.NoError(t, err)
	require.Equal(t, kb.AgreementPublic[:], agreement)
}

func TestParseGossipIncomplete(t *testing.T) {
	kb, err := identity.Generate()
	require.NoError(t, err)

	headers := GossipHeaders(kb)
	delete(headers, HeaderPubKeyX25519)

	_, ok := ParseGossip(headers)
	require.False(t, ok)
}

func TestParseGossipRejectsForgedFingerprint(t *testing.T) {
	kb, err := identity.Generate()
	require.NoError(t, err)
	victim, err := identity.Generate()
	require.NoError(t, err)

	// Mallory gossips her own keys under the victim's fingerprint.
	headers := GossipHeaders(kb)
	headers[HeaderFingerprint] = victim.Fingerprint

	_, ok := ParseGossip(headers)
	require.False(t, ok)
}

func TestParseGossipRejectsMalformedKeys(t *testing.T) {
	kb, err := identity.Generate()
	require.NoError(t, err)

	cases := map[string]func(map[string]string){
		"short fingerprint": func(h map[string]string) {
			h[HeaderFingerprint] = "abc"
		},
		"signing key not base64": func(h map[string]string) {
			h[HeaderPubKeyEd] = "not base64!"
		},
		"signing key wrong size": func(h map[string]string) {
			h[HeaderPubKeyEd] = base64.StdEncoding.EncodeToString([]byte("short"))
		},
		"agreement key wrong size": func(h map[string]string) {
			h[HeaderPubKeyX25519] = base64.StdEncoding.EncodeToString([]byte("short"))
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			headers := GossipHeaders(kb)
			mutate(headers)

			_, ok := ParseGossip(headers)
			require.False(t, ok)
		})
	}
}

func TestEnvelopeV1HeadersRoundTrip(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	env, err := envelope.Seal(
		"alice@example.com", "bob@example.com", "hello",
		[]byte("secret body"),
		sender, recipient.Fingerprint, recipient.AgreementPublic,
	)
	require.NoError(t, err)

	headers := EnvelopeV1Headers(sender.Fingerprint, env)
	require.Equal(t, "1", headers[HeaderEnc])
	require.Equal(t, sender.Fingerprint, headers[HeaderSenderFp])

	parsed, err := ParseEnvelopeV1(headers)
	require.NoError(t, err)
	require.Equal(t, env.RecipientFingerprint, parsed.RecipientFingerprint)
	require.Equal(t, env.EphemeralPublic, parsed.EphemeralPublic)
	require.Equal(t, env.WrappedKey, parsed.WrappedKey)
	require.Equal(t, env.Ciphertext, parsed.Ciphertext)
	require.Equal(t, env.Signature, parsed.Signature)

	result := envelope.Open(
		"alice@example.com", "bob@example.com", "hello",
		parsed, recipient.AgreementPrivate, sender.SigningPublic,
	)
	require.True(t, result.OK)
	require.Equal(t, []byte("secret body"), result.Plaintext)
}

func TestParseEnvelopeV1MissingHeaders(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	env, err := envelope.Seal(
		"a@x.com", "b@x.com", "s", []byte("p"),
		sender, recipient.Fingerprint, recipient.AgreementPublic,
	)
	require.NoError(t, err)

	t.Run("no enc marker", func(t *testing.T) {
		headers := EnvelopeV1Headers(sender.Fingerprint, env)
		delete(headers, HeaderEnc)
		_, err := ParseEnvelopeV1(headers)
		require.Error(t, err)
	})

	t.Run("missing ciphertext", func(t *testing.T) {
		headers := EnvelopeV1Headers(sender.Fingerprint, env)
		delete(headers, HeaderCiphertext)
		_, err := ParseEnvelopeV1(headers)
		require.Error(t, err)
	})

	t.Run("bad base64", func(t *testing.T) {
		headers := EnvelopeV1Headers(sender.Fingerprint, env)
		headers[HeaderSig] = "not base64!!!"
		_, err := ParseEnvelopeV1(headers)
		require.Error(t, err)
	})
}

func TestPayloadRoundTrip(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)
	carol, err := identity.Generate()
	require.NoError(t, err)

	env, err := envelope.SealMany(
		"alice@example.com", "group", "subject",
		[]byte("shared secret"), sender,
		map[string][32]byte{
			bob.Fingerprint:   bob.AgreementPublic,
			carol.Fingerprint: carol.AgreementPublic,
		},
	)
	require.NoError(t, err)

	data, err := MarshalPayload(env)
	require.NoError(t, err)

	parsed, err := ParsePayload(data)
	require.NoError(t, err)
	require.Len(t, parsed.Recipients, 2)
	require.Equal(t, env.Ciphertext, parsed.Ciphertext)
}

func TestParsePayloadRejectsIncomplete(t *testing.T) {
	_, err := ParsePayload([]byte(`{"recipients":[]}`))
	require.Error(t, err)

	_, err = ParsePayload([]byte(`not json`))
	require.Error(t, err)
}

func TestAttachmentsContainerRoundTrip(t *testing.T) {
	sender, err := identity.Generate()
	require.NoError(t, err)
	recipient, err := identity.Generate()
	require.NoError(t, err)

	env, err := envelope.SealMany(
		"a@x.com", "b@x.com", "files", []byte("file bytes"),
		sender,
		map[string][32]byte{recipient.Fingerprint: recipient.AgreementPublic},
	)
	require.NoError(t, err)

	items := []EncryptedAttachment{{
		Filename: "report.pdf",
		MIMEType: "application/pdf",
		Size:     10,
		Envelope: env,
	}}

	data, err := MarshalAttachments(items)
	require.NoError(t, err)

	container, err := ParseAttachments(data)
	require.NoError(t, err)
	require.Equal(t, AttachmentsVersion, container.Version)
	require.Len(t, container.Items, 1)
	require.Equal(t, "report.pdf", container.Items[0].Filename)

	meta := AttachmentMeta(container)
	require.Len(t, meta, 1)
	require.Equal(t, "report.pdf", meta[0].Filename)
	require.Equal(t, int64(10), meta[0].Size)
}

func TestParseAttachmentsRejectsUnknownVersion(t *testing.T) {
	_, err := ParseAttachments([]byte(`{"version":99,"items":[]}`))
	require.Error(t, err)
}
