// Package envelope implements the authenticated-encryption envelope
// protocol: a single-recipient v1 format carried in message headers and a
// multi-recipient v2 format carried as a MIME part, both signed by the
// sender and bound to the visible from/to/subject context.
//
// Decryption failures are reported as values, not errors. Scanning a shared
// mailbox routinely encounters envelopes that are not addressed to this
// identity, and callers must be able to treat "not decryptable by me" as an
// ordinary outcome.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// MessageKeySize is the size of the random per-message symmetric key.
	MessageKeySize = chacha20poly1305.KeySize

	// NonceSize is the AEAD nonce size.
	NonceSize = chacha20poly1305.NonceSize
)

// HKDF context strings. The wrap key derivation is versioned so v1 and v2
// envelopes can never be confused for one another.
const (
	wrapInfoV1 = "zkemails-v1-key-wrap"
	wrapInfoV2 = "zkemails-v2-key-wrap"
)

// EnvelopeV1 is the single-recipient envelope format, transported as
// base64 header values.
type EnvelopeV1 struct {
	EphemeralPublic      []byte `json:"ephemeral_public"`
	WrappedKey           []byte `json:"wrapped_key"`
	WrappedKeyNonce      []byte `json:"wrapped_key_nonce"`
	MessageNonce         []byte `json:"message_nonce"`
	Ciphertext           []byte `json:"ciphertext"`
	Signature            []byte `json:"signature"`
	RecipientFingerprint string `json:"recipient_fingerprint"`
}

// RecipientKey is one per-recipient entry in an EnvelopeV2: the shared
// message key wrapped under a key derived from ECDH with that recipient.
type RecipientKey struct {
	Fingerprint     string `json:"fingerprint"`
	WrappedKey      []byte `json:"wrapped_key"`
	WrappedKeyNonce []byte `json:"wrapped_key_nonce"`
}

// EnvelopeV2 is the multi-recipient envelope format, transported as the
// zkemails-payload.json MIME part. All visible recipients share one
// ciphertext; each holds their own wrapped copy of the message key.
type EnvelopeV2 struct {
	EphemeralPublic []byte         `json:"ephemeral_public"`
	MessageNonce    []byte         `json:"message_nonce"`
	Ciphertext      []byte         `json:"ciphertext"`
	Signature       []byte         `json:"signature"`
	Recipients      []RecipientKey `json:"recipients"`
}

// FailureReason classifies why an envelope could not be opened.
type FailureReason string

const (
	ReasonMalformed     FailureReason = "malformed envelope"
	ReasonNotAddressed  FailureReason = "not addressed to this identity"
	ReasonBadSignature  FailureReason = "signature verification failed"
	ReasonKeyUnwrap     FailureReason = "message key unwrap failed"
	ReasonBadCiphertext FailureReason = "ciphertext authentication failed"
)

// DecryptResult is the outcome of an Open or OpenMany call. A failed
// decrypt is a value, never a partial plaintext: when OK is false,
// Plaintext is always nil.
type DecryptResult struct {
	OK        bool
	Plaintext []byte
	Reason    FailureReason
}

// failure returns a DecryptResult for the given reason.
func failure(reason FailureReason) DecryptResult {
	return DecryptResult{OK: false, Reason: reason}
}

// aad builds the associated data binding an envelope to its visible
// from/to/subject context. Fields are NUL-separated so boundaries stay
// unambiguous.
func aad(from, to, subject string) []byte {
	out := make([]byte, 0, len(from)+len(to)+len(subject)+2)
	out = append(out, from...)
	out = append(out, 0)
	out = append(out, to...)
	out = append(out, 0)
	out = append(out, subject...)
	return out
}

// transcript is the byte string covered by the sender's signature:
// AAD || ephemeral public key || ciphertext.
func transcript(associated, ephemeralPublic, ciphertext []byte) []byte {
	out := make([]byte, 0, len(associated)+len(ephemeralPublic)+len(ciphertext))
	out = append(out, associated...)
	out = append(out, ephemeralPublic...)
	out = append(out, ciphertext...)
	return out
}

// generateEphemeral creates a one-time X25519 keypair for a single
// envelope.
func generateEphemeral() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("generating ephemeral key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}

// deriveWrapKey computes the per-recipient key-wrapping key: X25519 between
// privateKey and publicKey, expanded through HKDF-SHA256 with the envelope
// context (version string plus AAD) as info.
func deriveWrapKey(privateKey, publicKey [32]byte, info string, associated []byte) ([32]byte, error) {
	var wrapKey [32]byte

	shared, err := curve25519.X25519(privateKey[:], publicKey[:])
	if err != nil {
		return wrapKey, fmt.Errorf("computing shared secret: %w", err)
	}

	hkdfInfo := make([]byte, 0, len(info)+1+len(associated))
	hkdfInfo = append(hkdfInfo, info...)
	hkdfInfo = append(hkdfInfo, 0)
	hkdfInfo = append(hkdfInfo, associated...)

	reader := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	if _, err := io.ReadFull(reader, wrapKey[:]); err != nil {
		return wrapKey, fmt.Errorf("deriving wrap key: %w", err)
	}

	return wrapKey, nil
}

// randomNonce returns a fresh AEAD nonce.
func randomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// randomMessageKey returns a fresh symmetric message key.
func randomMessageKey() ([]byte, error) {
	key := make([]byte, MessageKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating message key: %w", err)
	}
	return key, nil
}

// key32 converts a key slice to a fixed array, rejecting wrong sizes.
func key32(b []byte) ([32]byte, bool) {
	var key [32]byte
	if len(b) != 32 {
		return key, false
	}
	copy(key[:], b)
	return key, true
}
