package envelope

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zkemails/zkemails/internal/identity"
)

// Seal encrypts plaintext for a single recipient. The per-message symmetric
// key is random and wrapped under a key derived from ECDH between a fresh
// ephemeral keypair and the recipient's agreement public key; the wrap
// derivation and both AEAD operations are bound to the from/to/subject
// context, and the sender signs the transcript with their long-term signing
// key.
func Seal(
	from, to, subject string,
	plaintext []byte,
	sender *identity.KeyBundle,
	recipientFingerprint string,
	recipientAgreementPub [32]byte,
) (*EnvelopeV1, error) {
	ephemeralPub, ephemeralPriv, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	associated := aad(from, to, subject)

	wrapKey, err := deriveWrapKey(ephemeralPriv, recipientAgreementPub, wrapInfoV1, associated)
	if err != nil {
		return nil, err
	}

	messageKey, err := randomMessageKey()
	if err != nil {
		return nil, err
	}

	wrapAEAD, err := chacha20poly1305.New(wrapKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating wrap cipher: %w", err)
	}
	wrappedKeyNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	wrappedKey := wrapAEAD.Seal(nil, wrappedKeyNonce, messageKey, associated)

	messageAEAD, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, fmt.Errorf("creating message cipher: %w", err)
	}
	messageNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ciphertext := messageAEAD.Seal(nil, messageNonce, plaintext, associated)

	signature := ed25519.Sign(sender.SigningPrivate,
		transcript(associated, ephemeralPub[:], ciphertext))

	return &EnvelopeV1{
		EphemeralPublic:      ephemeralPub[:],
		WrappedKey:           wrappedKey,
		WrappedKeyNonce:      wrappedKeyNonce,
		MessageNonce:         messageNonce,
		Ciphertext:           ciphertext,
		Signature:            signature,
		RecipientFingerprint: recipientFingerprint,
	}, nil
}

// Open reverses Seal. The signature is verified over the claimed sender's
// transcript before any decryption is attempted; a mismatch anywhere
// (signature, key unwrap, ciphertext tag, or AAD that does not match the
// message as received) yields a failed DecryptResult, never partial
// plaintext.
func Open(
	from, to, subject string,
	env *EnvelopeV1,
	myAgreementPriv [32]byte,
	senderSigningPub ed25519.PublicKey,
) DecryptResult {
	ephemeralPub, ok := key32(env.EphemeralPublic)
	if !ok {
		return failure(ReasonMalformed)
	}
	if len(senderSigningPub) != ed25519.PublicKeySize {
		return failure(ReasonMalformed)
	}
	// Nonces are not covered by the signature; the AEAD panics on a
	// wrong-length nonce, so reject them before any cipher call.
	if len(env.WrappedKeyNonce) != NonceSize || len(env.MessageNonce) != NonceSize {
		return failure(ReasonMalformed)
	}

	associated := aad(from, to, subject)

	if !ed25519.Verify(senderSigningPub,
		transcript(associated, env.EphemeralPublic, env.Ciphertext),
		env.Signature) {
		return failure(ReasonBadSignature)
	}

	wrapKey, err := deriveWrapKey(myAgreementPriv, ephemeralPub, wrapInfoV1, associated)
	if err != nil {
		return failure(ReasonMalformed)
	}

	wrapAEAD, err := chacha20poly1305.New(wrapKey[:])
	if err != nil {
		return failure(ReasonMalformed)
	}
	messageKey, err := wrapAEAD.Open(nil, env.WrappedKeyNonce, env.WrappedKey, associated)
	if err != nil {
		return failure(ReasonKeyUnwrap)
	}
	if len(messageKey) != MessageKeySize {
		return failure(ReasonKeyUnwrap)
	}

	messageAEAD, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return failure(ReasonMalformed)
	}
	plaintext, err := messageAEAD.Open(nil, env.MessageNonce, env.Ciphertext, associated)
	if err != nil {
		return failure(ReasonBadCiphertext)
	}

	return DecryptResult{OK: true, Plaintext: plaintext}
}
