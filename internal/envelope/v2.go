package envelope

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zkemails/zkemails/internal/identity"
)

// SealMany encrypts plaintext once for a set of visible (To/CC) recipients.
// One ephemeral keypair and one random message key are shared by all
// recipients; the ciphertext is bound to the from/primaryTo/subject context
// (primaryTo is the first visible To address) and each recipient receives
// the message key wrapped under a key derived from ECDH with their
// agreement public key. Recipients are emitted in sorted fingerprint order
// so the wire form is reproducible.
func SealMany(
	from, primaryTo, subject string,
	plaintext []byte,
	sender *identity.KeyBundle,
	recipients map[string][32]byte,
) (*EnvelopeV2, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("sealing envelope: no recipients")
	}

	ephemeralPub, ephemeralPriv, err := generateEphemeral()
	if err != nil {
		return nil, err
	}

	associated := aad(from, primaryTo, subject)

	messageKey, err := randomMessageKey()
	if err != nil {
		return nil, err
	}

	messageAEAD, err := chacha20poly1305.New(messageKey)
	if err != nil {
		return nil, fmt.Errorf("creating message cipher: %w", err)
	}
	messageNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	ciphertext := messageAEAD.Seal(nil, messageNonce, plaintext, associated)

	fingerprints := make([]string, 0, len(recipients))
	for fp := range recipients {
		fingerprints = append(fingerprints, fp)
	}
	sort.Strings(fingerprints)

	entries := make([]RecipientKey, 0, len(fingerprints))
	for _, fp := range fingerprints {
		wrapKey, err := deriveWrapKey(ephemeralPriv, recipients[fp], wrapInfoV2, associated)
		if err != nil {
			return nil, fmt.Errorf("wrapping key for %s: %w", fp, err)
		}

		wrapAEAD, err := chacha20poly1305.New(wrapKey[:])
		if err != nil {
			return nil, fmt.Errorf("creating wrap cipher: %w", err)
		}
		wrappedKeyNonce, err := randomNonce()
		if err != nil {
			return nil, err
		}

		entries = append(entries, RecipientKey{
			Fingerprint:     fp,
			WrappedKey:      wrapAEAD.Seal(nil, wrappedKeyNonce, messageKey, associated),
			WrappedKeyNonce: wrappedKeyNonce,
		})
	}

	signature := ed25519.Sign(sender.SigningPrivate,
		transcript(associated, ephemeralPub[:], ciphertext))

	return &EnvelopeV2{
		EphemeralPublic: ephemeralPub[:],
		MessageNonce:    messageNonce,
		Ciphertext:      ciphertext,
		Signature:       signature,
		Recipients:      entries,
	}, nil
}

// SealBCC builds an independent single-recipient EnvelopeV2 for each BCC
// recipient, each with its own ephemeral key, message key, and signature.
// A BCC recipient's copy therefore carries no fingerprint or key material
// identifying any other BCC recipient and cannot be correlated with the
// main envelope beyond what the visible headers reveal.
func SealBCC(
	from, primaryTo, subject string,
	plaintext []byte,
	sender *identity.KeyBundle,
	recipients map[string][32]byte,
) (map[string]*EnvelopeV2, error) {
	out := make(map[string]*EnvelopeV2, len(recipients))
	for fp, agreementPub := range recipients {
		env, err := SealMany(from, primaryTo, subject, plaintext, sender,
			map[string][32]byte{fp: agreementPub})
		if err != nil {
			return nil, err
		}
		out[fp] = env
	}
	return out, nil
}

// OpenMany reverses SealMany for one recipient. The recipient locates their
// entry by fingerprint (absence means the envelope is not addressed to
// them), verifies the sender's signature over the transcript, unwraps the
// shared message key, and decrypts the shared ciphertext.
func OpenMany(
	from, primaryTo, subject string,
	env *EnvelopeV2,
	myFingerprint string,
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
	if len(env.MessageNonce) != NonceSize {
		return failure(ReasonMalformed)
	}

	var entry *RecipientKey
	for i := range env.Recipients {
		if env.Recipients[i].Fingerprint == myFingerprint {
			entry = &env.Recipients[i]
			break
		}
	}
	if entry == nil {
		return failure(ReasonNotAddressed)
	}
	if len(entry.WrappedKeyNonce) != NonceSize {
		return failure(ReasonMalformed)
	}

	associated := aad(from, primaryTo, subject)

	if !ed25519.Verify(senderSigningPub,
		transcript(associated, env.EphemeralPublic, env.Ciphertext),
		env.Signature) {
		return failure(ReasonBadSignature)
	}

	wrapKey, err := deriveWrapKey(myAgreementPriv, ephemeralPub, wrapInfoV2, associated)
	if err != nil {
		return failure(ReasonMalformed)
	}

	wrapAEAD, err := chacha20poly1305.New(wrapKey[:])
	if err != nil {
		return failure(ReasonMalformed)
	}
	messageKey, err := wrapAEAD.Open(nil, entry.WrappedKeyNonce, entry.WrappedKey, associated)
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
