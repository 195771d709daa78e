// Package identity manages the long-term cryptographic identity of a
// profile: one Ed25519 signing keypair, one X25519 key-agreement keypair,
// and the fingerprint derived from the two public halves.
//
// The fingerprint is the value gossiped in invite and accept messages and
// the value other parties pin in their trust store, so it must be stable
// across serialization round trips.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyBundle holds a profile's long-term keypairs and fingerprint.
// Private halves never leave the owning process.
type KeyBundle struct {
	SigningPublic    ed25519.PublicKey
	SigningPrivate   ed25519.PrivateKey
	AgreementPublic  [32]byte
	AgreementPrivate [32]byte
	Fingerprint      string
}

// Generate creates a fresh KeyBundle with independently random signing and
// agreement keypairs. It fails only if the entropy source fails.
func Generate() (*KeyBundle, error) {
	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing keypair: %w", err)
	}

	var agreementPriv [32]byte
	if _, err := rand.Read(agreementPriv[:]); err != nil {
		return nil, fmt.Errorf("generating agreement private key: %w", err)
	}

	agreementPubSlice, err := curve25519.X25519(agreementPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving agreement public key: %w", err)
	}

	var agreementPub [32]byte
	copy(agreementPub[:], agreementPubSlice)

	return &KeyBundle{
		SigningPublic:    signingPub,
		SigningPrivate:   signingPriv,
		AgreementPublic:  agreementPub,
		AgreementPrivate: agreementPriv,
		Fingerprint:      Fingerprint(signingPub, agreementPub),
	}, nil
}

// Fingerprint computes the hex-encoded SHA-256 digest of
// signingPublic || agreementPublic. It is deterministic for the same key
// material and serves as the trust anchor other parties pin.
func Fingerprint(signingPublic ed25519.PublicKey, agreementPublic [32]byte) string {
	h := sha256.New()
	h.Write(signingPublic)
	h.Write(agreementPublic[:])
	return hex.EncodeToString(h.Sum(nil))
}

// bundleJSON is the on-disk form of a KeyBundle. Key material is
// base64-encoded so the bundle survives JSON round trips byte-for-byte.
type bundleJSON struct {
	SigningPublic    string `json:"signing_public"`
	SigningPrivate   string `json:"signing_private"`
	AgreementPublic  string `json:"agreement_public"`
	AgreementPrivate string `json:"agreement_private"`
	Fingerprint      string `json:"fingerprint"`
}

// MarshalJSON serializes the bundle for the profile store.
func (kb *KeyBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal(bundleJSON{
		SigningPublic:    base64.StdEncoding.EncodeToString(kb.SigningPublic),
		SigningPrivate:   base64.StdEncoding.EncodeToString(kb.SigningPrivate),
		AgreementPublic:  base64.StdEncoding.EncodeToString(kb.AgreementPublic[:]),
		AgreementPrivate: base64.StdEncoding.EncodeToString(kb.AgreementPrivate[:]),
		Fingerprint:      kb.Fingerprint,
	})
}

// UnmarshalJSON restores a bundle from its on-disk form and recomputes the
// fingerprint from the decoded public keys, ignoring the stored value.
func (kb *KeyBundle) UnmarshalJSON(data []byte) error {
	var raw bundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing key bundle: %w", err)
	}

	signingPub, err := base64.StdEncoding.DecodeString(raw.SigningPublic)
	if err != nil {
		return fmt.Errorf("decoding signing public key: %w", err)
	}
	if len(signingPub) != ed25519.PublicKeySize {
		return fmt.Errorf("signing public key is %d bytes, want %d",
			len(signingPub), ed25519.PublicKeySize)
	}

	signingPriv, err := base64.StdEncoding.DecodeString(raw.SigningPrivate)
	if err != nil {
		return fmt.Errorf("decoding signing private key: %w", err)
	}
	if len(signingPriv) != ed25519.PrivateKeySize {
		return fmt.Errorf("signing private key is %d bytes, want %d",
			len(signingPriv), ed25519.PrivateKeySize)
	}

	agreementPub, err := decodeKey32(raw.AgreementPublic)
	if err != nil {
		return fmt.Errorf("decoding agreement public key: %w", err)
	}

	agreementPriv, err := decodeKey32(raw.AgreementPrivate)
	if err != nil {
		return fmt.Errorf("decoding agreement private key: %w", err)
	}

	kb.SigningPublic = signingPub
	kb.SigningPrivate = signingPriv
	kb.AgreementPublic = agreementPub
	kb.AgreementPrivate = agreementPriv
	kb.Fingerprint = Fingerprint(kb.SigningPublic, kb.AgreementPublic)

	return nil
}

// decodeKey32 decodes a base64 string into a 32-byte key array.
func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
