// Package trust implements the Trust-On-First-Use contact store. A
// contact's public keys and fingerprint are pinned the first time they are
// gossiped; every mutating write is preceded by an immutable, versioned
// snapshot of the full contact table so later key changes can be audited
// with Diff.
package trust

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/store"
)

// TrustError indicates a trust-store precondition failure: no pinned
// contact, or a contact without pinned keys. Sends and decrypts must not
// proceed past one.
type TrustError struct {
	Email   string
	Message string
}

func (e *TrustError) Error() string {
	return fmt.Sprintf("trust error (%s): %s", e.Email, e.Message)
}

// IsTrustError reports whether err (or any error in its chain) is a
// TrustError.
func IsTrustError(err error) bool {
	var trustErr *TrustError
	return errors.As(err, &trustErr)
}

// Store pins contacts and maintains their version history on top of the
// profile store. Writes for a profile must be serialized by the caller.
type Store struct {
	db  store.Store
	now func() time.Time
}

// New creates a trust store backed by the given profile store.
func New(db store.Store) *Store {
	return &Store{db: db, now: time.Now}
}

// UpsertBasic creates an invited-out placeholder for email on invite-send.
// An existing contact is left untouched: a placeholder never downgrades a
// ready contact.
func (s *Store) UpsertBasic(ctx context.Context, email string) (*model.Contact, error) {
	existing, err := s.get(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if err := s.snapshot(ctx); err != nil {
		return nil, err
	}

	now := s.now().Unix()
	c := model.Contact{
		Email:       email,
		Status:      model.ContactInvitedOut,
		FirstSeen:   now,
		LastUpdated: now,
	}
	if err := s.db.UpsertContact(ctx, c); err != nil {
		return nil, err
	}

	return &c, nil
}

// UpsertKeys pins a contact's gossiped keys, transitioning it to ready.
// It is idempotent: re-pinning identical key material is a no-op and
// produces no new snapshot version. A fingerprint change on an already
// ready contact is pinned but logged as a security-relevant event; the
// caller decides what to do with the flagged Diff entry.
func (s *Store) UpsertKeys(
	ctx context.Context,
	email, fingerprint, signingPublic, agreementPublic string,
) (*model.Contact, error) {
	existing, err := s.get(ctx, email)
	if err != nil {
		return nil, err
	}

	now := s.now().Unix()
	c := model.Contact{
		Email:           email,
		Status:          model.ContactReady,
		Fingerprint:     fingerprint,
		SigningPublic:   signingPublic,
		AgreementPublic: agreementPublic,
		FirstSeen:       now,
		LastUpdated:     now,
	}

	if existing != nil {
		c.FirstSeen = existing.FirstSeen
		if existing.Equal(c) {
			return existing, nil
		}
		if existing.Fingerprint != "" && existing.Fingerprint != fingerprint {
			logrus.WithFields(logrus.Fields{
				"email":           email,
				"old_fingerprint": shortFp(existing.Fingerprint),
				"new_fingerprint": shortFp(fingerprint),
			}).Warn("Pinned fingerprint changed; possible key rotation or attack")
		}
	}

	if err := s.snapshot(ctx); err != nil {
		return nil, err
	}

	if err := s.db.UpsertContact(ctx, c); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"email":       email,
		"fingerprint": shortFp(fingerprint),
	}).Info("Pinned contact keys")

	return &c, nil
}

// shortFp abbreviates a fingerprint for log fields. The value arrives
// from the wire and may be arbitrarily short.
func shortFp(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// Get retrieves the pinned contact for email, or a TrustError if none
// exists.
func (s *Store) Get(ctx context.Context, email string) (*model.Contact, error) {
	c, err := s.get(ctx, email)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, &TrustError{Email: email, Message: "no pinned contact"}
	}
	return c, nil
}

// List returns all contacts.
func (s *Store) List(ctx context.Context) ([]model.Contact, error) {
	return s.db.ListContacts(ctx)
}

// Snapshots returns the full version history, oldest first.
func (s *Store) Snapshots(ctx context.Context) ([]store.Snapshot, error) {
	return s.db.ListSnapshots(ctx)
}

// PinnedKeys decodes a ready contact's pinned key material into the forms
// the envelope engine consumes. A contact without pinned keys yields a
// TrustError.
func PinnedKeys(c *model.Contact) (ed25519.PublicKey, [32]byte, error) {
	var agreementPub [32]byte

	if c.Status != model.ContactReady || c.SigningPublic == "" || c.AgreementPublic == "" {
		return nil, agreementPub, &TrustError{
			Email:   c.Email,
			Message: "contact has no pinned keys",
		}
	}

	signingRaw, err := base64.StdEncoding.DecodeString(c.SigningPublic)
	if err != nil {
		return nil, agreementPub, fmt.Errorf("decoding pinned signing key for %s: %w", c.Email, err)
	}
	if len(signingRaw) != ed25519.PublicKeySize {
		return nil, agreementPub, fmt.Errorf("pinned signing key for %s is %d bytes, want %d",
			c.Email, len(signingRaw), ed25519.PublicKeySize)
	}

	agreementRaw, err := base64.StdEncoding.DecodeString(c.AgreementPublic)
	if err != nil {
		return nil, agreementPub, fmt.Errorf("decoding pinned agreement key for %s: %w", c.Email, err)
	}
	if len(agreementRaw) != 32 {
		return nil, agreementPub, fmt.Errorf("pinned agreement key for %s is %d bytes, want 32",
			c.Email, len(agreementRaw))
	}

	copy(agreementPub[:], agreementRaw)
	return ed25519.PublicKey(signingRaw), agreementPub, nil
}

// get returns the contact or nil when absent, mapping the store's
// not-found error.
func (s *Store) get(ctx context.Context, email string) (*model.Contact, error) {
	c, err := s.db.GetContact(ctx, email)
	var notFound *store.NotFoundError
	if errors.As(err, &notFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// snapshot stores an immutable copy of the current contact table before a
// mutating write.
func (s *Store) snapshot(ctx context.Context) error {
	contacts, err := s.db.ListContacts(ctx)
	if err != nil {
		return fmt.Errorf("reading contacts for snapshot: %w", err)
	}
	if _, err := s.db.InsertSnapshot(ctx, s.now(), contacts); err != nil {
		return fmt.Errorf("taking trust snapshot: %w", err)
	}
	return nil
}
