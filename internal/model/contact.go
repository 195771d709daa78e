package model

// ContactStatus is the TOFU lifecycle state of a contact.
type ContactStatus string

const (
	// ContactInvitedOut means we sent an invite and are waiting for the
	// counter-party's keys. No key material is pinned yet.
	ContactInvitedOut ContactStatus = "invited-out"

	// ContactReady means the counter-party's keys have been gossiped and
	// pinned. Pinned keys are expected to be stable from here on; any
	// later change is a security-relevant event.
	ContactReady ContactStatus = "ready"
)

// Contact is one pinned counter-party in the trust store. Key material is
// base64-encoded for storage; empty until the contact is ready.
type Contact struct {
	Email           string        `json:"email"`
	Status          ContactStatus `json:"status"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	SigningPublic   string        `json:"signing_public,omitempty"`
	AgreementPublic string        `json:"agreement_public,omitempty"`
	FirstSeen       int64         `json:"first_seen"`   // epoch seconds
	LastUpdated     int64         `json:"last_updated"` // epoch seconds
}

// Equal reports whether two contacts carry identical pinned state,
// ignoring the timestamps.
func (c Contact) Equal(other Contact) bool {
	return c.Email == other.Email &&
		c.Status == other.Status &&
		c.Fingerprint == other.Fingerprint &&
		c.SigningPublic == other.SigningPublic &&
		c.AgreementPublic == other.AgreementPublic
}
