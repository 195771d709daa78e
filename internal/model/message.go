package model

import "time"

// Folder identifies which local message store a message belongs to.
type Folder string

const (
	FolderInbox Folder = "inbox"
	FolderSent  Folder = "sent"
)

// StoredMessage is a decrypted message persisted in the local store.
// Messages are append-only: once stored they are never overwritten, and
// only the read flag on the owning thread changes afterwards.
type StoredMessage struct {
	// TransportID is the stable per-message identifier assigned by the
	// mail transport (IMAP UID as a string). It drives the delta-sync
	// remote-minus-local check.
	TransportID string `json:"transport_id"`

	// Folder is the local store this message belongs to.
	Folder Folder `json:"folder"`

	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`

	// Plaintext is the decrypted message body.
	Plaintext string `json:"plaintext"`

	// ThreadID groups this message into a conversation.
	ThreadID string `json:"thread_id"`

	SentAt   time.Time `json:"sent_at"`
	StoredAt time.Time `json:"stored_at"`

	// Attachments holds metadata for any encrypted attachments.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment holds metadata about an encrypted attachment. The encrypted
// blob itself rides in the attachments.zke MIME part.
type Attachment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type"`
}

// ThreadSummary is the per-conversation rollup maintained by the sync
// layer.
type ThreadSummary struct {
	ThreadID      string    `json:"thread_id"`
	Subject       string    `json:"subject"`
	Participants  []string  `json:"participants"`
	MessageCount  int       `json:"message_count"`
	LastTimestamp time.Time `json:"last_timestamp"`
	Read          bool      `json:"read"`
}
