// Package transport carries envelopes over email. It defines the mailbox
// collaborator contract the core depends on, the X-ZKEmails wire format
// (custom headers for v1 envelopes and key gossip, MIME parts for v2
// payloads and attachments), and an IMAP/SMTP implementation built on
// pooled connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zkemails/zkemails/internal/model"
)

// AuthError indicates the mail server rejected our credentials.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Outgoing is a message to be sent. BCC addresses go on the SMTP
// envelope only, never into headers.
type Outgoing struct {
	From    string
	To      []string
	CC      []string
	BCC     []string
	Subject string

	// Recipients, when set, overrides the SMTP envelope recipient list.
	// Used for per-recipient BCC copies: the headers show the original
	// To list while delivery goes only to the one BCC address.
	Recipients []string

	// Headers holds the X-ZKEmails headers for this message.
	Headers map[string]string

	// TextBody is the visible plaintext body shown by non-zkemails mail
	// clients.
	TextBody string

	// PayloadJSON, when set, rides as the zkemails-payload.json MIME
	// part (the serialized v2 envelope).
	PayloadJSON []byte

	// AttachmentsBlob, when set, rides as the attachments.zke MIME part.
	AttachmentsBlob []byte
}

// Fetched is a message retrieved from the mailbox.
type Fetched struct {
	// ID is the stable per-message transport identifier (IMAP UID).
	ID string

	From    string
	To      []string
	CC      []string
	Subject string
	Date    time.Time

	// Headers holds the message's X-ZKEmails headers.
	Headers map[string]string

	TextBody        string
	PayloadJSON     []byte
	AttachmentsBlob []byte
}

// HeaderFilter matches messages carrying a header, optionally with an
// exact value.
type HeaderFilter struct {
	Name  string
	Value string
}

// SearchCriteria selects messages in a folder. Zero-value fields are not
// applied.
type SearchCriteria struct {
	Folder  model.Folder
	Header  *HeaderFilter
	Subject string
	Senders []string
	Since   time.Time
}

// Mailbox is the transport collaborator contract: send a message, search
// for message ids, and fetch headers or full bodies by id. Folder
// selection is read-only for inbox/sent browsing.
type Mailbox interface {
	Send(ctx context.Context, msg *Outgoing) error
	Search(ctx context.Context, criteria SearchCriteria) ([]string, error)
	FetchHeaders(ctx context.Context, folder model.Folder, id string) (map[string]string, error)
	FetchBody(ctx context.Context, folder model.Folder, id string) (*Fetched, error)
}
