package store

import (
	"context"
	"time"

	"github.com/zkemails/zkemails/internal/model"
)

// Snapshot is one immutable, versioned copy of the full contact table,
// taken before each mutating trust-store write.
type Snapshot struct {
	Version  int
	TakenAt  time.Time
	Contacts []model.Contact
}

// Store defines the persistence interface for a single profile: the
// identity bundle, the pinned contact table with its version history, the
// invite ledger, and the per-thread message stores.
//
// Writes for a given profile must be serialized by the caller
// (single-writer-per-profile); the store does not arbitrate concurrent
// writers.
type Store interface {
	// === Keyed profile documents ===

	SetValue(ctx context.Context, key string, value []byte) error
	GetValue(ctx context.Context, key string) ([]byte, error)

	// === Contacts ===

	UpsertContact(ctx context.Context, c model.Contact) error
	GetContact(ctx context.Context, email string) (*model.Contact, error)
	ListContacts(ctx context.Context) ([]model.Contact, error)

	// === Trust snapshots ===

	InsertSnapshot(ctx context.Context, takenAt time.Time, contacts []model.Contact) (int, error)
	GetSnapshot(ctx context.Context, version int) (*Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)

	// === Invite ledger ===

	UpsertInvite(ctx context.Context, inv model.Invite) error
	GetInvite(ctx context.Context, inviteID string) (*model.Invite, error)
	ListInvites(ctx context.Context) ([]model.Invite, error)

	// === Messages and threads ===

	// AppendMessage stores a new message. Stored messages are never
	// overwritten; appending a transport id that already exists in the
	// folder is an error.
	AppendMessage(ctx context.Context, msg model.StoredMessage) error
	ListTransportIDs(ctx context.Context, folder model.Folder) ([]string, error)
	GetThreadMessages(ctx context.Context, threadID string) ([]model.StoredMessage, error)

	UpsertThread(ctx context.Context, t model.ThreadSummary) error
	GetThread(ctx context.Context, threadID string) (*model.ThreadSummary, error)
	ListThreads(ctx context.Context) ([]model.ThreadSummary, error)
	SetThreadRead(ctx context.Context, threadID string, read bool) error

	// WipeMessages clears all message and thread state. This is the
	// recovery path behind a full refresh; contacts, snapshots, and
	// invites are untouched.
	WipeMessages(ctx context.Context) error
}

// NotFoundError is returned when a requested row does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return e.Kind + " not found: " + e.Key
}
