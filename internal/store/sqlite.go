package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/zkemails/zkemails/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SetValue stores a keyed profile document, replacing any previous value.
func (s *SQLiteStore) SetValue(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO profile_values (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("setting profile value %q: %w", key, err)
	}
	return nil
}

// GetValue retrieves a keyed profile document.
func (s *SQLiteStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.GetContext(ctx, &value,
		"SELECT value FROM profile_values WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "profile value", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile value %q: %w", key, err)
	}
	return []byte(value), nil
}

// UpsertContact inserts or replaces a contact row.
func (s *SQLiteStore) UpsertContact(ctx context.Context, c model.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO contacts (
			email, status, fingerprint, signing_public, agreement_public,
			first_seen, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Email, string(c.Status), c.Fingerprint,
		c.SigningPublic, c.AgreementPublic,
		c.FirstSeen, c.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upserting contact %s: %w", c.Email, err)
	}
	return nil
}

// GetContact retrieves a single contact by email.
func (s *SQLiteStore) GetContact(ctx context.Context, email string) (*model.Contact, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM contacts WHERE email = ?", email)

	c, err := scanContactRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "contact", Key: email}
	}
	if err != nil {
		return nil, fmt.Errorf("getting contact %s: %w", email, err)
	}
	return &c, nil
}

// ListContacts retrieves all contacts ordered by email.
func (s *SQLiteStore) ListContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM contacts ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// InsertSnapshot stores an immutable copy of the contact table and returns
// the monotonically increasing version number assigned to it.
func (s *SQLiteStore) InsertSnapshot(
	ctx context.Context,
	takenAt time.Time,
	contacts []model.Contact,
) (int, error) {
	contactsJSON, err := json.Marshal(contacts)
	if err != nil {
		return 0, fmt.Errorf("marshaling snapshot contacts: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.Get(&version, "SELECT COALESCE(MAX(version), 0) + 1 FROM trust_snapshots")
	if err != nil {
		return 0, fmt.Errorf("computing snapshot version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_snapshots (version, taken_at, contacts)
		VALUES (?, ?, ?)`,
		version, takenAt.UTC(), string(contactsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting snapshot v%d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing snapshot v%d: %w", version, err)
	}

	return version, nil
}

// GetSnapshot retrieves a single snapshot by version.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, version int) (*Snapshot, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM trust_snapshots WHERE version = ?", version)

	snap, err := scanSnapshotRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "snapshot", Key: fmt.Sprintf("v%d", version)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting snapshot v%d: %w", version, err)
	}
	return &snap, nil
}

// ListSnapshots retrieves all snapshots ordered by version.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM trust_snapshots ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			snap         Snapshot
			takenAt      time.Time
			contactsJSON string
		)
		if err := rows.Scan(&snap.Version, &takenAt, &contactsJSON); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		snap.TakenAt = takenAt
		if err := json.Unmarshal([]byte(contactsJSON), &snap.Contacts); err != nil {
			return nil, fmt.Errorf("unmarshaling snapshot contacts: %w", err)
		}
		snapshots = append(snapshots, snap)
	}

	return snapshots, rows.Err()
}

// UpsertInvite inserts or replaces an invite ledger entry.
func (s *SQLiteStore) UpsertInvite(ctx context.Context, inv model.Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO invites (
			invite_id, direction, from_email, to_email, subject, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.InviteID, string(inv.Direction), inv.FromEmail, inv.ToEmail,
		inv.Subject, string(inv.Status), inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting invite %s: %w", inv.InviteID, err)
	}
	return nil
}

// GetInvite retrieves a single invite by id.
func (s *SQLiteStore) GetInvite(ctx context.Context, inviteID string) (*model.Invite, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM invites WHERE invite_id = ?", inviteID)

	var (
		inv       model.Invite
		direction string
		status    string
	)
	err := row.Scan(&inv.InviteID, &direction, &inv.FromEmail, &inv.ToEmail,
		&inv.Subject, &status, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "invite", Key: inviteID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting invite %s: %w", inviteID, err)
	}

	inv.Direction = model.InviteDirection(direction)
	inv.Status = model.InviteStatus(status)
	return &inv, nil
}

// ListInvites retrieves all invites ordered by creation time descending.
func (s *SQLiteStore) ListInvites(ctx context.Context) ([]model.Invite, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM invites ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("querying invites: %w", err)
	}
	defer rows.Close()

	var invites []model.Invite
	for rows.Next() {
		var (
			inv       model.Invite
			direction string
			status    string
		)
		err := rows.Scan(&inv.InviteID, &direction, &inv.FromEmail, &inv.ToEmail,
			&inv.Subject, &status, &inv.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning invite row: %w", err)
		}
		inv.Direction = model.InviteDirection(direction)
		inv.Status = model.InviteStatus(status)
		invites = append(invites, inv)
	}

	return invites, rows.Err()
}

// AppendMessage stores a new message. The (folder, transport_id) primary
// key rejects overwrites of previously stored messages.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg model.StoredMessage) error {
	toJSON, err := json.Marshal(msg.To)
	if err != nil {
		return fmt.Errorf("marshaling to addresses: %w", err)
	}
	ccJSON, err := json.Marshal(msg.CC)
	if err != nil {
		return fmt.Errorf("marshaling cc addresses: %w", err)
	}
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			folder, transport_id, from_addr, to_addrs, cc_addrs,
			subject, plaintext, thread_id, sent_at, stored_at, attachments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.Folder), msg.TransportID, msg.From,
		string(toJSON), string(ccJSON),
		msg.Subject, msg.Plaintext, msg.ThreadID,
		msg.SentAt.UTC(), msg.StoredAt.UTC(), string(attachmentsJSON),
	)
	if err != nil {
		return fmt.Errorf("appending message %s/%s: %w",
			msg.Folder, msg.TransportID, err)
	}

	return nil
}

// ListTransportIDs retrieves the transport ids of all stored messages in
// a folder. This is the local side of the delta-sync set difference.
func (s *SQLiteStore) ListTransportIDs(ctx context.Context, folder model.Folder) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT transport_id FROM messages WHERE folder = ?", string(folder))
	if err != nil {
		return nil, fmt.Errorf("querying transport ids for %s: %w", folder, err)
	}
	return ids, nil
}

// GetThreadMessages retrieves all messages in a thread ordered by sent
// time.
func (s *SQLiteStore) GetThreadMessages(ctx context.Context, threadID string) ([]model.StoredMessage, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM messages WHERE thread_id = ? ORDER BY sent_at", threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var messages []model.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// UpsertThread inserts or replaces a thread summary.
func (s *SQLiteStore) UpsertThread(ctx context.Context, t model.ThreadSummary) error {
	participantsJSON, err := json.Marshal(t.Participants)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO threads (
			thread_id, subject, participants, message_count, last_timestamp, read
		) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ThreadID, t.Subject, string(participantsJSON),
		t.MessageCount, t.LastTimestamp.UTC(), boolToInt(t.Read),
	)
	if err != nil {
		return fmt.Errorf("upserting thread %s: %w", t.ThreadID, err)
	}
	return nil
}

// GetThread retrieves a single thread summary.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*model.ThreadSummary, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM threads WHERE thread_id = ?", threadID)

	t, err := scanThreadRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "thread", Key: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", threadID, err)
	}
	return &t, nil
}

// ListThreads retrieves all thread summaries ordered by last activity
// descending.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]model.ThreadSummary, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM threads ORDER BY last_timestamp DESC")
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []model.ThreadSummary
	for rows.Next() {
		var (
			t                model.ThreadSummary
			participantsJSON string
			lastTimestamp    time.Time
			readInt          int
		)
		err := rows.Scan(&t.ThreadID, &t.Subject, &participantsJSON,
			&t.MessageCount, &lastTimestamp, &readInt)
		if err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		t.LastTimestamp = lastTimestamp
		t.Read = readInt != 0
		if err := json.Unmarshal([]byte(participantsJSON), &t.Participants); err != nil {
			return nil, fmt.Errorf("unmarshaling participants: %w", err)
		}
		threads = append(threads, t)
	}

	return threads, rows.Err()
}

// SetThreadRead updates the read flag on a thread.
func (s *SQLiteStore) SetThreadRead(ctx context.Context, threadID string, read bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE threads SET read = ? WHERE thread_id = ?",
		boolToInt(read), threadID)
	if err != nil {
		return fmt.Errorf("marking thread %s read=%v: %w", threadID, read, err)
	}
	return nil
}

// WipeMessages deletes all message and thread rows.
func (s *SQLiteStore) WipeMessages(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("wiping messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads"); err != nil {
		return fmt.Errorf("wiping threads: %w", err)
	}

	return tx.Commit()
}

// scanContact scans a contact row from a sqlx.Rows result set.
func scanContact(rows *sqlx.Rows) (model.Contact, error) {
	var (
		c      model.Contact
		status string
	)
	err := rows.Scan(&c.Email, &status, &c.Fingerprint,
		&c.SigningPublic, &c.AgreementPublic, &c.FirstSeen, &c.LastUpdated)
	if err != nil {
		return model.Contact{}, fmt.Errorf("scanning contact row: %w", err)
	}
	c.Status = model.ContactStatus(status)
	return c, nil
}

// scanContactRow scans a single contact row from a sqlx.Row.
func scanContactRow(row *sqlx.Row) (model.Contact, error) {
	var (
		c      model.Contact
		status string
	)
	err := row.Scan(&c.Email, &status, &c.Fingerprint,
		&c.SigningPublic, &c.AgreementPublic, &c.FirstSeen, &c.LastUpdated)
	if err != nil {
		return model.Contact{}, err
	}
	c.Status = model.ContactStatus(status)
	return c, nil
}

// scanSnapshotRow scans a single snapshot row from a sqlx.Row.
func scanSnapshotRow(row *sqlx.Row) (Snapshot, error) {
	var (
		snap         Snapshot
		takenAt      time.Time
		contactsJSON string
	)
	if err := row.Scan(&snap.Version, &takenAt, &contactsJSON); err != nil {
		return Snapshot{}, err
	}
	snap.TakenAt = takenAt
	if err := json.Unmarshal([]byte(contactsJSON), &snap.Contacts); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling snapshot contacts: %w", err)
	}
	return snap, nil
}

// scanThreadRow scans a single thread summary row from a sqlx.Row.
func scanThreadRow(row *sqlx.Row) (model.ThreadSummary, error) {
	var (
		t                model.ThreadSummary
		participantsJSON string
		lastTimestamp    time.Time
		readInt          int
	)
	err := row.Scan(&t.ThreadID, &t.Subject, &participantsJSON,
		&t.MessageCount, &lastTimestamp, &readInt)
	if err != nil {
		return model.ThreadSummary{}, err
	}
	t.LastTimestamp = lastTimestamp
	t.Read = readInt != 0
	if err := json.Unmarshal([]byte(participantsJSON), &t.Participants); err != nil {
		return model.ThreadSummary{}, fmt.Errorf("unmarshaling participants: %w", err)
	}
	return t, nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.StoredMessage, error) {
	var (
		msg             model.StoredMessage
		folder          string
		toJSON          string
		ccJSON          string
		sentAt          time.Time
		storedAt        time.Time
		attachmentsJSON string
	)
	err := rows.Scan(&folder, &msg.TransportID, &msg.From, &toJSON, &ccJSON,
		&msg.Subject, &msg.Plaintext, &msg.ThreadID,
		&sentAt, &storedAt, &attachmentsJSON)
	if err != nil {
		return model.StoredMessage{}, fmt.Errorf("scanning message row: %w", err)
	}

	msg.Folder = model.Folder(folder)
	msg.SentAt = sentAt
	msg.StoredAt = storedAt

	if err := json.Unmarshal([]byte(toJSON), &msg.To); err != nil {
		return model.StoredMessage{}, fmt.Errorf("unmarshaling to addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &msg.CC); err != nil {
		return model.StoredMessage{}, fmt.Errorf("unmarshaling cc addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
		return model.StoredMessage{}, fmt.Errorf("unmarshaling attachments: %w", err)
	}

	return msg, nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
