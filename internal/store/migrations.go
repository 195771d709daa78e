package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_values (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS contacts (
	email            TEXT PRIMARY KEY,
	status           TEXT NOT NULL CHECK(status IN ('invited-out', 'ready')),
	fingerprint      TEXT NOT NULL DEFAULT '',
	signing_public   TEXT NOT NULL DEFAULT '',
	agreement_public TEXT NOT NULL DEFAULT '',
	first_seen       INTEGER NOT NULL,
	last_updated     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_snapshots (
	version  INTEGER PRIMARY KEY,
	taken_at DATETIME NOT NULL,
	contacts TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS invites (
	invite_id  TEXT PRIMARY KEY,
	direction  TEXT NOT NULL CHECK(direction IN ('in', 'out')),
	from_email TEXT NOT NULL,
	to_email   TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL CHECK(status IN ('pending', 'acked')),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	folder       TEXT NOT NULL CHECK(folder IN ('inbox', 'sent')),
	transport_id TEXT NOT NULL,
	from_addr    TEXT NOT NULL,
	to_addrs     TEXT NOT NULL DEFAULT '[]',
	cc_addrs     TEXT NOT NULL DEFAULT '[]',
	subject      TEXT NOT NULL DEFAULT '',
	plaintext    TEXT NOT NULL DEFAULT '',
	thread_id    TEXT NOT NULL,
	sent_at      DATETIME NOT NULL,
	stored_at    DATETIME NOT NULL,
	attachments  TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (folder, transport_id)
);

CREATE TABLE IF NOT EXISTS threads (
	thread_id      TEXT PRIMARY KEY,
	subject        TEXT NOT NULL DEFAULT '',
	participants   TEXT NOT NULL DEFAULT '[]',
	message_count  INTEGER NOT NULL DEFAULT 0,
	last_timestamp DATETIME NOT NULL,
	read           INTEGER NOT NULL DEFAULT 0 CHECK(read IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
CREATE INDEX IF NOT EXISTS idx_contacts_fingerprint ON contacts(fingerprint);
CREATE INDEX IF NOT EXISTS idx_invites_status ON invites(status);
CREATE INDEX IF NOT EXISTS idx_threads_last_timestamp ON threads(last_timestamp);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
