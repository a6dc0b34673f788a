package sqlitecache

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

CREATE TABLE IF NOT EXISTS child_mailboxes (
	mailbox TEXT PRIMARY KEY,
	data    TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS sync_state (
	mailbox         TEXT PRIMARY KEY,
	fields          INTEGER NOT NULL DEFAULT 0,
	exists_count    INTEGER NOT NULL DEFAULT 0,
	recent          INTEGER NOT NULL DEFAULT 0,
	uid_next        INTEGER NOT NULL DEFAULT 0,
	uid_validity    INTEGER NOT NULL DEFAULT 0,
	unseen_count    INTEGER NOT NULL DEFAULT 0,
	unseen_offset   INTEGER NOT NULL DEFAULT 0,
	highest_modseq  INTEGER NOT NULL DEFAULT 0,
	flags           TEXT NOT NULL DEFAULT '[]',
	permanent_flags TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS uid_map (
	mailbox TEXT PRIMARY KEY,
	uids    TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS msg_flags (
	mailbox TEXT NOT NULL,
	uid     INTEGER NOT NULL,
	flags   TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (mailbox, uid)
);

CREATE TABLE IF NOT EXISTS msg_metadata (
	mailbox        TEXT NOT NULL,
	uid            INTEGER NOT NULL,
	envelope       TEXT NOT NULL,
	body_structure BLOB,
	size           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (mailbox, uid)
);

CREATE TABLE IF NOT EXISTS msg_parts (
	mailbox TEXT NOT NULL,
	uid     INTEGER NOT NULL,
	part    TEXT NOT NULL,
	data    BLOB NOT NULL,
	PRIMARY KEY (mailbox, uid, part)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
