// Package sqlitecache implements a persistent cache.Cache on top of SQLite.
package sqlitecache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
)

// Cache is a cache.Cache backed by a SQLite database.
type Cache struct {
	db *sqlx.DB
}

var _ cache.Cache = (*Cache)(nil)

// New opens (or creates) a SQLite database at path, enables WAL mode, and
// runs any pending schema migrations. The path ":memory:" gives a private
// in-memory database.
func New(path string) (*Cache, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Every connection to ":memory:" is a different database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	c := &Cache{db: db}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (c *Cache) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := c.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// execer is implemented by both *sqlx.DB and *sqlx.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (c *Cache) ChildMailboxes(mailbox string) ([]imapsync.MailboxMetadata, error) {
	var data string
	err := c.db.Get(&data, "SELECT data FROM child_mailboxes WHERE mailbox = ?", mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading child mailboxes of %q: %w", mailbox, err)
	}

	var children []imapsync.MailboxMetadata
	if err := json.Unmarshal([]byte(data), &children); err != nil {
		return nil, fmt.Errorf("unmarshaling child mailboxes of %q: %w", mailbox, err)
	}
	return children, nil
}

func (c *Cache) SetChildMailboxes(mailbox string, data []imapsync.MailboxMetadata) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling child mailboxes of %q: %w", mailbox, err)
	}
	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO child_mailboxes (mailbox, data) VALUES (?, ?)",
		mailbox, string(b),
	)
	if err != nil {
		return fmt.Errorf("storing child mailboxes of %q: %w", mailbox, err)
	}
	return nil
}

// stateRow is the database representation of a SyncState.
type stateRow struct {
	Fields         uint32 `db:"fields"`
	Exists         uint32 `db:"exists_count"`
	Recent         uint32 `db:"recent"`
	UIDNext        uint32 `db:"uid_next"`
	UIDValidity    uint32 `db:"uid_validity"`
	UnSeenCount    uint32 `db:"unseen_count"`
	UnSeenOffset   uint32 `db:"unseen_offset"`
	HighestModSeq  int64  `db:"highest_modseq"`
	Flags          string `db:"flags"`
	PermanentFlags string `db:"permanent_flags"`
}

func (row *stateRow) syncState() (imapsync.SyncState, error) {
	var s imapsync.SyncState
	fields := imapsync.SyncStateField(row.Fields)
	if fields&imapsync.FieldExists != 0 {
		s.SetExists(row.Exists)
	}
	if fields&imapsync.FieldRecent != 0 {
		s.SetRecent(row.Recent)
	}
	if fields&imapsync.FieldUIDNext != 0 {
		s.SetUIDNext(row.UIDNext)
	}
	if fields&imapsync.FieldUIDValidity != 0 {
		s.SetUIDValidity(row.UIDValidity)
	}
	if fields&imapsync.FieldUnSeenCount != 0 {
		s.SetUnSeenCount(row.UnSeenCount)
	}
	if fields&imapsync.FieldUnSeenOffset != 0 {
		s.SetUnSeenOffset(row.UnSeenOffset)
	}
	if fields&imapsync.FieldHighestModSeq != 0 {
		s.SetHighestModSeq(uint64(row.HighestModSeq))
	}
	if fields&imapsync.FieldFlags != 0 {
		var flags []imapsync.Flag
		if err := json.Unmarshal([]byte(row.Flags), &flags); err != nil {
			return s, fmt.Errorf("unmarshaling flags: %w", err)
		}
		s.SetFlags(flags)
	}
	if fields&imapsync.FieldPermanentFlags != 0 {
		var flags []imapsync.Flag
		if err := json.Unmarshal([]byte(row.PermanentFlags), &flags); err != nil {
			return s, fmt.Errorf("unmarshaling permanent flags: %w", err)
		}
		s.SetPermanentFlags(flags)
	}
	return s, nil
}

func (c *Cache) MailboxSyncState(mailbox string) (imapsync.SyncState, error) {
	var row stateRow
	err := c.db.Get(&row, `
		SELECT fields, exists_count, recent, uid_next, uid_validity,
			unseen_count, unseen_offset, highest_modseq, flags, permanent_flags
		FROM sync_state WHERE mailbox = ?`, mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return imapsync.SyncState{}, nil
	} else if err != nil {
		return imapsync.SyncState{}, fmt.Errorf("reading sync state of %q: %w", mailbox, err)
	}

	s, err := row.syncState()
	if err != nil {
		return imapsync.SyncState{}, fmt.Errorf("decoding sync state of %q: %w", mailbox, err)
	}
	return s, nil
}

func (c *Cache) SetMailboxSyncState(mailbox string, state imapsync.SyncState) error {
	return storeSyncState(c.db, mailbox, &state)
}

func storeSyncState(e execer, mailbox string, state *imapsync.SyncState) error {
	flags, err := json.Marshal(state.Flags())
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	permanentFlags, err := json.Marshal(state.PermanentFlags())
	if err != nil {
		return fmt.Errorf("marshaling permanent flags: %w", err)
	}

	_, err = e.Exec(`
		INSERT OR REPLACE INTO sync_state (
			mailbox, fields, exists_count, recent, uid_next, uid_validity,
			unseen_count, unseen_offset, highest_modseq, flags, permanent_flags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mailbox, int64(state.Fields()), int64(state.Exists()), int64(state.Recent()),
		int64(state.UIDNext()), int64(state.UIDValidity()),
		int64(state.UnSeenCount()), int64(state.UnSeenOffset()), int64(state.HighestModSeq()),
		string(flags), string(permanentFlags),
	)
	if err != nil {
		return fmt.Errorf("storing sync state of %q: %w", mailbox, err)
	}
	return nil
}

func (c *Cache) UIDMapping(mailbox string) ([]imapsync.UID, error) {
	var data string
	err := c.db.Get(&data, "SELECT uids FROM uid_map WHERE mailbox = ?", mailbox)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading UID map of %q: %w", mailbox, err)
	}

	var uids []imapsync.UID
	if err := json.Unmarshal([]byte(data), &uids); err != nil {
		return nil, fmt.Errorf("unmarshaling UID map of %q: %w", mailbox, err)
	}
	return uids, nil
}

func (c *Cache) SetUIDMapping(mailbox string, uids []imapsync.UID) error {
	return storeUIDMapping(c.db, mailbox, uids)
}

func storeUIDMapping(e execer, mailbox string, uids []imapsync.UID) error {
	if uids == nil {
		uids = []imapsync.UID{}
	}
	b, err := json.Marshal(uids)
	if err != nil {
		return fmt.Errorf("marshaling UID map: %w", err)
	}
	_, err = e.Exec("INSERT OR REPLACE INTO uid_map (mailbox, uids) VALUES (?, ?)", mailbox, string(b))
	if err != nil {
		return fmt.Errorf("storing UID map of %q: %w", mailbox, err)
	}
	return nil
}

func (c *Cache) MsgFlags(mailbox string, uid imapsync.UID) ([]imapsync.Flag, error) {
	var data string
	err := c.db.Get(&data, "SELECT flags FROM msg_flags WHERE mailbox = ? AND uid = ?", mailbox, int64(uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading flags of %q UID %v: %w", mailbox, uid, err)
	}

	var flags []imapsync.Flag
	if err := json.Unmarshal([]byte(data), &flags); err != nil {
		return nil, fmt.Errorf("unmarshaling flags of %q UID %v: %w", mailbox, uid, err)
	}
	return flags, nil
}

func (c *Cache) SetMsgFlags(mailbox string, uid imapsync.UID, flags []imapsync.Flag) error {
	return storeMsgFlags(c.db, mailbox, uid, flags)
}

func storeMsgFlags(e execer, mailbox string, uid imapsync.UID, flags []imapsync.Flag) error {
	b, err := json.Marshal(imapsync.NormalizeFlags(flags))
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}
	_, err = e.Exec(
		"INSERT OR REPLACE INTO msg_flags (mailbox, uid, flags) VALUES (?, ?, ?)",
		mailbox, int64(uid), string(b),
	)
	if err != nil {
		return fmt.Errorf("storing flags of %q UID %v: %w", mailbox, uid, err)
	}
	return nil
}

func (c *Cache) MessageMetadata(mailbox string, uid imapsync.UID) (imapsync.MessageDataBundle, error) {
	var row struct {
		Envelope      string `db:"envelope"`
		BodyStructure []byte `db:"body_structure"`
		Size          uint32 `db:"size"`
	}
	err := c.db.Get(&row,
		"SELECT envelope, body_structure, size FROM msg_metadata WHERE mailbox = ? AND uid = ?",
		mailbox, int64(uid),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return imapsync.MessageDataBundle{}, nil
	} else if err != nil {
		return imapsync.MessageDataBundle{}, fmt.Errorf("reading metadata of %q UID %v: %w", mailbox, uid, err)
	}

	data := imapsync.MessageDataBundle{
		UID:                     uid,
		SerializedBodyStructure: row.BodyStructure,
		Size:                    row.Size,
	}
	if err := json.Unmarshal([]byte(row.Envelope), &data.Envelope); err != nil {
		return imapsync.MessageDataBundle{}, fmt.Errorf("unmarshaling envelope of %q UID %v: %w", mailbox, uid, err)
	}
	return data, nil
}

func (c *Cache) SetMessageMetadata(mailbox string, uid imapsync.UID, data imapsync.MessageDataBundle) error {
	env, err := json.Marshal(&data.Envelope)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO msg_metadata (mailbox, uid, envelope, body_structure, size)
		VALUES (?, ?, ?, ?, ?)`,
		mailbox, int64(uid), string(env), data.SerializedBodyStructure, int64(data.Size),
	)
	if err != nil {
		return fmt.Errorf("storing metadata of %q UID %v: %w", mailbox, uid, err)
	}
	return nil
}

func (c *Cache) MessagePart(mailbox string, uid imapsync.UID, part string) ([]byte, error) {
	var data []byte
	err := c.db.Get(&data,
		"SELECT data FROM msg_parts WHERE mailbox = ? AND uid = ? AND part = ?",
		mailbox, int64(uid), part,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading part %v of %q UID %v: %w", part, mailbox, uid, err)
	}
	return data, nil
}

func (c *Cache) SetMsgPart(mailbox string, uid imapsync.UID, part string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO msg_parts (mailbox, uid, part, data) VALUES (?, ?, ?, ?)",
		mailbox, int64(uid), part, data,
	)
	if err != nil {
		return fmt.Errorf("storing part %v of %q UID %v: %w", part, mailbox, uid, err)
	}
	return nil
}

func (c *Cache) ClearAllMessages(mailbox string) error {
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"uid_map", "msg_flags", "msg_metadata", "msg_parts"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE mailbox = ?", mailbox); err != nil {
			return fmt.Errorf("clearing %v of %q: %w", table, mailbox, err)
		}
	}

	return tx.Commit()
}

func (c *Cache) ClearMessage(mailbox string, uid imapsync.UID) error {
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := clearMessage(tx, mailbox, uid); err != nil {
		return err
	}

	return tx.Commit()
}

func clearMessage(e execer, mailbox string, uid imapsync.UID) error {
	for _, table := range []string{"msg_flags", "msg_metadata", "msg_parts"} {
		if _, err := e.Exec("DELETE FROM "+table+" WHERE mailbox = ? AND uid = ?", mailbox, int64(uid)); err != nil {
			return fmt.Errorf("clearing %v of %q UID %v: %w", table, mailbox, uid, err)
		}
	}
	return nil
}

func (c *Cache) CommitSync(mailbox string, update *cache.SyncUpdate) error {
	tx, err := c.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := storeSyncState(tx, mailbox, &update.State); err != nil {
		return err
	}
	if err := storeUIDMapping(tx, mailbox, update.UIDs); err != nil {
		return err
	}
	for _, uid := range update.Vanished {
		if err := clearMessage(tx, mailbox, uid); err != nil {
			return err
		}
	}
	for uid, flags := range update.Flags {
		if err := storeMsgFlags(tx, mailbox, uid, flags); err != nil {
			return err
		}
	}

	return tx.Commit()
}
