// Package cache defines the persistent store of mailbox state used by the
// synchronization model.
//
// Lookups of missing entries are not errors: they return zero values, such
// as an empty SyncState or a nil UID map. Errors only report storage
// failures.
package cache

import (
	"github.com/emersion/go-imapsync"
)

// Cache stores mailbox metadata keyed by mailbox name, and per-message data
// keyed by mailbox name and UID.
//
// Implementations must be safe for concurrent use. Writes for different
// mailboxes may be interleaved.
type Cache interface {
	// ChildMailboxes returns the cached LIST result below a mailbox. The
	// empty name stands for the top level.
	ChildMailboxes(mailbox string) ([]imapsync.MailboxMetadata, error)
	SetChildMailboxes(mailbox string, data []imapsync.MailboxMetadata) error

	MailboxSyncState(mailbox string) (imapsync.SyncState, error)
	SetMailboxSyncState(mailbox string, state imapsync.SyncState) error

	// UIDMapping returns the UIDs of a mailbox, ordered by sequence number.
	UIDMapping(mailbox string) ([]imapsync.UID, error)
	SetUIDMapping(mailbox string, uids []imapsync.UID) error

	MsgFlags(mailbox string, uid imapsync.UID) ([]imapsync.Flag, error)
	SetMsgFlags(mailbox string, uid imapsync.UID, flags []imapsync.Flag) error

	MessageMetadata(mailbox string, uid imapsync.UID) (imapsync.MessageDataBundle, error)
	SetMessageMetadata(mailbox string, uid imapsync.UID, data imapsync.MessageDataBundle) error

	MessagePart(mailbox string, uid imapsync.UID, part string) ([]byte, error)
	SetMsgPart(mailbox string, uid imapsync.UID, part string, data []byte) error

	// ClearAllMessages drops the UID map and every per-message entry of a
	// mailbox. The SyncState is kept.
	ClearAllMessages(mailbox string) error
	// ClearMessage drops the flags, metadata and parts of one message.
	ClearMessage(mailbox string, uid imapsync.UID) error

	// CommitSync atomically stores the outcome of a synchronization pass.
	CommitSync(mailbox string, update *SyncUpdate) error

	Close() error
}

// SyncUpdate is the result of one synchronization pass of a mailbox.
type SyncUpdate struct {
	State imapsync.SyncState
	UIDs  []imapsync.UID
	// Flags holds the flags fetched during the pass. Messages missing from
	// the map keep their cached flags.
	Flags map[imapsync.UID][]imapsync.Flag
	// Vanished lists the UIDs which are gone from the server. Their flags,
	// metadata and parts are dropped.
	Vanished []imapsync.UID
}
