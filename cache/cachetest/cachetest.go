// Package cachetest provides a conformance suite for cache.Cache
// implementations.
package cachetest

import (
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
)

// Run runs the conformance suite. newCache must return an empty cache.
func Run(t *testing.T, newCache func(t *testing.T) cache.Cache) {
	t.Run("SyncStateRoundTrip", func(t *testing.T) { testSyncState(t, newCache(t)) })
	t.Run("UIDMappingRoundTrip", func(t *testing.T) { testUIDMapping(t, newCache(t)) })
	t.Run("FlagsRoundTrip", func(t *testing.T) { testFlags(t, newCache(t)) })
	t.Run("MetadataRoundTrip", func(t *testing.T) { testMetadata(t, newCache(t)) })
	t.Run("PartsRoundTrip", func(t *testing.T) { testParts(t, newCache(t)) })
	t.Run("ChildMailboxes", func(t *testing.T) { testChildMailboxes(t, newCache(t)) })
	t.Run("ClearAllMessages", func(t *testing.T) { testClearAll(t, newCache(t)) })
	t.Run("ClearMessage", func(t *testing.T) { testClearMessage(t, newCache(t)) })
	t.Run("CommitSync", func(t *testing.T) { testCommitSync(t, newCache(t)) })
	t.Run("CommitSyncVanished", func(t *testing.T) { testCommitSyncVanished(t, newCache(t)) })
}

func testSyncState(t *testing.T, c cache.Cache) {
	empty, err := c.MailboxSyncState("a")
	require.NoError(t, err)
	assert.Equal(t, imapsync.SyncStateField(0), empty.Fields())

	var s imapsync.SyncState
	s.SetExists(3)
	s.SetRecent(0)
	s.SetUIDNext(15)
	s.SetUIDValidity(666)
	s.SetFlags([]imapsync.Flag{imapsync.FlagAnswered, imapsync.FlagSeen})
	s.SetPermanentFlags([]imapsync.Flag{imapsync.FlagSeen, imapsync.FlagWildcard})
	s.SetHighestModSeq(1 << 40)
	require.NoError(t, c.SetMailboxSyncState("a", s))

	got, err := c.MailboxSyncState("a")
	require.NoError(t, err)
	assert.True(t, s.Equal(&got), "got %v, want %v", got, s)

	// an explicit zero is not an absent value
	var minimal imapsync.SyncState
	minimal.SetExists(0)
	require.NoError(t, c.SetMailboxSyncState("b", minimal))
	got, err = c.MailboxSyncState("b")
	require.NoError(t, err)
	assert.True(t, minimal.Equal(&got), "got %v, want %v", got, minimal)
	assert.False(t, got.UsableForSyncing())
}

func testUIDMapping(t *testing.T, c cache.Cache) {
	uids, err := c.UIDMapping("a")
	require.NoError(t, err)
	assert.Empty(t, uids)

	// server order is kept, even when it isn't sorted
	want := []imapsync.UID{6, 9, 10, 7}
	require.NoError(t, c.SetUIDMapping("a", want))
	uids, err = c.UIDMapping("a")
	require.NoError(t, err)
	assert.Equal(t, want, uids)

	require.NoError(t, c.SetUIDMapping("a", nil))
	uids, err = c.UIDMapping("a")
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func testFlags(t *testing.T, c cache.Cache) {
	flags, err := c.MsgFlags("a", 6)
	require.NoError(t, err)
	assert.Empty(t, flags)

	require.NoError(t, c.SetMsgFlags("a", 6, []imapsync.Flag{imapsync.FlagSeen, "x", imapsync.FlagSeen}))
	flags, err = c.MsgFlags("a", 6)
	require.NoError(t, err)
	assert.ElementsMatch(t, []imapsync.Flag{imapsync.FlagSeen, "x"}, flags)

	flags, err = c.MsgFlags("b", 6)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func testMetadata(t *testing.T, c cache.Cache) {
	data, err := c.MessageMetadata("a", 1)
	require.NoError(t, err)
	assert.True(t, data.IsZero())

	bs, err := imapsync.MarshalBodyStructure(&imapsync.BodyStructure{MIMEType: "text", MIMESubType: "plain", Size: 12})
	require.NoError(t, err)
	want := imapsync.MessageDataBundle{
		UID: 1,
		Envelope: imapsync.Envelope{
			Date:    time.Date(2009, time.November, 10, 23, 0, 0, 0, time.FixedZone("", -6*60*60)),
			Subject: "Hello World!",
			From:    []*mail.Address{{Name: "Gopher", Address: "gopher@example.org"}},
			To:      []*mail.Address{{Address: "nobody@example.org"}},
		},
		SerializedBodyStructure: bs,
		Size:                    89,
	}
	require.NoError(t, c.SetMessageMetadata("a", 1, want))
	data, err = c.MessageMetadata("a", 1)
	require.NoError(t, err)
	assert.True(t, want.Equal(&data), "got %+v, want %+v", data, want)
}

func testParts(t *testing.T, c cache.Cache) {
	data, err := c.MessagePart("a", 1, "1")
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, c.SetMsgPart("a", 1, "1", []byte("hello\x00\r\nworld")))
	require.NoError(t, c.SetMsgPart("a", 1, "2.1", []byte("other")))
	data, err = c.MessagePart("a", 1, "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\x00\r\nworld"), data)
	data, err = c.MessagePart("a", 1, "2.1")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), data)
}

func testChildMailboxes(t *testing.T, c cache.Cache) {
	children, err := c.ChildMailboxes("")
	require.NoError(t, err)
	assert.Empty(t, children)

	want := []imapsync.MailboxMetadata{
		{Name: "INBOX", Delimiter: "/", Attributes: []string{imapsync.HasNoChildrenAttr}},
		{Name: "Archive", Delimiter: "/", Attributes: []string{imapsync.HasChildrenAttr}},
	}
	require.NoError(t, c.SetChildMailboxes("", want))
	children, err = c.ChildMailboxes("")
	require.NoError(t, err)
	assert.Equal(t, want, children)
}

func populate(t *testing.T, c cache.Cache, mailbox string, uids ...imapsync.UID) {
	require.NoError(t, c.SetUIDMapping(mailbox, uids))
	for _, uid := range uids {
		require.NoError(t, c.SetMsgFlags(mailbox, uid, []imapsync.Flag{imapsync.FlagSeen}))
		require.NoError(t, c.SetMessageMetadata(mailbox, uid, imapsync.MessageDataBundle{UID: uid, Size: 1}))
		require.NoError(t, c.SetMsgPart(mailbox, uid, "1", []byte("body")))
	}
}

func assertMessageCleared(t *testing.T, c cache.Cache, mailbox string, uid imapsync.UID) {
	t.Helper()
	flags, err := c.MsgFlags(mailbox, uid)
	require.NoError(t, err)
	assert.Empty(t, flags)
	data, err := c.MessageMetadata(mailbox, uid)
	require.NoError(t, err)
	assert.True(t, data.IsZero())
	part, err := c.MessagePart(mailbox, uid, "1")
	require.NoError(t, err)
	assert.Empty(t, part)
}

func testClearAll(t *testing.T, c cache.Cache) {
	var s imapsync.SyncState
	s.SetUIDValidity(666)
	require.NoError(t, c.SetMailboxSyncState("a", s))
	populate(t, c, "a", 1, 3, 6)
	populate(t, c, "b", 1)

	require.NoError(t, c.ClearAllMessages("a"))
	for _, uid := range []imapsync.UID{1, 3, 6} {
		assertMessageCleared(t, c, "a", uid)
	}
	uids, err := c.UIDMapping("a")
	require.NoError(t, err)
	assert.Empty(t, uids)

	got, err := c.MailboxSyncState("a")
	require.NoError(t, err)
	assert.True(t, s.Equal(&got), "the sync state survives")

	flags, err := c.MsgFlags("b", 1)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen}, flags, "other mailboxes are untouched")
}

func testClearMessage(t *testing.T, c cache.Cache) {
	populate(t, c, "a", 1, 2)
	require.NoError(t, c.ClearMessage("a", 1))
	assertMessageCleared(t, c, "a", 1)

	data, err := c.MessageMetadata("a", 2)
	require.NoError(t, err)
	assert.False(t, data.IsZero())
}

func testCommitSync(t *testing.T, c cache.Cache) {
	require.NoError(t, c.SetMsgFlags("a", 9, []imapsync.Flag{"old"}))

	var s imapsync.SyncState
	s.SetExists(3)
	s.SetUIDNext(15)
	s.SetUIDValidity(666)
	update := &cache.SyncUpdate{
		State: s,
		UIDs:  []imapsync.UID{6, 9, 10},
		Flags: map[imapsync.UID][]imapsync.Flag{
			6:  {imapsync.FlagSeen},
			10: {},
		},
	}
	require.NoError(t, c.CommitSync("a", update))

	got, err := c.MailboxSyncState("a")
	require.NoError(t, err)
	assert.True(t, s.Equal(&got))
	uids, err := c.UIDMapping("a")
	require.NoError(t, err)
	assert.Equal(t, []imapsync.UID{6, 9, 10}, uids)

	flags, err := c.MsgFlags("a", 6)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen}, flags)
	flags, err = c.MsgFlags("a", 9)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{"old"}, flags, "flags missing from the update are kept")
	flags, err = c.MsgFlags("a", 10)
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func testCommitSyncVanished(t *testing.T, c cache.Cache) {
	require.NoError(t, c.SetUIDMapping("a", []imapsync.UID{6, 9}))
	require.NoError(t, c.SetMsgFlags("a", 6, []imapsync.Flag{imapsync.FlagSeen}))
	require.NoError(t, c.SetMsgFlags("a", 9, []imapsync.Flag{imapsync.FlagSeen}))
	require.NoError(t, c.SetMsgPart("a", 6, "1", []byte("hello")))
	require.NoError(t, c.SetMsgFlags("b", 6, []imapsync.Flag{imapsync.FlagSeen}))

	var s imapsync.SyncState
	s.SetExists(1)
	update := &cache.SyncUpdate{
		State:    s,
		UIDs:     []imapsync.UID{9},
		Vanished: []imapsync.UID{6},
	}
	require.NoError(t, c.CommitSync("a", update))

	flags, err := c.MsgFlags("a", 6)
	require.NoError(t, err)
	assert.Empty(t, flags)
	part, err := c.MessagePart("a", 6, "1")
	require.NoError(t, err)
	assert.Nil(t, part)

	flags, err = c.MsgFlags("a", 9)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen}, flags)
	flags, err = c.MsgFlags("b", 6)
	require.NoError(t, err)
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen}, flags, "other mailboxes are untouched")
}
