package model

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
	"github.com/emersion/go-imapsync/socket/sockettest"
	"github.com/emersion/go-imapsync/tree"
)

// harness scripts a fake server. Commands are checked with expect, server
// data is injected with reply. Everything runs on the test goroutine
// through ProcessEvents.
type harness struct {
	t       *testing.T
	m       *Model
	factory *sockettest.Factory
	cache   cache.Cache
	events  []Event
	tag     int
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	h := &harness{
		t:       t,
		factory: &sockettest.Factory{},
		cache:   cache.NewMemory(),
	}
	options := &Options{
		SocketFactory: h.factory,
		Cache:         h.cache,
		Username:      "user",
		Password:      "pass",
		Registerer:    prometheus.NewRegistry(),
	}
	for _, f := range configure {
		f(options)
	}

	m, err := New(options)
	require.NoError(t, err)
	h.m = m
	m.Subscribe(func(ev Event) {
		h.events = append(h.events, ev)
	})
	m.ProcessEvents()
	t.Cleanup(func() {
		m.Close()
		m.ProcessEvents()
	})
	return h
}

func (h *harness) sock() *sockettest.Socket {
	h.t.Helper()
	s := h.factory.Last()
	require.NotNil(h.t, s, "no socket opened")
	return s
}

// mk returns a command line with the next tag.
func (h *harness) mk(cmd string) string {
	h.tag++
	return fmt.Sprintf("T%d %s", h.tag, cmd)
}

// last returns a tagged response for the last command.
func (h *harness) last(resp string) string {
	return fmt.Sprintf("T%d %s", h.tag, resp)
}

func (h *harness) expect(cmd string) {
	h.t.Helper()
	h.m.ProcessEvents()
	require.Equal(h.t, h.mk(cmd), h.sock().WrittenStuff())
}

func (h *harness) expectNothing() {
	h.t.Helper()
	h.m.ProcessEvents()
	if s := h.factory.Last(); s != nil {
		require.Empty(h.t, s.WrittenStuff())
	}
}

func (h *harness) reply(lines ...string) {
	h.sock().FakeReading(strings.Join(lines, ""))
	h.m.ProcessEvents()
}

func (h *harness) replyOK(lines ...string) {
	h.reply(append(lines, h.last("OK done\r\n"))...)
}

func (h *harness) greet() {
	h.t.Helper()
	h.m.ProcessEvents()
	h.reply("* PREAUTH [CAPABILITY IMAP4rev1] hi\r\n")
}

func (h *harness) syncState(mailbox string) imapsync.SyncState {
	h.t.Helper()
	state, err := h.cache.MailboxSyncState(mailbox)
	require.NoError(h.t, err)
	return state
}

func (h *harness) uidMap(mailbox string) []imapsync.UID {
	h.t.Helper()
	uids, err := h.cache.UIDMapping(mailbox)
	require.NoError(h.t, err)
	return uids
}

func (h *harness) flags(mailbox string, uid imapsync.UID) []imapsync.Flag {
	h.t.Helper()
	flags, err := h.cache.MsgFlags(mailbox, uid)
	require.NoError(h.t, err)
	return flags
}

func (h *harness) treeUIDs(mailbox string) []imapsync.UID {
	var uids []imapsync.UID
	for _, n := range h.m.Tree().Messages(mailbox) {
		uids = append(uids, n.UID)
	}
	return uids
}

func (h *harness) listStatus(mailbox string) tree.LoadStatus {
	h.t.Helper()
	id, ok := h.m.Tree().MessageList(mailbox)
	require.True(h.t, ok)
	n, _ := h.m.Tree().Node(id)
	return n.Status
}

func (h *harness) anomalies() float64 {
	return testutil.ToFloat64(h.m.metrics.anomalies)
}

func requireDone(t *testing.T, req *Request) error {
	t.Helper()
	select {
	case <-req.Done():
		return req.Err()
	default:
		require.FailNow(t, "request still pending")
		return nil
	}
}

func requireNotDone(t *testing.T, req *Request) {
	t.Helper()
	select {
	case <-req.Done():
		require.FailNow(t, "request completed", "err: %v", req.Err())
	default:
	}
}

// seedMailbox stores the state of a previous session.
func seedMailbox(t *testing.T, c cache.Cache, mailbox string, uidValidity, uidNext uint32, uids ...imapsync.UID) {
	t.Helper()
	var state imapsync.SyncState
	state.SetExists(uint32(len(uids)))
	state.SetRecent(0)
	state.SetUIDValidity(uidValidity)
	state.SetUIDNext(uidNext)
	flags := make(map[imapsync.UID][]imapsync.Flag)
	for _, uid := range uids {
		flags[uid] = []imapsync.Flag{imapsync.FlagSeen}
	}
	require.NoError(t, c.CommitSync(mailbox, &cache.SyncUpdate{State: state, UIDs: uids, Flags: flags}))
}

func TestNewRequiresSocketFactory(t *testing.T) {
	_, err := New(&Options{})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestSyncEmptyMinimal(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()

	h.expect("SELECT a\r\n")
	requireNotDone(t, req)
	h.replyOK("* 0 exists\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	state := h.syncState("a")
	assert.True(t, state.Has(imapsync.FieldExists))
	assert.Equal(t, imapsync.FieldExists, state.Fields())
	assert.False(t, state.UsableForSyncing())
	assert.Empty(t, h.uidMap("a"))
	assert.Equal(t, tree.Loaded, h.listStatus("a"))

	// servers may add random untagged NOs to a SELECT
	req = h.m.ResyncMailbox("a")
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 exists\r\n", "* NO a random no in inserted here\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()
	assert.Equal(t, imapsync.FieldExists, h.syncState("a").Fields())
}

func TestSyncEmptyNormal(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()

	h.expect("SELECT a\r\n")
	h.replyOK(
		"* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n",
		"* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted.\r\n",
		"* 0 EXISTS\r\n",
		"* 0 RECENT\r\n",
		"* OK [UIDVALIDITY 666] UIDs valid\r\n",
		"* OK [UIDNEXT 3] Predicted next UID\r\n",
	)
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	state := h.syncState("a")
	assert.True(t, state.UsableForSyncing())
	assert.False(t, state.UsableForNumbers(), "unseen count is never known after SELECT")
	assert.Equal(t, uint32(0), state.Exists())
	assert.Equal(t, uint32(666), state.UIDValidity())
	assert.Equal(t, uint32(3), state.UIDNext())
	assert.Equal(t, []imapsync.Flag{imapsync.FlagAnswered, imapsync.FlagFlagged, imapsync.FlagDeleted, imapsync.FlagSeen, imapsync.FlagDraft}, state.Flags())
	assert.Contains(t, state.PermanentFlags(), imapsync.FlagWildcard)
	assert.Empty(t, h.uidMap("a"))
}

func TestSyncFromCacheNoChange(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 15] .\r\n")

	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS (x))\r\n", "* 2 FETCH (FLAGS (y))\r\n", "* 3 FETCH (FLAGS (z))\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	assert.Equal(t, []imapsync.UID{6, 9, 10}, h.uidMap("a"))
	assert.Equal(t, []imapsync.Flag{"x"}, h.flags("a", 6))
	assert.Equal(t, []imapsync.Flag{"y"}, h.flags("a", 9))
	assert.Equal(t, []imapsync.Flag{"z"}, h.flags("a", 10))
	assert.Equal(t, uint32(15), h.syncState("a").UIDNext())
	assert.Equal(t, []imapsync.UID{6, 9, 10}, h.treeUIDs("a"))
	assert.Equal(t, float64(0), h.anomalies())

	// a resync on the open connection takes the same path
	req = h.m.ResyncMailbox("a")
	h.expect("SELECT a\r\n")
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 15] .\r\n")
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS (x))\r\n", "* 2 FETCH (FLAGS (y))\r\n", "* 3 FETCH (FLAGS (\\Seen z))\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen, "z"}, h.flags("a", 10))
}

func TestSyncIdempotent(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	selectData := []string{
		"* FLAGS (\\Seen \\Deleted)\r\n",
		"* 3 EXISTS\r\n",
		"* 0 RECENT\r\n",
		"* OK [UIDVALIDITY 666] .\r\n",
		"* OK [UIDNEXT 15] .\r\n",
	}
	flagsData := []string{
		"* 1 FETCH (FLAGS (\\Seen))\r\n",
		"* 2 FETCH (FLAGS ())\r\n",
		"* 3 FETCH (FLAGS (\\Deleted))\r\n",
	}

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK(selectData...)
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK(flagsData...)
	require.NoError(t, requireDone(t, req))

	state := h.syncState("a")
	uids := h.uidMap("a")
	flags := make(map[imapsync.UID][]imapsync.Flag)
	for _, uid := range uids {
		flags[uid] = h.flags("a", uid)
	}

	req = h.m.ResyncMailbox("a")
	h.expect("SELECT a\r\n")
	h.replyOK(selectData...)
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK(flagsData...)
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	again := h.syncState("a")
	assert.True(t, state.Equal(&again), "got %v, want %v", again, state)
	assert.Equal(t, uids, h.uidMap("a"))
	for _, uid := range uids {
		assert.Equal(t, flags[uid], h.flags("a", uid), "flags of UID %v", uid)
	}
	assert.Equal(t, float64(0), h.anomalies())
}

func TestSyncUIDValidityChange(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 333, 15, 1, 3, 6)
	for _, uid := range []imapsync.UID{1, 3, 6} {
		require.NoError(t, h.cache.SetMessageMetadata("a", uid, imapsync.MessageDataBundle{UID: uid, Size: 10}))
		require.NoError(t, h.cache.SetMsgPart("a", uid, "1", []byte("body")))
	}

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 15] .\r\n")

	// everything is gone before the next command
	for _, uid := range []imapsync.UID{1, 3, 6} {
		assert.Empty(t, h.flags("a", uid))
		data, err := h.cache.MessageMetadata("a", uid)
		require.NoError(t, err)
		assert.True(t, data.IsZero())
		part, err := h.cache.MessagePart("a", uid, "1")
		require.NoError(t, err)
		assert.Nil(t, part)
	}
	assert.Empty(t, h.uidMap("a"))

	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 6 9 10\r\n")
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS (x))\r\n", "* 2 FETCH (FLAGS (y))\r\n", "* 3 FETCH (FLAGS (z))\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	state := h.syncState("a")
	assert.Equal(t, uint32(666), state.UIDValidity())
	assert.Equal(t, uint32(15), state.UIDNext())
	assert.Equal(t, []imapsync.UID{6, 9, 10}, h.uidMap("a"))
	assert.Equal(t, []imapsync.Flag{"x"}, h.flags("a", 6))
	assert.Equal(t, []imapsync.UID{6, 9, 10}, h.treeUIDs("a"))
}

func TestSyncMissingUIDValidity(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDNEXT 15] .\r\n")

	assert.Empty(t, h.flags("a", 6))
	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 6 9 10\r\n")
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS ())\r\n", "* 2 FETCH (FLAGS ())\r\n", "* 3 FETCH (FLAGS ())\r\n")
	require.NoError(t, requireDone(t, req))
	assert.False(t, h.syncState("a").Has(imapsync.FieldUIDValidity))
}

func TestSyncArrival(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 4 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 16] .\r\n")

	h.expect("UID SEARCH UID 15:*\r\n")
	h.replyOK("* SEARCH 42\r\n")
	h.expect("FETCH 1:4 (FLAGS)\r\n")
	h.replyOK(
		"* 1 FETCH (FLAGS (x))\r\n",
		"* 2 FETCH (FLAGS (y))\r\n",
		"* 3 FETCH (FLAGS (z))\r\n",
		"* 4 FETCH (FLAGS (\\Recent))\r\n",
	)
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	assert.Equal(t, []imapsync.UID{6, 9, 10, 42}, h.uidMap("a"))
	assert.Equal(t, []imapsync.Flag{imapsync.FlagRecent}, h.flags("a", 42))
	state := h.syncState("a")
	assert.Equal(t, uint32(4), state.Exists())
	assert.Equal(t, uint32(43), state.UIDNext())
	assert.Equal(t, []imapsync.UID{6, 9, 10, 42}, h.treeUIDs("a"))
}

func TestSyncArrivalSearchIgnoresKnownUIDs(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 4 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 16] .\r\n")

	// "15:*" matches the highest UID even when it is below 15
	h.expect("UID SEARCH UID 15:*\r\n")
	h.replyOK("* SEARCH 10\r\n")

	h.expect("UID SEARCH ALL\r\n")
	assert.Equal(t, float64(1), h.anomalies())
	h.replyOK("* SEARCH 6 9 10 15\r\n")
	h.expect("FETCH 1:4 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS ())\r\n", "* 2 FETCH (FLAGS ())\r\n", "* 3 FETCH (FLAGS ())\r\n", "* 4 FETCH (FLAGS ())\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []imapsync.UID{6, 9, 10, 15}, h.uidMap("a"))
	assert.Equal(t, uint32(16), h.syncState("a").UIDNext())
}

func TestSyncDecreasedExists(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 2 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 15] .\r\n")

	h.expect("UID SEARCH ALL\r\n")
	assert.Equal(t, float64(1), h.anomalies())
	h.replyOK("* SEARCH 9 10\r\n")
	h.expect("FETCH 1:2 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS (y))\r\n", "* 2 FETCH (FLAGS (z))\r\n")
	require.NoError(t, requireDone(t, req))

	assert.Equal(t, []imapsync.UID{9, 10}, h.uidMap("a"))
	assert.Equal(t, uint32(2), h.syncState("a").Exists())
	assert.Equal(t, []imapsync.UID{9, 10}, h.treeUIDs("a"))
	assert.Empty(t, h.flags("a", 6), "flags of expunged messages are dropped")
}

func TestSyncMailboxEmptied(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)
	require.NoError(t, h.cache.SetMsgPart("a", 9, "1", []byte("body")))

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 15] .\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()

	assert.Equal(t, float64(1), h.anomalies())
	assert.Empty(t, h.uidMap("a"))
	assert.Equal(t, uint32(0), h.syncState("a").Exists())
	assert.Empty(t, h.treeUIDs("a"))
	for _, uid := range []imapsync.UID{6, 9, 10} {
		assert.Empty(t, h.flags("a", uid))
	}
	part, err := h.cache.MessagePart("a", 9, "1")
	require.NoError(t, err)
	assert.Nil(t, part)
}

func TestSyncArrivalAndExpunge(t *testing.T) {
	h := newHarness(t)
	seedMailbox(t, h.cache, "a", 666, 15, 6, 9, 10)

	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	// same count, but UIDNEXT moved: one message arrived and one was
	// expunged
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDVALIDITY 666] .\r\n", "* OK [UIDNEXT 16] .\r\n")

	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 6 10 15\r\n")
	h.expect("FETCH 1:3 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS ())\r\n", "* 2 FETCH (FLAGS ())\r\n", "* 3 FETCH (FLAGS ())\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []imapsync.UID{6, 10, 15}, h.uidMap("a"))
	assert.Equal(t, float64(0), h.anomalies())
}

func TestSyncSearchCountMismatch(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 3 EXISTS\r\n", "* OK [UIDVALIDITY 1] .\r\n", "* OK [UIDNEXT 5] .\r\n")

	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 1 2\r\n")
	assert.Equal(t, float64(1), h.anomalies())
	h.expect("FETCH 1:2 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS ())\r\n", "* 2 FETCH (FLAGS ())\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, uint32(2), h.syncState("a").Exists())
}

func TestSyncWithoutExists(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* OK [UIDVALIDITY 1] .\r\n")

	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 4\r\n")
	h.expect("FETCH 1 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS (\\Seen))\r\n")
	require.NoError(t, requireDone(t, req))

	state := h.syncState("a")
	assert.Equal(t, uint32(1), state.Exists())
	assert.False(t, state.Has(imapsync.FieldUIDNext), "absent fields stay absent")
}

func TestSelectFailure(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.reply(h.last("NO [NONEXISTENT] no such mailbox\r\n"))

	err := requireDone(t, req)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "SELECT", cmdErr.Command)
	assert.Equal(t, "no such mailbox", cmdErr.Text)
	assert.Equal(t, tree.Unavailable, h.listStatus("a"))
	assert.Empty(t, h.m.keeps)

	var errorEvents int
	for _, ev := range h.events {
		if _, ok := ev.(ErrorEvent); ok {
			errorEvents++
		}
	}
	assert.NotZero(t, errorEvents)

	// the connection is still usable
	req = h.m.OpenMailbox("b")
	h.expect("SELECT b\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Len(t, h.factory.Sockets(), 1)
}

func TestDecodeErrorKeepsConnection(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.reply("* FLAGS \\Seen\r\n")
	requireNotDone(t, req)
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
}

func TestMailboxNamesAreEncoded(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("Entwürfe")
	h.greet()
	h.expect("SELECT Entw&APw-rfe\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))

	req = h.m.OpenMailbox("inbox")
	h.expect("SELECT INBOX\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
	_, ok := h.m.Tree().FindMailbox("INBOX")
	assert.True(t, ok)
}

func itoa(v int) string {
	return fmt.Sprint(v)
}
