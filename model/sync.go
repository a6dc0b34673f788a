package model

import (
	"fmt"
	"slices"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/cache"
	"github.com/emersion/go-imapsync/internal/imapnum"
	"github.com/emersion/go-imapsync/internal/imapwire"
)

type syncPhase int

const (
	syncSelect syncPhase = iota
	syncSearchNew
	syncSearchAll
	syncFetchFlags
)

// obtainSynchronizedMailboxTask selects a mailbox and reconciles the cached
// UID map and flags with the server.
//
// The cache is trusted as long as UIDVALIDITY didn't change. New messages
// are then found with a UID SEARCH starting at the cached UIDNEXT, and
// flags are always fetched for the whole mailbox. Anything unexpected falls
// back to a full UID SEARCH ALL.
type obtainSynchronizedMailboxTask struct {
	baseTask
	mailbox string
	phase   syncPhase

	oldState imapsync.SyncState
	oldUIDs  []imapsync.UID
	newState imapsync.SyncState

	search []uint32
	uids   []imapsync.UID
	flags  map[imapsync.UID][]imapsync.Flag
}

func newObtainSynchronizedMailboxTask(m *Model, k *keepMailboxOpenTask) *obtainSynchronizedMailboxTask {
	t := &obtainSynchronizedMailboxTask{mailbox: k.mailbox}
	t.init(m, t, "sync-mailbox")
	t.logger = t.logger.With().Str("mailbox", k.mailbox).Logger()
	t.keep = k
	return t
}

func (t *obtainSynchronizedMailboxTask) perform() {
	var err error
	t.oldState, err = t.m.cache.MailboxSyncState(t.mailbox)
	if err != nil {
		t.fail(fmt.Errorf("reading cached sync state: %w", err))
		return
	}
	t.oldUIDs, err = t.m.cache.UIDMapping(t.mailbox)
	if err != nil {
		t.fail(fmt.Errorf("reading cached UID map: %w", err))
		return
	}
	if id, ok := t.m.tree.MessageList(t.mailbox); ok {
		t.beginLoad(id)
	}

	t.phase = syncSelect
	enc := t.command("SELECT")
	enc.SP().Mailbox(t.mailbox)
	t.send("SELECT", enc)
}

func (t *obtainSynchronizedMailboxTask) handleUntagged(resp imapwire.Response) bool {
	switch t.phase {
	case syncSelect:
		return t.handleSelectData(resp)
	case syncSearchNew, syncSearchAll:
		if search, ok := resp.(*imapwire.SearchResponse); ok {
			t.search = append(t.search, search.Nums...)
			return true
		}
	case syncFetchFlags:
		fetch, ok := resp.(*imapwire.FetchResponse)
		if !ok || !fetch.HasFlags || fetch.SeqNum == 0 || int(fetch.SeqNum) > len(t.uids) {
			return false
		}
		uid := t.uids[fetch.SeqNum-1]
		if fetch.UID != 0 && fetch.UID != uid {
			t.logger.Warn().
				Uint32("seq", fetch.SeqNum).
				Uint32("uid", uint32(fetch.UID)).
				Uint32("expected", uint32(uid)).
				Msg("FETCH returned unexpected UID")
			t.keep.dirty = true
			return true
		}
		t.flags[uid] = fetch.Flags
		return true
	}
	return false
}

func (t *obtainSynchronizedMailboxTask) handleSelectData(resp imapwire.Response) bool {
	state := &t.newState
	switch resp := resp.(type) {
	case *imapwire.NumberResponse:
		switch resp.Kind {
		case imapwire.NumberExists:
			state.SetExists(resp.Number)
		case imapwire.NumberRecent:
			state.SetRecent(resp.Number)
		}
		return true
	case *imapwire.FlagsResponse:
		state.SetFlags(resp.Flags)
		return true
	case *imapwire.StatusResponse:
		if resp.Type != imapwire.StatusOK {
			t.logger.Debug().Str("type", string(resp.Type)).Str("text", resp.Text).Msg("Ignoring status during SELECT")
			return resp.Type != imapwire.StatusBYE
		}
		if resp.Code == nil {
			return true
		}
		switch resp.Code.Name {
		case imapwire.CodeUIDValidity:
			state.SetUIDValidity(uint32(resp.Code.Number))
		case imapwire.CodeUIDNext:
			state.SetUIDNext(uint32(resp.Code.Number))
		case imapwire.CodeUnseen:
			state.SetUnSeenOffset(uint32(resp.Code.Number))
		case imapwire.CodePermanentFlags:
			state.SetPermanentFlags(resp.Code.Flags)
		case imapwire.CodeHighestModSeq:
			state.SetHighestModSeq(resp.Code.Number)
		}
		return true
	}
	return false
}

func (t *obtainSynchronizedMailboxTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		name := "UID SEARCH"
		switch t.phase {
		case syncSelect:
			name = "SELECT"
			// a failed SELECT leaves the connection without a mailbox
			t.conn.selected = ""
			t.conn.setState(ConnAuthenticated)
		case syncFetchFlags:
			name = "FETCH"
		}
		t.fail(newCommandError(name, resp))
		return
	}

	switch t.phase {
	case syncSelect:
		t.conn.selected = t.mailbox
		t.conn.setState(ConnSelected)
		t.selected()
	case syncSearchNew:
		t.searchedNew()
	case syncSearchAll:
		t.searchedAll()
	case syncFetchFlags:
		t.finish()
	}
}

func (t *obtainSynchronizedMailboxTask) anomaly(msg string) {
	t.m.metrics.anomalies.Inc()
	t.logger.Warn().
		Stringer("cached", t.oldState).
		Stringer("server", t.newState).
		Int("cachedUIDs", len(t.oldUIDs)).
		Msg(msg)
}

// selected picks a synchronization strategy once SELECT completed.
func (t *obtainSynchronizedMailboxTask) selected() {
	old, cur := &t.oldState, &t.newState

	if !old.Has(imapsync.FieldUIDValidity) || !cur.Has(imapsync.FieldUIDValidity) || old.UIDValidity() != cur.UIDValidity() {
		if old.Has(imapsync.FieldUIDValidity) {
			t.logger.Debug().
				Uint32("cached", old.UIDValidity()).
				Uint32("server", cur.UIDValidity()).
				Msg("UIDVALIDITY changed, discarding cached messages")
		}
		if err := t.m.cache.ClearAllMessages(t.mailbox); err != nil {
			t.fail(fmt.Errorf("clearing cached messages: %w", err))
			return
		}
		if err := t.m.tree.ClearMessages(t.mailbox); err == nil {
			if id, ok := t.m.tree.MessageList(t.mailbox); ok && !t.hasLoading {
				t.beginLoad(id)
			} else if ok {
				t.m.emit(TreeChanged{Node: id})
			}
		}
		t.oldUIDs = nil
		t.fullSync()
		return
	}

	if !old.UsableForSyncing() || !cur.UsableForSyncing() {
		t.fullSync()
		return
	}

	exists := cur.Exists()
	switch {
	case int(exists) < len(t.oldUIDs):
		t.anomaly("Mailbox shrank while we were away, resynchronizing")
		t.fullSync()
	case exists == 0:
		t.uids = nil
		t.finish()
	case int(exists) > len(t.oldUIDs):
		t.uids = slices.Clone(t.oldUIDs)
		t.searchNew(old.UIDNext())
	case cur.UIDNext() > old.UIDNext():
		// messages arrived and others were expunged
		t.fullSync()
	default:
		t.uids = slices.Clone(t.oldUIDs)
		t.fetchFlags()
	}
}

func (t *obtainSynchronizedMailboxTask) searchNew(from uint32) {
	t.phase = syncSearchNew
	t.search = nil
	enc := t.command("UID")
	enc.SP().Atom("SEARCH").SP().Atom("UID").SP().NumSet(imapnum.RangeSet(max(from, 1), 0))
	t.send("UID SEARCH", enc)
}

func (t *obtainSynchronizedMailboxTask) searchedNew() {
	known := make(map[imapsync.UID]bool, len(t.uids))
	for _, uid := range t.uids {
		known[uid] = true
	}
	// "n:*" always matches the highest UID, even below n
	for _, num := range t.search {
		uid := imapsync.UID(num)
		if num < t.oldState.UIDNext() || known[uid] {
			continue
		}
		known[uid] = true
		t.uids = append(t.uids, uid)
	}

	if len(t.uids) != int(t.newState.Exists()) {
		t.anomaly("UID SEARCH didn't return the expected number of new messages")
		t.fullSync()
		return
	}
	t.fetchFlags()
}

func (t *obtainSynchronizedMailboxTask) fullSync() {
	if t.newState.Has(imapsync.FieldExists) && t.newState.Exists() == 0 {
		t.uids = nil
		t.finish()
		return
	}

	t.phase = syncSearchAll
	t.search = nil
	t.uids = nil
	enc := t.command("UID")
	enc.SP().Atom("SEARCH").SP().Atom("ALL")
	t.send("UID SEARCH", enc)
}

func (t *obtainSynchronizedMailboxTask) searchedAll() {
	t.uids = make([]imapsync.UID, len(t.search))
	for i, num := range t.search {
		t.uids[i] = imapsync.UID(num)
	}

	n := uint32(len(t.uids))
	if !t.newState.Has(imapsync.FieldExists) {
		t.newState.SetExists(n)
	} else if t.newState.Exists() != n {
		t.anomaly("UID SEARCH ALL doesn't match EXISTS")
		t.newState.SetExists(n)
	}

	if n == 0 {
		t.finish()
		return
	}
	t.fetchFlags()
}

func (t *obtainSynchronizedMailboxTask) fetchFlags() {
	t.phase = syncFetchFlags
	t.flags = make(map[imapsync.UID][]imapsync.Flag, len(t.uids))
	enc := t.command("FETCH")
	enc.SP().NumSet(imapnum.RangeSet(1, uint32(len(t.uids)))).SP().AtomList("FLAGS")
	t.send("FETCH", enc)
}

// vanished returns the cached UIDs which the server no longer has.
func (t *obtainSynchronizedMailboxTask) vanished() []imapsync.UID {
	current := make(map[imapsync.UID]bool, len(t.uids))
	for _, uid := range t.uids {
		current[uid] = true
	}
	var gone []imapsync.UID
	for _, uid := range t.oldUIDs {
		if !current[uid] {
			gone = append(gone, uid)
		}
	}
	return gone
}

// finish stores the outcome of the synchronization and publishes it.
func (t *obtainSynchronizedMailboxTask) finish() {
	state := &t.newState
	if state.Has(imapsync.FieldUIDNext) {
		next := state.UIDNext()
		for _, uid := range t.uids {
			next = max(next, uint32(uid)+1)
		}
		state.SetUIDNext(next)
	}

	update := &cache.SyncUpdate{State: t.newState, UIDs: t.uids, Flags: t.flags, Vanished: t.vanished()}
	if err := t.m.cache.CommitSync(t.mailbox, update); err != nil {
		t.fail(fmt.Errorf("storing synchronization of %q: %w", t.mailbox, err))
		return
	}

	if err := t.m.tree.SetMessages(t.mailbox, t.uids, t.flags); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to update tree")
	}
	t.endLoad(true)
	t.logger.Debug().Stringer("state", t.newState).Int("messages", len(t.uids)).Msg("Mailbox synchronized")
	t.complete()
}
