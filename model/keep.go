package model

import (
	"slices"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/internal/imapnum"
	"github.com/emersion/go-imapsync/internal/imapwire"
)

// keepMailboxOpenTask maintains a selected mailbox on a connection. Tasks
// about messages of the mailbox are queued on it and run one at a time.
// Untagged responses nobody else wants are applied to the cache and the
// tree while the mailbox is open.
//
// The task completes, releasing the connection, when another mailbox needs
// to be selected and nothing is queued.
type keepMailboxOpenTask struct {
	baseTask
	mailbox string

	requests    []task
	pendingSync *obtainSynchronizedMailboxTask
	synced      bool
	// dirty is set when live updates were missed during a synchronization
	dirty bool

	syncState imapsync.SyncState
	// uids is indexed by sequence number minus one. Zero stands for a
	// message whose UID hasn't been fetched yet.
	uids []imapsync.UID
}

func newKeepMailboxOpenTask(m *Model, mailbox string) *keepMailboxOpenTask {
	t := &keepMailboxOpenTask{mailbox: mailbox}
	t.init(m, t, "keep-mailbox-open")
	t.logger = t.logger.With().Str("mailbox", mailbox).Logger()
	return t
}

func (k *keepMailboxOpenTask) perform() {
	k.dispatch()
}

func (k *keepMailboxOpenTask) handleStatus(resp *imapwire.StatusResponse) {}

// enqueue queues a task on the mailbox. Connection waiters which need to
// select another mailbox wait for the keep task to give up its connection.
func (k *keepMailboxOpenTask) enqueue(t task) {
	if k.state.finished() {
		if isConnectionWaiter(t) {
			k.m.later(t.perform)
		} else {
			k.m.keepFor(k.mailbox).enqueue(t)
		}
		return
	}
	if g, ok := t.(*getAnyConnectionTask); ok && g.selects {
		k.addDependent(g)
	} else {
		t.base().keep = k
		k.requests = append(k.requests, t)
	}
	k.m.later(k.dispatch)
}

// resync queues a synchronization ahead of the other queued tasks.
func (k *keepMailboxOpenTask) resync() {
	if k.pendingSync != nil && k.pendingSync.state == TaskNotActive {
		return
	}
	s := newObtainSynchronizedMailboxTask(k.m, k)
	k.pendingSync = s
	k.dirty = false
	k.requests = append([]task{s}, k.requests...)
	k.m.later(k.dispatch)
}

// waitSynced completes the request once the mailbox is synchronized.
func (k *keepMailboxOpenTask) waitSynced(req *Request) {
	if k.pendingSync != nil {
		k.pendingSync.addRequest(req)
		return
	}
	req.complete(k.err)
}

func (k *keepMailboxOpenTask) dispatch() {
	if k.state != TaskActive || k.conn.active != nil {
		return
	}
	for len(k.requests) > 0 {
		t := k.requests[0]
		k.requests = k.requests[1:]
		if t.base().state != TaskNotActive {
			continue
		}
		k.m.bind(k.conn, t)
		return
	}
	if len(k.dependents) > 0 && k.synced && !k.dirty {
		k.logger.Debug().Msg("Releasing connection")
		k.release()
		k.complete()
	}
}

// release forgets the keep task, so that the mailbox gets a new one the next
// time it is needed.
func (k *keepMailboxOpenTask) release() {
	if k.m.keeps[k.mailbox] == k {
		delete(k.m.keeps, k.mailbox)
	}
}

func (k *keepMailboxOpenTask) abort(err error) {
	if k.state.finished() {
		return
	}
	k.release()
	for _, t := range k.requests {
		k.addDependent(t)
	}
	k.requests = nil
	k.pendingSync = nil
	k.m.finishTask(k, TaskAborted, err)
}

func (k *keepMailboxOpenTask) childFinished(t task) {
	if k.state.finished() {
		return
	}
	if s, ok := t.(*obtainSynchronizedMailboxTask); ok && s == k.pendingSync {
		k.pendingSync = nil
		if s.state != TaskCompleted {
			k.abort(cascade(s.err))
			return
		}
		k.synced = true
		k.syncState = s.newState
		k.uids = s.uids
		if k.dirty {
			k.logger.Debug().Msg("Updates were missed during synchronization")
			k.resync()
		}
	}
	k.m.later(k.dispatch)
}

// live reports whether untagged responses can be applied to the local
// state.
func (k *keepMailboxOpenTask) live() bool {
	return k.synced && k.pendingSync == nil
}

func (k *keepMailboxOpenTask) handleUntagged(resp imapwire.Response) bool {
	switch resp.(type) {
	case *imapwire.NumberResponse, *imapwire.FetchResponse, *imapwire.FlagsResponse:
	default:
		return false
	}
	if !k.live() {
		// a queued synchronization selects the mailbox again
		if k.pendingSync == nil || k.pendingSync.state != TaskNotActive {
			k.dirty = true
		}
		return true
	}

	switch resp := resp.(type) {
	case *imapwire.NumberResponse:
		switch resp.Kind {
		case imapwire.NumberExists:
			k.handleExists(resp.Number)
		case imapwire.NumberExpunge:
			k.handleExpunge(resp.Number)
		case imapwire.NumberRecent:
			k.syncState.SetRecent(resp.Number)
			k.persist()
		}
	case *imapwire.FlagsResponse:
		k.syncState.SetFlags(resp.Flags)
		k.persist()
	case *imapwire.FetchResponse:
		if resp.HasFlags {
			if uid := k.uidAt(resp.SeqNum); uid != 0 {
				k.applyFlags(uid, resp.Flags)
			} else if resp.UID != 0 {
				k.applyFlags(resp.UID, resp.Flags)
			}
		}
	}
	return true
}

func (k *keepMailboxOpenTask) uidAt(seqNum uint32) imapsync.UID {
	if seqNum == 0 || int(seqNum) > len(k.uids) {
		return 0
	}
	return k.uids[seqNum-1]
}

func (k *keepMailboxOpenTask) anomaly(msg string) {
	k.m.metrics.anomalies.Inc()
	k.logger.Warn().Msg(msg)
	k.resync()
}

func (k *keepMailboxOpenTask) handleExists(exists uint32) {
	n := uint32(len(k.uids))
	switch {
	case exists < n:
		k.anomaly("Message count decreased without EXPUNGE")
	case exists > n:
		for i := n; i < exists; i++ {
			k.uids = append(k.uids, 0)
		}
		k.syncState.SetExists(exists)
		k.enqueue(newFetchArrivalsTask(k.m, k, n+1, exists))
	}
}

func (k *keepMailboxOpenTask) handleExpunge(seqNum uint32) {
	if seqNum == 0 || int(seqNum) > len(k.uids) {
		k.anomaly("EXPUNGE for unknown sequence number")
		return
	}
	uid := k.uids[seqNum-1]
	k.uids = slices.Delete(k.uids, int(seqNum-1), int(seqNum))
	if k.syncState.Has(imapsync.FieldExists) && k.syncState.Exists() > 0 {
		k.syncState.SetExists(k.syncState.Exists() - 1)
	}
	if uid == 0 {
		// an arrival we hadn't fetched yet, sequence numbers of pending
		// fetches are now off
		k.anomaly("Message expunged before its UID was known")
		return
	}

	if err := k.m.cache.ClearMessage(k.mailbox, uid); err != nil {
		k.logger.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Failed to clear expunged message")
	}
	if _, err := k.m.tree.RemoveMessageAt(k.mailbox, seqNum); err != nil {
		k.logger.Warn().Err(err).Msg("Failed to remove expunged message from tree")
	} else if id, ok := k.m.tree.MessageList(k.mailbox); ok {
		k.m.emit(TreeChanged{Node: id})
	}
	k.persist()
}

func (k *keepMailboxOpenTask) applyFlags(uid imapsync.UID, flags []imapsync.Flag) {
	if err := k.m.cache.SetMsgFlags(k.mailbox, uid, flags); err != nil {
		k.logger.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Failed to store flags")
	}
	if k.m.tree.SetFlags(k.mailbox, uid, flags) {
		id, _ := k.m.tree.FindMessage(k.mailbox, uid)
		k.m.emit(TreeChanged{Node: id})
	}
}

// persist stores the sync state and the UID map. Placeholders for messages
// whose UID isn't known yet are left out, so the cache only has UIDs the
// server reported.
func (k *keepMailboxOpenTask) persist() {
	uids := slices.DeleteFunc(slices.Clone(k.uids), func(uid imapsync.UID) bool { return uid == 0 })
	state := k.syncState
	if len(uids) != len(k.uids) {
		state.SetExists(uint32(len(uids)))
	}
	if err := k.m.cache.SetMailboxSyncState(k.mailbox, state); err != nil {
		k.logger.Warn().Err(err).Msg("Failed to store sync state")
	}
	if err := k.m.cache.SetUIDMapping(k.mailbox, uids); err != nil {
		k.logger.Warn().Err(err).Msg("Failed to store UID map")
	}
}

// fetchArrivalsTask fetches the UIDs and flags of messages announced by an
// untagged EXISTS while the mailbox is open.
type fetchArrivalsTask struct {
	baseTask
	k           *keepMailboxOpenTask
	first, last uint32
	flags       map[imapsync.UID][]imapsync.Flag
}

func newFetchArrivalsTask(m *Model, k *keepMailboxOpenTask, first, last uint32) *fetchArrivalsTask {
	t := &fetchArrivalsTask{k: k, first: first, last: last, flags: make(map[imapsync.UID][]imapsync.Flag)}
	t.init(m, t, "fetch-arrivals")
	return t
}

func (t *fetchArrivalsTask) perform() {
	enc := t.command("FETCH")
	enc.SP().NumSet(imapnum.RangeSet(t.first, t.last)).SP().AtomList("UID", "FLAGS")
	t.send("FETCH", enc)
}

func (t *fetchArrivalsTask) handleUntagged(resp imapwire.Response) bool {
	fetch, ok := resp.(*imapwire.FetchResponse)
	if !ok || fetch.UID == 0 || fetch.SeqNum < t.first || fetch.SeqNum > t.last {
		return false
	}
	k := t.k
	if int(fetch.SeqNum) > len(k.uids) || k.uids[fetch.SeqNum-1] != 0 {
		return false
	}
	k.uids[fetch.SeqNum-1] = fetch.UID
	if fetch.HasFlags {
		t.flags[fetch.UID] = fetch.Flags
	}
	return true
}

func (t *fetchArrivalsTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("FETCH", resp))
		return
	}
	k := t.k

	var arrived []imapsync.UID
	missing := false
	for seqNum := t.first; seqNum <= t.last && int(seqNum) <= len(k.uids); seqNum++ {
		uid := k.uids[seqNum-1]
		if uid == 0 {
			missing = true
			continue
		}
		arrived = append(arrived, uid)
		if flags, ok := t.flags[uid]; ok {
			if err := t.m.cache.SetMsgFlags(k.mailbox, uid, flags); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to store flags")
			}
		}
		if next := uint32(uid) + 1; !k.syncState.Has(imapsync.FieldUIDNext) || next > k.syncState.UIDNext() {
			k.syncState.SetUIDNext(next)
		}
	}

	if err := t.m.tree.AppendMessages(k.mailbox, arrived, t.flags); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to add messages to tree")
	} else if id, ok := t.m.tree.MessageList(k.mailbox); ok {
		t.m.emit(TreeChanged{Node: id})
	}
	k.persist()
	if missing {
		k.anomaly("Server didn't return the UID of every new message")
	}
	t.complete()
}
