package model

import (
	"fmt"
	"slices"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/internal/imapwire"
)

// fetchUID returns the UID a FETCH response is about, using the sequence
// number mapping of the open mailbox when the server omitted the UID.
func (b *baseTask) fetchUID(resp *imapwire.FetchResponse) imapsync.UID {
	if resp.UID != 0 {
		return resp.UID
	}
	if b.keep != nil && b.keep.live() {
		return b.keep.uidAt(resp.SeqNum)
	}
	return 0
}

// applyMetadata adds the parts of a message to the tree.
func (m *Model) applyMetadata(mailbox string, data *imapsync.MessageDataBundle) error {
	bs, err := data.BodyStructure()
	if err != nil {
		return err
	}
	if err := m.tree.SetParts(mailbox, data.UID, bs); err != nil {
		return err
	}
	id, _ := m.tree.FindMessage(mailbox, data.UID)
	m.emit(TreeChanged{Node: id})
	return nil
}

// fetchMsgMetadataTask fetches the envelope, body structure and size of a
// message.
type fetchMsgMetadataTask struct {
	baseTask
	mailbox string
	uid     imapsync.UID

	received bool
	data     imapsync.MessageDataBundle
	bs       *imapsync.BodyStructure
}

func newFetchMsgMetadataTask(m *Model, mailbox string, uid imapsync.UID) *fetchMsgMetadataTask {
	t := &fetchMsgMetadataTask{mailbox: mailbox, uid: uid}
	t.init(m, t, "fetch-metadata")
	return t
}

func (t *fetchMsgMetadataTask) perform() {
	if id, ok := t.m.tree.FindMessage(t.mailbox, t.uid); ok {
		t.beginLoad(id)
	}
	enc := t.command("UID")
	enc.SP().Atom("FETCH").SP().UID(t.uid).SP().AtomList("ENVELOPE", "BODYSTRUCTURE", "RFC822.SIZE")
	t.send("UID FETCH", enc)
}

func (t *fetchMsgMetadataTask) handleUntagged(resp imapwire.Response) bool {
	fetch, ok := resp.(*imapwire.FetchResponse)
	if !ok || t.fetchUID(fetch) != t.uid {
		return false
	}
	if fetch.Envelope == nil && fetch.BodyStructure == nil && !fetch.HasSize {
		return false
	}

	t.received = true
	t.data.UID = t.uid
	if fetch.Envelope != nil {
		t.data.Envelope = *fetch.Envelope
	}
	if fetch.HasSize {
		t.data.Size = fetch.Size
	}
	if fetch.BodyStructure != nil {
		t.bs = fetch.BodyStructure
	}
	if fetch.HasFlags && t.keep != nil && t.keep.live() {
		t.keep.applyFlags(t.uid, fetch.Flags)
	}
	return true
}

func (t *fetchMsgMetadataTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("UID FETCH", resp))
		return
	}
	if !t.received {
		t.fail(fmt.Errorf("imapsync: no metadata returned for UID %v in %q", t.uid, t.mailbox))
		return
	}

	if t.bs != nil {
		b, err := imapsync.MarshalBodyStructure(t.bs)
		if err != nil {
			t.fail(err)
			return
		}
		t.data.SerializedBodyStructure = b
	}
	if err := t.m.cache.SetMessageMetadata(t.mailbox, t.uid, t.data); err != nil {
		t.logger.Warn().Err(err).Uint32("uid", uint32(t.uid)).Msg("Failed to store metadata")
	}

	t.hasLoading = false
	if err := t.m.tree.SetParts(t.mailbox, t.uid, t.bs); err != nil {
		t.logger.Debug().Err(err).Msg("Message not in tree")
	} else if id, ok := t.m.tree.FindMessage(t.mailbox, t.uid); ok {
		t.m.emit(TreeChanged{Node: id})
	}
	t.complete()
}

// fetchMsgPartTask fetches the raw body of one part of a message.
type fetchMsgPartTask struct {
	baseTask
	mailbox string
	uid     imapsync.UID
	part    string

	data []byte
}

func newFetchMsgPartTask(m *Model, mailbox string, uid imapsync.UID, part string) *fetchMsgPartTask {
	t := &fetchMsgPartTask{mailbox: mailbox, uid: uid, part: part}
	t.init(m, t, "fetch-part")
	return t
}

func (t *fetchMsgPartTask) perform() {
	if id, ok := t.m.tree.FindPart(t.mailbox, t.uid, t.part); ok {
		t.beginLoad(id)
	}
	enc := t.command("UID")
	enc.SP().Atom("FETCH").SP().UID(t.uid).SP().Special('(').BodySection(true, t.part).Special(')')
	t.send("UID FETCH", enc)
}

func (t *fetchMsgPartTask) handleUntagged(resp imapwire.Response) bool {
	fetch, ok := resp.(*imapwire.FetchResponse)
	if !ok || t.fetchUID(fetch) != t.uid {
		return false
	}
	data, ok := fetch.Sections[t.part]
	if !ok {
		return false
	}
	if data == nil {
		data = []byte{}
	}
	t.data = data
	return true
}

func (t *fetchMsgPartTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("UID FETCH", resp))
		return
	}
	if t.data == nil {
		t.fail(fmt.Errorf("imapsync: part %v of UID %v in %q not returned", t.part, t.uid, t.mailbox))
		return
	}
	if err := t.m.cache.SetMsgPart(t.mailbox, t.uid, t.part, t.data); err != nil {
		t.fail(fmt.Errorf("storing part: %w", err))
		return
	}
	t.endLoad(true)
	t.complete()
}

// updateFlagsTask changes the flags of a message with UID STORE. The
// untagged FETCH the server answers with is applied by the keep-mailbox-open
// task.
type updateFlagsTask struct {
	baseTask
	mailbox string
	uid     imapsync.UID
	op      FlagOp
	flags   []imapsync.Flag

	echoed bool
}

func newUpdateFlagsTask(m *Model, mailbox string, uid imapsync.UID, op FlagOp, flags []imapsync.Flag) *updateFlagsTask {
	t := &updateFlagsTask{mailbox: mailbox, uid: uid, op: op, flags: imapsync.NormalizeFlags(flags)}
	t.init(m, t, "update-flags")
	return t
}

func (t *updateFlagsTask) perform() {
	item := "FLAGS"
	switch t.op {
	case FlagsAdd:
		item = "+FLAGS"
	case FlagsRemove:
		item = "-FLAGS"
	}

	enc := t.command("UID")
	enc.SP().Atom("STORE").SP().UID(t.uid).SP().Atom(item).SP()
	enc.List(len(t.flags), func(i int) {
		enc.Flag(t.flags[i])
	})
	t.send("UID STORE", enc)
}

func (t *updateFlagsTask) handleUntagged(resp imapwire.Response) bool {
	if fetch, ok := resp.(*imapwire.FetchResponse); ok && fetch.HasFlags && t.fetchUID(fetch) == t.uid {
		t.echoed = true
	}
	return false
}

func (t *updateFlagsTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("UID STORE", resp))
		return
	}
	if !t.echoed {
		t.applyLocally()
	}
	t.complete()
}

// applyLocally updates the cache and the tree for servers which don't echo
// flag changes.
func (t *updateFlagsTask) applyLocally() {
	current, err := t.m.cache.MsgFlags(t.mailbox, t.uid)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to read cached flags")
		return
	}

	var flags []imapsync.Flag
	switch t.op {
	case FlagsSet:
		flags = t.flags
	case FlagsAdd:
		flags = append(slices.Clone(current), t.flags...)
	case FlagsRemove:
		flags = slices.DeleteFunc(slices.Clone(current), func(f imapsync.Flag) bool {
			return slices.Contains(t.flags, imapsync.CanonicalFlag(f))
		})
	}
	flags = imapsync.NormalizeFlags(flags)

	if err := t.m.cache.SetMsgFlags(t.mailbox, t.uid, flags); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to store flags")
	}
	if t.m.tree.SetFlags(t.mailbox, t.uid, flags) {
		id, _ := t.m.tree.FindMessage(t.mailbox, t.uid)
		t.m.emit(TreeChanged{Node: id})
	}
}

// noopTask keeps an idle connection alive and gives the server a chance to
// send updates.
type noopTask struct {
	baseTask
}

func newNoopTask(m *Model) *noopTask {
	t := &noopTask{}
	t.init(m, t, "noop")
	return t
}

func (t *noopTask) perform() {
	t.send("NOOP", t.command("NOOP"))
}

func (t *noopTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("NOOP", resp))
		return
	}
	t.complete()
}
