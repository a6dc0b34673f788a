package model

import (
	"strings"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/internal/imapwire"
)

type listPhase int

const (
	listDelimiter listPhase = iota
	listChildren
)

// listChildMailboxesTask lists the direct children of a mailbox. When the
// hierarchy delimiter of the parent isn't known yet, it is asked for first.
type listChildMailboxesTask struct {
	baseTask
	parent string
	phase  listPhase

	delimiter string
	children  []imapsync.MailboxMetadata
}

func newListChildMailboxesTask(m *Model, parent string) *listChildMailboxesTask {
	t := &listChildMailboxesTask{parent: parent}
	t.init(m, t, "list-mailboxes")
	return t
}

func (t *listChildMailboxesTask) perform() {
	id, ok := t.m.tree.FindMailbox(t.parent)
	if ok {
		t.beginLoad(id)
		if n, _ := t.m.tree.Node(id); n.Delimiter != "" {
			t.delimiter = n.Delimiter
		}
	}

	if t.parent == "" || t.delimiter != "" {
		t.listChildren()
		return
	}
	t.phase = listDelimiter
	enc := t.command("LIST")
	enc.SP().Quoted("").SP().Mailbox(t.parent)
	t.send("LIST", enc)
}

func (t *listChildMailboxesTask) listChildren() {
	t.phase = listChildren
	pattern := "%"
	if t.parent != "" {
		pattern = t.parent + t.delimiter + "%"
	}
	enc := t.command("LIST")
	enc.SP().Quoted("").SP().Mailbox(pattern)
	t.send("LIST", enc)
}

func (t *listChildMailboxesTask) handleUntagged(resp imapwire.Response) bool {
	list, ok := resp.(*imapwire.ListResponse)
	if !ok {
		return false
	}
	mbox := list.Mailbox
	mbox.Name = imapsync.CanonicalMailboxName(mbox.Name)
	if mbox.Name == t.parent {
		t.delimiter = mbox.Delimiter
		return true
	}

	if t.phase == listChildren {
		if t.parent == "" || strings.HasPrefix(mbox.Name, t.parent+t.delimiter) {
			t.children = append(t.children, mbox)
		} else {
			t.logger.Debug().Str("name", mbox.Name).Msg("Ignoring mailbox outside of the listed parent")
		}
	}
	return true
}

func (t *listChildMailboxesTask) handleStatus(resp *imapwire.StatusResponse) {
	if resp.Type != imapwire.StatusOK {
		t.fail(newCommandError("LIST", resp))
		return
	}
	if t.phase == listDelimiter {
		if t.delimiter != "" {
			t.listChildren()
			return
		}
		// flat hierarchy, no children possible
		t.logger.Debug().Str("mailbox", t.parent).Msg("Mailbox has no hierarchy delimiter")
	}

	if err := t.m.cache.SetChildMailboxes(t.parent, t.children); err != nil {
		t.logger.Warn().Err(err).Str("mailbox", t.parent).Msg("Failed to store mailbox list")
	}
	t.hasLoading = false
	if err := t.m.tree.SetMailboxes(t.parent, t.children); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to update tree")
	} else if id, ok := t.m.tree.FindMailbox(t.parent); ok {
		t.m.emit(TreeChanged{Node: id})
	}
	t.complete()
}
