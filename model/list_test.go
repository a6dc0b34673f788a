package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/tree"
)

func (h *harness) childNames(mailbox string) []string {
	h.t.Helper()
	id, ok := h.m.Tree().FindMailbox(mailbox)
	require.True(h.t, ok)
	var names []string
	for _, child := range h.m.Tree().Children(id) {
		n, _ := h.m.Tree().Node(child)
		if n.Kind == tree.KindMailbox {
			names = append(names, n.Mailbox)
		}
	}
	return names
}

func TestListMailboxes(t *testing.T) {
	h := newHarness(t)
	req := h.m.ListMailboxes("")
	h.greet()

	h.expect("LIST \"\" \"%\"\r\n")
	h.replyOK(
		"* LIST (\\HasNoChildren) \"/\" INBOX\r\n",
		"* LIST (\\HasChildren) \"/\" a\r\n",
		"* LIST (\\Noselect \\HasChildren) \"/\" b\r\n",
	)
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []string{"INBOX", "a", "b"}, h.childNames(""))

	cached, err := h.cache.ChildMailboxes("")
	require.NoError(t, err)
	require.Len(t, cached, 3)
	assert.Equal(t, "/", cached[1].Delimiter)
	assert.False(t, cached[2].Selectable())
	assert.Equal(t, tree.Unavailable, h.listStatus("b"))

	req = h.m.ListMailboxes("a")
	h.expect("LIST \"\" \"a/%\"\r\n")
	h.replyOK(
		"* LIST (\\HasNoChildren) \"/\" a/x\r\n",
		"* LIST (\\HasNoChildren) \"/\" a/&AOk-t&AOk-\r\n",
	)
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []string{"a/x", "a/été"}, h.childNames("a"))

	id, _ := h.m.Tree().FindMailbox("a")
	n, _ := h.m.Tree().Node(id)
	assert.Equal(t, tree.Loaded, n.Status)
}

func TestListMailboxesUnknownDelimiter(t *testing.T) {
	h := newHarness(t)
	req := h.m.ListMailboxes("x")
	h.greet()

	h.expect("LIST \"\" x\r\n")
	h.replyOK("* LIST () \".\" x\r\n")
	h.expect("LIST \"\" \"x.%\"\r\n")
	h.replyOK("* LIST () \".\" x.y\r\n", "* LIST () \".\" xylophone\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []string{"x.y"}, h.childNames("x"))
}

func TestListMailboxesFlat(t *testing.T) {
	h := newHarness(t)
	req := h.m.ListMailboxes("x")
	h.greet()

	h.expect("LIST \"\" x\r\n")
	h.replyOK("* LIST () NIL x\r\n")
	require.NoError(t, requireDone(t, req))
	h.expectNothing()
	assert.Empty(t, h.childNames("x"))
}

func TestListMailboxesFromCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.SetChildMailboxes("", []imapsync.MailboxMetadata{
		{Name: "INBOX", Delimiter: "/"},
		{Name: "old", Delimiter: "/"},
	}))

	req := h.m.ListMailboxes("")
	h.m.ProcessEvents()
	assert.Equal(t, []string{"INBOX", "old"}, h.childNames(""))
	requireNotDone(t, req)

	h.greet()
	h.expect("LIST \"\" \"%\"\r\n")
	h.replyOK("* LIST () \"/\" INBOX\r\n", "* LIST () \"/\" new\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Equal(t, []string{"INBOX", "new"}, h.childNames(""))
}

func TestListMailboxesFailure(t *testing.T) {
	h := newHarness(t)
	req := h.m.ListMailboxes("")
	h.greet()
	h.expect("LIST \"\" \"%\"\r\n")
	h.reply(h.last("BAD syntax error\r\n"))

	var cmdErr *CommandError
	require.ErrorAs(t, requireDone(t, req), &cmdErr)
	assert.Equal(t, "LIST", cmdErr.Command)

	// the connection can run the next command
	req = h.m.ListMailboxes("")
	h.expect("LIST \"\" \"%\"\r\n")
	h.replyOK()
	require.NoError(t, requireDone(t, req))
}

func TestListWhileMailboxOpen(t *testing.T) {
	h := newHarness(t)
	h.openSynced("a")

	req := h.m.ListMailboxes("")
	h.expect("LIST \"\" \"%\"\r\n")
	h.replyOK("* LIST () \"/\" a\r\n")
	require.NoError(t, requireDone(t, req))
	assert.Len(t, h.factory.Sockets(), 1)
	assert.NotNil(t, h.m.keeps["a"], "listing doesn't close the mailbox")
}
