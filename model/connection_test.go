package model

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
)

func TestLogin(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* OK [CAPABILITY IMAP4rev1] hello\r\n")

	h.expect("LOGIN user pass\r\n")
	h.replyOK()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
}

func TestCapabilityBeforeLogin(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* OK hello\r\n")

	h.expect("CAPABILITY\r\n")
	h.replyOK("* CAPABILITY IMAP4rev1 AUTH=PLAIN SASL-IR\r\n")
	h.expect("AUTHENTICATE PLAIN AHVzZXIAcGFzcw==\r\n")
	h.replyOK()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
}

func TestAuthenticatePlainContinuation(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] hello\r\n")

	h.expect("AUTHENTICATE PLAIN\r\n")
	h.reply("+\r\n")
	h.m.ProcessEvents()
	assert.Equal(t, "AHVzZXIAcGFzcw==\r\n", h.sock().WrittenStuff())
	h.replyOK()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
}

func TestLoginFailure(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* OK [CAPABILITY IMAP4rev1] hello\r\n")

	h.expect("LOGIN user pass\r\n")
	h.reply(h.last("NO [AUTHENTICATIONFAILED] nope\r\n"))

	err := requireDone(t, req)
	assert.ErrorIs(t, err, ErrAborted)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "AUTHENTICATIONFAILED", string(cmdErr.Code))
	assert.True(t, h.sock().Closed())
	assert.Empty(t, h.m.conns)
	assert.Empty(t, h.m.keeps)
}

func TestLoginDisabled(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* OK [CAPABILITY IMAP4rev1 LOGINDISABLED] hello\r\n")
	assert.Error(t, requireDone(t, req))
	assert.Empty(t, h.sock().WrittenStuff())
}

func TestGreetingBye(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	h.reply("* BYE too many connections\r\n")

	err := requireDone(t, req)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "too many connections")
}

func TestSocketOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.Err = errors.New("connection refused")
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()

	err := requireDone(t, req)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, h.m.conns)
}

func TestOffline(t *testing.T) {
	h := newHarness(t, func(options *Options) {
		options.NetworkPolicy = NetworkOffline
	})
	req := h.m.OpenMailbox("a")
	h.m.ProcessEvents()

	err := requireDone(t, req)
	assert.ErrorIs(t, err, ErrOffline)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Empty(t, h.factory.Sockets())

	req = h.m.ListMailboxes("")
	h.m.ProcessEvents()
	assert.ErrorIs(t, requireDone(t, req), ErrOffline)
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")

	h.sock().FakeDisconnect(io.ErrUnexpectedEOF)
	h.m.ProcessEvents()

	err := requireDone(t, req)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Empty(t, h.m.conns)
	assert.Empty(t, h.m.keeps)

	var states []ConnState
	for _, ev := range h.events {
		if ev, ok := ev.(ConnectionStateChanged); ok {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []ConnState{ConnConnecting, ConnAuthenticated, ConnDisconnected}, states)

	// the next request opens a new connection
	req = h.m.OpenMailbox("a")
	h.m.ProcessEvents()
	require.Len(t, h.factory.Sockets(), 2)
	h.tag = 0
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))
}

func TestConnectionLostAbortsQueuedTasks(t *testing.T) {
	h := newHarness(t)
	open := h.m.OpenMailbox("a")
	fetch := h.m.FetchMessagePart("a", 4, "1")
	h.greet()
	h.expect("SELECT a\r\n")

	h.sock().FakeDisconnect(nil)
	h.m.ProcessEvents()
	assert.ErrorIs(t, requireDone(t, open), ErrConnectionLost)
	err := requireDone(t, fetch)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 0 EXISTS\r\n")
	require.NoError(t, requireDone(t, req))

	closeReq := h.m.Close()
	h.expect("LOGOUT\r\n")
	require.NoError(t, requireDone(t, closeReq))
	assert.True(t, h.sock().Closed())
	assert.Empty(t, h.m.conns)

	req = h.m.OpenMailbox("b")
	h.m.ProcessEvents()
	assert.ErrorIs(t, requireDone(t, req), ErrClosed)
}

func TestCloseAbortsPendingRequests(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")

	h.m.Close()
	h.m.ProcessEvents()
	assert.ErrorIs(t, requireDone(t, req), ErrClosed)
}

func TestIdleNoop(t *testing.T) {
	h := newHarness(t)
	req := h.m.OpenMailbox("a")
	h.greet()
	h.expect("SELECT a\r\n")
	h.replyOK("* 1 EXISTS\r\n", "* OK [UIDVALIDITY 1] .\r\n", "* OK [UIDNEXT 5] .\r\n")
	h.expect("UID SEARCH ALL\r\n")
	h.replyOK("* SEARCH 4\r\n")
	h.expect("FETCH 1 (FLAGS)\r\n")
	h.replyOK("* 1 FETCH (FLAGS ())\r\n")
	require.NoError(t, requireDone(t, req))

	c := h.m.conns[0]
	h.m.post(c.idleTimeout)
	h.expect("NOOP\r\n")
	h.replyOK("* 2 EXISTS\r\n")

	h.expect("FETCH 2 (UID FLAGS)\r\n")
	h.replyOK("* 2 FETCH (UID 7 FLAGS (\\Seen))\r\n")
	assert.Equal(t, []imapsync.UID{4, 7}, h.uidMap("a"))
	assert.Equal(t, []imapsync.Flag{imapsync.FlagSeen}, h.flags("a", 7))
	assert.Equal(t, uint32(8), h.syncState("a").UIDNext())
}
