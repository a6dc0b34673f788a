package model

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-sasl"

	"github.com/emersion/go-imapsync/internal/imapwire"
)

// getAnyConnectionTask completes once it owns a usable connection. Its
// dependents then inherit the connection.
type getAnyConnectionTask struct {
	baseTask
	// selects is set when the dependents will select another mailbox, in
	// which case a keep-mailbox-open task has to give up its connection
	selects bool
}

func newGetAnyConnectionTask(m *Model, selects bool) *getAnyConnectionTask {
	t := &getAnyConnectionTask{selects: selects}
	t.init(m, t, "get-connection")
	return t
}

func (t *getAnyConnectionTask) perform() {
	if t.state.finished() {
		return
	}
	if t.conn != nil {
		t.complete()
		return
	}
	m := t.m
	if m.closed {
		t.abort(ErrClosed)
		return
	}

	var maintained, busy *conn
	for _, c := range m.conns {
		switch {
		case c.state == ConnLogout || c.state == ConnDisconnected:
			continue
		case c.usable() && c.active == nil && c.maintaining == nil:
			m.bind(c, t)
			return
		case c.maintaining != nil && maintained == nil:
			maintained = c
		case c.active != nil && busy == nil:
			busy = c
		}
	}

	switch {
	case maintained != nil:
		maintained.maintaining.enqueue(t)
	case busy != nil:
		busy.active.base().addDependent(t)
	case m.options.NetworkPolicy == NetworkOffline:
		o := newOfflineConnectionTask(m)
		o.addDependent(t)
		m.later(o.perform)
	default:
		c := m.newConn()
		c.setState(ConnConnecting)
		o := newOpenConnectionTask(m)
		o.addDependent(t)
		m.bind(c, o)
	}
}

func (t *getAnyConnectionTask) handleStatus(resp *imapwire.StatusResponse) {}

// offlineConnectionTask stands in for a connection when the network policy
// forbids opening one.
type offlineConnectionTask struct {
	baseTask
}

func newOfflineConnectionTask(m *Model) *offlineConnectionTask {
	t := &offlineConnectionTask{}
	t.init(m, t, "offline-connection")
	return t
}

func (t *offlineConnectionTask) perform() {
	t.fail(ErrOffline)
}

func (t *offlineConnectionTask) handleStatus(resp *imapwire.StatusResponse) {}

type openPhase int

const (
	openGreeting openPhase = iota
	openCapability
	openAuthenticate
)

// openConnectionTask opens the socket of its connection, waits for the
// greeting and logs in.
type openConnectionTask struct {
	baseTask
	phase openPhase
}

func newOpenConnectionTask(m *Model) *openConnectionTask {
	t := &openConnectionTask{}
	t.init(m, t, "open-connection")
	return t
}

func (t *openConnectionTask) perform() {
	c := t.conn
	t.logger = c.logger.With().Str("task", t.kind).Logger()

	sock, err := t.m.options.SocketFactory.Open(c)
	if err != nil {
		t.failConn(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}
	c.sock = sock
	t.phase = openGreeting
}

// failConn fails the task and drops the connection, which can't be used
// for anything else.
func (t *openConnectionTask) failConn(err error) {
	c := t.conn
	t.fail(err)
	c.logout(err)
}

func (t *openConnectionTask) handleUntagged(resp imapwire.Response) bool {
	status, ok := resp.(*imapwire.StatusResponse)
	if !ok || t.phase != openGreeting {
		return false
	}

	switch status.Type {
	case imapwire.StatusPREAUTH:
		t.conn.setState(ConnAuthenticated)
		t.complete()
	case imapwire.StatusOK:
		if t.conn.capsKnown {
			t.authenticate()
		} else {
			t.phase = openCapability
			t.send("CAPABILITY", t.command("CAPABILITY"))
		}
	case imapwire.StatusBYE:
		t.failConn(fmt.Errorf("%w: server refused connection: %v", ErrConnectionLost, status.Text))
	default:
		t.failConn(fmt.Errorf("imapsync: unexpected greeting %v", status.Type))
	}
	return true
}

func (t *openConnectionTask) authenticate() {
	c := t.conn
	username, password := t.m.options.Username, t.m.options.Password
	t.phase = openAuthenticate

	if !c.hasCap("AUTH=PLAIN") {
		if c.hasCap("LOGINDISABLED") {
			t.failConn(fmt.Errorf("imapsync: server disabled LOGIN and doesn't support AUTHENTICATE PLAIN"))
			return
		}
		enc := t.command("LOGIN")
		enc.SP().AString(username).SP().AString(password)
		c.redact = true
		t.send("LOGIN", enc)
		return
	}

	saslClient := sasl.NewPlainClient("", username, password)
	mech, initialResp, err := saslClient.Start()
	if err != nil {
		t.failConn(err)
		return
	}

	enc := t.command("AUTHENTICATE")
	enc.SP().Atom(mech)
	if initialResp != nil && c.hasCap("SASL-IR") {
		enc.SP().Atom(encodeSASL(initialResp))
		initialResp = nil
	}
	c.contHandler = func(challengeStr string) {
		var resp []byte
		if challengeStr == "" && initialResp != nil {
			resp, initialResp = initialResp, nil
		} else {
			challenge, err := decodeSASL(challengeStr)
			if err == nil {
				resp, err = saslClient.Next(challenge)
			}
			if err != nil {
				t.logger.Warn().Err(err).Msg("Cancelling SASL exchange")
				c.write([]byte("*\r\n"))
				return
			}
		}
		c.redact = true
		c.write([]byte(encodeSASL(resp) + "\r\n"))
	}
	c.redact = true
	t.send("AUTHENTICATE", enc)
}

func (t *openConnectionTask) handleStatus(resp *imapwire.StatusResponse) {
	switch t.phase {
	case openCapability:
		if resp.Type != imapwire.StatusOK {
			t.failConn(newCommandError("CAPABILITY", resp))
			return
		}
		t.authenticate()
	case openAuthenticate:
		if resp.Type != imapwire.StatusOK {
			t.failConn(newCommandError("login", resp))
			return
		}
		t.conn.setState(ConnAuthenticated)
		t.complete()
	}
}

func encodeSASL(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeSASL(s string) ([]byte, error) {
	if s == "=" {
		// go-sasl treats nil as no challenge/response, so return a non-nil
		// empty byte slice
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
