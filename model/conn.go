package model

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/emersion/go-imapsync/internal/imapwire"
	"github.com/emersion/go-imapsync/socket"
)

// ConnState describes the state of a connection.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnAuthenticated
	ConnSelected
	ConnLogout
)

func (state ConnState) String() string {
	switch state {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnAuthenticated:
		return "authenticated"
	case ConnSelected:
		return "selected"
	case ConnLogout:
		return "logout"
	default:
		return fmt.Sprintf("ConnState(%d)", int(state))
	}
}

type pendingCommand struct {
	task task
	name string
}

// conn is one IMAP connection. It is only accessed from the model goroutine,
// except for the socket.Receiver methods.
type conn struct {
	m      *Model
	id     string
	logger zerolog.Logger

	sock      socket.Socket
	splitter  imapwire.FrameSplitter
	state     ConnState
	caps      map[string]bool
	capsKnown bool
	selected  string
	// counted is set while the connection is reflected in the gauge
	counted bool
	// redact hides outgoing traffic from the logs, for credentials
	redact bool

	tag      uint64
	commands map[string]pendingCommand
	// segments of the last command waiting for a continuation request
	segments [][]byte
	// contHandler receives continuation requests which aren't literal
	// acknowledgements
	contHandler func(text string)

	// active is the task allowed to send commands. maintaining is a
	// keep-mailbox-open task which stays bound while idle.
	active      task
	maintaining *keepMailboxOpenTask

	idleTimer *time.Timer
	bye       string
}

func (m *Model) newConn() *conn {
	id := uuid.New().String()
	c := &conn{
		m:        m,
		id:       id,
		logger:   m.logger.With().Str("conn", id).Logger(),
		caps:     make(map[string]bool),
		commands: make(map[string]pendingCommand),
	}
	m.conns = append(m.conns, c)
	return c
}

var _ socket.Receiver = (*conn)(nil)

// DataReceived implements socket.Receiver.
func (c *conn) DataReceived(data []byte) {
	data = bytes.Clone(data)
	c.m.post(func() {
		c.handleData(data)
	})
}

// Disconnected implements socket.Receiver.
func (c *conn) Disconnected(err error) {
	c.m.post(func() {
		c.handleDisconnect(err)
	})
}

func (c *conn) usable() bool {
	return c.state == ConnAuthenticated || c.state == ConnSelected
}

func (c *conn) setState(state ConnState) {
	if c.state == state {
		return
	}
	c.logger.Debug().Stringer("from", c.state).Stringer("to", state).Msg("Connection state changed")
	c.state = state
	if c.usable() && !c.counted {
		c.counted = true
		c.m.metrics.connections.Inc()
		c.resetIdleTimer()
	}
	c.m.emit(ConnectionStateChanged{Conn: c.id, State: state})
}

func (c *conn) hasCap(name string) bool {
	return c.caps[name]
}

func (c *conn) setCaps(caps []string) {
	c.caps = make(map[string]bool, len(caps))
	for _, name := range caps {
		c.caps[name] = true
	}
	c.capsKnown = true
}

// release unbinds a finished task from the connection.
func (c *conn) release(t task) {
	if c.active == t {
		c.active = nil
	}
	if k, ok := t.(*keepMailboxOpenTask); ok && c.maintaining == k {
		c.maintaining = nil
	}
}

// send encodes a command and writes its first segment. The remaining
// segments are written as continuation requests come in.
func (c *conn) send(t task, name string, enc *imapwire.Encoder) error {
	segments, err := enc.CRLF()
	if err != nil {
		return fmt.Errorf("encoding %v: %w", name, err)
	}
	if len(c.segments) > 0 {
		return fmt.Errorf("imapsync: cannot send %v while a literal is pending", name)
	}
	c.commands[c.lastTag()] = pendingCommand{task: t, name: name}
	c.segments = segments[1:]
	return c.write(segments[0])
}

// beginCommand starts a command with a fresh tag.
func (c *conn) beginCommand(name string) *imapwire.Encoder {
	c.tag++
	enc := imapwire.NewEncoder(c.hasCap("LITERAL+"))
	enc.Atom(c.lastTag()).SP().Atom(name)
	return enc
}

func (c *conn) lastTag() string {
	return fmt.Sprintf("T%v", c.tag)
}

func (c *conn) write(b []byte) error {
	if c.redact {
		c.logger.Trace().Int("size", len(b)).Msg("Sending redacted data")
	} else {
		c.logger.Trace().Bytes("data", b).Msg("Sending")
	}
	if err := c.sock.Write(b); err != nil {
		c.m.later(func() {
			c.handleDisconnect(err)
		})
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	c.resetIdleTimer()
	return nil
}

func (c *conn) handleData(data []byte) {
	if c.state == ConnDisconnected {
		return
	}
	c.resetIdleTimer()
	c.splitter.Write(data)
	for c.state != ConnDisconnected {
		frame, ok := c.splitter.Next()
		if !ok {
			break
		}
		c.logger.Trace().Bytes("data", frame).Msg("Received")
		resp, err := imapwire.ParseResponse(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed response")
			c.m.emit(ErrorEvent{Err: err})
			continue
		}
		c.handleResponse(resp)
	}
}

func (c *conn) handleResponse(resp imapwire.Response) {
	switch resp := resp.(type) {
	case *imapwire.ContinuationRequest:
		c.handleContinuation(resp)
		return
	case *imapwire.StatusResponse:
		if resp.Tag != "" {
			c.handleTagged(resp)
			return
		}
		c.handleUntaggedStatus(resp)
	case *imapwire.CapabilityResponse:
		c.setCaps(resp.Caps)
		return
	}

	if c.active != nil && c.active.handleUntagged(resp) {
		return
	}
	if c.maintaining != nil && c.maintaining.handleUntagged(resp) {
		return
	}
	c.logger.Debug().Str("type", fmt.Sprintf("%T", resp)).Msg("Ignoring unsolicited response")
}

// handleUntaggedStatus looks at connection-wide data. The response is still
// routed to tasks afterwards.
func (c *conn) handleUntaggedStatus(resp *imapwire.StatusResponse) {
	if resp.Code != nil {
		switch resp.Code.Name {
		case imapwire.CodeCapability:
			c.setCaps(resp.Code.Caps)
		case imapwire.CodeAlert:
			c.logger.Warn().Str("text", resp.Text).Msg("Server alert")
		}
	}
	if resp.Type == imapwire.StatusBYE {
		c.bye = resp.Text
		c.logger.Debug().Str("text", resp.Text).Msg("Server said goodbye")
	}
}

func (c *conn) handleTagged(resp *imapwire.StatusResponse) {
	if resp.Code != nil && resp.Code.Name == imapwire.CodeCapability {
		c.setCaps(resp.Code.Caps)
	}

	cmd, ok := c.commands[resp.Tag]
	if !ok {
		c.logger.Warn().Str("tag", resp.Tag).Msg("Received tagged response for unknown command")
		return
	}
	delete(c.commands, resp.Tag)
	c.segments = nil
	c.contHandler = nil
	c.redact = false

	if cmd.task.base().state != TaskActive {
		c.logger.Debug().Str("command", cmd.name).Msg("Dropping response of finished task")
		return
	}
	cmd.task.handleStatus(resp)
}

func (c *conn) handleContinuation(resp *imapwire.ContinuationRequest) {
	if len(c.segments) > 0 {
		seg := c.segments[0]
		c.segments = c.segments[1:]
		c.write(seg)
		return
	}
	if c.contHandler != nil {
		c.contHandler(resp.Text)
		return
	}
	c.logger.Warn().Str("text", resp.Text).Msg("Unexpected continuation request")
}

// handleDisconnect aborts every task bound to the connection.
func (c *conn) handleDisconnect(err error) {
	if c.state == ConnDisconnected {
		return
	}
	wasLogout := c.state == ConnLogout
	c.stopIdleTimer()
	if c.sock != nil {
		c.sock.Close()
	}
	c.setState(ConnDisconnected)
	c.m.conns = slices.DeleteFunc(c.m.conns, func(other *conn) bool { return other == c })
	if c.counted {
		c.counted = false
		c.m.metrics.connections.Dec()
	}

	lossErr := ErrConnectionLost
	switch {
	case errors.Is(err, ErrClosed):
		lossErr = ErrClosed
	case err != nil:
		lossErr = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	case c.bye != "":
		lossErr = fmt.Errorf("%w: %v", ErrConnectionLost, c.bye)
	}
	if !wasLogout {
		c.logger.Warn().Err(lossErr).Msg("Connection lost")
		c.m.emit(ErrorEvent{Err: lossErr})
	}

	var tasks []task
	if c.active != nil {
		tasks = append(tasks, c.active)
	}
	if c.maintaining != nil {
		tasks = append(tasks, c.maintaining)
	}
	for _, cmd := range c.commands {
		tasks = append(tasks, cmd.task)
	}
	c.commands = make(map[string]pendingCommand)
	for _, t := range tasks {
		t.abort(lossErr)
	}
}

// logout aborts the tasks of the connection and sends LOGOUT, without
// waiting for the server.
func (c *conn) logout(cause error) {
	if c.state == ConnDisconnected || c.state == ConnLogout {
		return
	}
	if c.usable() {
		enc := c.beginCommand("LOGOUT")
		if segments, err := enc.CRLF(); err == nil {
			c.write(segments[0])
		}
	}
	c.setState(ConnLogout)
	c.handleDisconnect(cause)
}

func (c *conn) resetIdleTimer() {
	period := c.m.options.NoopPeriod
	if period <= 0 || !c.usable() {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(period, func() {
		c.m.post(c.idleTimeout)
	})
}

func (c *conn) stopIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// idleTimeout sends a NOOP on a connection nobody is using.
func (c *conn) idleTimeout() {
	if !c.usable() {
		return
	}
	t := newNoopTask(c.m)
	switch {
	case c.maintaining != nil:
		c.maintaining.enqueue(t)
	case c.active == nil:
		c.m.bind(c, t)
	default:
		c.resetIdleTimer()
	}
}
