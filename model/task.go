package model

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/emersion/go-imapsync/internal/imapwire"
	"github.com/emersion/go-imapsync/tree"
)

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskNotActive TaskState = iota
	TaskActive
	TaskCompleted
	TaskFailed
	TaskAborted
)

func (s TaskState) String() string {
	switch s {
	case TaskNotActive:
		return "not-active"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

func (s TaskState) finished() bool {
	return s >= TaskCompleted
}

// task is a unit of work bound to one connection.
//
// perform is called once the task has been bound to a connection, except
// for tasks which acquire the connection themselves. handleStatus receives
// the tagged completion of the commands the task sent. handleUntagged
// reports whether an untagged response was consumed. abort terminates the
// task and its dependents.
type task interface {
	base() *baseTask
	perform()
	handleStatus(resp *imapwire.StatusResponse)
	handleUntagged(resp imapwire.Response) bool
	abort(err error)
}

type baseTask struct {
	m      *Model
	self   task
	kind   string
	logger zerolog.Logger

	state TaskState
	err   error
	conn  *conn

	// keep is set for tasks running under a keep-mailbox-open task
	keep       *keepMailboxOpenTask
	dependents []task
	requests   []*Request

	// loading is the tree node the task populates, if any. It is marked
	// Unavailable if the task doesn't complete.
	loading    tree.NodeID
	hasLoading bool
}

func (b *baseTask) init(m *Model, self task, kind string) {
	b.m = m
	b.self = self
	b.kind = kind
	b.logger = m.logger.With().Str("task", kind).Logger()
}

func (b *baseTask) base() *baseTask {
	return b
}

func (b *baseTask) handleUntagged(resp imapwire.Response) bool {
	return false
}

func (b *baseTask) abort(err error) {
	b.m.finishTask(b.self, TaskAborted, err)
}

func (b *baseTask) addDependent(t task) {
	b.dependents = append(b.dependents, t)
}

func (b *baseTask) addRequest(req *Request) {
	if b.state.finished() {
		req.complete(b.err)
		return
	}
	b.requests = append(b.requests, req)
}

func (b *baseTask) complete() {
	b.m.finishTask(b.self, TaskCompleted, nil)
}

func (b *baseTask) fail(err error) {
	b.m.finishTask(b.self, TaskFailed, err)
}

// beginLoad marks a tree node Loading on behalf of the task.
func (b *baseTask) beginLoad(id tree.NodeID) {
	b.loading = id
	b.hasLoading = true
	b.m.emitTreeChanged(id, b.m.tree.BeginLoad(id))
}

// endLoad marks the node given to beginLoad Loaded or Unavailable.
func (b *baseTask) endLoad(ok bool) {
	if !b.hasLoading {
		return
	}
	b.hasLoading = false
	b.m.tree.FinishLoad(b.loading, ok)
	b.m.emit(TreeChanged{Node: b.loading})
}

// command starts a new command on the task's connection.
func (b *baseTask) command(name string) *imapwire.Encoder {
	return b.conn.beginCommand(name)
}

// send writes a command on the task's connection. The command name is used
// in error messages.
func (b *baseTask) send(name string, enc *imapwire.Encoder) bool {
	if err := b.conn.send(b.self, name, enc); err != nil {
		b.fail(err)
		return false
	}
	return true
}

// finishTask moves a task to a terminal state, frees its connection and
// hands the connection over to its dependents.
//
// Dependents waiting for a connection survive the failure of the task as
// long as the connection is still usable. Other dependents are aborted.
func (m *Model) finishTask(t task, state TaskState, err error) {
	b := t.base()
	if b.state.finished() {
		return
	}
	b.state = state
	b.err = err

	ev := b.logger.Debug()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Stringer("state", state).Msg("Task finished")
	m.metrics.tasks.WithLabelValues(b.kind, state.String()).Inc()
	if state != TaskCompleted {
		b.endLoad(false)
	}

	c := b.conn
	if c != nil {
		c.release(t)
	}

	dependents := b.dependents
	b.dependents = nil
	for _, dep := range dependents {
		switch {
		case state == TaskCompleted && c != nil:
			m.acquireOn(c, dep)
		case state == TaskCompleted:
			m.later(dep.perform)
		case isConnectionWaiter(dep) && c != nil && c.usable():
			m.acquireOn(c, dep)
		default:
			dep.abort(cascade(err))
		}
	}

	if b.keep != nil {
		b.keep.childFinished(t)
	}

	for _, req := range b.requests {
		req.complete(err)
	}
	b.requests = nil

	if state == TaskFailed {
		m.emit(ErrorEvent{Err: err})
	}
}

func isConnectionWaiter(t task) bool {
	_, ok := t.(*getAnyConnectionTask)
	return ok
}

// bind makes t the owner of a connection and schedules it.
func (m *Model) bind(c *conn, t task) {
	b := t.base()
	b.conn = c
	b.state = TaskActive
	if k, ok := t.(*keepMailboxOpenTask); ok {
		c.maintaining = k
	} else {
		c.active = t
	}
	m.later(t.perform)
}

// acquireOn gives a connection to a task, or queues the task behind the
// current owner of the connection.
func (m *Model) acquireOn(c *conn, t task) {
	b := t.base()
	if b.state != TaskNotActive {
		return
	}
	if !c.usable() && c.state != ConnConnecting {
		if isConnectionWaiter(t) {
			m.later(t.perform)
		} else {
			t.abort(cascade(ErrConnectionLost))
		}
		return
	}

	switch {
	case c.active != nil:
		c.active.base().addDependent(t)
	case c.maintaining != nil && c.maintaining != t:
		c.maintaining.enqueue(t)
	default:
		m.bind(c, t)
	}
}

// runWithAnyConnection schedules t on any usable connection, opening one if
// needed.
func (m *Model) runWithAnyConnection(t task) {
	g := newGetAnyConnectionTask(m, false)
	g.addDependent(t)
	m.later(g.perform)
}

// keepFor returns the keep-mailbox-open task of a mailbox, opening the
// mailbox if needed.
func (m *Model) keepFor(mailbox string) *keepMailboxOpenTask {
	if k := m.keeps[mailbox]; k != nil {
		return k
	}
	return m.openKeep(mailbox)
}

// openKeep creates a keep-mailbox-open task, queues the initial
// synchronization and starts looking for a connection.
func (m *Model) openKeep(mailbox string) *keepMailboxOpenTask {
	k := newKeepMailboxOpenTask(m, mailbox)
	m.keeps[mailbox] = k
	k.resync()

	g := newGetAnyConnectionTask(m, true)
	g.addDependent(k)
	m.later(g.perform)
	return k
}
