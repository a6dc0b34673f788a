package model

import (
	"github.com/emersion/go-imapsync/tree"
)

// Event is delivered to subscribers on the model goroutine.
type Event interface {
	event()
}

// TreeChanged is emitted when a node of the tree or its children changed.
type TreeChanged struct {
	Node tree.NodeID
}

// ConnectionStateChanged is emitted when a connection changes state.
type ConnectionStateChanged struct {
	Conn  string
	State ConnState
}

// ErrorEvent reports an error which isn't tied to a request, or which a
// request failed with.
type ErrorEvent struct {
	Err error
}

func (TreeChanged) event()            {}
func (ConnectionStateChanged) event() {}
func (ErrorEvent) event()             {}

// Subscribe registers a callback for model events. Callbacks run on the
// model goroutine and must not block.
func (m *Model) Subscribe(fn func(Event)) {
	m.post(func() {
		m.subscribers = append(m.subscribers, fn)
	})
}

func (m *Model) emit(ev Event) {
	for _, fn := range m.subscribers {
		fn(ev)
	}
}

func (m *Model) emitTreeChanged(id tree.NodeID, ok bool) {
	if ok {
		m.emit(TreeChanged{Node: id})
	}
}
