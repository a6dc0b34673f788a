// Package sockettest provides an in-memory socket for scripting a fake
// server in tests.
//
// Data injected with FakeReading is delivered synchronously to the
// receiver, on the calling goroutine.
package sockettest

import (
	"sync"

	"github.com/emersion/go-imapsync/socket"
)

// Factory records every socket it opens.
type Factory struct {
	mutex   sync.Mutex
	sockets []*Socket

	// Err, if set, is returned by the next calls to Open.
	Err error
}

var _ socket.Factory = (*Factory)(nil)

func (f *Factory) Open(r socket.Receiver) (socket.Socket, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := &Socket{receiver: r}
	f.sockets = append(f.sockets, s)
	return s, nil
}

// Sockets returns all the sockets opened so far.
func (f *Factory) Sockets() []*Socket {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

// Last returns the most recently opened socket, or nil.
func (f *Factory) Last() *Socket {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// Socket is a fake socket.
type Socket struct {
	receiver socket.Receiver

	mutex   sync.Mutex
	written []byte
	closed  bool
}

var _ socket.Socket = (*Socket)(nil)

func (s *Socket) Write(data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return socket.ErrClosed
	}
	s.written = append(s.written, data...)
	return nil
}

func (s *Socket) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

// WrittenStuff returns the data written since the last call.
func (s *Socket) WrittenStuff() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := string(s.written)
	s.written = nil
	return out
}

// FakeReading pretends the server sent data.
func (s *Socket) FakeReading(data string) {
	s.receiver.DataReceived([]byte(data))
}

// FakeDisconnect pretends the connection dropped.
func (s *Socket) FakeDisconnect(err error) {
	s.mutex.Lock()
	s.closed = true
	s.mutex.Unlock()
	s.receiver.Disconnected(err)
}
