// Package socket provides the byte transports used by IMAP connections.
//
// A Socket delivers incoming data and disconnection through a Receiver. The
// Receiver may be called from any goroutine; implementations of Receiver are
// expected to hand the data over to their own event loop.
package socket

import (
	"errors"
)

// ErrClosed is returned when writing to a socket which has been closed.
var ErrClosed = errors.New("socket: closed")

// Receiver is notified of socket activity.
type Receiver interface {
	// DataReceived is called with a chunk of raw data. Chunks don't follow
	// protocol boundaries. The receiver must not retain data after returning.
	DataReceived(data []byte)
	// Disconnected is called exactly once when the socket goes away. err is
	// nil if Close was called.
	Disconnected(err error)
}

// Socket is a bidirectional byte stream.
type Socket interface {
	// Write queues data for sending. It never blocks on the network.
	Write(data []byte) error
	// Close tears down the stream. Pending writes may be dropped.
	Close() error
}

// Factory opens sockets.
type Factory interface {
	// Open starts connecting. Connection errors are reported through
	// Receiver.Disconnected, Open only fails if no attempt could be made.
	Open(r Receiver) (Socket, error)
}
