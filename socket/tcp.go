package socket

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dialer is a Factory of TCP sockets.
type Dialer struct {
	// Address is the "host:port" of the server.
	Address string
	// TLSConfig enables implicit TLS when non-nil.
	TLSConfig *tls.Config
	// Timeout bounds the connection establishment, if non-zero.
	Timeout time.Duration
	// Raw ingress and egress data will be written to this writer, if any
	DebugWriter io.Writer
}

var _ Factory = (*Dialer)(nil)

func (d *Dialer) wrapReadWriter(rw io.ReadWriter) io.ReadWriter {
	if d.DebugWriter == nil {
		return rw
	}
	return struct {
		io.Reader
		io.Writer
	}{
		Reader: io.TeeReader(rw, d.DebugWriter),
		Writer: io.MultiWriter(rw, d.DebugWriter),
	}
}

// Open starts dialing in the background.
func (d *Dialer) Open(r Receiver) (Socket, error) {
	if d.Address == "" {
		return nil, fmt.Errorf("socket: missing address")
	}
	s := &tcpSocket{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.run(d, r)
	return s, nil
}

func (d *Dialer) dial() (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: d.Timeout}
	if d.TLSConfig != nil {
		return tls.DialWithDialer(netDialer, "tcp", d.Address, d.TLSConfig)
	}
	return netDialer.Dial("tcp", d.Address)
}

const closeFlushTimeout = 5 * time.Second

var errClosing = errors.New("socket: closing")

type tcpSocket struct {
	mutex   sync.Mutex
	pending [][]byte

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *tcpSocket) Write(data []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mutex.Lock()
	s.pending = append(s.pending, bytes.Clone(data))
	s.mutex.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *tcpSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *tcpSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *tcpSocket) takePending() [][]byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *tcpSocket) run(d *Dialer, r Receiver) {
	conn, err := d.dial()
	if err != nil {
		r.Disconnected(fmt.Errorf("dialing %v: %w", d.Address, err))
		return
	}

	rw := d.wrapReadWriter(conn)
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return s.readLoop(rw, r)
	})
	g.Go(func() error {
		return s.writeLoop(ctx, conn, rw)
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err = g.Wait()
	if s.isClosed() {
		err = nil
	}
	r.Disconnected(err)
}

func (s *tcpSocket) readLoop(rd io.Reader, r Receiver) error {
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.DataReceived(buf[:n])
		}
		if err == io.EOF {
			return fmt.Errorf("connection closed by server: %w", io.ErrUnexpectedEOF)
		} else if err != nil {
			return err
		}
	}
}

// writeLoop sends queued data. Once the socket is closed, whatever is still
// queued is flushed before the connection is torn down.
func (s *tcpSocket) writeLoop(ctx context.Context, conn net.Conn, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		case <-s.closed:
			conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
			if err := s.flush(w); err != nil {
				return err
			}
			return errClosing
		}
		if err := s.flush(w); err != nil {
			return err
		}
	}
}

func (s *tcpSocket) flush(w io.Writer) error {
	for _, b := range s.takePending() {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
