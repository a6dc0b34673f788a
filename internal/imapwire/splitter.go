package imapwire

import (
	"bytes"
	"strconv"
)

// MaxLiteralSize is the largest literal accepted from the server.
const MaxLiteralSize = 1 << 30

// FrameSplitter cuts a byte stream into complete response frames. A frame is
// a line, extended by any literal announced at its end: the literal data and
// the rest of the line following it belong to the same frame.
type FrameSplitter struct {
	buf []byte
	// scanned is the offset up to which buf is known to belong to the
	// current frame
	scanned int
}

// Write appends received data.
func (s *FrameSplitter) Write(data []byte) {
	s.buf = append(s.buf, data...)
}

// Buffered returns the number of bytes waiting for a frame to complete.
func (s *FrameSplitter) Buffered() int {
	return len(s.buf)
}

// Next returns the next complete frame, including its line ending.
func (s *FrameSplitter) Next() ([]byte, bool) {
	for {
		i := bytes.IndexByte(s.buf[s.scanned:], '\n')
		if i < 0 {
			return nil, false
		}
		lineEnd := s.scanned + i + 1

		size, ok := literalSize(s.buf[s.scanned:lineEnd])
		if !ok {
			frame := bytes.Clone(s.buf[:lineEnd])
			s.buf = s.buf[lineEnd:]
			s.scanned = 0
			return frame, true
		}
		if len(s.buf)-lineEnd < size {
			return nil, false
		}
		s.scanned = lineEnd + size
	}
}

// literalSize parses a "{n}" or "{n+}" literal announcement at the end of
// line.
func literalSize(line []byte) (int, bool) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	start := bytes.LastIndexByte(line, '{')
	if start < 0 {
		return 0, false
	}
	digits := line[start+1 : len(line)-1]
	digits = bytes.TrimSuffix(digits, []byte("+"))
	n, err := strconv.ParseUint(string(digits), 10, 32)
	if err != nil || n > MaxLiteralSize {
		return 0, false
	}
	return int(n), true
}
