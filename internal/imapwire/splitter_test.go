package imapwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(s *FrameSplitter) []string {
	var frames []string
	for {
		frame, ok := s.Next()
		if !ok {
			return frames
		}
		frames = append(frames, string(frame))
	}
}

func TestFrameSplitterLines(t *testing.T) {
	var s FrameSplitter
	s.Write([]byte("* 0 EXISTS\r\n* 0 REC"))
	assert.Equal(t, []string{"* 0 EXISTS\r\n"}, collectFrames(&s))
	assert.Equal(t, 7, s.Buffered())

	s.Write([]byte("ENT\r\nT1 OK done\r\n"))
	assert.Equal(t, []string{"* 0 RECENT\r\n", "T1 OK done\r\n"}, collectFrames(&s))
	assert.Equal(t, 0, s.Buffered())
}

func TestFrameSplitterLiteral(t *testing.T) {
	var s FrameSplitter
	s.Write([]byte("* 1 FETCH (BODY[1] {7}\r\nab\r\n"))
	assert.Empty(t, collectFrames(&s))

	// the literal contains a line ending and a fake literal announcement
	s.Write([]byte("{9} UID 6)\r\n"))
	frames := collectFrames(&s)
	require.Len(t, frames, 1)
	assert.Equal(t, "* 1 FETCH (BODY[1] {7}\r\nab\r\n{9} UID 6)\r\n", frames[0])
}

func TestFrameSplitterByteByByte(t *testing.T) {
	input := "* LIST () \"/\" {3}\r\nfoo\r\nT2 OK LIST done\r\n"
	var s FrameSplitter
	var frames []string
	for i := 0; i < len(input); i++ {
		s.Write([]byte{input[i]})
		frames = append(frames, collectFrames(&s)...)
	}
	assert.Equal(t, []string{"* LIST () \"/\" {3}\r\nfoo\r\n", "T2 OK LIST done\r\n"}, frames)
}
