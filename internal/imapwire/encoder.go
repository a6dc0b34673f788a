package imapwire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/internal/imapnum"
	"github.com/emersion/go-imapsync/internal/utf7"
)

// An Encoder builds an IMAP command.
//
// Most methods don't return an error, instead they defer error handling until
// CRLF is called. These methods return the Encoder so that calls can be
// chained.
//
// Synchronizing literals split the command into segments: each segment after
// the first may only be sent once the server has answered the previous one
// with a continuation request.
type Encoder struct {
	// LiteralPlus enables non-synchronizing literals. This requires
	// LITERAL+.
	LiteralPlus bool

	buf      bytes.Buffer
	segments [][]byte
	err      error
}

// NewEncoder creates a new encoder.
func NewEncoder(literalPlus bool) *Encoder {
	return &Encoder{LiteralPlus: literalPlus}
}

func (enc *Encoder) setErr(err error) {
	if enc.err == nil {
		enc.err = err
	}
}

func (enc *Encoder) writeString(s string) *Encoder {
	if enc.err == nil {
		enc.buf.WriteString(s)
	}
	return enc
}

// CRLF terminates the command and returns its segments.
func (enc *Encoder) CRLF() ([][]byte, error) {
	enc.writeString("\r\n")
	if enc.err != nil {
		return nil, enc.err
	}
	enc.flushSegment()
	return enc.segments, nil
}

func (enc *Encoder) flushSegment() {
	enc.segments = append(enc.segments, bytes.Clone(enc.buf.Bytes()))
	enc.buf.Reset()
}

// Atom writes an atom. Anything which isn't a valid atom fails the command.
func (enc *Encoder) Atom(s string) *Encoder {
	if s == "" || !isAtom(s) {
		enc.setErr(fmt.Errorf("imapwire: invalid atom %q", s))
		return enc
	}
	return enc.writeString(s)
}

// AtomList writes a parenthesized list of atoms, such as fetch items.
func (enc *Encoder) AtomList(items ...string) *Encoder {
	return enc.List(len(items), func(i int) {
		enc.Atom(items[i])
	})
}

// BodySection writes a BODY[<section>] fetch item, or BODY.PEEK[<section>]
// if peek is set.
func (enc *Encoder) BodySection(peek bool, section string) *Encoder {
	if !ValidSection(section) {
		enc.setErr(fmt.Errorf("imapwire: invalid section %q", section))
		return enc
	}
	if peek {
		enc.writeString("BODY.PEEK[")
	} else {
		enc.writeString("BODY[")
	}
	return enc.writeString(section + "]")
}

func (enc *Encoder) SP() *Encoder {
	return enc.writeString(" ")
}

func (enc *Encoder) Special(ch byte) *Encoder {
	return enc.writeString(string(ch))
}

func (enc *Encoder) Quoted(s string) *Encoder {
	var sb strings.Builder
	sb.Grow(2 + len(s))
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' || ch == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(ch)
	}
	sb.WriteByte('"')
	return enc.writeString(sb.String())
}

// String writes a quoted string, or a literal if s cannot be quoted.
func (enc *Encoder) String(s string) *Encoder {
	if !validQuoted(s) {
		return enc.Literal([]byte(s))
	}
	return enc.Quoted(s)
}

// AString writes s as an atom when possible, as a string otherwise.
func (enc *Encoder) AString(s string) *Encoder {
	if s != "" && isAtom(s) {
		return enc.Atom(s)
	}
	return enc.String(s)
}

func isAtom(s string) bool {
	for i := 0; i < len(s); i++ {
		if !IsAtomChar(s[i]) {
			return false
		}
	}
	return true
}

func validQuoted(s string) bool {
	if len(s) > 4096 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == 0, ch == '\r', ch == '\n', ch > 0x7F:
			return false
		}
	}
	return true
}

// Mailbox writes a mailbox name in modified UTF-7.
func (enc *Encoder) Mailbox(name string) *Encoder {
	if strings.EqualFold(name, imapsync.InboxName) {
		return enc.Atom(imapsync.InboxName)
	}
	return enc.AString(utf7.Encode(name))
}

func (enc *Encoder) NumSet(set imapnum.Set) *Encoder {
	s := set.String()
	if s == "" {
		enc.setErr(fmt.Errorf("imapwire: cannot encode empty sequence set"))
		return enc
	}
	return enc.writeString(s)
}

func (enc *Encoder) Flag(flag imapsync.Flag) *Encoder {
	if flag != imapsync.FlagWildcard && !isValidFlag(string(flag)) {
		enc.setErr(fmt.Errorf("imapwire: invalid flag %q", flag))
		return enc
	}
	return enc.writeString(string(flag))
}

// isValidFlag checks whether the provided string satisfies
// flag-keyword / flag-extension.
func isValidFlag(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\\' {
			if i != 0 {
				return false
			}
		} else if !IsAtomChar(ch) {
			return false
		}
	}
	return len(s) > 0
}

func (enc *Encoder) Number(v uint32) *Encoder {
	return enc.writeString(strconv.FormatUint(uint64(v), 10))
}

func (enc *Encoder) Number64(v uint64) *Encoder {
	return enc.writeString(strconv.FormatUint(v, 10))
}

func (enc *Encoder) UID(uid imapsync.UID) *Encoder {
	return enc.Number(uint32(uid))
}

// List writes a parenthesized list.
func (enc *Encoder) List(n int, f func(i int)) *Encoder {
	enc.Special('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			enc.SP()
		}
		f(i)
	}
	enc.Special(')')
	return enc
}

func (enc *Encoder) NIL() *Encoder {
	return enc.Atom("NIL")
}

func (enc *Encoder) Text(s string) *Encoder {
	return enc.writeString(s)
}

// Literal writes a literal. Without LITERAL+ the literal is synchronizing and
// its data starts a new segment.
func (enc *Encoder) Literal(data []byte) *Encoder {
	enc.writeString("{")
	enc.Number64(uint64(len(data)))
	if enc.LiteralPlus {
		enc.writeString("+")
	}
	enc.writeString("}\r\n")
	if enc.err != nil {
		return enc
	}
	if !enc.LiteralPlus {
		enc.flushSegment()
	}
	enc.buf.Write(data)
	return enc
}
