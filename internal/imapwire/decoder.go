package imapwire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/internal/utf7"
)

// Atom is an unquoted token found in a generic value, such as a number or a
// flag. Quoted strings and literals are decoded as plain strings.
type Atom string

// A Decoder reads IMAP data.
//
// Most methods return a bool indicating whether a token was consumed. Errors
// are sticky and can be retrieved with Err.
type Decoder struct {
	r   *bufio.Reader
	err error
}

func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// NewFrameDecoder creates a decoder over a single complete frame.
func NewFrameDecoder(frame []byte) *Decoder {
	return NewDecoder(bufio.NewReaderSize(bytes.NewReader(frame), 4096))
}

func (dec *Decoder) mustUnreadByte() {
	if err := dec.r.UnreadByte(); err != nil {
		panic(fmt.Errorf("imapwire: failed to unread byte: %v", err))
	}
}

func (dec *Decoder) Err() error {
	return dec.err
}

func (dec *Decoder) returnErr(err error) bool {
	if err == nil {
		return true
	}
	if dec.err == nil {
		dec.err = err
	}
	return false
}

func (dec *Decoder) readByte() (byte, bool) {
	b, err := dec.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return b, dec.returnErr(err)
	}
	return b, true
}

func (dec *Decoder) peekByte() (byte, bool) {
	b, err := dec.r.Peek(1)
	if err != nil {
		return 0, false
	}
	return b[0], true
}

func (dec *Decoder) acceptByte(want byte) bool {
	got, ok := dec.peekByte()
	if !ok || got != want {
		return false
	}
	dec.r.ReadByte()
	return true
}

// EOF returns true if end-of-file is reached.
func (dec *Decoder) EOF() bool {
	_, ok := dec.peekByte()
	return !ok
}

// Expect sets the decoder error if ok is false.
func (dec *Decoder) Expect(ok bool, name string) bool {
	if !ok {
		err := fmt.Errorf("expected %v", name)
		if b, ok := dec.peekByte(); ok {
			err = fmt.Errorf("%v, got %q", err, string(b))
		}
		return dec.returnErr(err)
	}
	return true
}

func (dec *Decoder) SP() bool {
	return dec.acceptByte(' ')
}

func (dec *Decoder) ExpectSP() bool {
	return dec.Expect(dec.SP(), "SP")
}

// CRLF consumes a line ending. A bare LF is tolerated.
func (dec *Decoder) CRLF() bool {
	dec.acceptByte('\r')
	return dec.acceptByte('\n')
}

func (dec *Decoder) ExpectCRLF() bool {
	return dec.Expect(dec.CRLF(), "CRLF")
}

// Func reads a token made of bytes accepted by valid.
func (dec *Decoder) Func(ptr *string, valid func(ch byte) bool) bool {
	var sb strings.Builder
	for {
		b, ok := dec.peekByte()
		if !ok || !valid(b) {
			break
		}
		dec.r.ReadByte()
		sb.WriteByte(b)
	}
	if sb.Len() == 0 {
		return false
	}
	*ptr = sb.String()
	return true
}

func (dec *Decoder) Atom(ptr *string) bool {
	return dec.Func(ptr, IsAtomChar)
}

func (dec *Decoder) ExpectAtom(ptr *string) bool {
	return dec.Expect(dec.Atom(ptr), "atom")
}

func (dec *Decoder) Special(b byte) bool {
	return dec.acceptByte(b)
}

func (dec *Decoder) ExpectSpecial(b byte) bool {
	return dec.Expect(dec.Special(b), fmt.Sprintf("'%v'", string(b)))
}

// Text reads everything up to the end of the line.
func (dec *Decoder) Text(ptr *string) bool {
	return dec.Func(ptr, func(ch byte) bool {
		return ch != '\r' && ch != '\n'
	})
}

// Skip consumes bytes until untilCh, which is left unread.
func (dec *Decoder) Skip(untilCh byte) {
	var discard string
	dec.Func(&discard, func(ch byte) bool {
		return ch != untilCh
	})
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func (dec *Decoder) Number64() (uint64, bool) {
	var s string
	if !dec.Func(&s, isDigit) {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, dec.returnErr(fmt.Errorf("number %q: %w", s, err))
	}
	return v, true
}

func (dec *Decoder) ExpectNumber64() (uint64, bool) {
	v, ok := dec.Number64()
	return v, dec.Expect(ok, "number64")
}

func (dec *Decoder) Number() (uint32, bool) {
	var s string
	if !dec.Func(&s, isDigit) {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, dec.returnErr(fmt.Errorf("number %q: %w", s, err))
	}
	return uint32(v), true
}

func (dec *Decoder) ExpectNumber() (uint32, bool) {
	v, ok := dec.Number()
	return v, dec.Expect(ok, "number")
}

func (dec *Decoder) Quoted(ptr *string) bool {
	if !dec.Special('"') {
		return false
	}
	var sb strings.Builder
	for {
		ch, ok := dec.readByte()
		if !ok {
			return false
		}
		switch ch {
		case '"':
			*ptr = sb.String()
			return true
		case '\\':
			ch, ok = dec.readByte()
			if !ok {
				return false
			}
		case '\r', '\n':
			return dec.returnErr(errors.New("CRLF in quoted string"))
		}
		sb.WriteByte(ch)
	}
}

// Literal reads a literal, synchronizing or not.
func (dec *Decoder) Literal(ptr *[]byte) bool {
	if !dec.Special('{') {
		return false
	}
	size, ok := dec.ExpectNumber64()
	if !ok {
		return false
	}
	dec.Special('+')
	if !dec.ExpectSpecial('}') || !dec.ExpectCRLF() {
		return false
	}
	if size > MaxLiteralSize {
		return dec.returnErr(fmt.Errorf("literal of %v bytes is too large", size))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(dec.r, buf); err != nil {
		return dec.returnErr(fmt.Errorf("reading literal: %w", err))
	}
	*ptr = buf
	return true
}

// String reads a quoted string or a literal.
func (dec *Decoder) String(ptr *string) bool {
	var lit []byte
	switch {
	case dec.Quoted(ptr):
		return true
	case dec.Literal(&lit):
		*ptr = string(lit)
		return true
	default:
		return false
	}
}

func (dec *Decoder) ExpectString(ptr *string) bool {
	return dec.Expect(dec.String(ptr), "string")
}

// AString reads an atom, a quoted string or a literal. Unlike atoms,
// astrings may contain ']'.
func (dec *Decoder) AString(ptr *string) bool {
	if dec.String(ptr) {
		return true
	}
	return dec.Func(ptr, func(ch byte) bool {
		return IsAtomChar(ch) || ch == ']'
	})
}

func (dec *Decoder) ExpectAString(ptr *string) bool {
	return dec.Expect(dec.AString(ptr), "astring")
}

// NString reads a string or NIL. The returned bool is false for NIL.
func (dec *Decoder) NString(ptr *[]byte) (isNil, ok bool) {
	var s string
	switch {
	case dec.Literal(ptr):
		return false, true
	case dec.Quoted(&s):
		*ptr = []byte(s)
		return false, true
	case dec.Func(&s, IsAtomChar) && strings.EqualFold(s, "NIL"):
		return true, true
	default:
		return false, dec.Expect(false, "nstring")
	}
}

// ExpectNString reads a string, NIL decoding to "".
func (dec *Decoder) ExpectNString(ptr *string) bool {
	var b []byte
	if _, ok := dec.NString(&b); !ok {
		return false
	}
	*ptr = string(b)
	return true
}

// Mailbox reads a mailbox name and decodes it from modified UTF-7.
func (dec *Decoder) Mailbox(ptr *string) bool {
	var name string
	if !dec.ExpectAString(&name) {
		return false
	}
	if strings.EqualFold(name, imapsync.InboxName) {
		*ptr = imapsync.InboxName
		return true
	}
	decoded, err := utf7.Decode(name)
	if err != nil {
		// Some servers send raw UTF-8, keep the name as is
		decoded = name
	}
	*ptr = decoded
	return true
}

// List reads a parenthesized list, calling f for each element. Nested lists
// may follow each other without a separating SP, as in address lists and
// multipart body structures.
func (dec *Decoder) List(f func() error) (isList bool, err error) {
	if !dec.Special('(') {
		return false, nil
	}
	if dec.Special(')') {
		return true, nil
	}
	for {
		if err := f(); err != nil {
			return true, err
		}
		if dec.Special(')') {
			return true, nil
		}
		if b, ok := dec.peekByte(); ok && b == '(' {
			continue
		}
		if !dec.ExpectSP() {
			return true, dec.Err()
		}
	}
}

func (dec *Decoder) ExpectList(f func() error) error {
	isList, err := dec.List(f)
	if err != nil {
		return err
	} else if !dec.Expect(isList, "(") {
		return dec.Err()
	}
	return nil
}

// ExpectFlag reads a flag, including the "\*" permanent flag wildcard.
func (dec *Decoder) ExpectFlag(ptr *imapsync.Flag) bool {
	isSystem := dec.Special('\\')
	if isSystem && dec.Special('*') {
		*ptr = imapsync.FlagWildcard
		return true
	}
	var name string
	if !dec.ExpectAtom(&name) {
		return false
	}
	if isSystem {
		name = "\\" + name
	}
	*ptr = imapsync.Flag(name)
	return true
}

// ExpectFlagList reads a parenthesized list of flags.
func (dec *Decoder) ExpectFlagList(ptr *[]imapsync.Flag) bool {
	flags := []imapsync.Flag{}
	err := dec.ExpectList(func() error {
		var flag imapsync.Flag
		if !dec.ExpectFlag(&flag) {
			return dec.Err()
		}
		flags = append(flags, flag)
		return nil
	})
	if err != nil {
		return dec.returnErr(err)
	}
	*ptr = flags
	return true
}

func isValueChar(ch byte) bool {
	switch ch {
	case ' ', '(', ')', '\r', '\n':
		return false
	default:
		return true
	}
}

// Value reads any generic value: NIL, an atom, a string, a literal or a
// list. NIL decodes to nil, lists to []interface{}.
func (dec *Decoder) Value() (interface{}, bool) {
	var s string
	var lit []byte
	switch {
	case dec.Quoted(&s):
		return s, true
	case dec.Literal(&lit):
		return string(lit), true
	}

	var list []interface{}
	isList, err := dec.List(func() error {
		v, ok := dec.Value()
		if !ok {
			return dec.Err()
		}
		list = append(list, v)
		return nil
	})
	if err != nil {
		return nil, dec.returnErr(err)
	} else if isList {
		if list == nil {
			list = []interface{}{}
		}
		return list, true
	}

	if !dec.Func(&s, isValueChar) {
		return nil, dec.Expect(false, "value")
	}
	if strings.EqualFold(s, "NIL") {
		return nil, true
	}
	return Atom(s), true
}
