// Package utf7 implements the modified UTF-7 encoding used for IMAP mailbox
// names, defined in RFC 3501 section 5.1.3.
package utf7

import (
	"encoding/base64"
	"errors"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

const (
	min = 0x20 // Minimum self-representing UTF-7 value
	max = 0x7E // Maximum self-representing UTF-7 value
)

// ErrInvalidUTF7 is returned when decoding a malformed string.
var ErrInvalidUTF7 = errors.New("utf7: invalid UTF-7")

var b64 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").
	WithPadding(base64.NoPadding).
	Strict()

// Encoding is the modified UTF-7 encoding. Mailbox names are short, so the
// transformers only work on complete inputs.
var Encoding encoding.Encoding = utf7Encoding{}

type utf7Encoding struct{}

func (utf7Encoding) NewDecoder() *encoding.Decoder {
	return &encoding.Decoder{Transformer: wholeTransformer(decode)}
}

func (utf7Encoding) NewEncoder() *encoding.Encoder {
	return &encoding.Encoder{Transformer: wholeTransformer(encode)}
}

// wholeTransformer buffers until EOF, then converts everything at once.
type wholeTransformer func(src []byte) ([]byte, error)

func (f wholeTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	if !atEOF {
		return 0, 0, transform.ErrShortSrc
	}
	out, err := f(src)
	if err != nil {
		return 0, 0, err
	}
	if len(out) > len(dst) {
		return 0, 0, transform.ErrShortDst
	}
	return copy(dst, out), len(src), nil
}

func (wholeTransformer) Reset() {}

// Encode converts a UTF-8 mailbox name to its wire form.
func Encode(s string) string {
	out, _ := encode([]byte(s))
	return string(out)
}

// Decode converts a mailbox name from its wire form to UTF-8.
func Decode(s string) (string, error) {
	out, err := decode([]byte(s))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func direct(r rune) bool {
	return r >= min && r <= max
}

func encode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRune(src[i:])
		if direct(r) {
			out = append(out, byte(r))
			if r == '&' {
				out = append(out, '-')
			}
			i += size
			continue
		}

		var units []uint16
		for i < len(src) {
			r, size = utf8.DecodeRune(src[i:])
			if direct(r) {
				break
			}
			units = utf16.AppendRune(units, r)
			i += size
		}
		raw := make([]byte, 0, 2*len(units))
		for _, u := range units {
			raw = append(raw, byte(u>>8), byte(u))
		}
		out = append(out, '&')
		n := len(out)
		out = append(out, make([]byte, b64.EncodedLen(len(raw)))...)
		b64.Encode(out[n:], raw)
		out = append(out, '-')
	}
	return out, nil
}

func decode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	afterShift := false
	for i := 0; i < len(src); {
		c := src[i]
		if c < min || c > max {
			return nil, ErrInvalidUTF7
		}
		if c != '&' {
			out = append(out, c)
			afterShift = false
			i++
			continue
		}

		end := i + 1
		for end < len(src) && src[end] != '-' {
			end++
		}
		if end == len(src) {
			return nil, ErrInvalidUTF7
		}
		if end == i+1 {
			out = append(out, '&')
			afterShift = false
			i = end + 1
			continue
		}
		// two adjacent shifted sequences must have been encoded as one
		if afterShift {
			return nil, ErrInvalidUTF7
		}

		runes, err := decodeShifted(src[i+1 : end])
		if err != nil {
			return nil, err
		}
		for _, r := range runes {
			out = utf8.AppendRune(out, r)
		}
		afterShift = true
		i = end + 1
	}
	return out, nil
}

func decodeShifted(b []byte) ([]rune, error) {
	// the base64 decoder silently skips CR and LF
	for _, c := range b {
		if c == '\r' || c == '\n' {
			return nil, ErrInvalidUTF7
		}
	}
	raw := make([]byte, b64.DecodedLen(len(b)))
	n, err := b64.Decode(raw, b)
	if err != nil || n%2 != 0 {
		return nil, ErrInvalidUTF7
	}
	raw = raw[:n]

	var runes []rune
	for i := 0; i < len(raw); i += 2 {
		u := rune(raw[i])<<8 | rune(raw[i+1])
		if utf16.IsSurrogate(u) {
			if u >= 0xDC00 || i+3 >= len(raw) {
				return nil, ErrInvalidUTF7
			}
			low := rune(raw[i+2])<<8 | rune(raw[i+3])
			u = utf16.DecodeRune(u, low)
			if u == utf8.RuneError {
				return nil, ErrInvalidUTF7
			}
			i += 2
		}
		if direct(u) {
			return nil, ErrInvalidUTF7
		}
		runes = append(runes, u)
	}
	return runes, nil
}
