// Package imapwire implements the client side of the IMAP wire protocol.
//
// The IMAP wire protocol is defined in RFC 3501 section 4 and 9. Responses
// are split into frames by FrameSplitter, then parsed by ParseResponse.
// Commands are built with an Encoder.
package imapwire

import (
	"fmt"
	"strings"
)

// IsAtomChar returns true if ch is an ATOM-CHAR.
func IsAtomChar(ch byte) bool {
	switch ch {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	default:
		return ch > 0x1F && ch < 0x7F
	}
}

// ValidSection reports whether s is a section specifier made of a part
// number, optionally followed by HEADER, TEXT or MIME, or a bare HEADER or
// TEXT.
func ValidSection(s string) bool {
	switch s {
	case "HEADER", "TEXT":
		return true
	}
	part, text, _ := strings.Cut(s, ".")
	for {
		if !validPartNumber(part) {
			return false
		}
		if text == "" {
			return !strings.HasSuffix(s, ".")
		}
		switch text {
		case "HEADER", "TEXT", "MIME":
			return true
		}
		part, text, _ = strings.Cut(text, ".")
	}
}

func validPartNumber(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// DecodeError is returned when a frame cannot be parsed. Only the offending
// frame is lost, the following ones are parsed normally.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("imapwire: malformed response %q: %v", truncate(err.Frame, 120), err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
