package imapsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Envelope is the structured summary of a message header.
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []*mail.Address
	Sender    []*mail.Address
	ReplyTo   []*mail.Address
	To        []*mail.Address
	Cc        []*mail.Address
	Bcc       []*mail.Address
	InReplyTo string
	MessageID string
}

// Equal compares envelopes field by field.
func (env *Envelope) Equal(other *Envelope) bool {
	return env.Date.Equal(other.Date) &&
		env.Subject == other.Subject &&
		addressListEqual(env.From, other.From) &&
		addressListEqual(env.Sender, other.Sender) &&
		addressListEqual(env.ReplyTo, other.ReplyTo) &&
		addressListEqual(env.To, other.To) &&
		addressListEqual(env.Cc, other.Cc) &&
		addressListEqual(env.Bcc, other.Bcc) &&
		env.InReplyTo == other.InReplyTo &&
		env.MessageID == other.MessageID
}

func addressListEqual(a, b []*mail.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Address != b[i].Address {
			return false
		}
	}
	return true
}

// NewAddress builds an address from the four envelope address fields. The
// display name may carry RFC 2047 encoded-words.
func NewAddress(name, mailbox, host string) *mail.Address {
	addr := mailbox
	if host != "" {
		addr += "@" + host
	}
	return &mail.Address{Name: DecodeHeaderText(name), Address: addr}
}

// DecodeHeaderText decodes RFC 2047 encoded-words. The input is returned
// unchanged if it cannot be decoded.
func DecodeHeaderText(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	var h mail.Header
	h.Set("Subject", s)
	text, err := h.Subject()
	if err != nil {
		return s
	}
	return text
}

// ParseDate parses an RFC 5322 date. The zero time is returned on failure.
func ParseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	var h mail.Header
	h.Set("Date", s)
	t, err := h.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// BodyStructure describes the MIME structure of a message, as returned by
// FETCH BODYSTRUCTURE.
type BodyStructure struct {
	MIMEType    string            `json:"type"`
	MIMESubType string            `json:"subtype"`
	Params      map[string]string `json:"params,omitempty"`
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description,omitempty"`
	Encoding    string            `json:"encoding,omitempty"`
	Size        uint32            `json:"size,omitempty"`
	Lines       uint32            `json:"lines,omitempty"`

	// Set for multipart bodies
	Children []*BodyStructure `json:"children,omitempty"`

	// Set for message/rfc822 bodies
	Envelope *Envelope     `json:"envelope,omitempty"`
	Body     *BodyStructure `json:"body,omitempty"`

	Disposition       string            `json:"disposition,omitempty"`
	DispositionParams map[string]string `json:"dispositionParams,omitempty"`
}

// Multipart reports whether the body is a multipart container.
func (bs *BodyStructure) Multipart() bool {
	return strings.EqualFold(bs.MIMEType, "multipart")
}

// MediaType returns the lower-case "type/subtype" string.
func (bs *BodyStructure) MediaType() string {
	return strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType)
}

// Walk calls f for every part with its IMAP part specifier, depth-first.
// Multipart containers are visited too, except the top-level one which has
// no specifier.
func (bs *BodyStructure) Walk(f func(id string, part *BodyStructure)) {
	if bs.Multipart() {
		walkChildren("", bs.Children, f)
	} else {
		walkPart("1", bs, f)
	}
}

func walkChildren(prefix string, children []*BodyStructure, f func(string, *BodyStructure)) {
	for i, child := range children {
		id := strconv.Itoa(i + 1)
		if prefix != "" {
			id = prefix + "." + id
		}
		walkPart(id, child, f)
	}
}

func walkPart(id string, part *BodyStructure, f func(string, *BodyStructure)) {
	f(id, part)
	switch {
	case part.Multipart():
		walkChildren(id, part.Children, f)
	case part.Body != nil:
		if part.Body.Multipart() {
			walkChildren(id, part.Body.Children, f)
		} else {
			walkPart(id+".1", part.Body, f)
		}
	}
}

// PartIDs lists the specifiers of all leaf parts. An embedded message counts
// as a leaf, its own parts are listed after it.
func (bs *BodyStructure) PartIDs() []string {
	var ids []string
	bs.Walk(func(id string, part *BodyStructure) {
		if !part.Multipart() {
			ids = append(ids, id)
		}
	})
	return ids
}

// Part looks up a part by its specifier.
func (bs *BodyStructure) Part(id string) *BodyStructure {
	var found *BodyStructure
	bs.Walk(func(partID string, part *BodyStructure) {
		if found == nil && partID == id {
			found = part
		}
	})
	return found
}

// MarshalBodyStructure serializes a body structure for storage.
func MarshalBodyStructure(bs *BodyStructure) ([]byte, error) {
	if bs == nil {
		return nil, nil
	}
	return json.Marshal(bs)
}

// DecodePart undoes the transfer encoding of a raw part body and converts
// textual parts to UTF-8.
func DecodePart(part *BodyStructure, raw []byte) ([]byte, error) {
	var h message.Header
	h.SetContentType(part.MediaType(), part.Params)
	if part.Encoding != "" {
		h.Set("Content-Transfer-Encoding", part.Encoding)
	}
	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("decoding part: %w", err)
	}
	return io.ReadAll(entity.Body)
}

// MessageDataBundle holds the metadata of one message.
type MessageDataBundle struct {
	UID                     UID
	Envelope                Envelope
	SerializedBodyStructure []byte
	Size                    uint32
}

// IsZero reports whether the bundle is empty. A real bundle always has a UID.
func (b *MessageDataBundle) IsZero() bool {
	return b.UID == 0
}

// Equal compares bundles field by field.
func (b *MessageDataBundle) Equal(other *MessageDataBundle) bool {
	return b.UID == other.UID &&
		b.Size == other.Size &&
		bytes.Equal(b.SerializedBodyStructure, other.SerializedBodyStructure) &&
		b.Envelope.Equal(&other.Envelope)
}

// BodyStructure decodes the serialized body structure.
func (b *MessageDataBundle) BodyStructure() (*BodyStructure, error) {
	if len(b.SerializedBodyStructure) == 0 {
		return nil, nil
	}
	var bs BodyStructure
	if err := json.Unmarshal(b.SerializedBodyStructure, &bs); err != nil {
		return nil, fmt.Errorf("decoding body structure: %w", err)
	}
	return &bs, nil
}
