package imapwire

import (
	"time"

	"github.com/emersion/go-imapsync"
)

// Response is a parsed server response.
type Response interface {
	response()
}

// StatusType is the status of a status response.
type StatusType string

const (
	StatusOK      StatusType = "OK"
	StatusNO      StatusType = "NO"
	StatusBAD     StatusType = "BAD"
	StatusBYE     StatusType = "BYE"
	StatusPREAUTH StatusType = "PREAUTH"
)

// ResponseCodeName is a response code name, such as "UIDVALIDITY".
type ResponseCodeName string

const (
	CodeAlert          ResponseCodeName = "ALERT"
	CodeCapability     ResponseCodeName = "CAPABILITY"
	CodeHighestModSeq  ResponseCodeName = "HIGHESTMODSEQ"
	CodePermanentFlags ResponseCodeName = "PERMANENTFLAGS"
	CodeReadOnly       ResponseCodeName = "READ-ONLY"
	CodeReadWrite      ResponseCodeName = "READ-WRITE"
	CodeTryCreate      ResponseCodeName = "TRYCREATE"
	CodeUIDNext        ResponseCodeName = "UIDNEXT"
	CodeUIDValidity    ResponseCodeName = "UIDVALIDITY"
	CodeUnseen         ResponseCodeName = "UNSEEN"
)

// ResponseCode is the bracketed code of a status response.
type ResponseCode struct {
	Name ResponseCodeName
	// Number is set for UIDVALIDITY, UIDNEXT, UNSEEN and HIGHESTMODSEQ
	Number uint64
	// Flags is set for PERMANENTFLAGS
	Flags []imapsync.Flag
	// Caps is set for CAPABILITY
	Caps []string
	// Arg holds the raw argument of unknown codes
	Arg string
}

// StatusResponse is an OK, NO, BAD, BYE or PREAUTH response. Tag is empty
// for untagged responses.
type StatusResponse struct {
	Tag  string
	Type StatusType
	Code *ResponseCode
	Text string
}

// NumberKind is the kind of a numeric-prefixed response without data.
type NumberKind string

const (
	NumberExists  NumberKind = "EXISTS"
	NumberRecent  NumberKind = "RECENT"
	NumberExpunge NumberKind = "EXPUNGE"
)

// NumberResponse is an EXISTS, RECENT or EXPUNGE response.
type NumberResponse struct {
	Kind   NumberKind
	Number uint32
}

// FlagsResponse is a FLAGS response.
type FlagsResponse struct {
	Flags []imapsync.Flag
}

// CapabilityResponse is a CAPABILITY response. Capabilities are upper-case.
type CapabilityResponse struct {
	Caps []string
}

// SearchResponse is a SEARCH response.
type SearchResponse struct {
	Nums []uint32
}

// ListResponse is a LIST or LSUB response.
type ListResponse struct {
	Mailbox imapsync.MailboxMetadata
}

// FetchResponse is a FETCH response. Only the attributes the server sent
// are set.
type FetchResponse struct {
	SeqNum        uint32
	UID           imapsync.UID
	Flags         []imapsync.Flag
	HasFlags      bool
	Envelope      *imapsync.Envelope
	BodyStructure *imapsync.BodyStructure
	Size          uint32
	HasSize       bool
	InternalDate  time.Time
	ModSeq        uint64
	// Sections maps a body section specifier such as "1.2" or "HEADER" to
	// its data
	Sections map[string][]byte
}

// ContinuationRequest is a "+" response.
type ContinuationRequest struct {
	Text string
}

// UnknownResponse is any other untagged response.
type UnknownResponse struct {
	Name   string
	Number uint32
}

func (*StatusResponse) response()      {}
func (*NumberResponse) response()      {}
func (*FlagsResponse) response()       {}
func (*CapabilityResponse) response()  {}
func (*SearchResponse) response()      {}
func (*ListResponse) response()        {}
func (*FetchResponse) response()       {}
func (*ContinuationRequest) response() {}
func (*UnknownResponse) response()     {}
