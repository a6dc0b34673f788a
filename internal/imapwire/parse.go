package imapwire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imapsync"
)

// ParseResponse parses one complete frame, as returned by FrameSplitter.
// Errors are *DecodeError.
func ParseResponse(frame []byte) (Response, error) {
	dec := NewFrameDecoder(frame)
	resp, err := readResponse(dec)
	if err == nil && dec.Err() != nil {
		err = dec.Err()
	}
	if err == nil && !dec.ExpectCRLF() {
		err = dec.Err()
	}
	if err == nil && !dec.EOF() {
		err = fmt.Errorf("trailing data after CRLF")
	}
	if err != nil {
		return nil, &DecodeError{Frame: frame, Err: err}
	}
	return resp, nil
}

func readResponse(dec *Decoder) (Response, error) {
	if dec.Special('+') {
		var text string
		if dec.SP() {
			dec.Text(&text)
		}
		return &ContinuationRequest{Text: text}, nil
	}

	var tag, typ string
	if !dec.Expect(dec.Special('*') || dec.Atom(&tag), "'*' or atom") {
		return nil, fmt.Errorf("in response: cannot read tag: %v", dec.Err())
	}
	if !dec.ExpectSP() {
		return nil, fmt.Errorf("in response: %v", dec.Err())
	}
	if !dec.ExpectAtom(&typ) {
		return nil, fmt.Errorf("in response: cannot read type: %v", dec.Err())
	}
	typ = strings.ToUpper(typ)

	if tag != "" {
		resp, err := readStatus(dec, typ)
		if err != nil {
			return nil, fmt.Errorf("in response-tagged: %v", err)
		}
		switch resp.Type {
		case StatusOK, StatusNO, StatusBAD:
		default:
			return nil, fmt.Errorf("in resp-cond-state: expected OK, NO or BAD status condition, but got %v", typ)
		}
		resp.Tag = tag
		return resp, nil
	}

	resp, err := readResponseData(dec, typ)
	if err != nil {
		return nil, fmt.Errorf("in response-data: %v", err)
	}
	return resp, nil
}

func readResponseData(dec *Decoder, typ string) (Response, error) {
	// number SP "EXISTS" / number SP "RECENT" / ...
	var num uint32
	hasNum := false
	if typ[0] >= '0' && typ[0] <= '9' {
		v, err := strconv.ParseUint(typ, 10, 32)
		if err != nil {
			return nil, err
		}
		num, hasNum = uint32(v), true
		if !dec.ExpectSP() || !dec.ExpectAtom(&typ) {
			return nil, dec.Err()
		}
		typ = strings.ToUpper(typ)
	}

	switch typ {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
		if hasNum {
			return nil, fmt.Errorf("unexpected number before %v", typ)
		}
		return readStatus(dec, typ)
	case "CAPABILITY":
		caps, err := readCapabilities(dec)
		if err != nil {
			return nil, err
		}
		return &CapabilityResponse{Caps: caps}, nil
	case "FLAGS":
		var flags []imapsync.Flag
		if !dec.ExpectSP() || !dec.ExpectFlagList(&flags) {
			return nil, dec.Err()
		}
		return &FlagsResponse{Flags: flags}, nil
	case "SEARCH":
		return readSearch(dec)
	case "LIST", "LSUB":
		return readList(dec)
	case string(NumberExists), string(NumberRecent), string(NumberExpunge):
		if !hasNum {
			return nil, fmt.Errorf("missing number before %v", typ)
		}
		return &NumberResponse{Kind: NumberKind(typ), Number: num}, nil
	case "FETCH":
		if !hasNum {
			return nil, fmt.Errorf("missing number before FETCH")
		}
		if !dec.ExpectSP() {
			return nil, dec.Err()
		}
		resp := &FetchResponse{SeqNum: num}
		if err := readMsgAtt(dec, resp); err != nil {
			return nil, fmt.Errorf("in msg-att: %v", err)
		}
		return resp, nil
	default:
		// STATUS, ENABLED, ID, NAMESPACE and friends
		for dec.SP() {
			if _, ok := dec.Value(); !ok {
				return nil, dec.Err()
			}
		}
		return &UnknownResponse{Name: typ, Number: num}, nil
	}
}

// readStatus reads the resp-text following a status condition.
func readStatus(dec *Decoder, typ string) (*StatusResponse, error) {
	resp := &StatusResponse{Type: StatusType(typ)}
	if !dec.SP() {
		// some servers omit the text entirely
		return resp, nil
	}
	if dec.Special('[') {
		code, err := readRespCode(dec)
		if err != nil {
			return nil, fmt.Errorf("in resp-text-code: %v", err)
		}
		if !dec.ExpectSpecial(']') {
			return nil, fmt.Errorf("in resp-text: %v", dec.Err())
		}
		resp.Code = code
		dec.SP()
	}
	dec.Text(&resp.Text)
	return resp, nil
}

func readRespCode(dec *Decoder) (*ResponseCode, error) {
	var name string
	if !dec.ExpectAtom(&name) {
		return nil, dec.Err()
	}
	code := &ResponseCode{Name: ResponseCodeName(strings.ToUpper(name))}
	switch code.Name {
	case CodeUIDValidity, CodeUIDNext, CodeUnseen, CodeHighestModSeq:
		if !dec.ExpectSP() {
			return nil, dec.Err()
		}
		n, ok := dec.ExpectNumber64()
		if !ok {
			return nil, dec.Err()
		}
		code.Number = n
	case CodePermanentFlags:
		if !dec.ExpectSP() || !dec.ExpectFlagList(&code.Flags) {
			return nil, dec.Err()
		}
	case CodeCapability:
		caps, err := readCapabilities(dec)
		if err != nil {
			return nil, err
		}
		code.Caps = caps
	default: // [SP 1*<any TEXT-CHAR except "]">]
		if dec.SP() {
			dec.Func(&code.Arg, func(ch byte) bool {
				return ch != ']' && ch != '\r' && ch != '\n'
			})
		}
	}
	return code, nil
}

func readCapabilities(dec *Decoder) ([]string, error) {
	var caps []string
	for dec.SP() {
		var name string
		if !dec.ExpectAtom(&name) {
			return caps, dec.Err()
		}
		caps = append(caps, strings.ToUpper(name))
	}
	return caps, nil
}

func readSearch(dec *Decoder) (*SearchResponse, error) {
	resp := &SearchResponse{}
	for dec.SP() {
		// CONDSTORE appends "(MODSEQ n)"
		if b, ok := dec.peekByte(); ok && b == '(' {
			if _, ok := dec.Value(); !ok {
				return nil, dec.Err()
			}
			continue
		}
		num, ok := dec.ExpectNumber()
		if !ok {
			return nil, dec.Err()
		}
		resp.Nums = append(resp.Nums, num)
	}
	return resp, nil
}

func readList(dec *Decoder) (*ListResponse, error) {
	var mbox imapsync.MailboxMetadata
	if !dec.ExpectSP() {
		return nil, dec.Err()
	}
	err := dec.ExpectList(func() error {
		var attr imapsync.Flag
		if !dec.ExpectFlag(&attr) {
			return dec.Err()
		}
		mbox.Attributes = append(mbox.Attributes, string(attr))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("in mbx-list-flags: %v", err)
	}

	if !dec.ExpectSP() {
		return nil, dec.Err()
	}
	var delim []byte
	isNil, ok := dec.NString(&delim)
	if !ok {
		return nil, fmt.Errorf("in delimiter: %v", dec.Err())
	}
	if !isNil {
		mbox.Delimiter = string(delim)
	}

	if !dec.ExpectSP() || !dec.Mailbox(&mbox.Name) {
		return nil, dec.Err()
	}

	// mailbox-list-extended
	for dec.SP() {
		if _, ok := dec.Value(); !ok {
			return nil, dec.Err()
		}
	}
	return &ListResponse{Mailbox: mbox}, nil
}
