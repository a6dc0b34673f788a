package imapwire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/emersion/go-imapsync"
)

const dateTimeLayout = "_2-Jan-2006 15:04:05 -0700"

func isMsgAttNameChar(ch byte) bool {
	return ch != '[' && IsAtomChar(ch)
}

func readMsgAtt(dec *Decoder, resp *FetchResponse) error {
	return dec.ExpectList(func() error {
		var attName string
		if !dec.Expect(dec.Func(&attName, isMsgAttNameChar), "msg-att name") {
			return dec.Err()
		}
		attName = strings.ToUpper(attName)

		switch attName {
		case "FLAGS":
			if !dec.ExpectSP() || !dec.ExpectFlagList(&resp.Flags) {
				return dec.Err()
			}
			resp.HasFlags = true
		case "UID":
			if !dec.ExpectSP() {
				return dec.Err()
			}
			uid, ok := dec.ExpectNumber()
			if !ok {
				return dec.Err()
			}
			resp.UID = imapsync.UID(uid)
		case "RFC822.SIZE":
			if !dec.ExpectSP() {
				return dec.Err()
			}
			size, ok := dec.ExpectNumber()
			if !ok {
				return dec.Err()
			}
			resp.Size, resp.HasSize = size, true
		case "ENVELOPE":
			if !dec.ExpectSP() {
				return dec.Err()
			}
			env, err := readEnvelope(dec)
			if err != nil {
				return fmt.Errorf("in envelope: %v", err)
			}
			resp.Envelope = env
		case "INTERNALDATE":
			var s string
			if !dec.ExpectSP() || !dec.Expect(dec.Quoted(&s), "date-time") {
				return dec.Err()
			}
			t, err := time.Parse(dateTimeLayout, s)
			if err != nil {
				return fmt.Errorf("in date-time: %v", err)
			}
			resp.InternalDate = t
		case "MODSEQ":
			if !dec.ExpectSP() || !dec.ExpectSpecial('(') {
				return dec.Err()
			}
			modSeq, ok := dec.ExpectNumber64()
			if !ok || !dec.ExpectSpecial(')') {
				return dec.Err()
			}
			resp.ModSeq = modSeq
		case "BODY", "BODYSTRUCTURE", "RFC822", "RFC822.TEXT", "RFC822.HEADER", "BINARY":
			if dec.Special('[') {
				return readBodySection(dec, resp)
			}
			if !dec.ExpectSP() {
				return dec.Err()
			}
			switch attName {
			case "BODY", "BODYSTRUCTURE":
				v, ok := dec.Value()
				if !ok {
					return dec.Err()
				}
				bs, err := bodyStructureFromValue(v)
				if err != nil {
					return fmt.Errorf("in body: %v", err)
				}
				resp.BodyStructure = bs
			default:
				return readSectionData(dec, resp, attName)
			}
		default:
			if !dec.ExpectSP() {
				return dec.Err()
			}
			if _, ok := dec.Value(); !ok {
				return dec.Err()
			}
		}
		return nil
	})
}

// readBodySection reads `section ["<" number ">"] SP nstring`, the opening
// bracket being already consumed.
func readBodySection(dec *Decoder, resp *FetchResponse) error {
	var section string
	dec.Func(&section, func(ch byte) bool {
		return ch != ']' && ch != '\r' && ch != '\n'
	})
	if !dec.ExpectSpecial(']') {
		return dec.Err()
	}
	if dec.Special('<') {
		if _, ok := dec.ExpectNumber(); !ok || !dec.ExpectSpecial('>') {
			return dec.Err()
		}
	}
	if !dec.ExpectSP() {
		return dec.Err()
	}
	return readSectionData(dec, resp, strings.ToUpper(section))
}

func readSectionData(dec *Decoder, resp *FetchResponse, section string) error {
	var data []byte
	isNil, ok := dec.NString(&data)
	if !ok {
		return dec.Err()
	}
	if isNil {
		data = nil
	} else if data == nil {
		data = []byte{}
	}
	if resp.Sections == nil {
		resp.Sections = make(map[string][]byte)
	}
	resp.Sections[section] = data
	return nil
}

func readEnvelope(dec *Decoder) (*imapsync.Envelope, error) {
	var (
		env           imapsync.Envelope
		date, subject string
	)
	if !dec.ExpectSpecial('(') {
		return nil, dec.Err()
	}
	if !dec.ExpectNString(&date) || !dec.ExpectSP() || !dec.ExpectNString(&subject) || !dec.ExpectSP() {
		return nil, dec.Err()
	}
	env.Date = imapsync.ParseDate(date)
	env.Subject = imapsync.DecodeHeaderText(subject)

	addrLists := []struct {
		name string
		out  *[]*mail.Address
	}{
		{"env-from", &env.From},
		{"env-sender", &env.Sender},
		{"env-reply-to", &env.ReplyTo},
		{"env-to", &env.To},
		{"env-cc", &env.Cc},
		{"env-bcc", &env.Bcc},
	}
	for _, addrList := range addrLists {
		l, err := readAddressList(dec)
		if err != nil {
			return nil, fmt.Errorf("in %v: %v", addrList.name, err)
		} else if !dec.ExpectSP() {
			return nil, dec.Err()
		}
		*addrList.out = l
	}

	if !dec.ExpectNString(&env.InReplyTo) || !dec.ExpectSP() || !dec.ExpectNString(&env.MessageID) {
		return nil, dec.Err()
	}
	if !dec.ExpectSpecial(')') {
		return nil, dec.Err()
	}
	return &env, nil
}

func readAddressList(dec *Decoder) ([]*mail.Address, error) {
	var l []*mail.Address
	isList, err := dec.List(func() error {
		addr, err := readAddress(dec)
		if err != nil {
			return err
		}
		if addr != nil {
			l = append(l, addr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !isList {
		var nilAtom string
		if !dec.Expect(dec.Atom(&nilAtom) && strings.EqualFold(nilAtom, "NIL"), "address list or NIL") {
			return nil, dec.Err()
		}
	}
	return l, nil
}

// readAddress returns nil for the group start and end markers.
func readAddress(dec *Decoder) (*mail.Address, error) {
	var name, obsRoute, mailbox, host string
	ok := dec.ExpectSpecial('(') &&
		dec.ExpectNString(&name) && dec.ExpectSP() &&
		dec.ExpectNString(&obsRoute) && dec.ExpectSP() &&
		dec.ExpectNString(&mailbox) && dec.ExpectSP() &&
		dec.ExpectNString(&host) && dec.ExpectSpecial(')')
	if !ok {
		return nil, fmt.Errorf("in address: %v", dec.Err())
	}
	if host == "" {
		return nil, nil
	}
	return imapsync.NewAddress(name, mailbox, host), nil
}

func valueString(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case Atom:
		return string(v)
	default:
		return ""
	}
}

func valueNumber(v interface{}) uint32 {
	n, _ := strconv.ParseUint(valueString(v), 10, 32)
	return uint32(n)
}

func valueParams(v interface{}) map[string]string {
	list, _ := v.([]interface{})
	if len(list) < 2 {
		return nil
	}
	params := make(map[string]string, len(list)/2)
	for i := 0; i+1 < len(list); i += 2 {
		params[strings.ToLower(valueString(list[i]))] = valueString(list[i+1])
	}
	return params
}

func valueDisposition(bs *imapsync.BodyStructure, v interface{}) {
	list, _ := v.([]interface{})
	if len(list) < 1 {
		return
	}
	bs.Disposition = strings.ToLower(valueString(list[0]))
	if len(list) > 1 {
		bs.DispositionParams = valueParams(list[1])
	}
}

func bodyStructureFromValue(v interface{}) (*imapsync.BodyStructure, error) {
	fields, ok := v.([]interface{})
	if !ok || len(fields) == 0 {
		return nil, fmt.Errorf("body is not a list")
	}

	// body-type-mpart: 1*body SP media-subtype [SP body-ext-mpart]
	if _, isList := fields[0].([]interface{}); isList {
		bs := &imapsync.BodyStructure{MIMEType: "multipart"}
		i := 0
		for ; i < len(fields); i++ {
			if _, isList := fields[i].([]interface{}); !isList {
				break
			}
			child, err := bodyStructureFromValue(fields[i])
			if err != nil {
				return nil, err
			}
			bs.Children = append(bs.Children, child)
		}
		if i >= len(fields) {
			return nil, fmt.Errorf("multipart body without subtype")
		}
		bs.MIMESubType = strings.ToLower(valueString(fields[i]))
		ext := fields[i+1:]
		if len(ext) > 0 {
			bs.Params = valueParams(ext[0])
		}
		if len(ext) > 1 {
			valueDisposition(bs, ext[1])
		}
		return bs, nil
	}

	// body-type-1part: media-type SP body-fields [...]
	if len(fields) < 7 {
		return nil, fmt.Errorf("single-part body with %v fields", len(fields))
	}
	bs := &imapsync.BodyStructure{
		MIMEType:    strings.ToLower(valueString(fields[0])),
		MIMESubType: strings.ToLower(valueString(fields[1])),
		Params:      valueParams(fields[2]),
		ID:          valueString(fields[3]),
		Description: valueString(fields[4]),
		Encoding:    strings.ToLower(valueString(fields[5])),
		Size:        valueNumber(fields[6]),
	}
	rest := fields[7:]
	switch {
	case bs.MediaType() == "message/rfc822" && len(rest) >= 3:
		env, err := envelopeFromValue(rest[0])
		if err != nil {
			return nil, err
		}
		body, err := bodyStructureFromValue(rest[1])
		if err != nil {
			return nil, err
		}
		bs.Envelope, bs.Body = env, body
		bs.Lines = valueNumber(rest[2])
		rest = rest[3:]
	case bs.MIMEType == "text" && len(rest) >= 1:
		bs.Lines = valueNumber(rest[0])
		rest = rest[1:]
	}
	// body-ext-1part: md5, disposition, language, location
	if len(rest) > 1 {
		valueDisposition(bs, rest[1])
	}
	return bs, nil
}

func envelopeFromValue(v interface{}) (*imapsync.Envelope, error) {
	fields, ok := v.([]interface{})
	if !ok || len(fields) < 10 {
		return nil, fmt.Errorf("malformed envelope")
	}
	env := &imapsync.Envelope{
		Date:      imapsync.ParseDate(valueString(fields[0])),
		Subject:   imapsync.DecodeHeaderText(valueString(fields[1])),
		InReplyTo: valueString(fields[8]),
		MessageID: valueString(fields[9]),
	}
	outs := []*[]*mail.Address{&env.From, &env.Sender, &env.ReplyTo, &env.To, &env.Cc, &env.Bcc}
	for i, out := range outs {
		list, _ := fields[2+i].([]interface{})
		for _, item := range list {
			parts, _ := item.([]interface{})
			if len(parts) < 4 || parts[3] == nil {
				continue
			}
			*out = append(*out, imapsync.NewAddress(valueString(parts[0]), valueString(parts[2]), valueString(parts[3])))
		}
	}
	return env, nil
}
