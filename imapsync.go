// Package imapsync keeps a local mirror of IMAP mailboxes in sync with a
// server.
//
// The types in this package are shared by the wire codec, the cache and the
// model which drives synchronization. The model lives in the model
// sub-package.
package imapsync

import (
	"slices"
	"strings"
)

// InboxName is the name of the primary mailbox, defined in RFC 3501 section
// 5.1. It is case-insensitive.
const InboxName = "INBOX"

// CanonicalMailboxName returns the canonical form of a mailbox name.
func CanonicalMailboxName(name string) string {
	if strings.EqualFold(name, InboxName) {
		return InboxName
	}
	return name
}

// UID is a message unique identifier, stable within one UIDVALIDITY epoch.
type UID uint32

// Flag is a message flag.
//
// Message flags are defined in RFC 3501 section 2.3.2.
type Flag string

const (
	// System flags
	FlagSeen     Flag = "\\Seen"
	FlagAnswered Flag = "\\Answered"
	FlagFlagged  Flag = "\\Flagged"
	FlagDeleted  Flag = "\\Deleted"
	FlagDraft    Flag = "\\Draft"
	FlagRecent   Flag = "\\Recent"

	// Widely used flags
	FlagForwarded Flag = "$Forwarded"
	FlagJunk      Flag = "$Junk"
	FlagNotJunk   Flag = "$NotJunk"

	// Permanent flags
	FlagWildcard Flag = "\\*"
)

var systemFlags = []Flag{FlagSeen, FlagAnswered, FlagFlagged, FlagDeleted, FlagDraft, FlagRecent, FlagWildcard}

// CanonicalFlag returns the canonical form of a flag. System flags are
// case-insensitive.
func CanonicalFlag(flag Flag) Flag {
	for _, f := range systemFlags {
		if strings.EqualFold(string(flag), string(f)) {
			return f
		}
	}
	return flag
}

// NormalizeFlags canonicalizes, sorts and de-duplicates a flag set. The
// result is never nil.
func NormalizeFlags(flags []Flag) []Flag {
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, CanonicalFlag(f))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// MailboxMetadata describes a mailbox as reported by LIST.
type MailboxMetadata struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// Mailbox attributes defined in RFC 3501 section 7.2.2.
const (
	NoInferiorsAttr   = "\\Noinferiors"
	NoSelectAttr      = "\\Noselect"
	HasChildrenAttr   = "\\HasChildren"
	HasNoChildrenAttr = "\\HasNoChildren"
)

// Selectable reports whether the mailbox can be opened.
func (mbox *MailboxMetadata) Selectable() bool {
	for _, attr := range mbox.Attributes {
		if strings.EqualFold(attr, NoSelectAttr) {
			return false
		}
	}
	return true
}
