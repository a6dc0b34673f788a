package imapsync

import (
	"fmt"
	"slices"
)

// SyncStateField identifies one field of a SyncState.
type SyncStateField uint

const (
	FieldExists SyncStateField = 1 << iota
	FieldRecent
	FieldUIDNext
	FieldUIDValidity
	FieldFlags
	FieldPermanentFlags
	FieldUnSeenCount
	FieldUnSeenOffset
	FieldHighestModSeq
)

// SyncState is a snapshot of the metadata a server reports when a mailbox is
// selected.
//
// Servers may omit any of the fields. A SyncState remembers which ones were
// set, so that a missing UIDVALIDITY can be told apart from a zero one.
type SyncState struct {
	exists         uint32
	recent         uint32
	uidNext        uint32
	uidValidity    uint32
	flags          []Flag
	permanentFlags []Flag
	unSeenCount    uint32
	unSeenOffset   uint32
	highestModSeq  uint64
	fields         SyncStateField
}

// Has reports whether all the given fields are set.
func (s SyncState) Has(f SyncStateField) bool {
	return s.fields&f == f
}

// Fields returns the set of fields which were set.
func (s SyncState) Fields() SyncStateField {
	return s.fields
}

func (s SyncState) Exists() uint32         { return s.exists }
func (s SyncState) Recent() uint32         { return s.recent }
func (s SyncState) UIDNext() uint32        { return s.uidNext }
func (s SyncState) UIDValidity() uint32    { return s.uidValidity }
func (s SyncState) UnSeenCount() uint32    { return s.unSeenCount }
func (s SyncState) UnSeenOffset() uint32   { return s.unSeenOffset }
func (s SyncState) HighestModSeq() uint64  { return s.highestModSeq }
func (s SyncState) Flags() []Flag          { return slices.Clone(s.flags) }
func (s SyncState) PermanentFlags() []Flag { return slices.Clone(s.permanentFlags) }

func (s *SyncState) SetExists(v uint32) {
	s.exists = v
	s.fields |= FieldExists
}

func (s *SyncState) SetRecent(v uint32) {
	s.recent = v
	s.fields |= FieldRecent
}

func (s *SyncState) SetUIDNext(v uint32) {
	s.uidNext = v
	s.fields |= FieldUIDNext
}

func (s *SyncState) SetUIDValidity(v uint32) {
	s.uidValidity = v
	s.fields |= FieldUIDValidity
}

func (s *SyncState) SetUnSeenCount(v uint32) {
	s.unSeenCount = v
	s.fields |= FieldUnSeenCount
}

func (s *SyncState) SetUnSeenOffset(v uint32) {
	s.unSeenOffset = v
	s.fields |= FieldUnSeenOffset
}

func (s *SyncState) SetHighestModSeq(v uint64) {
	s.highestModSeq = v
	s.fields |= FieldHighestModSeq
}

func (s *SyncState) SetFlags(flags []Flag) {
	s.flags = slices.Clone(flags)
	s.fields |= FieldFlags
}

func (s *SyncState) SetPermanentFlags(flags []Flag) {
	s.permanentFlags = slices.Clone(flags)
	s.fields |= FieldPermanentFlags
}

// UsableForNumbers reports whether enough is known to address messages by
// sequence number and to display counters.
func (s SyncState) UsableForNumbers() bool {
	return s.Has(FieldExists | FieldRecent | FieldUnSeenCount)
}

// UsableForSyncing reports whether a cache built from this state can be
// trusted on the next session.
func (s SyncState) UsableForSyncing() bool {
	return s.Has(FieldExists | FieldUIDNext | FieldUIDValidity)
}

// Equal compares every field, including which of them were set.
func (s SyncState) Equal(other *SyncState) bool {
	return s.fields == other.fields &&
		s.exists == other.exists &&
		s.recent == other.recent &&
		s.uidNext == other.uidNext &&
		s.uidValidity == other.uidValidity &&
		s.unSeenCount == other.unSeenCount &&
		s.unSeenOffset == other.unSeenOffset &&
		s.highestModSeq == other.highestModSeq &&
		slices.Equal(s.flags, other.flags) &&
		slices.Equal(s.permanentFlags, other.permanentFlags)
}

func (s SyncState) String() string {
	return fmt.Sprintf("SyncState{exists=%v recent=%v uidNext=%v uidValidity=%v unSeen=%v/%v flags=%v permanentFlags=%v fields=%#x}",
		s.exists, s.recent, s.uidNext, s.uidValidity, s.unSeenCount, s.unSeenOffset, s.flags, s.permanentFlags, uint(s.fields))
}
