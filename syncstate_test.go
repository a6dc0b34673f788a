package imapsync

import (
	"testing"
)

func TestSyncStateUsable(t *testing.T) {
	var s SyncState
	s.SetExists(0)
	if s.UsableForSyncing() || s.UsableForNumbers() {
		t.Fatalf("minimal state reported usable: %v", s)
	}

	s.SetFlags([]Flag{FlagAnswered, FlagSeen})
	s.SetRecent(0)
	s.SetUIDValidity(666)
	s.SetUIDNext(3)
	if !s.UsableForSyncing() {
		t.Errorf("UsableForSyncing() = false, want true")
	}
	if s.UsableForNumbers() {
		t.Errorf("UsableForNumbers() = true without an unseen count")
	}

	s.SetUnSeenCount(0)
	if !s.UsableForNumbers() {
		t.Errorf("UsableForNumbers() = false, want true")
	}
}

func TestSyncStateEqual(t *testing.T) {
	var a, b SyncState
	if !a.Equal(&b) {
		t.Fatalf("zero states differ")
	}

	// A zero UIDVALIDITY which was reported is not the same as none at all
	a.SetUIDValidity(0)
	if a.Equal(&b) {
		t.Errorf("Equal() = true, want false for differing field sets")
	}
	b.SetUIDValidity(0)
	if !a.Equal(&b) {
		t.Errorf("Equal() = false, want true")
	}

	a.SetPermanentFlags([]Flag{FlagSeen, FlagWildcard})
	b.SetPermanentFlags([]Flag{FlagSeen})
	if a.Equal(&b) {
		t.Errorf("Equal() = true, want false for differing permanent flags")
	}
}

func newSelectedState() SyncState {
	var s SyncState
	s.SetExists(3)
	s.SetUIDNext(16)
	s.SetUIDValidity(666)
	return s
}

func TestSyncStateGettersOnValue(t *testing.T) {
	if got := newSelectedState().UIDNext(); got != 16 {
		t.Errorf("UIDNext() = %v, want 16", got)
	}
	if !newSelectedState().Has(FieldExists | FieldUIDValidity) {
		t.Errorf("Has() = false, want true")
	}
	if !newSelectedState().UsableForSyncing() {
		t.Errorf("UsableForSyncing() = false, want true")
	}
	other := newSelectedState()
	if !newSelectedState().Equal(&other) {
		t.Errorf("Equal() = false, want true")
	}
}

func TestSyncStateFlagsCopy(t *testing.T) {
	flags := []Flag{FlagSeen}
	var s SyncState
	s.SetFlags(flags)
	flags[0] = FlagDeleted
	if got := s.Flags(); got[0] != FlagSeen {
		t.Errorf("Flags() = %v, setter did not copy its input", got)
	}
}

func TestNormalizeFlags(t *testing.T) {
	got := NormalizeFlags([]Flag{"\\seen", "$label", FlagSeen, "\\ANSWERED"})
	want := []Flag{"$label", FlagAnswered, FlagSeen}
	if len(got) != len(want) {
		t.Fatalf("NormalizeFlags() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeFlags() = %v, want %v", got, want)
		}
	}

	if got := NormalizeFlags(nil); got == nil || len(got) != 0 {
		t.Errorf("NormalizeFlags(nil) = %#v, want empty non-nil", got)
	}
}
