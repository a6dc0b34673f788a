package imapnum

import (
	"testing"
)

func TestSetString(t *testing.T) {
	tests := []struct {
		build func(s *Set)
		want  string
	}{
		{func(s *Set) { s.AddNum(1) }, "1"},
		{func(s *Set) { s.AddRange(1, 3) }, "1:3"},
		{func(s *Set) { s.AddRange(15, 0) }, "15:*"},
		{func(s *Set) { s.AddNum(3, 1, 2) }, "1:3"},
		{func(s *Set) { s.AddNum(1, 5); s.AddRange(2, 3) }, "1:3,5"},
		{func(s *Set) { s.AddRange(4, 2) }, "2:4"},
		{func(s *Set) { s.AddRange(2, 0); s.AddNum(7, 0) }, "2:*"},
		{func(s *Set) { s.AddNum(0) }, "*"},
	}
	for _, tc := range tests {
		var s Set
		tc.build(&s)
		if got := s.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestParseSet(t *testing.T) {
	s, err := ParseSet("1,3:5,9:*")
	if err != nil {
		t.Fatalf("ParseSet() = %v", err)
	}
	if got, want := s.String(), "1,3:5,9:*"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	for _, n := range []uint32{1, 4, 9, 1000} {
		if !s.Contains(n) {
			t.Errorf("Contains(%v) = false, want true", n)
		}
	}
	for _, n := range []uint32{0, 2, 6, 8} {
		if s.Contains(n) {
			t.Errorf("Contains(%v) = true, want false", n)
		}
	}
	if !s.Dynamic() {
		t.Errorf("Dynamic() = false, want true")
	}

	for _, bad := range []string{"", "0", "a", "1:", "1,,2"} {
		if _, err := ParseSet(bad); err == nil {
			t.Errorf("ParseSet(%q) succeeded, want error", bad)
		}
	}
}

func TestSetNums(t *testing.T) {
	s := RangeSet(1, 3)
	s.AddNum(7)
	nums, ok := s.Nums()
	if !ok {
		t.Fatalf("Nums() failed")
	}
	want := []uint32{1, 2, 3, 7}
	if len(nums) != len(want) {
		t.Fatalf("Nums() = %v, want %v", nums, want)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("Nums() = %v, want %v", nums, want)
		}
	}

	if _, ok := RangeSet(2, 0).Nums(); ok {
		t.Errorf("Nums() on dynamic set succeeded")
	}
}
