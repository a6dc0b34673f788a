// Package imapnum implements IMAP sequence sets, shared by message sequence
// numbers and UIDs.
package imapnum

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Range is a single seq-number or seq-range. Zero stands for "*", which never
// collides with a real value since both sequence numbers and UIDs are
// non-zero. Start <= Stop always holds, except for "n:*" where Stop is zero.
type Range struct {
	Start, Stop uint32
}

func (r Range) dynamic() bool {
	return r.Stop == 0
}

// Contains reports whether q falls within the range. "*" only contains "*".
func (r Range) Contains(q uint32) bool {
	if q == 0 {
		return r.Stop == 0
	}
	return r.Start != 0 && q >= r.Start && (r.dynamic() || q <= r.Stop)
}

// String formats the range as "n", "n:m", "n:*" or "*".
func (r Range) String() string {
	if r.Start == 0 {
		return "*"
	}
	s := strconv.FormatUint(uint64(r.Start), 10)
	switch {
	case r.Stop == r.Start:
		return s
	case r.dynamic():
		return s + ":*"
	default:
		return s + ":" + strconv.FormatUint(uint64(r.Stop), 10)
	}
}

// Set is a sequence set. The zero value is empty.
type Set []Range

// RangeSet returns a set holding the single range start:stop. A zero stop
// means "*".
func RangeSet(start, stop uint32) Set {
	var s Set
	s.AddRange(start, stop)
	return s
}

// AddNum adds numbers to the set. Zero adds "*".
func (s *Set) AddNum(nums ...uint32) {
	for _, n := range nums {
		*s = append(*s, Range{n, n})
	}
	s.normalize()
}

// AddRange adds the range start:stop. Bounds may be given in any order.
func (s *Set) AddRange(start, stop uint32) {
	if start == 0 || (stop != 0 && stop < start) {
		start, stop = stop, start
	}
	*s = append(*s, Range{start, stop})
	s.normalize()
}

// Dynamic reports whether the set refers to "*".
func (s Set) Dynamic() bool {
	for _, r := range s {
		if r.dynamic() {
			return true
		}
	}
	return false
}

// Contains reports whether the non-zero number q belongs to the set.
func (s Set) Contains(q uint32) bool {
	if q == 0 {
		return false
	}
	for _, r := range s {
		if r.Contains(q) {
			return true
		}
	}
	return false
}

// Nums expands the set. It fails for dynamic sets.
func (s Set) Nums() ([]uint32, bool) {
	var nums []uint32
	for _, r := range s {
		if r.Start == 0 || r.dynamic() {
			return nil, false
		}
		for n := r.Start; n <= r.Stop && n != 0; n++ {
			nums = append(nums, n)
		}
	}
	return nums, true
}

func (s Set) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// normalize sorts the ranges and merges the ones that touch or overlap.
func (s *Set) normalize() {
	set := *s
	// "*" sorts last, "n:*" right before it
	key := func(r Range) uint64 {
		if r.Start == 0 {
			return 1 << 33
		}
		return uint64(r.Start)
	}
	sort.SliceStable(set, func(i, j int) bool {
		return key(set[i]) < key(set[j])
	})

	out := set[:0]
	for _, r := range set {
		if len(out) == 0 {
			out = append(out, r)
			continue
		}
		last := &out[len(out)-1]
		switch {
		case last.Start == 0:
			// "*" absorbs nothing but itself
			if r.Start != 0 {
				out = append(out, r)
			}
		case last.dynamic():
			// "n:*" covers everything after it, "*" included
		case r.Start == 0:
			out = append(out, r)
		case r.Start <= last.Stop+1:
			if r.dynamic() || r.Stop > last.Stop {
				last.Stop = r.Stop
			}
		default:
			out = append(out, r)
		}
	}
	*s = out
}

type errBadNumSet string

func (err errBadNumSet) Error() string {
	return fmt.Sprintf("imapnum: bad number set value %q", string(err))
}

func parseNum(v string) (uint32, error) {
	if v == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, errBadNumSet(v)
	}
	return uint32(n), nil
}

// ParseSet parses a sequence set such as "1,3:5,7:*".
func ParseSet(v string) (Set, error) {
	var s Set
	if v == "" {
		return nil, errBadNumSet(v)
	}
	for _, part := range strings.Split(v, ",") {
		start, stop, isRange := strings.Cut(part, ":")
		a, err := parseNum(start)
		if err != nil {
			return nil, errBadNumSet(v)
		}
		b := a
		if isRange {
			if b, err = parseNum(stop); err != nil {
				return nil, errBadNumSet(v)
			}
		}
		s.AddRange(a, b)
	}
	return s, nil
}
