// Package ds provides data structures shared by the shard and its metadata.
package ds

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/btree"
)

// Range is the closed interval [Lo, Hi].
type Range struct {
	Lo uint64
	Hi uint64
}

func (r Range) Len() uint64 { return r.Hi - r.Lo + 1 }

func (r Range) String() string {
	if r.Lo == r.Hi {
		return fmt.Sprint(r.Lo)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

func lessRange(a, b Range) bool { return a.Lo < b.Lo }

// RangeSet is a set of uint64 stored as disjoint, non-adjacent ranges.
// Mostly contiguous values, like transaction sequence numbers, take a few
// ranges however many there are.
//
// The zero value is not usable; create sets with NewRangeSet.
type RangeSet struct {
	ranges *btree.BTreeG[Range]
	n      uint64
}

func NewRangeSet(values ...uint64) *RangeSet {
	s := &RangeSet{ranges: btree.NewG(8, lessRange)}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// floor returns the range starting at or below v.
func (s *RangeSet) floor(v uint64) (r Range, ok bool) {
	s.ranges.DescendLessOrEqual(Range{Lo: v}, func(item Range) bool {
		r, ok = item, true
		return false
	})
	return r, ok
}

// Add inserts v and reports whether it was absent.
func (s *RangeSet) Add(v uint64) bool {
	prev, hasPrev := s.floor(v)
	if hasPrev && v <= prev.Hi {
		return false
	}
	var (
		next    Range
		hasNext bool
	)
	if v < math.MaxUint64 {
		next, hasNext = s.ranges.Get(Range{Lo: v + 1})
	}
	joinPrev := hasPrev && prev.Hi+1 == v

	switch {
	case joinPrev && hasNext:
		s.ranges.Delete(next)
		prev.Hi = next.Hi
		s.ranges.ReplaceOrInsert(prev)
	case joinPrev:
		prev.Hi = v
		s.ranges.ReplaceOrInsert(prev)
	case hasNext:
		s.ranges.Delete(next)
		next.Lo = v
		s.ranges.ReplaceOrInsert(next)
	default:
		s.ranges.ReplaceOrInsert(Range{Lo: v, Hi: v})
	}
	s.n++
	return true
}

func (s *RangeSet) Contains(v uint64) bool {
	r, ok := s.floor(v)
	return ok && v <= r.Hi
}

// Len counts values, not ranges.
func (s *RangeSet) Len() uint64 { return s.n }

func (s *RangeSet) RangeCount() int { return s.ranges.Len() }

// DropLowest removes the lowest range.
func (s *RangeSet) DropLowest() {
	if r, ok := s.ranges.DeleteMin(); ok {
		s.n -= r.Len()
	}
}

func (s *RangeSet) Clear() {
	s.ranges.Clear(false)
	s.n = 0
}

// Ranges returns the ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, 0, s.ranges.Len())
	s.ranges.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (s *RangeSet) String() string {
	parts := make([]string, 0, s.ranges.Len())
	for _, r := range s.Ranges() {
		parts = append(parts, r.String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalJSON writes the set as [[lo,hi],...].
func (s *RangeSet) MarshalJSON() ([]byte, error) {
	out := make([][2]uint64, 0, s.ranges.Len())
	for _, r := range s.Ranges() {
		out = append(out, [2]uint64{r.Lo, r.Hi})
	}
	return json.Marshal(out)
}

func (s *RangeSet) UnmarshalJSON(b []byte) error {
	var in [][2]uint64
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if s.ranges == nil {
		s.ranges = btree.NewG(8, lessRange)
	}
	s.Clear()
	var last *Range
	for _, r := range in {
		cur := Range{Lo: r[0], Hi: r[1]}
		switch {
		case cur.Lo > cur.Hi:
			return fmt.Errorf("ds: invalid range %s", cur)
		case last != nil && cur.Lo <= last.Hi:
			return fmt.Errorf("ds: range %s overlaps %s", cur, *last)
		case last != nil && cur.Lo == last.Hi+1:
			last.Hi = cur.Hi
		default:
			if last != nil {
				s.ranges.ReplaceOrInsert(*last)
			}
			last = &cur
		}
		s.n += cur.Len()
	}
	if last != nil {
		s.ranges.ReplaceOrInsert(*last)
	}
	return nil
}
