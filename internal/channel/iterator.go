package channel

import "sort"

// IntervalIterator walks the keys of a channel whose times fall inside a
// global range, ascending or descending. It captures the index range at
// construction; descending walks stay valid while the visited key is deleted.
type IntervalIterator struct {
	lo, hi     int
	descending bool
	pos        int
}

// NewIntervalIterator returns an iterator over the keys in [start, end].
func NewIntervalIterator(ch *Channel, start, end float64, descending bool) *IntervalIterator {
	if end < start {
		start, end = end, start
	}
	segs := ch.state.segs
	tol := ch.tolerance()
	ls, le := ch.LocalTime(start)-tol, ch.LocalTime(end)+tol
	it := &IntervalIterator{
		lo:         sort.Search(len(segs), func(i int) bool { return segs[i].start >= ls }),
		hi:         sort.Search(len(segs), func(i int) bool { return segs[i].start > le }),
		descending: descending,
	}
	it.Reset()
	return it
}

// Next returns the next key index.
func (it *IntervalIterator) Next() (int, bool) {
	if it.descending {
		if it.pos < it.lo {
			return 0, false
		}
		k := it.pos
		it.pos--
		return k, true
	}
	if it.pos >= it.hi {
		return 0, false
	}
	k := it.pos
	it.pos++
	return k, true
}

// Reset rewinds the iterator.
func (it *IntervalIterator) Reset() {
	if it.descending {
		it.pos = it.hi - 1
	} else {
		it.pos = it.lo
	}
}

// Len returns the number of keys in the range.
func (it *IntervalIterator) Len() int { return it.hi - it.lo }

// Collect rewinds and returns every index in iteration order.
func (it *IntervalIterator) Collect() []int {
	it.Reset()
	out := make([]int, 0, it.Len())
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		out = append(out, k)
	}
	it.Reset()
	return out
}
