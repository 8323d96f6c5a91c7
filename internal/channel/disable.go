package channel

import (
	"sort"

	"github.com/rendis/chanops/pkg/schema"
)

// disableRange suppresses the authored curve over [start, end) in local time.
// A nil hold substitutes the channel default.
type disableRange struct {
	start, end float64
	hold       *float64
}

func (d disableRange) clone() disableRange {
	if d.hold != nil {
		h := *d.hold
		d.hold = &h
	}
	return d
}

func (d disableRange) sameHold(o disableRange) bool {
	if d.hold == nil || o.hold == nil {
		return d.hold == nil && o.hold == nil
	}
	return *d.hold == *o.hold
}

// DisabledRange is the public view of a disabled range in global time.
type DisabledRange struct {
	Start float64
	End   float64
	Hold  *float64
}

// DisableRange suppresses the channel over [start, end), substituting hold (or
// the default value when hold is nil). Overlapping ranges are replaced and
// touching ranges with the same hold merge.
func (ch *Channel) DisableRange(start, end float64, hold *float64) bool {
	if ch.IsLocked() {
		return false
	}
	ls, le := ch.LocalTime(start), ch.LocalTime(end)
	if le < ls {
		ls, le = le, ls
	}
	if le-ls < MinSegmentLength {
		return false
	}
	d := disableRange{start: ls, end: le, hold: hold}
	d = d.clone()

	ranges := subtractRange(ch.state.disabled, ls, le)
	ranges = append(ranges, d)
	sortRanges(ranges)
	ch.state.disabled = mergeRanges(ranges, ch.tolerance())
	ch.emit(schema.ChangeDisable, ls, map[string]any{"start": start, "end": end, "disabled": true})
	ch.flags |= FlagModified
	return true
}

// EnableRange removes [start, end) from every disabled range, splitting
// ranges that straddle it.
func (ch *Channel) EnableRange(start, end float64) bool {
	if ch.IsLocked() {
		return false
	}
	ls, le := ch.LocalTime(start), ch.LocalTime(end)
	if le < ls {
		ls, le = le, ls
	}
	before := len(ch.state.disabled)
	ch.state.disabled = subtractRange(ch.state.disabled, ls, le)
	if before == 0 {
		return true
	}
	ch.emit(schema.ChangeDisable, ls, map[string]any{"start": start, "end": end, "disabled": false})
	ch.flags |= FlagModified
	return true
}

// IsDisabled reports whether global time t falls in a disabled range.
func (ch *Channel) IsDisabled(t float64) bool {
	_, ok := ch.disabledAt(ch.LocalTime(t))
	return ok
}

// DisabledRanges returns the disabled ranges in global time, ordered.
func (ch *Channel) DisabledRanges() []DisabledRange {
	out := make([]DisabledRange, 0, len(ch.state.disabled))
	for _, d := range ch.state.disabled {
		d = d.clone()
		out = append(out, DisabledRange{Start: ch.GlobalTime(d.start), End: ch.GlobalTime(d.end), Hold: d.hold})
	}
	return out
}

func (ch *Channel) disabledAt(lt float64) (disableRange, bool) {
	ranges := ch.state.disabled
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].end > lt })
	if i < len(ranges) && ranges[i].start <= lt {
		return ranges[i], true
	}
	return disableRange{}, false
}

func sortRanges(ranges []disableRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
}

func subtractRange(ranges []disableRange, s, e float64) []disableRange {
	out := make([]disableRange, 0, len(ranges)+1)
	for _, d := range ranges {
		if d.end <= s || d.start >= e {
			out = append(out, d)
			continue
		}
		if d.start < s {
			left := d.clone()
			left.end = s
			out = append(out, left)
		}
		if d.end > e {
			right := d.clone()
			right.start = e
			out = append(out, right)
		}
	}
	return out
}

func mergeRanges(ranges []disableRange, tol float64) []disableRange {
	out := ranges[:0]
	for _, d := range ranges {
		if n := len(out); n > 0 && d.start <= out[n-1].end+tol && out[n-1].sameHold(d) {
			if d.end > out[n-1].end {
				out[n-1].end = d.end
			}
			continue
		}
		out = append(out, d)
	}
	return out
}
