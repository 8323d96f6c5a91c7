package channel

import "github.com/rendis/chanops/pkg/schema"

// keyState is everything a snapshot captures: the segment arena, disabled
// ranges, defaults and extrapolation. Segments point at their keyState, so a
// snapshot swap only exchanges two pointers.
type keyState struct {
	owner *Channel

	segs     []*Segment
	disabled []disableRange

	defValue  float64
	defString string
	left      Behavior
	right     Behavior
}

func (ks *keyState) reindex() {
	for i, s := range ks.segs {
		s.index = i
		s.list = ks
	}
}

func (ks *keyState) clone() *keyState {
	cp := &keyState{
		defValue:  ks.defValue,
		defString: ks.defString,
		left:      ks.left,
		right:     ks.right,
		segs:      make([]*Segment, len(ks.segs)),
		disabled:  make([]disableRange, len(ks.disabled)),
	}
	for i, s := range ks.segs {
		cp.segs[i] = s.clone()
	}
	for i, d := range ks.disabled {
		cp.disabled[i] = d.clone()
	}
	cp.reindex()
	return cp
}

func (ks *keyState) changed(ct schema.ChangeType, lt float64) {
	if ks.owner != nil {
		ks.owner.touch(ct, lt)
	}
}

func (ks *keyState) end() *Segment {
	if len(ks.segs) == 0 {
		return nil
	}
	return ks.segs[len(ks.segs)-1]
}

// syncKey enforces ties at key k (the boundary between segs[k-1] and
// segs[k]). fromRight selects which side wins.
func (ks *keyState) syncKey(k int, fromRight bool) {
	if k > 0 && k < len(ks.segs) {
		l, r := ks.segs[k-1], ks.segs[k]
		if l.ties&TieOutValue != 0 && r.ties&TieInValue != 0 {
			if fromRight {
				l.outValue = r.inValue
			} else {
				r.inValue = l.outValue
			}
		}
		if l.ties&TieOutSlope != 0 && r.ties&TieInSlope != 0 {
			if fromRight {
				l.outSlope = r.inSlope
			} else {
				r.inSlope = l.outSlope
			}
		}
		if l.ties&TieOutAccel != 0 && r.ties&TieInAccel != 0 {
			if fromRight {
				l.outAccel = r.inAccel
			} else {
				r.inAccel = l.outAccel
			}
		}
	}
	ks.syncEnd()
}

// syncEnd keeps the end segment's out fields mirroring the arriving side of
// the final key.
func (ks *keyState) syncEnd() {
	n := len(ks.segs)
	if n == 0 {
		return
	}
	e := ks.segs[n-1]
	e.setLength(0)
	if n == 1 {
		e.outValue, e.outSlope, e.outAccel = e.inValue, e.inSlope, e.inAccel
		return
	}
	p := ks.segs[n-2]
	e.outValue, e.outSlope, e.outAccel = p.outValue, p.outSlope, p.outAccel
}

// tieKey ties (or unties) every quantity at key k.
func (ks *keyState) tieKey(k int, value, slope, accel bool) {
	if k <= 0 || k >= len(ks.segs) {
		return
	}
	l, r := ks.segs[k-1], ks.segs[k]
	set := func(on bool, out, in TieFlags) {
		if on {
			l.ties |= out
			r.ties |= in
		} else {
			l.ties &^= out
			r.ties &^= in
		}
	}
	set(value, TieOutValue, TieInValue)
	set(slope, TieOutSlope, TieInSlope)
	set(accel, TieOutAccel, TieInAccel)
}
