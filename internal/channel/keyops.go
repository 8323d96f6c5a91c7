package channel

import (
	"slices"

	"github.com/rendis/chanops/internal/curve"
	"github.com/rendis/chanops/pkg/schema"
)

func (ch *Channel) defaultBasis() Basis {
	if m := ch.manager(); m != nil {
		return m.DefaultBasis()
	}
	return BasisCubic
}

func (ch *Channel) autoSlope() bool {
	if m := ch.manager(); m != nil {
		return m.AutoSlope()
	}
	return false
}

// InsertKeyFrame adds a key at global time t. Inside the keyed range the
// curve keeps its shape; spline segments around the new key become cubics
// holding their old tangents. It returns the key index and whether a key was created; an existing
// key is returned as is. Locked channels and length-locked segments refuse
// the insert with index -1.
func (ch *Channel) InsertKeyFrame(t float64, autoSlope bool) (int, bool) {
	if ch.IsLocked() {
		return -1, false
	}
	lt := ch.LocalTime(t)
	if k, ok := ch.findKey(lt); ok {
		return k, false
	}

	st := ch.state
	var k int
	switch n := len(st.segs); {
	case n == 0:
		seg := newSegment(lt, 0, ch.defaultBasis())
		seg.inValue = st.defValue
		st.segs = []*Segment{seg}
	case lt < st.segs[0].start:
		ch.prependKey(lt)
	case lt > st.segs[n-1].start:
		k = ch.appendKey(lt)
	default:
		if k = ch.splitAt(lt); k < 0 {
			return -1, false
		}
	}
	st.reindex()
	st.syncEnd()
	if autoSlope {
		ch.applyAutoSlope(k)
	}
	ch.touch(schema.ChangeKeyInserted, lt)
	return k, true
}

// prependKey extends the curve backwards with a segment reproducing the left
// extrapolation at lt.
func (ch *Channel) prependKey(lt float64) {
	st := ch.state
	first := st.segs[0]
	v := ch.evalCurve(nil, lt, qValue)
	s := clampSlope(ch.evalCurve(nil, lt, qSlope))
	arrive := ch.leftEdgeSlope()

	seg := newSegment(lt, first.start-lt, ch.defaultBasis())
	seg.inValue, seg.inSlope = v, s
	seg.outValue, seg.outSlope = first.inValue, arrive
	seg.ties = TieOutValue
	first.ties |= TieInValue
	if arrive == first.inSlope {
		seg.ties |= TieOutSlope
		first.ties |= TieInSlope
	}
	st.segs = slices.Insert(st.segs, 0, seg)
}

// appendKey turns the end segment into a regular segment reaching lt and adds
// a new end segment there.
func (ch *Channel) appendKey(lt float64) int {
	st := ch.state
	n := len(st.segs)
	end := st.segs[n-1]
	v := ch.evalCurve(nil, lt, qValue)
	s := clampSlope(ch.evalCurve(nil, lt, qSlope))

	end.resize(lt - end.start)
	end.outValue, end.outSlope = v, s
	end.ties |= TieOutValue | TieOutSlope

	next := newSegment(lt, 0, end.basis)
	next.expr = end.expr.clone()
	next.inValue, next.inSlope = v, s
	next.ties = TieInValue | TieInSlope
	st.segs = append(st.segs, next)
	return n
}

// leftEdgeSlope is the extrapolated slope just before the first key.
func (ch *Channel) leftEdgeSlope() float64 {
	lt := ch.state.segs[0].start - MinSegmentLength
	return clampSlope(ch.extrapolate(nil, lt, qSlope, ch.effective(ch.state.left), true))
}

// splitAt divides the segment covering lt so that both halves reproduce it.
// Cubic, linear, constant and bezier splits are exact; the ease family is a
// polynomial of degree three or less and is rewritten as two cubic halves.
// Spline tangents read the neighbouring keys, so the split segment and the
// spline segments on either side are first frozen into cubics.
func (ch *Channel) splitAt(lt float64) int {
	st := ch.state
	i := ch.segmentIndex(lt)
	seg := st.segs[i]
	if seg.locks&LockLength != 0 {
		return -1
	}
	st.freezeSplines(i-1, i+1)
	l, x := seg.length, lt-seg.start
	rIn, rOut := seg.InAccelRatio(), seg.OutAccelRatio()

	v := seg.eval(nil, lt, false, qValue)
	s := clampSlope(seg.eval(nil, lt, false, qSlope))

	right := newSegment(lt, l-x, seg.basis)
	right.expr = seg.expr.clone()
	right.inValue, right.inSlope = v, s
	right.outValue, right.outSlope = seg.outValue, seg.outSlope
	right.ties = TieInValue | TieInSlope | seg.ties&tieOutAll
	right.locks = seg.locks & LockEnd

	switch seg.basis {
	case BasisBezier:
		b := curve.NewTimedBezier(l, seg.inValue, seg.inSlope, seg.inAccel, seg.outValue, seg.outSlope, seg.outAccel)
		lb, rb := b.Split(b.Param(x))
		seg.inAccel, _, seg.outAccel, _ = lb.Handles(0, 0)
		right.inAccel, _, right.outAccel, _ = rb.Handles(0, 0)
	case BasisEase, BasisEaseIn, BasisEaseOut:
		seg.inSlope = clampSlope(seg.eval(nil, seg.start, false, qSlope))
		right.outSlope = clampSlope(seg.eval(nil, seg.End(), false, qSlope))
		seg.basis, right.basis = BasisCubic, BasisCubic
		fallthrough
	default:
		seg.inAccel, seg.outAccel = rIn*x, rOut*x
		right.inAccel, right.outAccel = rIn*(l-x), rOut*(l-x)
	}

	seg.outValue, seg.outSlope = v, s
	seg.ties = seg.ties&^tieOutAll | TieOutValue | TieOutSlope
	seg.locks &^= LockEnd
	seg.setLength(x)
	st.segs = slices.Insert(st.segs, i+1, right)
	return i + 1
}

// freezeSplines rewrites the spline segments lo..hi as cubics carrying their
// current Catmull-Rom tangents. A slope tie left disagreeing across a key is
// dropped so a later sync cannot bend either side.
func (st *keyState) freezeSplines(lo, hi int) {
	lo, hi = max(lo, 0), min(hi, len(st.segs)-1)
	type frozen struct {
		seg    *Segment
		m0, m1 float64
	}
	var done []frozen
	for i := lo; i <= hi; i++ {
		s := st.segs[i]
		if s.basis != BasisSpline || s.length < MinSegmentLength {
			continue
		}
		m0, m1 := s.splineSlopes()
		done = append(done, frozen{s, m0, m1})
	}
	if len(done) == 0 {
		return
	}
	for _, f := range done {
		f.seg.inSlope, f.seg.outSlope = clampSlope(f.m0), clampSlope(f.m1)
		f.seg.basis = BasisCubic
	}
	for k := max(lo, 1); k <= hi+1 && k < len(st.segs)-1; k++ {
		l, r := st.segs[k-1], st.segs[k]
		if l.outSlope != r.inSlope {
			l.ties &^= TieOutSlope
			r.ties &^= TieInSlope
		}
	}
}

// applyAutoSlope sets a Catmull-Rom slope at key k from its neighbours.
func (ch *Channel) applyAutoSlope(k int) {
	segs := ch.state.segs
	if k <= 0 || k >= len(segs)-1 {
		return
	}
	p, c, n := segs[k-1], segs[k], segs[k+1]
	dt := n.start - p.start
	if dt < MinSegmentLength {
		return
	}
	s := clampSlope((c.outValue - p.inValue) / dt)
	p.outSlope, c.inSlope = s, s
	ch.state.syncEnd()
}

// DestroyKeyFrame removes the key at global time t, merging the segments on
// either side of it. It reports false when no key exists there.
func (ch *Channel) DestroyKeyFrame(t float64) bool {
	if ch.IsLocked() {
		return false
	}
	lt := ch.LocalTime(t)
	k, ok := ch.findKey(lt)
	if !ok || ch.keyLocked(k) {
		return false
	}
	ch.removeKey(k)
	ch.touch(schema.ChangeKeyDeleted, lt)
	return true
}

func (ch *Channel) keyLocked(k int) bool {
	segs := ch.state.segs
	if segs[k].locks&LockStart != 0 {
		return true
	}
	return k > 0 && segs[k-1].locks&LockEnd != 0
}

func (ch *Channel) removeKey(k int) {
	st := ch.state
	n := len(st.segs)
	switch {
	case n == 1:
		st.segs = nil
		return
	case k == 0:
		st.segs[1].ties &^= tieInAll
	case k == n-1:
		st.segs[n-2].ties &^= tieOutAll
	default:
		left, right := st.segs[k-1], st.segs[k]
		l := left.length + right.length
		left.inAccel = left.InAccelRatio() * l
		left.outAccel = right.OutAccelRatio() * l
		left.outValue, left.outSlope = right.outValue, right.outSlope
		left.ties = left.ties&^tieOutAll | right.ties&tieOutAll
		left.locks = left.locks&^LockEnd | right.locks&LockEnd
		left.setLength(l)
	}
	st.segs = slices.Delete(st.segs, k, k+1)
	st.reindex()
	st.syncEnd()
}

// Clear removes every key; the channel evaluates to its default afterwards.
func (ch *Channel) Clear() bool {
	if ch.IsLocked() {
		return false
	}
	if len(ch.state.segs) == 0 {
		return true
	}
	ch.state.segs = nil
	ch.touch(schema.ChangeKeyDeleted, 0)
	return true
}

// MoveKeyFrame moves the key at oldT to newT. A key must exist at oldT and
// none at newT; violating that is a caller error. Moves between the
// neighbouring keys keep segment identity, longer moves re-splice the key.
func (ch *Channel) MoveKeyFrame(oldT, newT float64) bool {
	if ch.IsLocked() {
		return false
	}
	oldLt, newLt := ch.LocalTime(oldT), ch.LocalTime(newT)
	k, ok := ch.findKey(oldLt)
	if !ok {
		contractViolation("MoveKeyFrame: no key at %g on %s", oldT, ch.Path())
		return false
	}
	if j, occupied := ch.findKey(newLt); occupied && j != k {
		contractViolation("MoveKeyFrame: key already at %g on %s", newT, ch.Path())
		return false
	}
	segs := ch.state.segs
	if ch.keyLocked(k) || segs[k].locks&LockLength != 0 || (k > 0 && segs[k-1].locks&LockLength != 0) {
		return false
	}

	ch.BeginModify()
	defer ch.EndModify()

	tol := ch.tolerance()
	n := len(segs)
	if (k == 0 || newLt > segs[k-1].start+tol) && (k == n-1 || newLt < segs[k+1].start-tol) {
		seg := segs[k]
		seg.start = newLt
		if k < n-1 {
			seg.resize(segs[k+1].start - newLt)
		}
		if k > 0 {
			segs[k-1].resize(newLt - segs[k-1].start)
		}
	} else {
		key, _ := ch.GetFullKey(oldT, ExtendNone)
		ch.removeKey(k)
		key.Time = newT
		ch.PutKey(key)
	}
	ch.flags |= FlagModified
	ch.emit(schema.ChangeKeyMoved, newLt, map[string]any{"from": oldT, "to": newT})
	return true
}

// DeleteKeys removes the keys at the given indices, which must be strictly
// increasing and in range.
func (ch *Channel) DeleteKeys(indices []int) bool {
	if ch.IsLocked() {
		return false
	}
	n := len(ch.state.segs)
	for i, k := range indices {
		if k < 0 || k >= n || (i > 0 && k <= indices[i-1]) {
			contractViolation("DeleteKeys: indices must be increasing and in [0,%d): %v", n, indices)
			return false
		}
	}
	ch.BeginModify()
	defer ch.EndModify()
	for i := len(indices) - 1; i >= 0; i-- {
		if ch.keyLocked(indices[i]) {
			continue
		}
		lt := ch.state.segs[indices[i]].start
		ch.removeKey(indices[i])
		ch.touch(schema.ChangeKeyDeleted, lt)
	}
	return true
}

// DeleteKeysInRange removes every key whose time lies in [start, end] and
// returns how many were removed.
func (ch *Channel) DeleteKeysInRange(start, end float64) int {
	if ch.IsLocked() {
		return 0
	}
	it := NewIntervalIterator(ch, start, end, true)
	ch.BeginModify()
	defer ch.EndModify()
	removed := 0
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		if ch.keyLocked(k) {
			continue
		}
		lt := ch.state.segs[k].start
		ch.removeKey(k)
		ch.touch(schema.ChangeKeyDeleted, lt)
		removed++
	}
	return removed
}

// CopyRange replaces the keys in [start, end] with src's curve over the same
// global range. Keys are synthesized at both ends when src has none there.
func (ch *Channel) CopyRange(src *Channel, start, end float64) bool {
	if ch.IsLocked() || src == nil || end < start {
		return false
	}
	var keys []Key
	if k, hard := src.GetFullKey(start, ExtendDefault); !hard {
		keys = append(keys, k)
	}
	it := NewIntervalIterator(src, start, end, false)
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		keys = append(keys, src.keyAt(k))
	}
	if k, hard := src.GetFullKey(end, ExtendDefault); !hard && end > start {
		keys = append(keys, k)
	}

	ch.BeginModify()
	defer ch.EndModify()
	ch.DeleteKeysInRange(start, end)
	for _, k := range keys {
		ch.PutKey(k)
	}
	return true
}

// SnapKeysToFrames moves every key in [start, end] onto the nearest frame.
// A key whose frame is already taken is dropped. It returns the number of
// keys moved or dropped.
func (ch *Channel) SnapKeysToFrames(start, end float64) int {
	if ch.IsLocked() {
		return 0
	}
	fps := DefaultFPS
	if m := ch.manager(); m != nil {
		fps = m.FPS()
	}
	var times []float64
	it := NewIntervalIterator(ch, start, end, false)
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		times = append(times, ch.GlobalTime(ch.state.segs[k].start))
	}

	ch.BeginModify()
	defer ch.EndModify()
	changed := 0
	for _, t := range times {
		snapped := snapToFrame(t, fps)
		if snapped == t {
			continue
		}
		k, _ := ch.FindKey(t)
		if j, taken := ch.FindKey(snapped); taken && j != k {
			if ch.DestroyKeyFrame(t) {
				changed++
			}
			continue
		}
		if ch.MoveKeyFrame(t, snapped) {
			changed++
		}
	}
	return changed
}

// GetKey returns the key at global time t. Without a hard key there the
// result is synthesized from the curve and the bool is false.
func (ch *Channel) GetKey(t float64) (Key, bool) {
	return ch.GetFullKey(t, ExtendDefault)
}

// GetFullKey returns the key at global time t and whether it is a hard key.
// Inside the keyed range a missing key is synthesized from the curve; outside
// it extend decides between nothing, the extrapolated curve and a copy of the
// nearest boundary key.
func (ch *Channel) GetFullKey(t float64, extend ExtendPolicy) (Key, bool) {
	lt := ch.LocalTime(t)
	segs := ch.state.segs
	if len(segs) == 0 {
		if extend == ExtendNone {
			return Key{}, false
		}
		side := KeySide{Value: ch.state.defValue}
		return Key{Time: t, In: side, Out: side, ValueTied: true, SlopeTied: true, AccelTied: true}, false
	}
	if k, ok := ch.findKey(lt); ok {
		return ch.keyAt(k), true
	}

	outside := lt < segs[0].start || lt > segs[len(segs)-1].start
	if outside {
		switch extend {
		case ExtendNone:
			return Key{}, false
		case ExtendBoundary:
			k := 0
			if lt > segs[0].start {
				k = len(segs) - 1
			}
			key := ch.keyAt(k)
			key.Time = t
			return key, false
		}
	}

	seg := ch.GetSegment(lt)
	side := KeySide{
		Value: ch.evalCurve(nil, lt, qValue),
		Slope: ch.evalCurve(nil, lt, qSlope),
	}
	in, out := side, side
	if !outside {
		in.Accel = (lt - seg.start) * defaultAccelRatio
		out.Accel = (seg.End() - lt) * defaultAccelRatio
	}
	return Key{
		Time:       t,
		In:         in,
		Out:        out,
		ValueTied:  true,
		SlopeTied:  true,
		AccelTied:  true,
		Basis:      seg.basis,
		Expression: seg.expr.clone(),
	}, false
}

// keyAt describes hard key k. The first key has no arriving side; it
// mirrors the leaving side and reports itself tied.
func (ch *Channel) keyAt(k int) Key {
	seg := ch.state.segs[k]
	key := Key{
		Time:       ch.GlobalTime(seg.start),
		Out:        KeySide{Value: seg.inValue, Slope: seg.inSlope, Accel: seg.inAccel},
		Basis:      seg.basis,
		Expression: seg.expr.clone(),
	}
	if k == 0 {
		key.In = key.Out
		key.ValueTied, key.SlopeTied, key.AccelTied = true, true, true
		return key
	}
	p := seg.prev()
	key.In = KeySide{Value: p.outValue, Slope: p.outSlope, Accel: p.outAccel}
	key.ValueTied = p.ties&TieOutValue != 0 && seg.ties&TieInValue != 0
	key.SlopeTied = p.ties&TieOutSlope != 0 && seg.ties&TieInSlope != 0
	key.AccelTied = p.ties&TieOutAccel != 0 && seg.ties&TieInAccel != 0
	return key
}

// PutKey writes a full key description, inserting the key when needed. For
// tied quantities the leaving side wins.
func (ch *Channel) PutKey(key Key) bool {
	if ch.IsLocked() {
		return false
	}
	k, _ := ch.InsertKeyFrame(key.Time, false)
	if k < 0 {
		return false
	}
	st := ch.state
	seg := st.segs[k]
	seg.inValue = key.Out.Value
	seg.inSlope = clampSlope(key.Out.Slope)
	seg.inAccel = clampSlope(key.Out.Accel)
	switch {
	case key.Expression != nil:
		seg.expr = key.Expression.clone()
		seg.basis = BasisExpression
	case key.Basis == BasisExpression:
		seg.expr = nil
		seg.basis = BasisConstant
	default:
		seg.expr = nil
		seg.basis = key.Basis
	}
	seg.timeDep = timeDepUnknown

	if k > 0 {
		p := st.segs[k-1]
		p.outValue = key.In.Value
		p.outSlope = clampSlope(key.In.Slope)
		p.outAccel = clampSlope(key.In.Accel)
		st.tieKey(k, key.ValueTied, key.SlopeTied, key.AccelTied)
	}
	st.syncKey(k, true)
	ch.touch(schema.ChangeKeyValue, seg.start)
	return true
}

// TieKey ties or unties the quantities at the key at global time t. Tying
// pushes the leaving side onto the arriving side.
func (ch *Channel) TieKey(t float64, value, slope, accel bool) bool {
	if ch.IsLocked() {
		return false
	}
	k, ok := ch.FindKey(t)
	if !ok {
		return false
	}
	ch.state.tieKey(k, value, slope, accel)
	ch.state.syncKey(k, true)
	ch.touch(schema.ChangeKeyValue, ch.state.segs[k].start)
	return true
}

// SetKeySlope sets both slopes at the key at global time t.
func (ch *Channel) SetKeySlope(t, slope float64) bool {
	if ch.IsLocked() {
		return false
	}
	k, ok := ch.FindKey(t)
	if !ok {
		return false
	}
	seg := ch.state.segs[k]
	seg.inSlope = clampSlope(slope)
	if p := seg.prev(); p != nil {
		p.outSlope = seg.inSlope
	}
	ch.state.syncEnd()
	ch.touch(schema.ChangeKeyValue, seg.start)
	return true
}
