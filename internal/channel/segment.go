package channel

import (
	"github.com/rendis/chanops/internal/curve"
	"github.com/rendis/chanops/pkg/schema"
)

const (
	// MinSegmentLength is the shortest segment evaluated by its basis.
	// Anything shorter evaluates as a held end segment.
	MinSegmentLength = 1e-5
	// MaxSlope bounds slope and acceleration magnitudes.
	MaxSlope = 1e8

	defaultAccelRatio = 1.0 / 3.0
	exprStep          = 1e-3
)

type quantity uint8

const (
	qValue quantity = iota
	qSlope
	qAccel
)

type timeDep uint8

const (
	timeDepUnknown timeDep = iota
	timeDepYes
	timeDepNo
)

// Segment is one piece of a channel's curve over [Start, End) in channel
// local time. Segments are owned by exactly one channel; the last segment of
// a non-empty channel is the zero-length end segment holding the final key.
type Segment struct {
	list  *keyState
	index int

	start     float64
	length    float64
	invLength float64

	inValue, outValue float64
	inSlope, outSlope float64
	inAccel, outAccel float64

	basis Basis
	expr  *Expression
	ties  TieFlags
	locks LockFlags

	timeDep timeDep
}

func newSegment(start, length float64, basis Basis) *Segment {
	s := &Segment{start: start, basis: basis}
	s.setLength(length)
	s.inAccel = length * defaultAccelRatio
	s.outAccel = length * defaultAccelRatio
	return s
}

func (s *Segment) setLength(l float64) {
	if l < 0 {
		l = 0
	}
	s.length = l
	if l >= MinSegmentLength {
		s.invLength = 1 / l
	} else {
		s.invLength = 0
	}
}

// resize changes the length keeping both handle lengths as ratios of it.
func (s *Segment) resize(l float64) {
	rIn, rOut := defaultAccelRatio, defaultAccelRatio
	if s.invLength != 0 {
		rIn, rOut = s.inAccel*s.invLength, s.outAccel*s.invLength
	}
	s.setLength(l)
	s.inAccel, s.outAccel = rIn*s.length, rOut*s.length
}

func (s *Segment) clone() *Segment {
	cp := *s
	cp.expr = s.expr.clone()
	cp.list = nil
	return &cp
}

// Start returns the segment start in channel local time.
func (s *Segment) Start() float64 { return s.start }

// End returns the segment end in channel local time.
func (s *Segment) End() float64 { return s.start + s.length }

// Length returns End − Start.
func (s *Segment) Length() float64 { return s.length }

// Index returns the segment position inside its channel.
func (s *Segment) Index() int { return s.index }

// InValue returns the value leaving the start key.
func (s *Segment) InValue() float64 { return s.inValue }

// OutValue returns the value arriving at the end key.
func (s *Segment) OutValue() float64 { return s.outValue }

// InSlope returns the slope leaving the start key.
func (s *Segment) InSlope() float64 { return s.inSlope }

// OutSlope returns the slope arriving at the end key.
func (s *Segment) OutSlope() float64 { return s.outSlope }

// InAccel returns the in handle length.
func (s *Segment) InAccel() float64 { return s.inAccel }

// OutAccel returns the out handle length.
func (s *Segment) OutAccel() float64 { return s.outAccel }

// InAccelRatio returns the in handle length as a fraction of the segment length.
func (s *Segment) InAccelRatio() float64 { return s.inAccel * s.invLength }

// OutAccelRatio returns the out handle length as a fraction of the segment length.
func (s *Segment) OutAccelRatio() float64 { return s.outAccel * s.invLength }

// Basis returns the interpolation basis.
func (s *Segment) Basis() Basis { return s.basis }

// Ties returns the boundary quantities tied to the neighbouring segments.
func (s *Segment) Ties() TieFlags { return s.ties }

// Locks returns the segment's key and length locks.
func (s *Segment) Locks() LockFlags { return s.locks }

// SetLocks replaces the segment's locks. Locks stay editable on a locked
// channel, like the channel lock itself.
func (s *Segment) SetLocks(l LockFlags) { s.locks = l }

// Expression returns a copy of the attached expression, or nil.
func (s *Segment) Expression() *Expression { return s.expr.clone() }

// IsEnd reports whether s is its channel's terminal zero-length segment.
func (s *Segment) IsEnd() bool {
	return s.list != nil && s.index == len(s.list.segs)-1
}

func (s *Segment) prev() *Segment {
	if s.list == nil || s.index == 0 {
		return nil
	}
	return s.list.segs[s.index-1]
}

func (s *Segment) next() *Segment {
	if s.list == nil || s.index+1 >= len(s.list.segs) {
		return nil
	}
	return s.list.segs[s.index+1]
}

func clampSlope(v float64) float64 {
	return curve.Clamp(v, -MaxSlope, MaxSlope)
}

// --- Mutation ---
//
// Every setter reports false, leaving the segment untouched, when the owning
// channel is locked.

func (s *Segment) locked() bool {
	return s.list != nil && s.list.owner != nil && s.list.owner.IsLocked()
}

// SetInValue sets the leaving value at the segment's start key.
func (s *Segment) SetInValue(v float64) bool {
	if s.locked() {
		return false
	}
	s.inValue = v
	s.afterEdit(s.index, true, schema.ChangeKeyValue)
	return true
}

// SetOutValue sets the arriving value at the segment's end key. On the end
// segment this is the arriving side of the final key, stored on the previous
// segment.
func (s *Segment) SetOutValue(v float64) bool {
	if s.locked() {
		return false
	}
	if p := s.endPrev(); p != nil {
		return p.SetOutValue(v)
	}
	s.outValue = v
	s.afterEdit(s.index+1, false, schema.ChangeKeyValue)
	return true
}

// SetInSlope sets the leaving slope, clamped to ±MaxSlope.
func (s *Segment) SetInSlope(v float64) bool {
	if s.locked() {
		return false
	}
	s.inSlope = clampSlope(v)
	s.afterEdit(s.index, true, schema.ChangeSegment)
	return true
}

// SetOutSlope sets the arriving slope, clamped to ±MaxSlope.
func (s *Segment) SetOutSlope(v float64) bool {
	if s.locked() {
		return false
	}
	if p := s.endPrev(); p != nil {
		return p.SetOutSlope(v)
	}
	s.outSlope = clampSlope(v)
	s.afterEdit(s.index+1, false, schema.ChangeSegment)
	return true
}

// SetInAccel sets the in handle length.
func (s *Segment) SetInAccel(v float64) bool {
	if s.locked() {
		return false
	}
	s.inAccel = clampSlope(v)
	s.afterEdit(s.index, true, schema.ChangeSegment)
	return true
}

// SetOutAccel sets the out handle length.
func (s *Segment) SetOutAccel(v float64) bool {
	if s.locked() {
		return false
	}
	if p := s.endPrev(); p != nil {
		return p.SetOutAccel(v)
	}
	s.outAccel = clampSlope(v)
	s.afterEdit(s.index+1, false, schema.ChangeSegment)
	return true
}

// SetInAccelRatio sets the in handle length as a fraction of the segment length.
func (s *Segment) SetInAccelRatio(r float64) bool { return s.SetInAccel(r * s.length) }

// SetOutAccelRatio sets the out handle length as a fraction of the segment length.
func (s *Segment) SetOutAccelRatio(r float64) bool { return s.SetOutAccel(r * s.length) }

// SetBasis changes the interpolation basis. Any basis other than
// BasisExpression drops the attached expression; BasisExpression without an
// expression is ignored.
func (s *Segment) SetBasis(b Basis) bool {
	if s.locked() || (b == BasisExpression && s.expr == nil) {
		return false
	}
	if b != BasisExpression {
		s.expr = nil
	}
	s.basis = b
	s.timeDep = timeDepUnknown
	s.afterEdit(-1, false, schema.ChangeSegment)
	return true
}

// SetExpression attaches an expression, which becomes the evaluation source.
// A nil expression detaches it and falls back to a constant basis.
func (s *Segment) SetExpression(e *Expression) bool {
	if s.locked() {
		return false
	}
	if e == nil {
		s.expr = nil
		if s.basis == BasisExpression {
			s.basis = BasisConstant
		}
	} else {
		s.expr = e.clone()
		s.basis = BasisExpression
	}
	s.timeDep = timeDepUnknown
	s.afterEdit(-1, false, schema.ChangeSegment)
	return true
}

func (s *Segment) endPrev() *Segment {
	if s.IsEnd() {
		return s.prev()
	}
	return nil
}

func (s *Segment) afterEdit(key int, fromRight bool, ct schema.ChangeType) {
	if s.list == nil {
		return
	}
	if key >= 0 {
		s.list.syncKey(key, fromRight)
	}
	s.list.changed(ct, s.start)
}

// --- Ties ---

// Tie ties the given boundary quantities to the neighbouring segment across
// the shared key. The side being tied is authoritative: its values are pushed
// across immediately.
func (s *Segment) Tie(flags TieFlags) bool {
	if s.locked() {
		return false
	}
	s.ties |= flags
	if flags&tieInAll != 0 {
		if p := s.prev(); p != nil {
			p.ties |= (flags & tieInAll) << 1
		}
		if s.list != nil {
			s.list.syncKey(s.index, true)
		}
	}
	if flags&tieOutAll != 0 {
		if n := s.next(); n != nil {
			n.ties |= (flags & tieOutAll) >> 1
		}
		if s.list != nil {
			s.list.syncKey(s.index+1, false)
		}
	}
	if s.list != nil {
		s.list.changed(schema.ChangeKeyValue, s.start)
	}
	return true
}

// Untie clears the given ties on both sides of the shared key.
func (s *Segment) Untie(flags TieFlags) bool {
	if s.locked() {
		return false
	}
	s.ties &^= flags
	if p := s.prev(); p != nil && flags&tieInAll != 0 {
		p.ties &^= (flags & tieInAll) << 1
	}
	if n := s.next(); n != nil && flags&tieOutAll != 0 {
		n.ties &^= (flags & tieOutAll) >> 1
	}
	if s.list != nil {
		s.list.changed(schema.ChangeKeyValue, s.start)
	}
	return true
}

// TieInValue ties the value at the start key.
func (s *Segment) TieInValue() bool { return s.Tie(TieInValue) }

// TieOutValue ties the value at the end key.
func (s *Segment) TieOutValue() bool { return s.Tie(TieOutValue) }

// TieInSlope ties the slope at the start key.
func (s *Segment) TieInSlope() bool { return s.Tie(TieInSlope) }

// TieOutSlope ties the slope at the end key.
func (s *Segment) TieOutSlope() bool { return s.Tie(TieOutSlope) }

// TieInAccel ties the handle length at the start key.
func (s *Segment) TieInAccel() bool { return s.Tie(TieInAccel) }

// TieOutAccel ties the handle length at the end key.
func (s *Segment) TieOutAccel() bool { return s.Tie(TieOutAccel) }

// --- Evaluation ---

// Evaluate returns the segment value at local time lt. With extend set, times
// outside [Start, End] extrapolate linearly from the boundary slope.
func (s *Segment) Evaluate(ec *EvalContext, lt float64, extend bool) float64 {
	return s.eval(ec, lt, extend, qValue)
}

// EvaluateSlope returns the first time derivative at lt.
func (s *Segment) EvaluateSlope(ec *EvalContext, lt float64, extend bool) float64 {
	return s.eval(ec, lt, extend, qSlope)
}

// EvaluateAccel returns the second time derivative at lt.
func (s *Segment) EvaluateAccel(ec *EvalContext, lt float64, extend bool) float64 {
	return s.eval(ec, lt, extend, qAccel)
}

func (s *Segment) eval(ec *EvalContext, lt float64, extend bool, q quantity) float64 {
	if s.length < MinSegmentLength {
		return s.evalHeld(lt, extend, q)
	}
	if extend {
		if lt < s.start {
			return linearFrom(s.inValue, s.inSlope, lt-s.start, q)
		}
		if end := s.End(); lt > end {
			return linearFrom(s.outValue, s.outSlope, lt-end, q)
		}
	}
	if s.basis == BasisExpression && s.expr != nil {
		return s.evalExpression(ec, lt, q)
	}
	return s.evalBasis(lt, q)
}

// evalHeld evaluates the end segment (and degenerate segments). The in fields
// hold the value after the key; the out fields mirror the arriving side, so
// a query strictly before the start reports them instead.
func (s *Segment) evalHeld(lt float64, extend bool, q quantity) float64 {
	switch {
	case lt < s.start && extend:
		return linearFrom(s.outValue, s.outSlope, lt-s.start, q)
	case lt < s.start:
		return held(s.outValue, q)
	case lt > s.start && extend:
		return linearFrom(s.inValue, s.inSlope, lt-s.start, q)
	}
	return held(s.inValue, q)
}

func held(v float64, q quantity) float64 {
	if q == qValue {
		return v
	}
	return 0
}

func linearFrom(v, slope, dt float64, q quantity) float64 {
	switch q {
	case qSlope:
		return slope
	case qAccel:
		return 0
	}
	return v + slope*dt
}

func blend(q quantity, in, dv, t, invL float64, f, df, ddf func(float64) float64) float64 {
	switch q {
	case qSlope:
		return dv * df(t) * invL
	case qAccel:
		return dv * ddf(t) * invL * invL
	}
	return in + dv*f(t)
}

func hermite(q quantity, p0, m0, p1, m1, t, invL float64) float64 {
	switch q {
	case qSlope:
		return curve.HermiteDeriv(p0, m0, p1, m1, t) * invL
	case qAccel:
		return curve.HermiteDeriv2(p0, m0, p1, m1, t) * invL * invL
	}
	return curve.Hermite(p0, m0, p1, m1, t)
}

func identity(t float64) float64 { return t }
func one(float64) float64 { return 1 }
func zero(float64) float64 { return 0 }

func (s *Segment) evalBasis(lt float64, q quantity) float64 {
	l := s.length
	t := (lt - s.start) * s.invLength
	dv := s.outValue - s.inValue

	switch s.basis {
	case BasisLinear:
		return blend(q, s.inValue, dv, t, s.invLength, identity, one, zero)
	case BasisCubic:
		return hermite(q, s.inValue, s.inSlope*l, s.outValue, s.outSlope*l, t, s.invLength)
	case BasisBezier:
		x := lt - s.start
		if x < 0 {
			return linearFrom(s.inValue, s.inSlope, x, q)
		}
		if x > l {
			return linearFrom(s.outValue, s.outSlope, x-l, q)
		}
		b := curve.NewTimedBezier(l, s.inValue, s.inSlope, s.inAccel, s.outValue, s.outSlope, s.outAccel)
		switch q {
		case qSlope:
			return b.Slope(x)
		case qAccel:
			return b.Accel(x)
		}
		return b.Value(x)
	case BasisEase:
		return blend(q, s.inValue, dv, t, s.invLength, curve.Ease, curve.EaseDeriv, curve.EaseDeriv2)
	case BasisEaseIn:
		return blend(q, s.inValue, dv, t, s.invLength, curve.EaseIn, curve.EaseInDeriv, curve.EaseInDeriv2)
	case BasisEaseOut:
		return blend(q, s.inValue, dv, t, s.invLength, curve.EaseOut, curve.EaseOutDeriv, curve.EaseOutDeriv2)
	case BasisSpline:
		m0, m1 := s.splineSlopes()
		return hermite(q, s.inValue, m0*l, s.outValue, m1*l, t, s.invLength)
	case BasisQLinear:
		return blend(q, s.inValue, curve.AngleDelta(s.inValue, s.outValue), t, s.invLength, identity, one, zero)
	case BasisQCubic:
		p1 := s.inValue + curve.AngleDelta(s.inValue, s.outValue)
		return hermite(q, s.inValue, s.inSlope*l, p1, s.outSlope*l, t, s.invLength)
	}
	return held(s.inValue, q)
}

// splineSlopes derives Catmull-Rom tangents from the neighbouring keys.
func (s *Segment) splineSlopes() (m0, m1 float64) {
	chord := (s.outValue - s.inValue) * s.invLength
	m0, m1 = chord, chord
	if p := s.prev(); p != nil && p.length >= MinSegmentLength {
		m0 = (s.outValue - p.inValue) / (s.length + p.length)
	}
	if n := s.next(); n != nil && n.length >= MinSegmentLength {
		m1 = (n.outValue - s.inValue) / (s.length + n.length)
	}
	return m0, m1
}

func (s *Segment) evalExpression(ec *EvalContext, lt float64, q quantity) float64 {
	switch q {
	case qSlope:
		return (s.exprValue(ec, lt+exprStep) - s.exprValue(ec, lt-exprStep)) / (2 * exprStep)
	case qAccel:
		return (s.exprValue(ec, lt+exprStep) - 2*s.exprValue(ec, lt) + s.exprValue(ec, lt-exprStep)) /
			(exprStep * exprStep)
	}
	return s.exprValue(ec, lt)
}

// exprValue runs the expression and coerces its result. A failed expression
// yields the in value; the failure lands in the context's error slot.
func (s *Segment) exprValue(ec *EvalContext, lt float64) float64 {
	if s.list == nil || s.list.owner == nil {
		return s.inValue
	}
	out, err := s.list.owner.runExpression(ec, s, lt)
	if err != nil {
		ec.SetErr(err)
		return s.inValue
	}
	v, ok := toFloat(out)
	if !ok {
		ec.SetErr(schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q produced non-numeric %T", s.expr.Text, out))
		return s.inValue
	}
	return v
}

// IsTimeDependent reports whether the segment's value can change with time.
// For expression segments the answer is cached until the expression changes.
func (s *Segment) IsTimeDependent() bool {
	if s.basis == BasisExpression && s.expr != nil {
		if s.timeDep == timeDepUnknown {
			s.timeDep = timeDepYes
			if s.list != nil && s.list.owner != nil {
				if r, ok := s.list.owner.evaluator().(TimeDependenceReporter); ok && !r.DependsOnTime(*s.expr) {
					s.timeDep = timeDepNo
				}
			}
		}
		return s.timeDep == timeDepYes
	}
	switch s.basis {
	case BasisConstant:
		return false
	case BasisSpline:
		return true
	}
	return s.inValue != s.outValue || s.inSlope != 0 || s.outSlope != 0
}
