package channel

import (
	"math"
	"sort"
	"strconv"

	"github.com/rendis/chanops/pkg/schema"
)

// ChannelFlags are the channel-level state bits.
type ChannelFlags uint8

const (
	FlagModified ChannelFlags = 1 << iota
	FlagLocked
	FlagInactive
)

// Channel is one scalar animated quantity: an ordered run of contiguous
// segments ending in a zero-length end segment, plus disabled ranges, pending
// staging and an optional snapshot.
//
// A Channel is not safe for concurrent mutation. Concurrent evaluation is
// safe while no goroutine edits the same channel.
type Channel struct {
	name       string
	alias      string
	collection *Collection
	offset     float64

	state    *keyState
	snapshot *keyState
	// snapshotCleared records that the last snapshot was dropped explicitly.
	snapshotCleared bool

	pending pendingState
	flags   ChannelFlags

	modifyDepth int
	queued      []schema.ChangeEvent
}

// New creates a standalone channel holding only a default value. Channels
// created through a Collection report changes to its Manager.
func New(name string, defValue float64) *Channel {
	ch := &Channel{name: name}
	ch.state = &keyState{owner: ch, defValue: defValue}
	return ch
}

// Name returns the channel name, unique within its collection.
func (ch *Channel) Name() string { return ch.name }

// Alias returns the display alias, empty when unset.
func (ch *Channel) Alias() string { return ch.alias }

// Collection returns the owning collection, nil for a standalone channel.
func (ch *Channel) Collection() *Collection { return ch.collection }

// DefaultValue returns the value reported where no key applies.
func (ch *Channel) DefaultValue() float64 { return ch.state.defValue }

// DefaultString returns the string reported by an unkeyed string channel.
func (ch *Channel) DefaultString() string { return ch.state.defString }

// Offset returns the channel's time offset.
func (ch *Channel) Offset() float64 { return ch.offset }

// LeftType returns the extrapolation before the first key.
func (ch *Channel) LeftType() Behavior { return ch.state.left }

// RightType returns the extrapolation after the last key.
func (ch *Channel) RightType() Behavior { return ch.state.right }

// Flags returns the channel's status flags.
func (ch *Channel) Flags() ChannelFlags { return ch.flags }

// IsModified reports whether the channel changed since ClearModified.
func (ch *Channel) IsModified() bool { return ch.flags&FlagModified != 0 }

// IsLocked reports whether the channel rejects edits.
func (ch *Channel) IsLocked() bool { return ch.flags&FlagLocked != 0 }

// IsActive reports whether the channel takes part in EvaluateAll.
func (ch *Channel) IsActive() bool { return ch.flags&FlagInactive == 0 }

// Path returns "collection/channel" (just the name when standalone).
func (ch *Channel) Path() string {
	if ch.collection == nil {
		return ch.name
	}
	return ch.collection.Name() + "/" + ch.name
}

// SetAlias renames the channel's display alias. Like every setter below it
// reports false on a locked channel.
func (ch *Channel) SetAlias(alias string) bool {
	if ch.IsLocked() {
		return false
	}
	ch.alias = alias
	ch.touch(schema.ChangeChannelRename, 0)
	return true
}

// SetDefaultValue sets the value reported where no key applies.
func (ch *Channel) SetDefaultValue(v float64) bool {
	if ch.IsLocked() {
		return false
	}
	ch.state.defValue = v
	ch.touch(schema.ChangeKeyValue, 0)
	return true
}

// SetDefaultString sets the string reported by an unkeyed string channel.
func (ch *Channel) SetDefaultString(s string) bool {
	if ch.IsLocked() {
		return false
	}
	ch.state.defString = s
	ch.touch(schema.ChangeKeyValue, 0)
	return true
}

// SetOffset shifts the channel in time: local = global − offset.
func (ch *Channel) SetOffset(offset float64) bool {
	if ch.IsLocked() {
		return false
	}
	ch.offset = offset
	ch.touch(schema.ChangeSegment, 0)
	return true
}

// SetLeftType sets the extrapolation before the first key.
func (ch *Channel) SetLeftType(b Behavior) bool {
	if ch.IsLocked() {
		return false
	}
	ch.state.left = b
	ch.touch(schema.ChangeChannelFlags, 0)
	return true
}

// SetRightType sets the extrapolation after the last key.
func (ch *Channel) SetRightType(b Behavior) bool {
	if ch.IsLocked() {
		return false
	}
	ch.state.right = b
	ch.touch(schema.ChangeChannelFlags, 0)
	return true
}

// SetLocked locks or unlocks the channel. Locked channels reject edits.
func (ch *Channel) SetLocked(locked bool) {
	ch.setFlag(FlagLocked, locked)
}

// SetActive marks the channel active or inactive.
func (ch *Channel) SetActive(active bool) {
	ch.setFlag(FlagInactive, !active)
}

// ClearModified resets the modified flag without emitting an event.
func (ch *Channel) ClearModified() {
	ch.flags &^= FlagModified
}

func (ch *Channel) setFlag(f ChannelFlags, on bool) {
	if on {
		ch.flags |= f
	} else {
		ch.flags &^= f
	}
	ch.emit(schema.ChangeChannelFlags, 0, nil)
}

// LocalTime maps a global time into channel local time.
func (ch *Channel) LocalTime(global float64) float64 { return global - ch.offset }

// GlobalTime maps channel local time back to global time.
func (ch *Channel) GlobalTime(local float64) float64 { return local + ch.offset }

func (ch *Channel) manager() *Manager {
	if ch.collection == nil {
		return nil
	}
	return ch.collection.manager
}

func (ch *Channel) evaluator() ExpressionEvaluator {
	if m := ch.manager(); m != nil {
		return m.evaluator
	}
	return nil
}

func (ch *Channel) tolerance() float64 {
	if m := ch.manager(); m != nil {
		return m.TimeTolerance()
	}
	return DefaultTolerance / DefaultFPS
}

func (ch *Channel) owns(s *Segment) bool {
	return s != nil && s.list == ch.state && s.index < len(ch.state.segs) && ch.state.segs[s.index] == s
}

// --- Segment lookup ---

// NKeys returns the number of keys; it equals the number of segments.
func (ch *Channel) NKeys() int { return len(ch.state.segs) }

// NSegments returns the number of segments, end segment included.
func (ch *Channel) NSegments() int { return len(ch.state.segs) }

// Segment returns the i-th segment, or nil.
func (ch *Channel) Segment(i int) *Segment {
	if i < 0 || i >= len(ch.state.segs) {
		return nil
	}
	return ch.state.segs[i]
}

// EndSegment returns the zero-length terminal segment, or nil when empty.
func (ch *Channel) EndSegment() *Segment { return ch.state.end() }

// KeyTimes returns every key time in global time.
func (ch *Channel) KeyTimes() []float64 {
	out := make([]float64, len(ch.state.segs))
	for i, s := range ch.state.segs {
		out[i] = ch.GlobalTime(s.start)
	}
	return out
}

// GetSegment returns the segment covering local time lt: the end segment at
// or past the last key and the first segment before the first key.
func (ch *Channel) GetSegment(lt float64) *Segment {
	i := ch.segmentIndex(lt)
	if i < 0 {
		return nil
	}
	return ch.state.segs[i]
}

func (ch *Channel) segmentIndex(lt float64) int {
	segs := ch.state.segs
	if len(segs) == 0 {
		return -1
	}
	i := sort.Search(len(segs), func(i int) bool { return segs[i].start > lt }) - 1
	if i < 0 {
		return 0
	}
	return i
}

// findKey locates a key within tolerance of local time lt.
func (ch *Channel) findKey(lt float64) (int, bool) {
	segs := ch.state.segs
	tol := ch.tolerance()
	i := sort.Search(len(segs), func(i int) bool { return segs[i].start >= lt-tol })
	if i < len(segs) && segs[i].start <= lt+tol {
		return i, true
	}
	return i, false
}

// FindKey returns the index of the key at global time t.
func (ch *Channel) FindKey(t float64) (int, bool) {
	return ch.findKey(ch.LocalTime(t))
}

// IsAtHardKey reports whether a key exists at global time t.
func (ch *Channel) IsAtHardKey(t float64) bool {
	_, ok := ch.FindKey(t)
	return ok
}

// --- Evaluation ---

// Evaluate returns the channel value at global time t. ec may be nil, in
// which case expression segments evaluate to their in value.
func (ch *Channel) Evaluate(ec *EvalContext, t float64) float64 {
	return ch.evaluate(ec, ch.LocalTime(t), qValue, false)
}

// EvaluateSlope returns the first time derivative at global time t.
func (ch *Channel) EvaluateSlope(ec *EvalContext, t float64) float64 {
	return ch.evaluate(ec, ch.LocalTime(t), qSlope, false)
}

// EvaluateAccel returns the second time derivative at global time t.
func (ch *Channel) EvaluateAccel(ec *EvalContext, t float64) float64 {
	return ch.evaluate(ec, ch.LocalTime(t), qAccel, false)
}

// EvaluateRaw evaluates the value at global time t, optionally ignoring
// disabled ranges.
func (ch *Channel) EvaluateRaw(ec *EvalContext, t float64, noDisabling bool) float64 {
	return ch.evaluate(ec, ch.LocalTime(t), qValue, noDisabling)
}

// EvaluateString returns the string value at global time t. Expression
// segments report their result as text; numeric segments are formatted.
func (ch *Channel) EvaluateString(ec *EvalContext, t float64) string {
	lt := ch.LocalTime(t)
	if ch.pending.active && ch.pending.hasString && ch.pendingCovers(lt) {
		return ch.pending.str
	}
	if len(ch.state.segs) == 0 {
		if ch.state.defString != "" {
			return ch.state.defString
		}
		return formatValue(ch.state.defValue)
	}
	if _, off := ch.disabledAt(lt); off {
		return formatValue(ch.evaluate(ec, lt, qValue, false))
	}
	seg := ch.GetSegment(ch.remapTime(lt))
	if seg.basis == BasisExpression && seg.expr != nil {
		out, err := ch.runExpression(ec, seg, ch.remapTime(lt))
		if err == nil {
			return toString(out)
		}
		ec.SetErr(err)
	}
	return formatValue(ch.evaluate(ec, lt, qValue, false))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (ch *Channel) evaluate(ec *EvalContext, lt float64, q quantity, noDisabling bool) float64 {
	if q == qValue && ch.pending.active && ch.pendingCovers(lt) {
		return ch.pending.value
	}
	if !noDisabling {
		if d, ok := ch.disabledAt(lt); ok {
			if q != qValue {
				return 0
			}
			if d.hold != nil {
				return *d.hold
			}
			return ch.state.defValue
		}
	}
	return ch.evalCurve(ec, lt, q)
}

// evalCurve evaluates the authored curve and its extrapolation, ignoring
// pending values and disabled ranges.
func (ch *Channel) evalCurve(ec *EvalContext, lt float64, q quantity) float64 {
	segs := ch.state.segs
	if len(segs) == 0 {
		return held(ch.state.defValue, q)
	}
	first, last := segs[0].start, segs[len(segs)-1].start
	switch {
	case lt < first:
		return ch.extrapolate(ec, lt, q, ch.effective(ch.state.left), true)
	case lt > last:
		return ch.extrapolate(ec, lt, q, ch.effective(ch.state.right), false)
	}
	return ch.evalSegment(ec, ch.state.segs[ch.segmentIndex(lt)], lt, false, q)
}

// evalSegment evaluates one segment with it bound in the context.
func (ch *Channel) evalSegment(ec *EvalContext, seg *Segment, lt float64, extend bool, q quantity) float64 {
	if ec != nil && ch.collection != nil {
		scope := ec.Enter(ch.GlobalTime(lt), ch.collection, ch, seg)
		defer scope.Exit()
	}
	return seg.eval(ec, lt, extend, q)
}

func (ch *Channel) effective(b Behavior) Behavior {
	if b != BehaviorDefault {
		return b
	}
	if m := ch.manager(); m != nil {
		if d := m.DefaultBehavior(); d != BehaviorDefault {
			return d
		}
	}
	return BehaviorHold
}

// extrapolate answers queries outside [first, last] by remapping into the
// keyed range per behavior. Cost is independent of the number of cycles.
func (ch *Channel) extrapolate(ec *EvalContext, lt float64, q quantity, b Behavior, left bool) float64 {
	segs := ch.state.segs
	firstSeg, endSeg := segs[0], segs[len(segs)-1]
	first, last := firstSeg.start, endSeg.start
	span := last - first

	boundary := endSeg
	if left {
		boundary = firstSeg
	}
	if span < MinSegmentLength && b != BehaviorSlope {
		b = BehaviorHold
	}

	switch b {
	case BehaviorCycle, BehaviorCycleOffset, BehaviorOscillate:
		cycles := math.Floor((lt - first) / span)
		local := lt - cycles*span
		sign := 1.0
		if b == BehaviorOscillate && math.Mod(math.Abs(cycles), 2) == 1 {
			local = last - (local - first)
			sign = -1
		}
		v := ch.evalSegment(ec, segs[ch.segmentIndex(local)], local, false, q)
		switch {
		case b == BehaviorCycleOffset && q == qValue:
			v += cycles * (endSeg.outValue - firstSeg.inValue)
		case b == BehaviorOscillate && q == qSlope:
			v *= sign
		}
		return v
	case BehaviorExtend:
		if left {
			return ch.evalSegment(ec, firstSeg, lt, false, q)
		}
		if len(segs) > 1 {
			return ch.evalSegment(ec, segs[len(segs)-2], lt, false, q)
		}
		return ch.evalSegment(ec, endSeg, lt, false, q)
	case BehaviorSlope:
		return ch.evalSegment(ec, boundary, lt, true, q)
	}
	// Hold.
	if left {
		return held(firstSeg.inValue, q)
	}
	return held(endSeg.inValue, q)
}

// remapTime maps an out-of-range local time onto the keyed range the way
// extrapolation does; in-range times are returned unchanged.
func (ch *Channel) remapTime(lt float64) float64 {
	segs := ch.state.segs
	if len(segs) == 0 {
		return lt
	}
	first, last := segs[0].start, segs[len(segs)-1].start
	span := last - first
	b := ch.effective(ch.state.right)
	if lt < first {
		b = ch.effective(ch.state.left)
	} else if lt <= last {
		return lt
	}
	switch b {
	case BehaviorCycle, BehaviorCycleOffset, BehaviorOscillate:
		if span < MinSegmentLength {
			break
		}
		cycles := math.Floor((lt - first) / span)
		local := lt - cycles*span
		if b == BehaviorOscillate && math.Mod(math.Abs(cycles), 2) == 1 {
			local = last - (local - first)
		}
		return local
	}
	if lt < first {
		return first
	}
	return last
}

// runExpression evaluates seg's expression at local time lt with the segment
// bound in the context.
func (ch *Channel) runExpression(ec *EvalContext, seg *Segment, lt float64) (any, error) {
	eval := ch.evaluator()
	if eval == nil || ec == nil || ch.collection == nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "no expression evaluator bound").
			WithChannel(ch.Path())
	}
	if ec.Depth() >= MaxEvalDepth {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"evaluation nested deeper than %d", MaxEvalDepth).WithChannel(ch.Path())
	}
	scope := ec.Enter(ch.GlobalTime(lt), ch.collection, ch, seg)
	defer scope.Exit()

	return eval.EvaluateExpression(ec.Context(), *seg.expr, ec)
}

// IsTimeDependent reports whether any segment can vary with time. A held
// pending value overrides the whole curve.
func (ch *Channel) IsTimeDependent() bool {
	if ch.pending.active && ch.pending.hold {
		return false
	}
	for _, s := range ch.state.segs {
		if s.IsTimeDependent() {
			return true
		}
	}
	return false
}
