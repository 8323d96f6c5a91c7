package channel

import (
	"math"
	"strconv"

	"github.com/rendis/chanops/pkg/schema"
)

// pendingState is a staged value that overrides evaluation near its time
// (or everywhere while held) without being keyed.
type pendingState struct {
	active    bool
	time      float64
	value     float64
	str       string
	hasString bool
	hold      bool
}

func (ch *Channel) pendingCovers(lt float64) bool {
	return ch.pending.hold || math.Abs(lt-ch.pending.time) <= ch.tolerance()
}

// IsPending reports whether a staged value is waiting to be committed.
func (ch *Channel) IsPending() bool { return ch.pending.active }

// PendingTime returns the global time of the staged value.
func (ch *Channel) PendingTime() float64 { return ch.GlobalTime(ch.pending.time) }

// PendingValue returns the staged value.
func (ch *Channel) PendingValue() float64 { return ch.pending.value }

// IsPendingHold reports whether the staged value applies at every time.
func (ch *Channel) IsPendingHold() bool { return ch.pending.hold }

// SetKeyValue writes v at global time t. With setPending the value is staged
// instead, unless commitKeys is set and t already holds a key, in which case
// the key is updated and any staged value dropped. On a channel without keys
// the default value changes unless commitKeys asks for a key.
func (ch *Channel) SetKeyValue(v, t float64, setPending, commitKeys bool) bool {
	if ch.IsLocked() {
		return false
	}
	lt := ch.LocalTime(t)
	k, isKey := ch.findKey(lt)
	if setPending && !(commitKeys && isKey) {
		ch.stage(pendingState{active: true, time: lt, value: v, hold: ch.pending.hold})
		return true
	}
	if len(ch.state.segs) == 0 && !commitKeys {
		ch.SetDefaultValue(v)
		ch.dropPending()
		return true
	}

	ch.BeginModify()
	defer ch.EndModify()
	if !isKey {
		if k, _ = ch.InsertKeyFrame(t, ch.autoSlope()); k < 0 {
			return false
		}
	}
	seg := ch.state.segs[k]
	seg.expr = nil
	if seg.basis == BasisExpression {
		seg.basis = ch.defaultBasis()
	}
	seg.inValue = v
	if p := seg.prev(); p != nil && p.ties&TieOutValue != 0 && seg.ties&TieInValue != 0 {
		p.outValue = v
	}
	ch.state.syncKey(k, true)
	ch.touch(schema.ChangeKeyValue, lt)
	ch.dropPending()
	return true
}

// SetKeyString writes a string value at global time t with the same staging
// rules as SetKeyValue. A committed string becomes a quoted expression on the
// key's segment; on a channel without keys it becomes the default string
// unless commitKeys asks for a key.
func (ch *Channel) SetKeyString(s string, t float64, setPending, commitKeys bool) bool {
	if ch.IsLocked() {
		return false
	}
	lt := ch.LocalTime(t)
	k, isKey := ch.findKey(lt)
	if setPending && !(commitKeys && isKey) {
		v, _ := toFloat(s)
		ch.stage(pendingState{active: true, time: lt, value: v, str: s, hasString: true, hold: ch.pending.hold})
		return true
	}
	if len(ch.state.segs) == 0 && !commitKeys {
		ch.SetDefaultString(s)
		ch.dropPending()
		return true
	}

	ch.BeginModify()
	defer ch.EndModify()
	if !isKey {
		if k, _ = ch.InsertKeyFrame(t, false); k < 0 {
			return false
		}
	}
	seg := ch.state.segs[k]
	seg.expr = &Expression{Text: strconv.Quote(s), Language: LanguageExpr}
	seg.basis = BasisExpression
	seg.timeDep = timeDepNo
	if v, ok := toFloat(s); ok {
		seg.inValue = v
		ch.state.syncKey(k, true)
	}
	ch.touch(schema.ChangeKeyValue, lt)
	ch.dropPending()
	return true
}

// ClearPending drops the staged value without committing it.
func (ch *Channel) ClearPending() {
	ch.dropPending()
}

// UpdatePending drops the staged value when the current time moves away from
// it, unless the value is held. It reports whether a value is still staged.
func (ch *Channel) UpdatePending(t float64) bool {
	if !ch.pending.active {
		return false
	}
	if !ch.pendingCovers(ch.LocalTime(t)) {
		ch.dropPending()
	}
	return ch.pending.active
}

// HoldPending makes the staged value apply at every time (or only at its own
// time again).
func (ch *Channel) HoldPending(hold bool) {
	ch.pending.hold = hold
}

// CommitPending keys the staged value at its time.
func (ch *Channel) CommitPending() bool {
	if !ch.pending.active {
		return false
	}
	p := ch.pending
	t := ch.GlobalTime(p.time)
	if p.hasString {
		return ch.SetKeyString(p.str, t, false, true)
	}
	return ch.SetKeyValue(p.value, t, false, true)
}

func (ch *Channel) stage(p pendingState) {
	was := ch.pending.active
	ch.pending = p
	ch.emit(schema.ChangePending, p.time, map[string]any{"pending": true, "was_pending": was})
}

func (ch *Channel) dropPending() {
	if !ch.pending.active {
		return
	}
	lt := ch.pending.time
	ch.pending = pendingState{hold: ch.pending.hold}
	ch.emit(schema.ChangePending, lt, map[string]any{"pending": false})
}
