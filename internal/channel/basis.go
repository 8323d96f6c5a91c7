package channel

import "strings"

// Basis selects the function family a segment interpolates with.
type Basis uint8

const (
	BasisConstant Basis = iota
	BasisLinear
	BasisCubic
	BasisBezier
	BasisEase
	BasisEaseIn
	BasisEaseOut
	BasisSpline
	BasisQLinear
	BasisQCubic
	BasisExpression
)

var basisNames = [...]string{
	BasisConstant:   "constant",
	BasisLinear:     "linear",
	BasisCubic:      "cubic",
	BasisBezier:     "bezier",
	BasisEase:       "ease",
	BasisEaseIn:     "easein",
	BasisEaseOut:    "easeout",
	BasisSpline:     "spline",
	BasisQLinear:    "qlinear",
	BasisQCubic:     "qcubic",
	BasisExpression: "expression",
}

func (b Basis) String() string {
	if int(b) < len(basisNames) {
		return basisNames[b]
	}
	return "unknown"
}

// ParseBasis maps a basis name (case-insensitive) to its Basis.
func ParseBasis(s string) (Basis, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range basisNames {
		if n == s {
			return Basis(i), true
		}
	}
	return BasisConstant, false
}

// Behavior is the extrapolation policy applied outside the keyed range.
type Behavior uint8

const (
	BehaviorDefault Behavior = iota
	BehaviorHold
	BehaviorCycle
	BehaviorExtend
	BehaviorSlope
	BehaviorCycleOffset
	BehaviorOscillate
)

var behaviorNames = [...]string{
	BehaviorDefault:     "default",
	BehaviorHold:        "hold",
	BehaviorCycle:       "cycle",
	BehaviorExtend:      "extend",
	BehaviorSlope:       "slope",
	BehaviorCycleOffset: "cycleoffset",
	BehaviorOscillate:   "oscillate",
}

func (b Behavior) String() string {
	if int(b) < len(behaviorNames) {
		return behaviorNames[b]
	}
	return "unknown"
}

// ParseBehavior maps a behavior name (case-insensitive) to its Behavior.
// The empty string is BehaviorDefault.
func ParseBehavior(s string) (Behavior, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return BehaviorDefault, true
	}
	for i, n := range behaviorNames {
		if n == s {
			return Behavior(i), true
		}
	}
	return BehaviorDefault, false
}

// ExtendPolicy controls how GetFullKey answers for times outside the keyed
// range.
type ExtendPolicy uint8

const (
	// ExtendNone reports no data outside the keyed range.
	ExtendNone ExtendPolicy = iota
	// ExtendDefault synthesizes a key from the channel's extrapolation.
	ExtendDefault
	// ExtendBoundary copies the nearest boundary key to the query time.
	ExtendBoundary
)

// TieFlags marks which boundary quantities of a segment follow the
// neighbouring segment across the shared key.
type TieFlags uint8

const (
	TieInValue TieFlags = 1 << iota
	TieOutValue
	TieInSlope
	TieOutSlope
	TieInAccel
	TieOutAccel

	tieInAll  = TieInValue | TieInSlope | TieInAccel
	tieOutAll = TieOutValue | TieOutSlope | TieOutAccel
)

var tieNames = []struct {
	flag TieFlags
	name string
}{
	{TieInValue, "in_value"},
	{TieOutValue, "out_value"},
	{TieInSlope, "in_slope"},
	{TieOutSlope, "out_slope"},
	{TieInAccel, "in_accel"},
	{TieOutAccel, "out_accel"},
}

// LockFlags prevent edits that would move a segment's boundaries.
type LockFlags uint8

const (
	LockStart LockFlags = 1 << iota
	LockEnd
	LockLength
)

var lockNames = []struct {
	flag LockFlags
	name string
}{
	{LockStart, "start"},
	{LockEnd, "end"},
	{LockLength, "length"},
}
