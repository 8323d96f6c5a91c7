package curve

import "math"

const (
	solveEpsilon  = 1e-12
	maxSolveIters = 64
)

// Bezier is a cubic Bézier in the (time, value) plane. X holds the time
// coordinates of the four control points, Y the values. X must be monotone
// non-decreasing in the parameter for the time→parameter solve to be unique;
// NewTimedBezier guarantees that by clamping the handle lengths.
type Bezier struct {
	X, Y [4]float64
}

// NewTimedBezier builds the Bézier for a segment of the given length starting
// at local time 0. v0/s0/a0 are the in value, slope and handle length;
// v1/s1/a1 the out side. Handle lengths are clamped to [0, length].
func NewTimedBezier(length, v0, s0, a0, v1, s1, a1 float64) Bezier {
	a0 = Clamp(a0, 0, length)
	a1 = Clamp(a1, 0, length)
	return Bezier{
		X: [4]float64{0, a0, length - a1, length},
		Y: [4]float64{v0, v0 + s0*a0, v1 - s1*a1, v1},
	}
}

func bez(p [4]float64, u float64) float64 {
	mu := 1 - u
	return mu*mu*mu*p[0] + 3*mu*mu*u*p[1] + 3*mu*u*u*p[2] + u*u*u*p[3]
}

func bezDeriv(p [4]float64, u float64) float64 {
	mu := 1 - u
	return 3 * (mu*mu*(p[1]-p[0]) + 2*mu*u*(p[2]-p[1]) + u*u*(p[3]-p[2]))
}

func bezDeriv2(p [4]float64, u float64) float64 {
	return 6 * ((1-u)*(p[2]-2*p[1]+p[0]) + u*(p[3]-2*p[2]+p[1]))
}

// Eval returns the control polygon point at parameter u.
func (b Bezier) Eval(u float64) (x, y float64) {
	return bez(b.X, u), bez(b.Y, u)
}

// Param solves X(u) = x for u ∈ [0, 1] using Newton iteration guarded by a
// shrinking bisection bracket. Times outside the curve's span clamp to the
// nearest end.
func (b Bezier) Param(x float64) float64 {
	span := b.X[3] - b.X[0]
	if span <= 0 {
		return 0
	}
	if x <= b.X[0] {
		return 0
	}
	if x >= b.X[3] {
		return 1
	}
	tol := solveEpsilon * math.Max(1, span)
	lo, hi := 0.0, 1.0
	u := (x - b.X[0]) / span
	for i := 0; i < maxSolveIters; i++ {
		f := bez(b.X, u) - x
		if math.Abs(f) <= tol {
			return u
		}
		if f > 0 {
			hi = u
		} else {
			lo = u
		}
		d := bezDeriv(b.X, u)
		next := u
		if d > solveEpsilon {
			next = u - f/d
		}
		if next <= lo || next >= hi || next == u {
			next = 0.5 * (lo + hi)
		}
		u = next
	}
	return u
}

// Value returns the curve value at time x.
func (b Bezier) Value(x float64) float64 {
	return bez(b.Y, b.Param(x))
}

// Slope returns dY/dX at time x. Where the time derivative vanishes (a zero
// handle at an end point) the slope of the adjoining control leg is used.
func (b Bezier) Slope(x float64) float64 {
	u := b.Param(x)
	dx := bezDeriv(b.X, u)
	if math.Abs(dx) > solveEpsilon {
		return bezDeriv(b.Y, u) / dx
	}
	return b.legSlope(u)
}

// Accel returns d²Y/dX² at time x.
func (b Bezier) Accel(x float64) float64 {
	u := b.Param(x)
	dx := bezDeriv(b.X, u)
	if math.Abs(dx) <= solveEpsilon {
		return 0
	}
	dy := bezDeriv(b.Y, u)
	return (bezDeriv2(b.Y, u)*dx - dy*bezDeriv2(b.X, u)) / (dx * dx * dx)
}

func (b Bezier) legSlope(u float64) float64 {
	if b.X[3] <= b.X[0] {
		return 0
	}
	if u < 0.5 {
		for k := 1; k < 4; k++ {
			if b.X[k] > b.X[0] {
				return (b.Y[k] - b.Y[0]) / (b.X[k] - b.X[0])
			}
		}
	}
	for k := 2; k >= 0; k-- {
		if b.X[k] < b.X[3] {
			return (b.Y[3] - b.Y[k]) / (b.X[3] - b.X[k])
		}
	}
	return 0
}

// Split divides the curve at parameter u with de Casteljau's construction.
// Both halves keep their own time coordinates (the right half starts at the
// split time, not at zero).
func (b Bezier) Split(u float64) (Bezier, Bezier) {
	lx, rx := splitAxis(b.X, u)
	ly, ry := splitAxis(b.Y, u)
	return Bezier{X: lx, Y: ly}, Bezier{X: rx, Y: ry}
}

func splitAxis(p [4]float64, u float64) (left, right [4]float64) {
	p01 := Lerp(p[0], p[1], u)
	p12 := Lerp(p[1], p[2], u)
	p23 := Lerp(p[2], p[3], u)
	p012 := Lerp(p01, p12, u)
	p123 := Lerp(p12, p23, u)
	mid := Lerp(p012, p123, u)
	return [4]float64{p[0], p01, p012, mid}, [4]float64{mid, p123, p23, p[3]}
}

// Handles returns the in/out handle lengths (time units) and the slopes along
// them. A zero-length handle reports the slope fallback instead.
func (b Bezier) Handles(fallbackIn, fallbackOut float64) (inAccel, inSlope, outAccel, outSlope float64) {
	inAccel = b.X[1] - b.X[0]
	outAccel = b.X[3] - b.X[2]
	inSlope, outSlope = fallbackIn, fallbackOut
	if inAccel > solveEpsilon {
		inSlope = (b.Y[1] - b.Y[0]) / inAccel
	}
	if outAccel > solveEpsilon {
		outSlope = (b.Y[3] - b.Y[2]) / outAccel
	}
	return inAccel, inSlope, outAccel, outSlope
}
