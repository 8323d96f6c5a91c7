// Package curve holds the closed-form and iteratively solved curve math used
// by channel segments. Everything here is a pure function of its arguments;
// the parametric domain is t ∈ [0, 1] unless a function says otherwise.
package curve

import "math"

// Lerp linearly interpolates between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Hermite evaluates a cubic Hermite polynomial with endpoint values p0, p1 and
// endpoint tangents m0, m1 expressed in parametric units (slope × length).
func Hermite(p0, m0, p1, m1, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return (2*t3-3*t2+1)*p0 + (t3-2*t2+t)*m0 + (-2*t3+3*t2)*p1 + (t3-t2)*m1
}

// HermiteDeriv returns dH/dt.
func HermiteDeriv(p0, m0, p1, m1, t float64) float64 {
	t2 := t * t
	return (6*t2-6*t)*p0 + (3*t2-4*t+1)*m0 + (-6*t2+6*t)*p1 + (3*t2-2*t)*m1
}

// HermiteDeriv2 returns d²H/dt².
func HermiteDeriv2(p0, m0, p1, m1, t float64) float64 {
	return (12*t-6)*p0 + (6*t-4)*m0 + (-12*t+6)*p1 + (6*t-2)*m1
}

// Ease is the smoothstep blend 3t² − 2t³.
func Ease(t float64) float64 { return t * t * (3 - 2*t) }

// EaseDeriv returns dEase/dt.
func EaseDeriv(t float64) float64 { return 6 * t * (1 - t) }

// EaseDeriv2 returns d²Ease/dt².
func EaseDeriv2(t float64) float64 { return 6 - 12*t }

// EaseIn accelerates from rest: t².
func EaseIn(t float64) float64 { return t * t }

// EaseInDeriv returns dEaseIn/dt.
func EaseInDeriv(t float64) float64 { return 2 * t }

// EaseInDeriv2 returns d²EaseIn/dt².
func EaseInDeriv2(float64) float64 { return 2 }

// EaseOut decelerates to rest: 1 − (1 − t)².
func EaseOut(t float64) float64 { return t * (2 - t) }

// EaseOutDeriv returns dEaseOut/dt.
func EaseOutDeriv(t float64) float64 { return 2 - 2*t }

// EaseOutDeriv2 returns d²EaseOut/dt².
func EaseOutDeriv2(float64) float64 { return -2 }

// AngleDelta returns the signed shortest rotation, in degrees, taking a to b.
// The result lies in (-180, 180].
func AngleDelta(a, b float64) float64 {
	d := math.Mod(b-a, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
