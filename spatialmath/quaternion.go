package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Normalize scales q to unit length. The zero quaternion maps to the identity rotation.
func Normalize(q quat.Number) quat.Number {
	norm := quat.Abs(q)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/norm, q)
}

func quatDot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// Slerp is spherical linear interpolation between two rotations. It always travels the shorter arc.
func Slerp(q1, q2 quat.Number, by float64) quat.Number {
	q1, q2 = Normalize(q1), Normalize(q2)
	dot := quatDot(q1, q2)
	if dot < 0 {
		q2 = quat.Scale(-1, q2)
		dot = -dot
	}
	// Nearly parallel, fall back to a normalized lerp.
	if dot > 0.9995 {
		return Normalize(quat.Add(q1, quat.Scale(by, quat.Sub(q2, q1))))
	}
	theta := math.Acos(dot) * by
	ortho := Normalize(quat.Sub(q2, quat.Scale(dot, q1)))
	return quat.Add(quat.Scale(math.Cos(theta), q1), quat.Scale(math.Sin(theta), ortho))
}
