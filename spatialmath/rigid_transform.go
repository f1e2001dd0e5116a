// Package spatialmath defines the rigid transforms, quaternion interpolation and triangle geometry
// used to place point clouds and meshes in a shared frame.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// rigidityTolerance is how far R^T R and det(R) may drift from I and 1 before a transform is
// rejected as non-rigid.
const rigidityTolerance = 1e-6

// RigidTransform is a 4x4 homogeneous matrix made of a rotation and a translation. The zero value
// is not a valid transform; use NewIdentityTransform.
type RigidTransform struct {
	m [4][4]float64
}

// NewIdentityTransform returns the transform that leaves every point in place.
func NewIdentityTransform() RigidTransform {
	return RigidTransform{m: [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}}
}

// NewTransformFromMatrix wraps a row major homogeneous matrix without checking it. Call IsValid
// before using a matrix of unknown origin.
func NewTransformFromMatrix(m [4][4]float64) RigidTransform {
	return RigidTransform{m: m}
}

// NewTransformFromRotationTranslation builds a transform from a 3x3 rotation and a translation.
func NewTransformFromRotationTranslation(rot mat.Matrix, translation r3.Vector) RigidTransform {
	out := NewIdentityTransform()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[i][j] = rot.At(i, j)
		}
	}
	out.setTranslation(translation)
	return out
}

// NewTransformFromQuaternion builds a transform from a rotation quaternion and a translation. The
// quaternion is normalized first.
func NewTransformFromQuaternion(q quat.Number, translation r3.Vector) RigidTransform {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	out := NewIdentityTransform()
	out.m[0] = [4]float64{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w), 0}
	out.m[1] = [4]float64{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w), 0}
	out.m[2] = [4]float64{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y), 0}
	out.setTranslation(translation)
	return out
}

// NewTransformFromAxisAngle rotates by theta radians about axis, then translates.
func NewTransformFromAxisAngle(axis r3.Vector, theta float64, translation r3.Vector) RigidTransform {
	axis = axis.Normalize()
	s := math.Sin(theta / 2)
	return NewTransformFromQuaternion(quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}, translation)
}

// NewTransformFromEulerXYZ builds Rz(rz)*Ry(ry)*Rx(rx) followed by a translation. This is the
// parameterization of one linearized point-to-plane step.
func NewTransformFromEulerXYZ(rx, ry, rz float64, translation r3.Vector) RigidTransform {
	sa, ca := math.Sincos(rx)
	sb, cb := math.Sincos(ry)
	sg, cg := math.Sincos(rz)
	out := NewIdentityTransform()
	out.m[0] = [4]float64{cg * cb, cg*sb*sa - sg*ca, cg*sb*ca + sg*sa, 0}
	out.m[1] = [4]float64{sg * cb, sg*sb*sa + cg*ca, sg*sb*ca - cg*sa, 0}
	out.m[2] = [4]float64{-sb, cb * sa, cb * ca, 0}
	out.setTranslation(translation)
	return out
}

func (t *RigidTransform) setTranslation(v r3.Vector) {
	t.m[0][3], t.m[1][3], t.m[2][3] = v.X, v.Y, v.Z
}

// Matrix returns a copy of the row major homogeneous matrix.
func (t RigidTransform) Matrix() [4][4]float64 {
	return t.m
}

// At returns the matrix entry at row i, column j.
func (t RigidTransform) At(i, j int) float64 {
	return t.m[i][j]
}

// Dense returns the homogeneous matrix as a gonum matrix.
func (t RigidTransform) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, t.m[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// Rotation returns the 3x3 rotation block.
func (t RigidTransform) Rotation() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		t.m[0][0], t.m[0][1], t.m[0][2],
		t.m[1][0], t.m[1][1], t.m[1][2],
		t.m[2][0], t.m[2][1], t.m[2][2],
	})
}

// Translation returns the translation column.
func (t RigidTransform) Translation() r3.Vector {
	return r3.Vector{X: t.m[0][3], Y: t.m[1][3], Z: t.m[2][3]}
}

// Quaternion returns the rotation block as a unit quaternion with a non-negative real part.
func (t RigidTransform) Quaternion() quat.Number {
	m := t.m
	var q quat.Number
	switch trace := m[0][0] + m[1][1] + m[2][2]; {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = quat.Number{Real: s / 4, Imag: (m[2][1] - m[1][2]) / s, Jmag: (m[0][2] - m[2][0]) / s, Kmag: (m[1][0] - m[0][1]) / s}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{Real: (m[2][1] - m[1][2]) / s, Imag: s / 4, Jmag: (m[0][1] + m[1][0]) / s, Kmag: (m[0][2] + m[2][0]) / s}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{Real: (m[0][2] - m[2][0]) / s, Imag: (m[0][1] + m[1][0]) / s, Jmag: s / 4, Kmag: (m[1][2] + m[2][1]) / s}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{Real: (m[1][0] - m[0][1]) / s, Imag: (m[0][2] + m[2][0]) / s, Jmag: (m[1][2] + m[2][1]) / s, Kmag: s / 4}
	}
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// RotationAngle returns the magnitude of the rotation in radians, in [0, pi].
func (t RigidTransform) RotationAngle() float64 {
	cos := (t.m[0][0] + t.m[1][1] + t.m[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}

// Compose returns t*other: the transform that applies other first, then t.
func (t RigidTransform) Compose(other RigidTransform) RigidTransform {
	var out RigidTransform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t.m[i][k] * other.m[k][j]
			}
			out.m[i][j] = sum
		}
	}
	return out
}

// Inverse returns the rigid inverse [R^T, -R^T t].
func (t RigidTransform) Inverse() RigidTransform {
	out := NewIdentityTransform()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.m[i][j] = t.m[j][i]
		}
	}
	tr := t.Translation()
	for i := 0; i < 3; i++ {
		out.m[i][3] = -(out.m[i][0]*tr.X + out.m[i][1]*tr.Y + out.m[i][2]*tr.Z)
	}
	return out
}

// Apply maps a point through the transform.
func (t RigidTransform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.m[0][0]*p.X + t.m[0][1]*p.Y + t.m[0][2]*p.Z + t.m[0][3],
		Y: t.m[1][0]*p.X + t.m[1][1]*p.Y + t.m[1][2]*p.Z + t.m[1][3],
		Z: t.m[2][0]*p.X + t.m[2][1]*p.Y + t.m[2][2]*p.Z + t.m[2][3],
	}
}

// Rotate maps a direction through the rotation block only.
func (t RigidTransform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.m[0][0]*v.X + t.m[0][1]*v.Y + t.m[0][2]*v.Z,
		Y: t.m[1][0]*v.X + t.m[1][1]*v.Y + t.m[1][2]*v.Z,
		Z: t.m[2][0]*v.X + t.m[2][1]*v.Y + t.m[2][2]*v.Z,
	}
}

// IsValid reports whether every entry is finite, the last row is [0 0 0 1], and the rotation block
// is orthonormal with determinant +1.
func (t RigidTransform) IsValid() bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(t.m[i][j]) || math.IsInf(t.m[i][j], 0) {
				return false
			}
		}
	}
	if math.Abs(t.m[3][0])+math.Abs(t.m[3][1])+math.Abs(t.m[3][2])+math.Abs(t.m[3][3]-1) > rigidityTolerance {
		return false
	}
	rot := t.Rotation()
	var rtr mat.Dense
	rtr.Mul(rot.T(), rot)
	if !mat.EqualApprox(&rtr, eye3, rigidityTolerance) {
		return false
	}
	return math.Abs(mat.Det(rot)-1) <= rigidityTolerance
}

var eye3 = mat.NewDiagDense(3, []float64{1, 1, 1})

// IsIdentity reports whether t is the identity within tol on every entry.
func (t RigidTransform) IsIdentity(tol float64) bool {
	return t.AlmostEqual(NewIdentityTransform(), tol)
}

// AlmostEqual compares every entry of two transforms within tol.
func (t RigidTransform) AlmostEqual(other RigidTransform, tol float64) bool {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(t.m[i][j]-other.m[i][j]) > tol {
				return false
			}
		}
	}
	return true
}

func (t RigidTransform) String() string {
	return fmt.Sprintf("[%.6f %.6f %.6f %.6f; %.6f %.6f %.6f %.6f; %.6f %.6f %.6f %.6f; %.6f %.6f %.6f %.6f]",
		t.m[0][0], t.m[0][1], t.m[0][2], t.m[0][3],
		t.m[1][0], t.m[1][1], t.m[1][2], t.m[1][3],
		t.m[2][0], t.m[2][1], t.m[2][2], t.m[2][3],
		t.m[3][0], t.m[3][1], t.m[3][2], t.m[3][3])
}

// Interpolate returns the transform a fraction `by` of the way from `from` to `to`. The rotation is
// interpolated along the shortest great arc and the translation linearly, so Interpolate(I, D, 1)
// is D and every step stays rigid.
func Interpolate(from, to RigidTransform, by float64) RigidTransform {
	rot := Slerp(from.Quaternion(), to.Quaternion(), by)
	ft, tt := from.Translation(), to.Translation()
	return NewTransformFromQuaternion(rot, ft.Add(tt.Sub(ft).Mul(by)))
}
