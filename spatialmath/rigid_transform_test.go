package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

var q45x = quat.Number{Real: math.Cos(math.Pi / 8), Imag: math.Sin(math.Pi / 8)}

func TestIdentityTransform(t *testing.T) {
	id := NewIdentityTransform()
	test.That(t, id.IsValid(), test.ShouldBeTrue)
	test.That(t, id.IsIdentity(0), test.ShouldBeTrue)
	p := r3.Vector{X: 1, Y: -2, Z: 3}
	test.That(t, id.Apply(p), test.ShouldResemble, p)

	var zero RigidTransform
	test.That(t, zero.IsValid(), test.ShouldBeFalse)
}

func TestComposeInverse(t *testing.T) {
	tf := NewTransformFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, 0.7, r3.Vector{X: 0.5, Y: -1, Z: 2})
	test.That(t, tf.IsValid(), test.ShouldBeTrue)
	test.That(t, tf.Compose(tf.Inverse()).IsIdentity(1e-9), test.ShouldBeTrue)
	test.That(t, tf.Inverse().Compose(tf).IsIdentity(1e-9), test.ShouldBeTrue)

	p := r3.Vector{X: 3, Y: 1, Z: -4}
	back := tf.Inverse().Apply(tf.Apply(p))
	test.That(t, back.X, test.ShouldAlmostEqual, p.X)
	test.That(t, back.Y, test.ShouldAlmostEqual, p.Y)
	test.That(t, back.Z, test.ShouldAlmostEqual, p.Z)

	// Compose applies the right hand side first.
	rot := NewTransformFromAxisAngle(r3.Vector{Z: 1}, math.Pi/2, r3.Vector{})
	shift := NewTransformFromAxisAngle(r3.Vector{Z: 1}, 0, r3.Vector{X: 1})
	got := rot.Compose(shift).Apply(r3.Vector{})
	test.That(t, got.X, test.ShouldAlmostEqual, 0)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1)
}

func TestEulerMatchesAxisAngle(t *testing.T) {
	for _, tc := range []struct {
		axis       r3.Vector
		rx, ry, rz float64
	}{
		{r3.Vector{X: 1}, 0.3, 0, 0},
		{r3.Vector{Y: 1}, 0, -0.4, 0},
		{r3.Vector{Z: 1}, 0, 0, 1.1},
	} {
		angle := tc.rx + tc.ry + tc.rz
		euler := NewTransformFromEulerXYZ(tc.rx, tc.ry, tc.rz, r3.Vector{})
		aa := NewTransformFromAxisAngle(tc.axis, angle, r3.Vector{})
		test.That(t, euler.AlmostEqual(aa, 1e-12), test.ShouldBeTrue)
		test.That(t, euler.RotationAngle(), test.ShouldAlmostEqual, math.Abs(angle))
	}
}

func TestQuaternionRoundTrip(t *testing.T) {
	for _, theta := range []float64{0, 0.2, math.Pi / 2, 3} {
		tf := NewTransformFromAxisAngle(r3.Vector{X: 0.3, Y: -1, Z: 0.5}, theta, r3.Vector{X: 1})
		again := NewTransformFromQuaternion(tf.Quaternion(), tf.Translation())
		test.That(t, again.AlmostEqual(tf, 1e-9), test.ShouldBeTrue)
		test.That(t, tf.Quaternion().Real, test.ShouldBeGreaterThanOrEqualTo, 0.)
	}
}

func TestIsValidRejects(t *testing.T) {
	m := NewIdentityTransform().Matrix()
	m[0][0] = math.NaN()
	test.That(t, NewTransformFromMatrix(m).IsValid(), test.ShouldBeFalse)

	m = NewIdentityTransform().Matrix()
	m[1][3] = math.Inf(1)
	test.That(t, NewTransformFromMatrix(m).IsValid(), test.ShouldBeFalse)

	m = NewIdentityTransform().Matrix()
	m[0][0], m[1][1], m[2][2] = 2, 2, 2
	test.That(t, NewTransformFromMatrix(m).IsValid(), test.ShouldBeFalse)

	// A reflection is orthonormal but not a rotation.
	m = NewIdentityTransform().Matrix()
	m[2][2] = -1
	test.That(t, NewTransformFromMatrix(m).IsValid(), test.ShouldBeFalse)
}

func TestSlerp(t *testing.T) {
	q1 := q45x
	q2 := quat.Conj(q45x)
	s1 := Slerp(q1, q2, 0.25)
	s2 := Slerp(q1, q2, 0.5)

	expect1 := quat.Number{Real: 0.9808, Imag: 0.1951}
	expect2 := quat.Number{Real: 1}

	test.That(t, s1.Real, test.ShouldAlmostEqual, expect1.Real, 0.001)
	test.That(t, s1.Imag, test.ShouldAlmostEqual, expect1.Imag, 0.001)
	test.That(t, s1.Jmag, test.ShouldAlmostEqual, expect1.Jmag, 0.001)
	test.That(t, s1.Kmag, test.ShouldAlmostEqual, expect1.Kmag, 0.001)
	test.That(t, s2.Real, test.ShouldAlmostEqual, expect2.Real)
	test.That(t, s2.Imag, test.ShouldAlmostEqual, expect2.Imag)
	test.That(t, s2.Jmag, test.ShouldAlmostEqual, expect2.Jmag)
	test.That(t, s2.Kmag, test.ShouldAlmostEqual, expect2.Kmag)
}

func TestInterpolate(t *testing.T) {
	id := NewIdentityTransform()
	drift := NewTransformFromAxisAngle(r3.Vector{Z: 1}, 0.4, r3.Vector{X: 2, Y: -1})

	test.That(t, Interpolate(id, drift, 0).IsIdentity(1e-9), test.ShouldBeTrue)
	test.That(t, Interpolate(id, drift, 1).AlmostEqual(drift, 1e-9), test.ShouldBeTrue)

	half := Interpolate(id, drift, 0.5)
	test.That(t, half.IsValid(), test.ShouldBeTrue)
	test.That(t, half.RotationAngle(), test.ShouldAlmostEqual, 0.2)
	test.That(t, half.Translation().X, test.ShouldAlmostEqual, 1)
	test.That(t, half.Translation().Y, test.ShouldAlmostEqual, -0.5)
	test.That(t, half.Compose(half).Quaternion().Real, test.ShouldAlmostEqual, drift.Quaternion().Real)
}

func TestTriangle(t *testing.T) {
	tri := NewTriangle(r3.Vector{}, r3.Vector{X: 1}, r3.Vector{Y: 1})
	test.That(t, tri.Area(), test.ShouldAlmostEqual, 0.5)
	test.That(t, tri.Normal(), test.ShouldResemble, r3.Vector{Z: 1})
	test.That(t, tri.IsDegenerate(), test.ShouldBeFalse)
	test.That(t, tri.ClosestPointToPoint(r3.Vector{X: 0.2, Y: 0.2, Z: 5}), test.ShouldResemble, r3.Vector{X: 0.2, Y: 0.2})
	test.That(t, tri.ClosestPointToPoint(r3.Vector{X: 2, Y: -1}), test.ShouldResemble, r3.Vector{X: 1})

	flat := NewTriangle(r3.Vector{}, r3.Vector{X: 1}, r3.Vector{X: 2})
	test.That(t, flat.IsDegenerate(), test.ShouldBeTrue)
	test.That(t, flat.Normal(), test.ShouldResemble, r3.Vector{})
}
