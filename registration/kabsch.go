package registration

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/reconstruct/spatialmath"
)

// estimateRigid returns the least squares rotation and translation taking src onto dst (Kabsch).
// False means the SVD failed or the result is not a valid rigid transform.
func estimateRigid(src, dst []r3.Vector) (spatialmath.RigidTransform, bool) {
	if len(src) != len(dst) || len(src) < 3 {
		return spatialmath.RigidTransform{}, false
	}
	var cs, cd r3.Vector
	for i := range src {
		cs = cs.Add(src[i])
		cd = cd.Add(dst[i])
	}
	inv := 1 / float64(len(src))
	cs, cd = cs.Mul(inv), cd.Mul(inv)

	cov := mat.NewDense(3, 3, nil)
	for i := range src {
		s, d := src[i].Sub(cs), dst[i].Sub(cd)
		sv, dv := [3]float64{s.X, s.Y, s.Z}, [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return spatialmath.RigidTransform{}, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V D U^T, where D flips the last axis when needed so that det(R) = +1
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.
	if mat.Det(&vut) < 0 {
		d = -1
	}
	fix := mat.NewDiagDense(3, []float64{1, 1, d})
	var rot, tmp mat.Dense
	tmp.Mul(&v, fix)
	rot.Mul(&tmp, u.T())

	t := spatialmath.NewTransformFromRotationTranslation(&rot, r3.Vector{})
	t = spatialmath.NewTransformFromRotationTranslation(&rot, cd.Sub(t.Rotate(cs)))
	return t, t.IsValid()
}
