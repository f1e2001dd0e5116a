package registration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
	"go.viam.com/reconstruct/utils"
)

// RefineICP refines init with point to plane ICP. Correspondences are nearest target points within
// min(cfg.DistanceFactor*voxelSize, cfg.DiameterFraction*diam(source)); every iteration solves the
// linearized 6 DOF update and applies it on the left. Iteration stops after
// clamp(n/cfg.PointsPerIter, cfg.MinIterations, cfg.MaxIterations) steps or once fitness and RMSE
// change by less than the relative tolerances. Target normals are estimated when missing. A result
// with fitness below cfg.MinFitness is logged and returned with Success false.
func RefineICP(
	source, target *pointcloud.PointCloud,
	init spatialmath.RigidTransform,
	voxelSize float64,
	cfg RefineConfig,
	logger logging.Logger,
) (Result, error) {
	if !init.IsValid() {
		return Result{}, errors.Wrap(ErrNumericalInvalidity, "initial transform")
	}
	if source.Size() == 0 || target.Size() == 0 {
		return Result{}, errors.Wrap(pointcloud.ErrInsufficientGeometry, "ICP needs non-empty clouds")
	}
	if !target.HasNormals() {
		var err error
		target, err = pointcloud.EstimateNormals(target, refineNormalRadiusFactor*voxelSize, min(refineNormalMaxNN, target.Size()))
		if err != nil {
			return Result{}, err
		}
	}
	threshold := min(cfg.DistanceFactor*voxelSize, cfg.DiameterFraction*source.Diameter())
	if !(threshold > 0) {
		return Result{}, errors.Wrapf(pointcloud.ErrInsufficientGeometry, "degenerate ICP threshold %v", threshold)
	}
	maxIterations := utils.ClampInt(min(source.Size(), target.Size())/cfg.PointsPerIter, cfg.MinIterations, cfg.MaxIterations)

	srcPoints := source.Points()
	tgtPoints, tgtNormals := target.Points(), target.Normals()
	tree := pointcloud.NewCloudKDTree(target)

	current := init
	res, matches := evaluate(srcPoints, tree, current, threshold, true)
	iterations := 0
	for iterations < maxIterations {
		update, ok := pointToPlaneStep(srcPoints, tgtPoints, tgtNormals, matches, current)
		if !ok {
			break
		}
		iterations++
		current = update.Compose(current)
		prev := res
		res, matches = evaluate(srcPoints, tree, current, threshold, true)
		if math.Abs(prev.Fitness-res.Fitness) < cfg.RelativeFitness &&
			math.Abs(prev.InlierRMSE-res.InlierRMSE) < cfg.RelativeRMSE {
			break
		}
	}
	if !res.Transform.IsValid() {
		return Result{}, errors.Wrapf(ErrNumericalInvalidity, "after %d ICP iterations", iterations)
	}

	res.Success = res.Fitness >= cfg.MinFitness
	logger.Debugw("ICP refinement", "iterations", iterations, "threshold", threshold, "result", res.String())
	if !res.Success {
		logger.Warnw("low ICP fitness", "fitness", res.Fitness, "error", ErrAlignmentQualityTooLow)
	}
	return res, nil
}

const (
	refineNormalRadiusFactor = 2
	refineNormalMaxNN        = 30
	// minICPCorrespondences is the number of matches needed to constrain all six degrees of freedom.
	minICPCorrespondences = 6
)

// pointToPlaneStep linearizes the rotation around the current estimate and solves
// J^T J x = -J^T r with J = [s x n, n] and r = (s - q) . n, where s is the transformed source point
// and q, n the matched target point and normal. x holds the Euler angles and translation of the
// incremental update.
func pointToPlaneStep(
	src, tgt, normals []r3.Vector,
	matches []correspondence,
	current spatialmath.RigidTransform,
) (spatialmath.RigidTransform, bool) {
	if len(matches) < minICPCorrespondences {
		return spatialmath.RigidTransform{}, false
	}
	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	var row [6]float64
	for _, m := range matches {
		s := current.Apply(src[m.source])
		q, n := tgt[m.target], normals[m.target]
		c := s.Cross(n)
		row = [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}
		r := s.Sub(q).Dot(n)
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				ata.SetSym(i, j, ata.At(i, j)+row[i]*row[j])
			}
			atb.SetVec(i, atb.AtVec(i)-row[i]*r)
		}
	}

	var x mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(ata) {
		if err := chol.SolveVecTo(&x, atb); err != nil {
			return spatialmath.RigidTransform{}, false
		}
	} else if err := x.SolveVec(ata, atb); err != nil {
		return spatialmath.RigidTransform{}, false
	}
	for i := 0; i < 6; i++ {
		if !utils.IsFinite(x.AtVec(i)) {
			return spatialmath.RigidTransform{}, false
		}
	}
	update := spatialmath.NewTransformFromEulerXYZ(x.AtVec(0), x.AtVec(1), x.AtVec(2),
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)})
	return update, update.IsValid()
}
