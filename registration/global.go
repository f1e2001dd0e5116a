package registration

import (
	"context"
	"math/rand"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
	"go.viam.com/reconstruct/utils"
)

// ransacSampleSize is the number of correspondences that define one candidate transform.
const ransacSampleSize = 3

// minMutualCorrespondences is how many mutual feature matches are needed before the one sided
// matches are discarded.
const minMutualCorrespondences = 3 * ransacSampleSize

// GlobalAlign estimates a coarse transform from source to target with RANSAC over FPFH
// correspondences. Each candidate comes from ransacSampleSize sampled matches whose pairwise edge
// lengths agree and whose aligned points fall within the inlier threshold; surviving candidates are
// scored on the whole source. A best candidate with fitness below cfg.MinFitness is logged and still
// returned with Success false. When no candidate survives, ErrGlobalAlignmentFailed is returned.
func GlobalAlign(
	source, target *pointcloud.PointCloud,
	sourceFeatures, targetFeatures [][]float64,
	voxelSize float64,
	cfg GlobalConfig,
	logger logging.Logger,
) (Result, error) {
	if source.Size() != len(sourceFeatures) || target.Size() != len(targetFeatures) {
		return Result{}, errors.Errorf("got %d source and %d target features for clouds of %d and %d points",
			len(sourceFeatures), len(targetFeatures), source.Size(), target.Size())
	}
	if source.Size() < ransacSampleSize || target.Size() < ransacSampleSize {
		return Result{}, errors.Wrapf(ErrGlobalAlignmentFailed, "need at least %d points per cloud", ransacSampleSize)
	}
	threshold := min(cfg.DistanceFactor*voxelSize, cfg.DiameterFraction*min(source.Diameter(), target.Diameter()))
	if !(threshold > 0) {
		return Result{}, errors.Wrapf(ErrGlobalAlignmentFailed, "degenerate inlier threshold %v", threshold)
	}

	n := min(source.Size(), target.Size())
	maxIterations := utils.ClampInt(n*cfg.IterationsPerPoint, cfg.MinIterations, cfg.MaxIterations)
	maxValidations := utils.ClampInt(int(float64(n)*cfg.ValidationFraction), cfg.MinValidations, cfg.MaxValidations)

	matches, err := matchFeatures(sourceFeatures, targetFeatures)
	if err != nil {
		return Result{}, err
	}
	if len(matches) < ransacSampleSize {
		return Result{}, errors.Wrapf(ErrGlobalAlignmentFailed, "only %d feature correspondences", len(matches))
	}

	srcPoints, tgtPoints := source.Points(), target.Points()
	targetTree := pointcloud.NewCloudKDTree(target)
	//nolint:gosec
	rng := rand.New(rand.NewSource(cfg.Seed))

	var best Result
	validated := 0
	sample := make([]int, ransacSampleSize)
	src := make([]r3.Vector, ransacSampleSize)
	dst := make([]r3.Vector, ransacSampleSize)
	iterations := 0
	for ; iterations < maxIterations && validated < maxValidations; iterations++ {
		drawDistinct(rng, len(matches), sample)
		for i, m := range sample {
			src[i] = srcPoints[matches[m].source]
			dst[i] = tgtPoints[matches[m].target]
		}
		if !edgeLengthsAgree(src, dst, cfg.EdgeLengthSimilarity) {
			continue
		}
		candidate, ok := estimateRigid(src, dst)
		if !ok {
			continue
		}
		if !withinDistance(candidate, src, dst, threshold) {
			continue
		}
		validated++
		res, _ := evaluate(srcPoints, targetTree, candidate, threshold, false)
		if validated == 1 || res.better(best) {
			best = res
		}
	}
	if validated == 0 {
		return Result{}, errors.Wrapf(ErrGlobalAlignmentFailed, "no candidate survived %d iterations", iterations)
	}

	best.Success = best.Fitness >= cfg.MinFitness
	logger.Debugw("global alignment", "iterations", iterations, "validated", validated,
		"correspondences", len(matches), "threshold", threshold, "result", best.String())
	if !best.Success {
		logger.Warnw("low global registration fitness", "fitness", best.Fitness, "error", ErrAlignmentQualityTooLow)
	}
	return best, nil
}

// drawDistinct fills out with distinct indices in [0, n).
func drawDistinct(rng *rand.Rand, n int, out []int) {
	for i := range out {
	draw:
		for {
			out[i] = rng.Intn(n)
			for j := 0; j < i; j++ {
				if out[j] == out[i] {
					continue draw
				}
			}
			break
		}
	}
}

// edgeLengthsAgree reports whether every edge between sampled source points is within the given
// ratio of the matching target edge, both ways.
func edgeLengthsAgree(src, dst []r3.Vector, similarity float64) bool {
	for i := 0; i < len(src); i++ {
		for j := i + 1; j < len(src); j++ {
			ds := src[i].Distance(src[j])
			dt := dst[i].Distance(dst[j])
			if ds < similarity*dt || dt < similarity*ds {
				return false
			}
		}
	}
	return true
}

// withinDistance reports whether every aligned sample lands within threshold of its match.
func withinDistance(t spatialmath.RigidTransform, src, dst []r3.Vector, threshold float64) bool {
	for i := range src {
		if t.Apply(src[i]).Distance(dst[i]) > threshold {
			return false
		}
	}
	return true
}

// matchFeatures pairs every source descriptor with its nearest target descriptor and keeps the
// pairs that are also nearest the other way. If too few mutual pairs exist, all one sided pairs are
// kept.
func matchFeatures(source, target [][]float64) ([]correspondence, error) {
	targetTree := pointcloud.NewFeatureTree(target)
	sourceTree := pointcloud.NewFeatureTree(source)
	forward := make([]int, len(source))
	backward := make([]int, len(target))
	if err := forEachIndex(len(source), func(i int) {
		forward[i] = -1
		if found := targetTree.KNearest(source[i], 1); len(found) > 0 {
			forward[i] = found[0].Index
		}
	}); err != nil {
		return nil, err
	}
	if err := forEachIndex(len(target), func(j int) {
		backward[j] = -1
		if found := sourceTree.KNearest(target[j], 1); len(found) > 0 {
			backward[j] = found[0].Index
		}
	}); err != nil {
		return nil, err
	}

	var mutual, oneSided []correspondence
	for i, j := range forward {
		if j < 0 {
			continue
		}
		c := correspondence{source: i, target: j}
		oneSided = append(oneSided, c)
		if backward[j] == i {
			mutual = append(mutual, c)
		}
	}
	if len(mutual) >= minMutualCorrespondences {
		return mutual, nil
	}
	return oneSided, nil
}

// parallelThreshold is the item count below which forEachIndex runs on the calling goroutine.
const parallelThreshold = 1000

// forEachIndex calls fn for every index in [0, n), striped across ParallelFactor workers for large n.
func forEachIndex(n int, fn func(i int)) error {
	batches := 1
	if n >= parallelThreshold {
		batches = utils.ParallelFactor
	}
	return utils.ParallelForEach(context.Background(), batches, batches, func(_ context.Context, b int) error {
		for i := b; i < n; i += batches {
			fn(i)
		}
		return nil
	})
}
