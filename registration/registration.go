// Package registration estimates the rigid transform that maps one point cloud onto another. It
// runs coarse RANSAC on FPFH descriptors, then point to plane ICP, over a coarse to fine voxel
// schedule.
package registration

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
)

var (
	// ErrAlignmentQualityTooLow is reported when a registration does not meet its fitness or RMSE
	// thresholds.
	ErrAlignmentQualityTooLow = errors.New("alignment quality too low")
	// ErrNumericalInvalidity is reported when a computed transform contains NaN or Inf or is not
	// rigid.
	ErrNumericalInvalidity = errors.New("transform is numerically invalid")
	// ErrGlobalAlignmentFailed is returned when no RANSAC candidate survives validation.
	ErrGlobalAlignmentFailed = errors.New("global alignment failed")
)

// Result describes how well a transform maps a source cloud onto a target cloud. Fitness is the
// fraction of source points with a target point within the correspondence threshold, and
// InlierRMSE is the root mean square distance of those correspondences.
type Result struct {
	Transform           spatialmath.RigidTransform
	Fitness             float64
	InlierRMSE          float64
	CorrespondenceCount int
	Success             bool
}

func (r Result) String() string {
	return fmt.Sprintf("fitness=%.4f rmse=%.6f correspondences=%d success=%v",
		r.Fitness, r.InlierRMSE, r.CorrespondenceCount, r.Success)
}

// better reports whether r scores above other: higher fitness, then lower RMSE.
func (r Result) better(other Result) bool {
	if r.Fitness != other.Fitness {
		return r.Fitness > other.Fitness
	}
	return r.InlierRMSE < other.InlierRMSE
}

// correspondence pairs a source index with its nearest target index.
type correspondence struct {
	source, target int
	distance       float64
}

// evaluate scores t by finding, for every transformed source point, its nearest target within
// threshold. It returns the correspondences when keep is set.
func evaluate(
	source []r3.Vector,
	targetTree *pointcloud.KDTree,
	t spatialmath.RigidTransform,
	threshold float64,
	keep bool,
) (Result, []correspondence) {
	res := Result{Transform: t}
	if len(source) == 0 || targetTree.Size() == 0 {
		return res, nil
	}
	var found []correspondence
	var sumSq float64
	for i, p := range source {
		nb, ok := targetTree.Nearest(t.Apply(p))
		if !ok || nb.Distance > threshold {
			continue
		}
		res.CorrespondenceCount++
		sumSq += nb.Distance * nb.Distance
		if keep {
			found = append(found, correspondence{source: i, target: nb.Index, distance: nb.Distance})
		}
	}
	if res.CorrespondenceCount > 0 {
		res.Fitness = float64(res.CorrespondenceCount) / float64(len(source))
		res.InlierRMSE = math.Sqrt(sumSq / float64(res.CorrespondenceCount))
	}
	return res, found
}

// Evaluate scores t against the gate: for every point of the transformed source, the nearest
// target point within threshold is a correspondence. Success requires fitness above
// gate.MinFitness and RMSE below gate.RMSEFactor*threshold.
func Evaluate(source, target *pointcloud.PointCloud, t spatialmath.RigidTransform, threshold float64, gate GateConfig) Result {
	res, _ := evaluate(source.Points(), pointcloud.NewCloudKDTree(target), t, threshold, false)
	res.Success = res.Fitness > gate.MinFitness && res.InlierRMSE < gate.RMSEFactor*threshold
	return res
}

// EvaluateAdaptive is Evaluate at the gate's threshold for the source's diameter.
func EvaluateAdaptive(source, target *pointcloud.PointCloud, t spatialmath.RigidTransform, gate GateConfig) Result {
	return Evaluate(source, target, t, gate.Threshold(source.Diameter()), gate)
}
