package registration

import (
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
)

// identityTolerance decides whether a carried in transform still counts as identity.
const identityTolerance = 1e-9

// Register estimates the transform mapping source onto target over a coarse to fine voxel schedule.
// An empty voxelSizes uses cfg.Schedule on the source diameter. Global alignment runs only at the
// coarsest scale, and only when init is the identity; ICP runs at every scale from the current
// estimate. A scale whose preprocessing or refinement fails is skipped. A final transform that is
// not finite and rigid is replaced by the identity. Register never fails: total failure yields the
// identity.
func Register(
	source, target *pointcloud.PointCloud,
	voxelSizes []float64,
	init spatialmath.RigidTransform,
	cfg Config,
	logger logging.Logger,
) spatialmath.RigidTransform {
	if err := cfg.Validate(); err != nil {
		logger.Errorw("invalid registration config, returning identity", "error", err)
		return spatialmath.NewIdentityTransform()
	}
	if source == nil || target == nil || source.Size() == 0 || target.Size() == 0 {
		logger.Warnw("cannot register empty clouds, returning identity", "error", pointcloud.ErrInsufficientGeometry)
		return spatialmath.NewIdentityTransform()
	}
	if len(voxelSizes) == 0 {
		voxelSizes = cfg.Schedule(source.Diameter())
	}
	current := init
	if !current.IsValid() {
		logger.Warnw("initial transform is invalid, starting from identity", "error", ErrNumericalInvalidity)
		current = spatialmath.NewIdentityTransform()
	}

	scaleLogger := logger.Sublogger("scale")
	for i, voxelSize := range voxelSizes {
		if !(voxelSize > 0) {
			scaleLogger.Warnw("skipping non-positive voxel size", "scale", i, "voxel_size", voxelSize)
			continue
		}
		global := i == 0 && current.IsIdentity(identityTolerance)
		sourceDown, sourceFeatures, err := preprocess(source, voxelSize, cfg.Preprocess, global)
		if err != nil {
			scaleLogger.Debugw("skipping scale", "scale", i, "voxel_size", voxelSize, "error", err)
			continue
		}
		targetDown, targetFeatures, err := preprocess(target, voxelSize, cfg.Preprocess, global)
		if err != nil {
			scaleLogger.Debugw("skipping scale", "scale", i, "voxel_size", voxelSize, "error", err)
			continue
		}

		if global {
			res, err := GlobalAlign(sourceDown, targetDown, sourceFeatures, targetFeatures, voxelSize, cfg.Global, scaleLogger)
			if err != nil {
				scaleLogger.Warnw("global alignment failed, refining from the current estimate", "error", err)
			} else {
				current = res.Transform
			}
		}

		res, err := RefineICP(sourceDown, targetDown, current, voxelSize, cfg.Refine, scaleLogger)
		if err != nil {
			scaleLogger.Warnw("refinement failed, keeping the current estimate", "scale", i, "error", err)
			continue
		}
		current = res.Transform
		scaleLogger.Debugw("refined", "scale", i, "voxel_size", voxelSize, "result", res.String())
	}

	if !current.IsValid() {
		logger.Warnw("registration produced an invalid transform, returning identity",
			"error", errors.Wrap(ErrNumericalInvalidity, current.String()))
		return spatialmath.NewIdentityTransform()
	}
	return current
}

// RegisterWithResult is Register followed by EvaluateAdaptive of the final transform on the full
// resolution clouds.
func RegisterWithResult(
	source, target *pointcloud.PointCloud,
	voxelSizes []float64,
	init spatialmath.RigidTransform,
	cfg Config,
	logger logging.Logger,
) (spatialmath.RigidTransform, Result) {
	t := Register(source, target, voxelSizes, init, cfg, logger)
	if source == nil || target == nil {
		return t, Result{Transform: t}
	}
	return t, EvaluateAdaptive(source, target, t, cfg.Gate)
}
