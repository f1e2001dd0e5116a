package registration

import (
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/pointcloud"
)

// Preprocess downsamples cloud to voxelSize, estimates normals on the result and computes one FPFH
// descriptor per downsampled point. Fewer than cfg.MinPoints surviving points returns an error
// wrapping pointcloud.ErrInsufficientGeometry.
func Preprocess(cloud *pointcloud.PointCloud, voxelSize float64, cfg PreprocessConfig) (*pointcloud.PointCloud, [][]float64, error) {
	return preprocess(cloud, voxelSize, cfg, true)
}

// preprocess is Preprocess with descriptor computation optional.
func preprocess(
	cloud *pointcloud.PointCloud,
	voxelSize float64,
	cfg PreprocessConfig,
	withFeatures bool,
) (*pointcloud.PointCloud, [][]float64, error) {
	if cloud == nil || cloud.Size() == 0 {
		return nil, nil, errors.Wrap(pointcloud.ErrInsufficientGeometry, "empty cloud")
	}
	down, err := pointcloud.VoxelDownsample(cloud, voxelSize)
	if err != nil {
		return nil, nil, err
	}
	if down.Size() < cfg.MinPoints {
		return nil, nil, errors.Wrapf(pointcloud.ErrInsufficientGeometry,
			"%d points left after downsampling to %v, need %d", down.Size(), voxelSize, cfg.MinPoints)
	}
	down, err = pointcloud.EstimateNormals(down, cfg.NormalRadiusFactor*voxelSize, min(cfg.NormalMaxNN, down.Size()))
	if err != nil {
		return nil, nil, err
	}
	if !withFeatures {
		return down, nil, nil
	}
	features, err := pointcloud.ComputeFPFH(down, cfg.FeatureRadiusFactor*voxelSize, min(cfg.FeatureMaxNN, down.Size()))
	if err != nil {
		return nil, nil, err
	}
	return down, features, nil
}
