package rimage

import (
	"context"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/rimage/transform"
	"go.viam.com/reconstruct/utils"
)

// BuildConfig controls how depth maps are lifted into point clouds.
type BuildConfig struct {
	// DepthScale is the number of raw depth units per meter.
	DepthScale float64 `json:"depth_scale"`
	// DepthTrunc is the largest valid depth, in meters.
	DepthTrunc float64 `json:"depth_trunc"`
	// MinValidSamples is how many in-range depth samples a frame needs to produce a cloud.
	MinValidSamples int `json:"min_valid_samples"`
	// OutlierStdRatio is the statistical outlier filter's standard deviation multiplier.
	OutlierStdRatio float64 `json:"outlier_std_ratio"`
}

// DefaultBuildConfig returns millimeter depth truncated at three meters.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		DepthScale:      1000,
		DepthTrunc:      3,
		MinValidSamples: 100,
		OutlierStdRatio: 2,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg BuildConfig) Validate() error {
	if cfg.DepthScale <= 0 || !utils.IsFinite(cfg.DepthScale) {
		return errors.Errorf("depth_scale must be positive, got %v", cfg.DepthScale)
	}
	if cfg.DepthTrunc <= 0 || !utils.IsFinite(cfg.DepthTrunc) {
		return errors.Errorf("depth_trunc must be positive, got %v", cfg.DepthTrunc)
	}
	if cfg.MinValidSamples < 1 {
		return errors.Errorf("min_valid_samples must be at least 1, got %d", cfg.MinValidSamples)
	}
	if cfg.OutlierStdRatio <= 0 {
		return errors.Errorf("outlier_std_ratio must be positive, got %v", cfg.OutlierStdRatio)
	}
	return nil
}

// OutlierNeighbors returns the neighborhood size used to filter a cloud of n points.
func OutlierNeighbors(n int) int {
	return utils.ClampInt(n/1000, 10, 30)
}

// BuildPointCloud back-projects every depth sample in (0, DepthTrunc*DepthScale) through the
// pinhole model and prunes statistical outliers. colorImg may be nil; when its size differs from
// the depth map it is resampled onto the depth grid. A frame with fewer than MinValidSamples valid
// samples returns an error wrapping pointcloud.ErrInsufficientGeometry.
func BuildPointCloud(
	colorImg image.Image,
	dm *DepthMap,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg BuildConfig,
	logger logging.Logger,
) (*pointcloud.PointCloud, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if dm == nil || !dm.HasData() {
		return nil, errors.New("input DepthMap is nil or empty")
	}
	if intrinsics.Width != dm.Width() || intrinsics.Height != dm.Height() {
		return nil, errors.Errorf("depth dimension and intrinsics don't match Depth(%d,%d) != Intrinsics(%d,%d)",
			dm.Width(), dm.Height(), intrinsics.Width, intrinsics.Height)
	}

	var colors *image.NRGBA
	if colorImg != nil {
		colors = alignToDepth(colorImg, dm, logger)
	}

	limit := cfg.DepthTrunc * cfg.DepthScale
	valid := dm.CountInRange(0, limit)
	if valid < cfg.MinValidSamples {
		return nil, errors.Wrapf(pointcloud.ErrInsufficientGeometry,
			"only %d valid depth samples, need %d", valid, cfg.MinValidSamples)
	}

	points := make([]r3.Vector, 0, valid)
	var pointColors []color.NRGBA
	if colors != nil {
		pointColors = make([]color.NRGBA, 0, valid)
	}
	for y := 0; y < dm.Height(); y++ {
		for x := 0; x < dm.Width(); x++ {
			d := dm.GetDepth(x, y)
			if !(d > 0 && d < limit) {
				continue
			}
			points = append(points, intrinsics.PixelToPoint(float64(x), float64(y), d/cfg.DepthScale))
			if colors != nil {
				pointColors = append(pointColors, colors.NRGBAAt(x, y))
			}
		}
	}

	pc, err := pointcloud.New(points, pointColors, nil)
	if err != nil {
		return nil, err
	}
	filtered, err := pointcloud.RemoveStatisticalOutliers(pc, OutlierNeighbors(pc.Size()), cfg.OutlierStdRatio)
	if err != nil {
		return nil, err
	}
	logger.Debugw("built point cloud", "valid", valid, "kept", filtered.Size())
	return filtered, nil
}

// alignToDepth returns the color image on the depth map's pixel grid.
func alignToDepth(img image.Image, dm *DepthMap, logger logging.Logger) *image.NRGBA {
	bounds := img.Bounds()
	if bounds.Dx() == dm.Width() && bounds.Dy() == dm.Height() {
		return imaging.Clone(img)
	}
	logger.Debugw("resampling color image onto depth grid",
		"color", bounds.Size(), "depth", dm.Bounds().Size())
	return imaging.Resize(img, dm.Width(), dm.Height(), imaging.Linear)
}

// Frame is one color and depth observation. Color may be nil.
type Frame struct {
	Color image.Image
	Depth *DepthMap
}

// BuildPointClouds builds a cloud for every frame on at most workers goroutines. The result keeps
// input order; frames with insufficient geometry are logged and left as nil entries. Any other
// failure aborts the batch.
func BuildPointClouds(
	ctx context.Context,
	frames []Frame,
	intrinsics *transform.PinholeCameraIntrinsics,
	cfg BuildConfig,
	workers int,
	logger logging.Logger,
) ([]*pointcloud.PointCloud, error) {
	clouds := make([]*pointcloud.PointCloud, len(frames))
	err := utils.ParallelForEach(ctx, len(frames), workers, func(ctx context.Context, i int) error {
		pc, err := BuildPointCloud(frames[i].Color, frames[i].Depth, intrinsics, cfg, logger)
		if errors.Is(err, pointcloud.ErrInsufficientGeometry) {
			logger.Warnw("skipping frame", "frame", i, "error", err)
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "frame %d", i)
		}
		clouds[i] = pc
		return nil
	})
	if err != nil {
		return nil, err
	}
	built := lo.CountBy(clouds, func(pc *pointcloud.PointCloud) bool { return pc != nil })
	logger.Debugw("built point clouds", "frames", len(frames), "clouds", built)
	return clouds, nil
}
