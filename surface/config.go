package surface

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/reconstruct/utils"
)

// Config controls surface reconstruction.
type Config struct {
	// MinDepth and MaxDepth bound the depth chosen from the point density; DepthOffset is added to
	// log2 of the density before clamping.
	MinDepth    int     `json:"min_depth"`
	MaxDepth    int     `json:"max_depth"`
	DepthOffset float64 `json:"depth_offset"`
	// MaxResolution caps the cells per side of the solve grid, whatever the depth asks for.
	MaxResolution int `json:"max_resolution"`
	// Scale is the ratio between the side of the solve cube and the largest extent of the cloud.
	Scale float64 `json:"scale"`
	// TrimQuantile is the fraction of lowest density vertices removed from the surface.
	TrimQuantile float64 `json:"trim_quantile"`

	SolverIterations int     `json:"solver_iterations"`
	SolverTolerance  float64 `json:"solver_tolerance"`

	// MinPoints is the smallest cloud a surface is attempted for.
	MinPoints int `json:"min_points"`
	// NormalVoxelFraction sizes the normal estimation neighborhood, as a fraction of the cloud
	// diameter, for clouds that arrive without normals.
	NormalVoxelFraction float64 `json:"normal_voxel_fraction"`
	OrientNeighbors     int     `json:"orient_neighbors"`

	// SimplifyTriangles is the face budget of the preview mesh. Zero skips it.
	SimplifyTriangles int `json:"simplify_triangles"`
}

// DefaultConfig returns depths 8 to 12 on a grid of at most 64 cells per side, a 1.1 scale and a
// 10% density trim.
func DefaultConfig() Config {
	return Config{
		MinDepth:            8,
		MaxDepth:            12,
		DepthOffset:         6,
		MaxResolution:       64,
		Scale:               1.1,
		TrimQuantile:        0.1,
		SolverIterations:    500,
		SolverTolerance:     1e-6,
		MinPoints:           10,
		NormalVoxelFraction: 0.005,
		OrientNeighbors:     15,
		SimplifyTriangles:   100000,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.MinDepth < 1 || cfg.MaxDepth < cfg.MinDepth || cfg.MaxDepth > 16 {
		errs = append(errs, errors.Errorf("depth range [%d, %d] must lie within [1, 16]", cfg.MinDepth, cfg.MaxDepth))
	}
	if !utils.IsFinite(cfg.DepthOffset) {
		errs = append(errs, errors.New("depth_offset must be finite"))
	}
	if cfg.MaxResolution < minResolution {
		errs = append(errs, errors.Errorf("max_resolution must be at least %d, got %d", minResolution, cfg.MaxResolution))
	}
	if !(cfg.Scale >= 1) || !utils.IsFinite(cfg.Scale) {
		errs = append(errs, errors.Errorf("scale must be at least 1, got %v", cfg.Scale))
	}
	if cfg.TrimQuantile < 0 || cfg.TrimQuantile >= 1 {
		errs = append(errs, errors.Errorf("trim_quantile must be in [0, 1), got %v", cfg.TrimQuantile))
	}
	if cfg.SolverIterations < 1 {
		errs = append(errs, errors.Errorf("solver_iterations must be at least 1, got %d", cfg.SolverIterations))
	}
	if !(cfg.SolverTolerance > 0) {
		errs = append(errs, errors.Errorf("solver_tolerance must be positive, got %v", cfg.SolverTolerance))
	}
	if cfg.MinPoints < 4 {
		errs = append(errs, errors.Errorf("min_points must be at least 4, got %d", cfg.MinPoints))
	}
	if !(cfg.NormalVoxelFraction > 0) {
		errs = append(errs, errors.Errorf("normal_voxel_fraction must be positive, got %v", cfg.NormalVoxelFraction))
	}
	if cfg.OrientNeighbors < 1 {
		errs = append(errs, errors.Errorf("orient_neighbors must be at least 1, got %d", cfg.OrientNeighbors))
	}
	if cfg.SimplifyTriangles < 0 {
		errs = append(errs, errors.Errorf("simplify_triangles must not be negative, got %d", cfg.SimplifyTriangles))
	}
	return multierr.Combine(errs...)
}
