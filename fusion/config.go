package fusion

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/reconstruct/registration"
)

// DefaultVoxelSize is used when no cloud of the sequence has any extent to derive one from.
const DefaultVoxelSize = 0.05

// Config configures a fusion Engine.
type Config struct {
	// VoxelSize is the resolution of the running model. Zero derives it from the clouds as
	// VoxelFraction times the median cloud diameter.
	VoxelSize     float64 `json:"voxel_size"`
	VoxelFraction float64 `json:"voxel_fraction"`

	// BatchSize is how many fused frames pass between consolidations of the running model.
	BatchSize int `json:"batch_size"`
	// OutlierNeighbors and OutlierStdRatio parameterize the statistical filter run on every
	// consolidation and on finalization.
	OutlierNeighbors int     `json:"outlier_neighbors"`
	OutlierStdRatio  float64 `json:"outlier_std_ratio"`

	// LoopClosureMinClouds is the number of valid clouds that must be exceeded before loop
	// closure is attempted.
	LoopClosureMinClouds int  `json:"loop_closure_min_clouds"`
	DisableLoopClosure   bool `json:"disable_loop_closure"`

	NormalRadiusFactor float64 `json:"normal_radius_factor"`
	NormalMaxNN        int     `json:"normal_max_nn"`
	OrientNeighbors    int     `json:"orient_neighbors"`

	// Registration is not decoded with the rest; config files carry it at the top level.
	Registration registration.Config `json:"-"`
}

// DefaultConfig returns the configuration every fusion run starts from.
func DefaultConfig() Config {
	return Config{
		VoxelFraction:        0.01,
		BatchSize:            4,
		OutlierNeighbors:     20,
		OutlierStdRatio:      2,
		LoopClosureMinClouds: 10,
		NormalRadiusFactor:   2,
		NormalMaxNN:          30,
		OrientNeighbors:      15,
		Registration:         registration.DefaultConfig(),
	}
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.VoxelSize < 0 {
		errs = append(errs, errors.Errorf("voxel_size must not be negative, got %v", cfg.VoxelSize))
	}
	if cfg.VoxelSize == 0 && !(cfg.VoxelFraction > 0) {
		errs = append(errs, errors.New("voxel_fraction must be positive when voxel_size is not set"))
	}
	if cfg.BatchSize < 1 {
		errs = append(errs, errors.Errorf("batch_size must be at least 1, got %d", cfg.BatchSize))
	}
	if cfg.OutlierNeighbors < 1 {
		errs = append(errs, errors.Errorf("outlier_neighbors must be at least 1, got %d", cfg.OutlierNeighbors))
	}
	if !(cfg.OutlierStdRatio > 0) {
		errs = append(errs, errors.Errorf("outlier_std_ratio must be positive, got %v", cfg.OutlierStdRatio))
	}
	if cfg.LoopClosureMinClouds < 1 {
		errs = append(errs, errors.Errorf("loop_closure_min_clouds must be at least 1, got %d", cfg.LoopClosureMinClouds))
	}
	if !(cfg.NormalRadiusFactor > 0) || cfg.NormalMaxNN < 3 {
		errs = append(errs, errors.New("normal estimation needs a positive radius factor and at least 3 neighbors"))
	}
	if cfg.OrientNeighbors < 1 {
		errs = append(errs, errors.Errorf("orient_neighbors must be at least 1, got %d", cfg.OrientNeighbors))
	}
	if err := cfg.Registration.Validate(); err != nil {
		errs = append(errs, errors.Wrap(err, "registration"))
	}
	return multierr.Combine(errs...)
}
