package registration

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/reconstruct/utils"
)

// Config holds every tunable of the registration stages. Zero values are not defaults; start from
// DefaultConfig.
type Config struct {
	// ScaleFactors multiplies the base voxel size into the coarse to fine schedule.
	ScaleFactors []float64 `json:"scale_factors"`
	// BaseVoxelFraction is the base voxel size as a fraction of the source diameter.
	BaseVoxelFraction float64 `json:"base_voxel_fraction"`

	Preprocess PreprocessConfig `json:"preprocess"`
	Global     GlobalConfig     `json:"global"`
	Refine     RefineConfig     `json:"refine"`
	Gate       GateConfig       `json:"gate"`
}

// PreprocessConfig controls downsampling and descriptor neighborhoods, in voxel units.
type PreprocessConfig struct {
	MinPoints           int     `json:"min_points"`
	NormalRadiusFactor  float64 `json:"normal_radius_factor"`
	NormalMaxNN         int     `json:"normal_max_nn"`
	FeatureRadiusFactor float64 `json:"feature_radius_factor"`
	FeatureMaxNN        int     `json:"feature_max_nn"`
}

// GlobalConfig controls RANSAC over descriptor correspondences.
type GlobalConfig struct {
	// DistanceFactor and DiameterFraction bound the inlier distance by min(f*voxel, d*diameter).
	DistanceFactor   float64 `json:"distance_factor"`
	DiameterFraction float64 `json:"diameter_fraction"`
	// EdgeLengthSimilarity is the smallest allowed ratio between matched edge lengths.
	EdgeLengthSimilarity float64 `json:"edge_length_similarity"`
	IterationsPerPoint   int     `json:"iterations_per_point"`
	MinIterations        int     `json:"min_iterations"`
	MaxIterations        int     `json:"max_iterations"`
	ValidationFraction   float64 `json:"validation_fraction"`
	MinValidations       int     `json:"min_validations"`
	MaxValidations       int     `json:"max_validations"`
	// MinFitness is the fitness below which a result is flagged as low quality.
	MinFitness float64 `json:"min_fitness"`
	Seed       int64   `json:"seed"`
}

// RefineConfig controls point to plane ICP.
type RefineConfig struct {
	DistanceFactor   float64 `json:"distance_factor"`
	DiameterFraction float64 `json:"diameter_fraction"`
	PointsPerIter    int     `json:"points_per_iteration"`
	MinIterations    int     `json:"min_iterations"`
	MaxIterations    int     `json:"max_iterations"`
	RelativeFitness  float64 `json:"relative_fitness"`
	RelativeRMSE     float64 `json:"relative_rmse"`
	MinFitness       float64 `json:"min_fitness"`
}

// GateConfig is the independent quality check applied to a finished registration.
type GateConfig struct {
	MaxThreshold     float64 `json:"max_threshold"`
	DiameterFraction float64 `json:"diameter_fraction"`
	MinFitness       float64 `json:"min_fitness"`
	RMSEFactor       float64 `json:"rmse_factor"`
}

// DefaultConfig returns the schedule [4, 2, 1] x 1% of the source diameter and the thresholds the
// stages are tuned for.
func DefaultConfig() Config {
	return Config{
		ScaleFactors:      []float64{4, 2, 1},
		BaseVoxelFraction: 0.01,
		Preprocess: PreprocessConfig{
			MinPoints:           10,
			NormalRadiusFactor:  2,
			NormalMaxNN:         30,
			FeatureRadiusFactor: 5,
			FeatureMaxNN:        100,
		},
		Global: GlobalConfig{
			DistanceFactor:       1.5,
			DiameterFraction:     0.05,
			EdgeLengthSimilarity: 0.9,
			IterationsPerPoint:   1000,
			MinIterations:        100000,
			MaxIterations:        4000000,
			ValidationFraction:   0.1,
			MinValidations:       50,
			MaxValidations:       500,
			MinFitness:           0.1,
			Seed:                 1,
		},
		Refine: RefineConfig{
			DistanceFactor:   0.4,
			DiameterFraction: 0.02,
			PointsPerIter:    1000,
			MinIterations:    30,
			MaxIterations:    100,
			RelativeFitness:  1e-6,
			RelativeRMSE:     1e-6,
			MinFitness:       0.2,
		},
		Gate: GateConfig{
			MaxThreshold:     0.02,
			DiameterFraction: 0.01,
			MinFitness:       0.3,
			RMSEFactor:       2,
		},
	}
}

func positive(name string, v float64) error {
	if !(v > 0) || !utils.IsFinite(v) {
		return errors.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}

func atLeast(name string, v, lo int) error {
	if v < lo {
		return errors.Errorf("%s must be at least %d, got %d", name, lo, v)
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate() error {
	var errs []error
	if len(cfg.ScaleFactors) == 0 {
		errs = append(errs, errors.New("scale_factors must not be empty"))
	}
	for i, f := range cfg.ScaleFactors {
		if err := positive("scale_factors", f); err != nil {
			errs = append(errs, err)
		}
		if i > 0 && f > cfg.ScaleFactors[i-1] {
			errs = append(errs, errors.New("scale_factors must go from coarse to fine"))
		}
	}
	errs = append(errs,
		positive("base_voxel_fraction", cfg.BaseVoxelFraction),
		atLeast("preprocess.min_points", cfg.Preprocess.MinPoints, 3),
		positive("preprocess.normal_radius_factor", cfg.Preprocess.NormalRadiusFactor),
		atLeast("preprocess.normal_max_nn", cfg.Preprocess.NormalMaxNN, 3),
		positive("preprocess.feature_radius_factor", cfg.Preprocess.FeatureRadiusFactor),
		atLeast("preprocess.feature_max_nn", cfg.Preprocess.FeatureMaxNN, 2),
		cfg.Global.validate(),
		cfg.Refine.validate(),
		cfg.Gate.validate(),
	)
	return multierr.Combine(errs...)
}

func (cfg GlobalConfig) validate() error {
	errs := []error{
		positive("global.distance_factor", cfg.DistanceFactor),
		positive("global.diameter_fraction", cfg.DiameterFraction),
		atLeast("global.iterations_per_point", cfg.IterationsPerPoint, 1),
		atLeast("global.min_iterations", cfg.MinIterations, 1),
		atLeast("global.min_validations", cfg.MinValidations, 1),
	}
	if !(cfg.EdgeLengthSimilarity > 0 && cfg.EdgeLengthSimilarity < 1) {
		errs = append(errs, errors.Errorf("global.edge_length_similarity must be in (0, 1), got %v", cfg.EdgeLengthSimilarity))
	}
	if cfg.MaxIterations < cfg.MinIterations {
		errs = append(errs, errors.New("global.max_iterations must not be below min_iterations"))
	}
	if cfg.MaxValidations < cfg.MinValidations {
		errs = append(errs, errors.New("global.max_validations must not be below min_validations"))
	}
	if cfg.ValidationFraction < 0 {
		errs = append(errs, errors.New("global.validation_fraction must not be negative"))
	}
	return multierr.Combine(errs...)
}

func (cfg RefineConfig) validate() error {
	errs := []error{
		positive("refine.distance_factor", cfg.DistanceFactor),
		positive("refine.diameter_fraction", cfg.DiameterFraction),
		atLeast("refine.points_per_iteration", cfg.PointsPerIter, 1),
		atLeast("refine.min_iterations", cfg.MinIterations, 1),
	}
	if cfg.MaxIterations < cfg.MinIterations {
		errs = append(errs, errors.New("refine.max_iterations must not be below min_iterations"))
	}
	if cfg.RelativeFitness < 0 || cfg.RelativeRMSE < 0 {
		errs = append(errs, errors.New("refine convergence tolerances must not be negative"))
	}
	return multierr.Combine(errs...)
}

func (cfg GateConfig) validate() error {
	return multierr.Combine(
		positive("gate.max_threshold", cfg.MaxThreshold),
		positive("gate.diameter_fraction", cfg.DiameterFraction),
		positive("gate.rmse_factor", cfg.RMSEFactor),
	)
}

// Schedule returns the voxel sizes for registering source when none are supplied.
func (cfg Config) Schedule(sourceDiameter float64) []float64 {
	return cfg.ScheduleFromBase(sourceDiameter * cfg.BaseVoxelFraction)
}

// ScheduleFromBase returns the voxel sizes for a known base voxel size.
func (cfg Config) ScheduleFromBase(base float64) []float64 {
	sizes := make([]float64, len(cfg.ScaleFactors))
	for i, f := range cfg.ScaleFactors {
		sizes[i] = f * base
	}
	return sizes
}

// Threshold returns the gate's correspondence distance for a source of the given diameter.
func (cfg GateConfig) Threshold(sourceDiameter float64) float64 {
	return min(cfg.MaxThreshold, cfg.DiameterFraction*sourceDiameter)
}
