package registration

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
)

func TestRefineICP(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig().Refine
	source := makeHeightField(40)
	target := source.Transform(knownMotion)

	nudge := spatialmath.NewTransformFromAxisAngle(r3.Vector{X: 1, Y: 1, Z: 1}, 0.01, r3.Vector{X: 0.005, Y: -0.004})
	res, err := RefineICP(source, target, nudge.Compose(knownMotion), 0.1, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.95)
	angle, dist := transformError(res.Transform, knownMotion)
	test.That(t, angle, test.ShouldBeLessThan, 1e-3)
	test.That(t, dist, test.ShouldBeLessThan, 1e-3)

	// targets without normals get them estimated
	res, err = RefineICP(source, target.WithoutNormals(), nudge.Compose(knownMotion), 0.1, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	angle, dist = transformError(res.Transform, knownMotion)
	test.That(t, angle, test.ShouldBeLessThan, 1e-2)
	test.That(t, dist, test.ShouldBeLessThan, 1e-2)

	_, err = RefineICP(source, target, spatialmath.RigidTransform{}, 0.1, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = RefineICP(pointcloud.NewFromPoints(nil), target, spatialmath.NewIdentityTransform(), 0.1, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRefineICPLowFitnessWarns(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	source := makeHeightField(20)
	away := spatialmath.NewTransformFromAxisAngle(r3.Vector{Z: 1}, 0, r3.Vector{Z: 3})
	res, err := RefineICP(source, source, away, 0.1, DefaultConfig().Refine, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Fitness, test.ShouldEqual, 0.)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, res.Transform, test.ShouldResemble, away)
	test.That(t, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("low ICP fitness").Len(), test.ShouldEqual, 1)
}

func TestRegisterSelf(t *testing.T) {
	logger := logging.NewTestLogger(t)
	pc := makeHeightField(40)
	got, res := RegisterWithResult(pc, pc, nil, spatialmath.NewIdentityTransform(), DefaultConfig(), logger)
	angle, dist := transformError(got, spatialmath.NewIdentityTransform())
	test.That(t, angle, test.ShouldBeLessThan, 1e-3)
	test.That(t, dist, test.ShouldBeLessThan, 1e-3)
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.9)
	test.That(t, res.Success, test.ShouldBeTrue)
}

func TestRegisterRecoversMotion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	source := makeHeightField(60)
	target := source.Transform(knownMotion)
	base := cfg.BaseVoxelFraction * source.Diameter()

	got, res := RegisterWithResult(source, target, nil, spatialmath.NewIdentityTransform(), cfg, logger)
	angle, dist := transformError(got, knownMotion)
	test.That(t, angle, test.ShouldBeLessThan, 0.03)
	test.That(t, dist, test.ShouldBeLessThan, 2*base)
	test.That(t, res.Success, test.ShouldBeTrue)

	explicit := Register(source, target, cfg.ScheduleFromBase(base), spatialmath.NewIdentityTransform(), cfg, logger)
	test.That(t, explicit, test.ShouldResemble, got)
}

func TestRegisterCarriedTransformSkipsGlobal(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	source := makeHeightField(40)
	target := source.Transform(knownMotion)

	got := Register(source, target, []float64{0.1, 0.05}, knownMotion, DefaultConfig(), logger)
	angle, dist := transformError(got, knownMotion)
	test.That(t, angle, test.ShouldBeLessThan, 0.01)
	test.That(t, dist, test.ShouldBeLessThan, 0.02)
	test.That(t, logs.FilterMessage("global alignment").Len(), test.ShouldEqual, 0)
}

func TestRegisterDegenerateInputs(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	cfg := DefaultConfig()
	pc := makeHeightField(20)
	identity := spatialmath.NewIdentityTransform()

	test.That(t, Register(nil, pc, nil, identity, cfg, logger), test.ShouldResemble, identity)
	test.That(t, Register(pc, pointcloud.NewFromPoints(nil), nil, identity, cfg, logger), test.ShouldResemble, identity)

	// every scale is too coarse to keep enough points
	test.That(t, Register(pc, pc, []float64{50, -1}, identity, cfg, logger), test.ShouldResemble, identity)

	bad := cfg
	bad.ScaleFactors = nil
	test.That(t, Register(pc, pc, nil, knownMotion, bad, logger), test.ShouldResemble, identity)
	test.That(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), test.ShouldEqual, 1)

	got := Register(pc, pc, []float64{0.2}, spatialmath.RigidTransform{}, cfg, logger)
	test.That(t, got.IsValid(), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("initial transform is invalid, starting from identity").Len(), test.ShouldEqual, 1)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate(), test.ShouldBeNil)
	for _, mutate := range []func(*Config){
		func(c *Config) { c.ScaleFactors = []float64{1, 2} },
		func(c *Config) { c.ScaleFactors = []float64{4, 0} },
		func(c *Config) { c.BaseVoxelFraction = 0 },
		func(c *Config) { c.Preprocess.MinPoints = 1 },
		func(c *Config) { c.Global.EdgeLengthSimilarity = 1 },
		func(c *Config) { c.Global.MaxIterations = 10 },
		func(c *Config) { c.Global.MaxValidations = 1 },
		func(c *Config) { c.Refine.MaxIterations = 1 },
		func(c *Config) { c.Refine.RelativeRMSE = -1 },
		func(c *Config) { c.Gate.RMSEFactor = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	}

	sizes := DefaultConfig().Schedule(2)
	test.That(t, len(sizes), test.ShouldEqual, 3)
	test.That(t, sizes[0], test.ShouldAlmostEqual, 0.08)
	test.That(t, sizes[1], test.ShouldAlmostEqual, 0.04)
	test.That(t, sizes[2], test.ShouldAlmostEqual, 0.02)
}
