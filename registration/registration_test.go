package registration

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/spatialmath"
)

// makeHeightField samples an asymmetric height field on an n by n grid with analytic upward
// normals. No rigid motion maps it onto itself.
func makeHeightField(n int) *pointcloud.PointCloud {
	points := make([]r3.Vector, 0, n*n)
	normals := make([]r3.Vector, 0, n*n)
	for i := 0; i < n; i++ {
		x := -1 + 2*float64(i)/float64(n-1)
		for j := 0; j < n; j++ {
			y := -0.8 + 2*float64(j)/float64(n-1)
			z := 0.3*math.Sin(2*x+0.3)*math.Cos(3*y+0.7) + 0.1*x*x
			dzdx := 0.6*math.Cos(2*x+0.3)*math.Cos(3*y+0.7) + 0.2*x
			dzdy := -0.9 * math.Sin(2*x+0.3) * math.Sin(3*y+0.7)
			points = append(points, r3.Vector{X: x, Y: y, Z: z})
			normals = append(normals, r3.Vector{X: -dzdx, Y: -dzdy, Z: 1}.Normalize())
		}
	}
	pc, err := pointcloud.New(points, nil, normals)
	if err != nil {
		panic(err)
	}
	return pc
}

// transformError returns the rotation angle and translation distance between two transforms.
func transformError(got, want spatialmath.RigidTransform) (float64, float64) {
	diff := want.Inverse().Compose(got)
	return diff.RotationAngle(), got.Translation().Sub(want.Translation()).Norm()
}

var knownMotion = spatialmath.NewTransformFromAxisAngle(r3.Vector{X: 0.2, Y: 0.3, Z: 1}, 0.5, r3.Vector{X: 0.3, Y: -0.2, Z: 0.1})

func TestEstimateRigid(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	src := make([]r3.Vector, 20)
	dst := make([]r3.Vector, 20)
	for i := range src {
		src[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		dst[i] = knownMotion.Apply(src[i])
	}
	got, ok := estimateRigid(src, dst)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.AlmostEqual(knownMotion, 1e-9), test.ShouldBeTrue)

	_, ok = estimateRigid(src[:2], dst[:2])
	test.That(t, ok, test.ShouldBeFalse)
}

func TestEvaluate(t *testing.T) {
	pc := makeHeightField(20)
	gate := DefaultConfig().Gate

	res := Evaluate(pc, pc, spatialmath.NewIdentityTransform(), 0.02, gate)
	test.That(t, res.Fitness, test.ShouldAlmostEqual, 1)
	test.That(t, res.InlierRMSE, test.ShouldAlmostEqual, 0)
	test.That(t, res.CorrespondenceCount, test.ShouldEqual, pc.Size())
	test.That(t, res.Success, test.ShouldBeTrue)

	far := spatialmath.NewTransformFromAxisAngle(r3.Vector{Z: 1}, 0, r3.Vector{Z: 5})
	res = Evaluate(pc, pc, far, 0.02, gate)
	test.That(t, res.Fitness, test.ShouldEqual, 0.)
	test.That(t, res.CorrespondenceCount, test.ShouldEqual, 0)
	test.That(t, res.Success, test.ShouldBeFalse)

	// within the threshold but too loose for the RMSE gate
	lifted := spatialmath.NewTransformFromAxisAngle(r3.Vector{Z: 1}, 0, r3.Vector{Z: 0.015})
	res = Evaluate(pc.Select([]int{0}), pc, lifted, 0.02, GateConfig{MaxThreshold: 0.02, DiameterFraction: 1, MinFitness: 0.3, RMSEFactor: 0.5})
	test.That(t, res.Fitness, test.ShouldEqual, 1.)
	test.That(t, res.Success, test.ShouldBeFalse)

	test.That(t, gate.Threshold(10), test.ShouldEqual, 0.02)
	test.That(t, gate.Threshold(1), test.ShouldAlmostEqual, 0.01)
}

func TestPreprocess(t *testing.T) {
	cfg := DefaultConfig().Preprocess
	pc := makeHeightField(40)

	down, features, err := Preprocess(pc, 0.1, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldBeLessThan, pc.Size())
	test.That(t, down.HasNormals(), test.ShouldBeTrue)
	test.That(t, len(features), test.ShouldEqual, down.Size())
	test.That(t, len(features[0]), test.ShouldEqual, pointcloud.FPFHDims)

	again, _, err := Preprocess(down, 0.1, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Points(), test.ShouldResemble, down.Points())

	_, _, err = Preprocess(pc, 5, cfg)
	test.That(t, errors.Is(err, pointcloud.ErrInsufficientGeometry), test.ShouldBeTrue)
	_, _, err = Preprocess(pointcloud.NewFromPoints(nil), 0.1, cfg)
	test.That(t, errors.Is(err, pointcloud.ErrInsufficientGeometry), test.ShouldBeTrue)
	_, _, err = Preprocess(pc, 0, cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGlobalAlignRecoversMotion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig()
	source := makeHeightField(50)
	target := source.Transform(knownMotion)
	voxel := 0.08

	sourceDown, sourceFeatures, err := Preprocess(source, voxel, cfg.Preprocess)
	test.That(t, err, test.ShouldBeNil)
	targetDown, targetFeatures, err := Preprocess(target, voxel, cfg.Preprocess)
	test.That(t, err, test.ShouldBeNil)

	res, err := GlobalAlign(sourceDown, targetDown, sourceFeatures, targetFeatures, voxel, cfg.Global, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.Fitness, test.ShouldBeGreaterThan, 0.5)
	angle, dist := transformError(res.Transform, knownMotion)
	test.That(t, angle, test.ShouldBeLessThan, 0.15)
	test.That(t, dist, test.ShouldBeLessThan, 2*voxel)

	// the same seed gives the same answer
	again, err := GlobalAlign(sourceDown, targetDown, sourceFeatures, targetFeatures, voxel, cfg.Global, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Transform, test.ShouldResemble, res.Transform)
}

func TestGlobalAlignFails(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := DefaultConfig().Global
	cfg.MinIterations = 2000
	cfg.MaxIterations = 2000

	source := makeHeightField(10)
	// a scaled copy never passes the edge length check
	scaled := make([]r3.Vector, source.Size())
	features := make([][]float64, source.Size())
	for i, p := range source.Points() {
		scaled[i] = p.Mul(2)
		features[i] = []float64{float64(i)}
	}
	target := pointcloud.NewFromPoints(scaled)

	_, err := GlobalAlign(source, target, features, features, 0.1, cfg, logger)
	test.That(t, errors.Is(err, ErrGlobalAlignmentFailed), test.ShouldBeTrue)

	tiny := pointcloud.MakeTestPointCloud().Select([]int{0, 1})
	_, err = GlobalAlign(tiny, tiny, features[:2], features[:2], 0.1, cfg, logger)
	test.That(t, errors.Is(err, ErrGlobalAlignmentFailed), test.ShouldBeTrue)

	_, err = GlobalAlign(source, target, features[:3], features, 0.1, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGlobalAlignLowFitnessWarns(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	cfg := DefaultConfig().Global
	cfg.MinIterations = 500
	cfg.MaxIterations = 500
	cfg.MinFitness = 1.1

	source := makeHeightField(10)
	features := make([][]float64, source.Size())
	for i := range features {
		features[i] = []float64{float64(i)}
	}
	res, err := GlobalAlign(source, source, features, features, 0.1, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Fitness, test.ShouldAlmostEqual, 1)
	test.That(t, res.Success, test.ShouldBeFalse)
	test.That(t, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("low global registration fitness").Len(), test.ShouldEqual, 1)
}

func TestMatchFeatures(t *testing.T) {
	source := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}, {9}}
	target := [][]float64{{9.1}, {8.1}, {7.1}, {6.1}, {5.1}, {4.1}, {3.1}, {2.1}, {1.1}, {0.1}}
	matches, err := matchFeatures(source, target)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 10)
	for _, m := range matches {
		test.That(t, m.target, test.ShouldEqual, 9-m.source)
	}

	// too few mutual pairs falls back to one sided matches
	matches, err = matchFeatures([][]float64{{0}, {0.1}, {0.2}}, [][]float64{{0.15}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(matches), test.ShouldEqual, 3)
}

func TestEdgeLengthsAgree(t *testing.T) {
	tri := []r3.Vector{{}, {X: 1}, {Y: 1}}
	test.That(t, edgeLengthsAgree(tri, tri, 0.9), test.ShouldBeTrue)
	stretched := []r3.Vector{{}, {X: 1.5}, {Y: 1}}
	test.That(t, edgeLengthsAgree(tri, stretched, 0.9), test.ShouldBeFalse)
	test.That(t, edgeLengthsAgree(stretched, tri, 0.9), test.ShouldBeFalse)
}

func TestDrawDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	out := make([]int, 3)
	for i := 0; i < 100; i++ {
		drawDistinct(rng, 3, out)
		test.That(t, out[0] != out[1] && out[1] != out[2] && out[0] != out[2], test.ShouldBeTrue)
	}
}
