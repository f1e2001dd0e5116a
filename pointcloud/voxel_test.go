package pointcloud

import (
	"image/color"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestGetVoxelCoordinates(t *testing.T) {
	test.That(t, GetVoxelCoordinates(r3.Vector{X: 0.5, Y: 1.5, Z: -0.5}, 1), test.ShouldResemble, VoxelCoords{0, 1, -1})
	test.That(t, GetVoxelCoordinates(r3.Vector{X: 2, Y: -2, Z: 0}, 1), test.ShouldResemble, VoxelCoords{2, -2, 0})
	test.That(t, GetVoxelCoordinates(r3.Vector{X: 0.25}, 0.1), test.ShouldResemble, VoxelCoords{2, 0, 0})
}

func TestVoxelGrid(t *testing.T) {
	pc := NewFromPoints([]r3.Vector{{X: 0.1}, {X: 5.5}, {X: 0.9, Y: 0.9}, {X: 5.1}})
	vg, err := NewVoxelGridFromPointCloud(pc, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(vg.Voxels), test.ShouldEqual, 2)
	test.That(t, vg.Order, test.ShouldResemble, []VoxelCoords{{0, 0, 0}, {5, 0, 0}})
	test.That(t, vg.Voxels[VoxelCoords{0, 0, 0}].Points, test.ShouldResemble, []int{0, 2})

	_, err = NewVoxelGridFromPointCloud(pc, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewVoxelGridFromPointCloud(pc, -1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestVoxelDownsample(t *testing.T) {
	pc, err := New(
		[]r3.Vector{{X: 0.2, Y: 0.2, Z: 0.2}, {X: 0.4, Y: 0.6, Z: 0.8}, {X: 3.5, Y: 0.5, Z: 0.5}},
		[]color.NRGBA{{255, 0, 0, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}},
		[]r3.Vector{{Z: 1}, {X: 1}, {Y: 1}},
	)
	test.That(t, err, test.ShouldBeNil)

	down, err := VoxelDownsample(pc, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Size(), test.ShouldEqual, 2)

	p := down.Point(0)
	test.That(t, p.X, test.ShouldAlmostEqual, 0.3)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0.4)
	test.That(t, p.Z, test.ShouldAlmostEqual, 0.5)
	test.That(t, down.Point(1), test.ShouldResemble, r3.Vector{X: 3.5, Y: 0.5, Z: 0.5})

	// equal colors average to themselves
	test.That(t, down.Colors()[0], test.ShouldResemble, color.NRGBA{255, 0, 0, 255})
	n := down.Normals()[0]
	test.That(t, n.Norm(), test.ShouldAlmostEqual, 1)
	test.That(t, n.X, test.ShouldAlmostEqual, n.Z)
}

func TestVoxelDownsampleIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	points := randomPoints(rng, 5000)
	colors := make([]color.NRGBA, len(points))
	for i := range colors {
		colors[i] = color.NRGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255}
	}
	pc, err := New(points, colors, nil)
	test.That(t, err, test.ShouldBeNil)

	once, err := VoxelDownsample(pc, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, once.Size(), test.ShouldBeLessThan, pc.Size())
	test.That(t, once.Size(), test.ShouldBeLessThanOrEqualTo, 1000)

	twice, err := VoxelDownsample(once, 0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, twice, test.ShouldResemble, once)
}

func TestVoxelDownsampleDeterministic(t *testing.T) {
	sphere := MakeFibonacciSphere(3000, 1, r3.Vector{X: 2})
	a, err := VoxelDownsample(sphere, 0.05)
	test.That(t, err, test.ShouldBeNil)
	b, err := VoxelDownsample(sphere, 0.05)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a, test.ShouldResemble, b)
}
