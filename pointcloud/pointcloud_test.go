package pointcloud

import (
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPointCloudBasic(t *testing.T) {
	pc := MakeTestPointCloud()
	test.That(t, pc.Size(), test.ShouldEqual, 3)
	test.That(t, pc.HasColor(), test.ShouldBeFalse)
	test.That(t, pc.HasNormals(), test.ShouldBeFalse)
	_, ok := pc.Color(0)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = pc.Normal(0)
	test.That(t, ok, test.ShouldBeFalse)

	meta := pc.MetaData()
	test.That(t, meta.MinX, test.ShouldEqual, 0.)
	test.That(t, meta.MaxX, test.ShouldEqual, 1.)
	test.That(t, meta.MaxY, test.ShouldEqual, 1.)
	test.That(t, meta.MaxZ, test.ShouldEqual, 0.)
	test.That(t, pc.Diameter(), test.ShouldAlmostEqual, math.Sqrt2)

	center := pc.Center()
	test.That(t, center.X, test.ShouldAlmostEqual, 1./3)
	test.That(t, center.Y, test.ShouldAlmostEqual, 1./3)

	count := 0
	pc.Iterate(0, 0, func(i int, p r3.Vector) bool {
		test.That(t, p, test.ShouldResemble, pc.Point(i))
		count++
		return true
	})
	test.That(t, count, test.ShouldEqual, 3)

	count = 0
	pc.Iterate(2, 1, func(i int, p r3.Vector) bool {
		test.That(t, i, test.ShouldEqual, 2)
		count++
		return true
	})
	test.That(t, count, test.ShouldEqual, 1)
}

func TestNewValidatesLengths(t *testing.T) {
	points := []r3.Vector{{}, {X: 1}}
	_, err := New(points, []color.NRGBA{{}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(points, nil, []r3.Vector{{}})
	test.That(t, err, test.ShouldNotBeNil)
	pc, err := New(points, nil, []r3.Vector{{Z: 1}, {Z: 1}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.HasNormals(), test.ShouldBeTrue)
	test.That(t, pc.MetaData().HasNormals, test.ShouldBeTrue)
}

func TestEmptyCloud(t *testing.T) {
	pc := NewFromPoints(nil)
	test.That(t, pc.Size(), test.ShouldEqual, 0)
	test.That(t, pc.Diameter(), test.ShouldEqual, 0.)
	test.That(t, pc.Center(), test.ShouldResemble, r3.Vector{})
}

func TestSelect(t *testing.T) {
	pc := MakeWavySurface(5, 5, 1)
	sub := pc.Select([]int{24, 0, 7})
	test.That(t, sub.Size(), test.ShouldEqual, 3)
	test.That(t, sub.Point(0), test.ShouldResemble, pc.Point(24))
	test.That(t, sub.Point(1), test.ShouldResemble, pc.Point(0))
	test.That(t, sub.Colors()[2], test.ShouldResemble, pc.Colors()[7])
	test.That(t, sub.Normals()[2], test.ShouldResemble, pc.Normals()[7])

	test.That(t, pc.WithoutNormals().HasNormals(), test.ShouldBeFalse)
	test.That(t, pc.WithoutNormals().HasColor(), test.ShouldBeTrue)
}
