package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
)

// MakeTestPointCloud creates a test point cloud with 3 points.
func MakeTestPointCloud() *PointCloud {
	return NewFromPoints([]r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
	})
}

// MakeFibonacciSphere samples n nearly uniform points on a sphere, with outward normals.
func MakeFibonacciSphere(n int, radius float64, center r3.Vector) *PointCloud {
	golden := math.Pi * (3 - math.Sqrt(5))
	points := make([]r3.Vector, n)
	normals := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		y := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - y*y)
		phi := golden * float64(i)
		dir := r3.Vector{X: math.Cos(phi) * r, Y: y, Z: math.Sin(phi) * r}
		normals[i] = dir
		points[i] = center.Add(dir.Mul(radius))
	}
	return newCloud(points, nil, normals)
}

// MakeSphereCap keeps the points of a sphere cloud within angularRadius radians of axis, as seen
// from center.
func MakeSphereCap(sphere *PointCloud, center, axis r3.Vector, angularRadius float64) *PointCloud {
	axis = axis.Normalize()
	cosLimit := math.Cos(angularRadius)
	var kept []int
	for i, p := range sphere.Points() {
		if p.Sub(center).Normalize().Dot(axis) >= cosLimit {
			kept = append(kept, i)
		}
	}
	return sphere.Select(kept)
}

// MakeWavySurface samples the height field z = 0.3 sin(2x) cos(3y) on an nx by ny grid over
// [-extent, extent]^2 with analytic upward normals and colors that follow the height.
func MakeWavySurface(nx, ny int, extent float64) *PointCloud {
	points := make([]r3.Vector, 0, nx*ny)
	normals := make([]r3.Vector, 0, nx*ny)
	colors := make([]color.NRGBA, 0, nx*ny)
	for i := 0; i < nx; i++ {
		x := -extent + 2*extent*float64(i)/float64(nx-1)
		for j := 0; j < ny; j++ {
			y := -extent + 2*extent*float64(j)/float64(ny-1)
			z := 0.3 * math.Sin(2*x) * math.Cos(3*y)
			dzdx := 0.6 * math.Cos(2*x) * math.Cos(3*y)
			dzdy := -0.9 * math.Sin(2*x) * math.Sin(3*y)
			points = append(points, r3.Vector{X: x, Y: y, Z: z})
			normals = append(normals, r3.Vector{X: -dzdx, Y: -dzdy, Z: 1}.Normalize())
			shade := uint8(math.Round(255 * (z + 0.3) / 0.6))
			colors = append(colors, color.NRGBA{R: shade, G: 128, B: 255 - shade, A: 255})
		}
	}
	return newCloud(points, colors, normals)
}
