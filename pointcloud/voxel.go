package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

/* A voxel is a cell of a regular grid in three-dimensional space. The grid here is anchored at
the world origin, so the cell of a point depends only on the point and the voxel size. That makes
downsampling a cloud twice with the same size return the same cloud.
*/

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// GetVoxelCoordinates computes the grid cell of pt for cells of side voxelSize.
func GetVoxelCoordinates(pt r3.Vector, voxelSize float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor(pt.X / voxelSize)),
		J: int64(math.Floor(pt.Y / voxelSize)),
		K: int64(math.Floor(pt.Z / voxelSize)),
	}
}

// Voxel holds the indices of the cloud points that fall in one cell.
type Voxel struct {
	Key    VoxelCoords
	Points []int
}

// VoxelGrid is the sparse set of occupied voxels of a cloud. Order lists the keys in the order
// their first point appears in the cloud.
type VoxelGrid struct {
	Voxels    map[VoxelCoords]*Voxel
	Order     []VoxelCoords
	VoxelSize float64
}

// NewVoxelGridFromPointCloud assigns every point of pc to its voxel.
func NewVoxelGridFromPointCloud(pc *PointCloud, voxelSize float64) (*VoxelGrid, error) {
	if !(voxelSize > 0) || math.IsInf(voxelSize, 0) {
		return nil, errors.Errorf("voxel size must be positive and finite, got %v", voxelSize)
	}
	vg := &VoxelGrid{
		Voxels:    make(map[VoxelCoords]*Voxel),
		VoxelSize: voxelSize,
	}
	pc.Iterate(0, 0, func(i int, p r3.Vector) bool {
		coords := GetVoxelCoordinates(p, voxelSize)
		vox, ok := vg.Voxels[coords]
		if !ok {
			vox = &Voxel{Key: coords}
			vg.Voxels[coords] = vox
			vg.Order = append(vg.Order, coords)
		}
		vox.Points = append(vox.Points, i)
		return true
	})
	return vg, nil
}

// VoxelDownsample replaces the points of every occupied voxel with their centroid. Colors are
// averaged in linear RGB and normals are averaged then renormalized.
func VoxelDownsample(pc *PointCloud, voxelSize float64) (*PointCloud, error) {
	vg, err := NewVoxelGridFromPointCloud(pc, voxelSize)
	if err != nil {
		return nil, err
	}
	points := make([]r3.Vector, 0, len(vg.Order))
	var colors []color.NRGBA
	var normals []r3.Vector
	if pc.HasColor() {
		colors = make([]color.NRGBA, 0, len(vg.Order))
	}
	if pc.HasNormals() {
		normals = make([]r3.Vector, 0, len(vg.Order))
	}
	for _, key := range vg.Order {
		vox := vg.Voxels[key]
		points = append(points, centroid(pc.points, vox.Points))
		if colors != nil {
			colors = append(colors, averageColor(pc.colors, vox.Points))
		}
		if normals != nil {
			normals = append(normals, averageNormal(pc.normals, vox.Points))
		}
	}
	return newCloud(points, colors, normals), nil
}

func centroid(points []r3.Vector, indices []int) r3.Vector {
	if len(indices) == 1 {
		return points[indices[0]]
	}
	var sum r3.Vector
	for _, i := range indices {
		sum = sum.Add(points[i])
	}
	return sum.Mul(1 / float64(len(indices)))
}

func averageColor(colors []color.NRGBA, indices []int) color.NRGBA {
	if len(indices) == 1 {
		return colors[indices[0]]
	}
	var r, g, b, a float64
	for _, i := range indices {
		c := colorful.Color{
			R: float64(colors[i].R) / 255,
			G: float64(colors[i].G) / 255,
			B: float64(colors[i].B) / 255,
		}
		lr, lg, lb := c.LinearRgb()
		r += lr
		g += lg
		b += lb
		a += float64(colors[i].A)
	}
	n := float64(len(indices))
	avg := colorful.LinearRgb(r/n, g/n, b/n).Clamped()
	cr, cg, cb := avg.RGB255()
	return color.NRGBA{R: cr, G: cg, B: cb, A: uint8(math.Round(a / n))}
}

func averageNormal(normals []r3.Vector, indices []int) r3.Vector {
	if len(indices) == 1 {
		return normals[indices[0]]
	}
	var sum r3.Vector
	for _, i := range indices {
		sum = sum.Add(normals[i])
	}
	if sum.Norm() == 0 {
		return normals[indices[0]]
	}
	return sum.Normalize()
}
