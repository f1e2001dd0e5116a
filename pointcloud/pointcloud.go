// Package pointcloud defines an ordered, immutable point cloud and the geometric processing that
// registration and reconstruction run over it: spatial indexing, voxel downsampling, statistical
// outlier removal, normal estimation and orientation, FPFH descriptors, and file IO.
package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/reconstruct/spatialmath"
)

const (
	// maxPreciseFloat64 is the largest float64 below which every integer is representable.
	maxPreciseFloat64 = float64(9007199254740992)
	minPreciseFloat64 = -maxPreciseFloat64
)

// ErrInsufficientGeometry is returned when a cloud has too few points for an operation to mean
// anything. Callers treat it as recoverable and skip the input.
var ErrInsufficientGeometry = errors.New("insufficient geometry")

// MetaData is data about what's stored in the point cloud.
type MetaData struct {
	HasColor   bool
	HasNormals bool

	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns an empty MetaData whose bounds are inverted so the first Merge sets them.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64,
		MinY: math.MaxFloat64,
		MinZ: math.MaxFloat64,
		MaxX: -math.MaxFloat64,
		MaxY: -math.MaxFloat64,
		MaxZ: -math.MaxFloat64,
	}
}

// Merge grows the bounds to include v.
func (meta *MetaData) Merge(v r3.Vector) {
	meta.MinX = math.Min(meta.MinX, v.X)
	meta.MinY = math.Min(meta.MinY, v.Y)
	meta.MinZ = math.Min(meta.MinZ, v.Z)
	meta.MaxX = math.Max(meta.MaxX, v.X)
	meta.MaxY = math.Max(meta.MaxY, v.Y)
	meta.MaxZ = math.Max(meta.MaxZ, v.Z)
}

// Min returns the lower corner of the bounding box.
func (meta MetaData) Min() r3.Vector {
	return r3.Vector{X: meta.MinX, Y: meta.MinY, Z: meta.MinZ}
}

// Max returns the upper corner of the bounding box.
func (meta MetaData) Max() r3.Vector {
	return r3.Vector{X: meta.MaxX, Y: meta.MaxY, Z: meta.MaxZ}
}

// Extent returns the side lengths of the bounding box.
func (meta MetaData) Extent() r3.Vector {
	if meta.MaxX < meta.MinX {
		return r3.Vector{}
	}
	return meta.Max().Sub(meta.Min())
}

// PointCloud is an ordered set of 3D points with optional per-point colors and unit normals.
// When present, colors and normals are parallel to the points. A PointCloud is never modified
// after construction; every operation in this package returns a new cloud.
type PointCloud struct {
	points  []r3.Vector
	colors  []color.NRGBA
	normals []r3.Vector
	meta    MetaData
}

// New constructs a cloud from parallel slices. colors and normals may be nil; otherwise they must
// have one entry per point. The slices are owned by the cloud afterwards.
func New(points []r3.Vector, colors []color.NRGBA, normals []r3.Vector) (*PointCloud, error) {
	if colors != nil && len(colors) != len(points) {
		return nil, errors.Errorf("got %d colors for %d points", len(colors), len(points))
	}
	if normals != nil && len(normals) != len(points) {
		return nil, errors.Errorf("got %d normals for %d points", len(normals), len(points))
	}
	return newCloud(points, colors, normals), nil
}

// NewFromPoints constructs an uncolored cloud without normals.
func NewFromPoints(points []r3.Vector) *PointCloud {
	return newCloud(points, nil, nil)
}

func newCloud(points []r3.Vector, colors []color.NRGBA, normals []r3.Vector) *PointCloud {
	if len(colors) == 0 {
		colors = nil
	}
	if len(normals) == 0 {
		normals = nil
	}
	meta := NewMetaData()
	for _, p := range points {
		meta.Merge(p)
	}
	meta.HasColor = colors != nil
	meta.HasNormals = normals != nil
	return &PointCloud{points: points, colors: colors, normals: normals, meta: meta}
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.points)
}

// MetaData returns the bounds and attribute flags.
func (pc *PointCloud) MetaData() MetaData {
	return pc.meta
}

// HasColor reports whether every point carries a color.
func (pc *PointCloud) HasColor() bool {
	return pc.colors != nil
}

// HasNormals reports whether every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return pc.normals != nil
}

// Point returns the i-th position.
func (pc *PointCloud) Point(i int) r3.Vector {
	return pc.points[i]
}

// Color returns the i-th color, or false when the cloud is uncolored.
func (pc *PointCloud) Color(i int) (color.NRGBA, bool) {
	if pc.colors == nil {
		return color.NRGBA{}, false
	}
	return pc.colors[i], true
}

// Normal returns the i-th normal, or false when the cloud has no normals.
func (pc *PointCloud) Normal(i int) (r3.Vector, bool) {
	if pc.normals == nil {
		return r3.Vector{}, false
	}
	return pc.normals[i], true
}

// Points returns the positions. The slice is shared and must not be modified.
func (pc *PointCloud) Points() []r3.Vector {
	return pc.points
}

// Colors returns the colors or nil. The slice is shared and must not be modified.
func (pc *PointCloud) Colors() []color.NRGBA {
	return pc.colors
}

// Normals returns the normals or nil. The slice is shared and must not be modified.
func (pc *PointCloud) Normals() []r3.Vector {
	return pc.normals
}

// Iterate calls fn for each point index in order. If fn returns false, iteration stops.
// numBatches lets you divide up the work. 0 means don't divide.
// myBatch is used iff numBatches > 0 and is which batch you want.
func (pc *PointCloud) Iterate(numBatches, myBatch int, fn func(i int, p r3.Vector) bool) {
	start, end := 0, len(pc.points)
	if numBatches > 0 {
		batchSize := (len(pc.points) + numBatches - 1) / numBatches
		start = myBatch * batchSize
		end = start + batchSize
		if end > len(pc.points) {
			end = len(pc.points)
		}
	}
	for i := start; i < end; i++ {
		if !fn(i, pc.points[i]) {
			return
		}
	}
}

// Diameter returns the length of the bounding box diagonal, 0 for an empty cloud.
func (pc *PointCloud) Diameter() float64 {
	return pc.meta.Extent().Norm()
}

// Center returns the centroid of the points.
func (pc *PointCloud) Center() r3.Vector {
	if len(pc.points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range pc.points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(pc.points)))
}

// Transform maps points through t and rotates normals with its rotation block.
func (pc *PointCloud) Transform(t spatialmath.RigidTransform) *PointCloud {
	points := make([]r3.Vector, len(pc.points))
	for i, p := range pc.points {
		points[i] = t.Apply(p)
	}
	var normals []r3.Vector
	if pc.normals != nil {
		normals = make([]r3.Vector, len(pc.normals))
		for i, n := range pc.normals {
			normals[i] = t.Rotate(n)
		}
	}
	return newCloud(points, pc.colors, normals)
}

// Select returns the cloud made of the given indices, in the order given.
func (pc *PointCloud) Select(indices []int) *PointCloud {
	points := make([]r3.Vector, len(indices))
	var colors []color.NRGBA
	var normals []r3.Vector
	if pc.colors != nil {
		colors = make([]color.NRGBA, len(indices))
	}
	if pc.normals != nil {
		normals = make([]r3.Vector, len(indices))
	}
	for j, i := range indices {
		points[j] = pc.points[i]
		if colors != nil {
			colors[j] = pc.colors[i]
		}
		if normals != nil {
			normals[j] = pc.normals[i]
		}
	}
	return newCloud(points, colors, normals)
}

// WithNormals returns a copy of the cloud carrying the given normals.
func (pc *PointCloud) WithNormals(normals []r3.Vector) (*PointCloud, error) {
	return New(pc.points, pc.colors, normals)
}

// WithoutNormals returns the cloud with its normals dropped.
func (pc *PointCloud) WithoutNormals() *PointCloud {
	return newCloud(pc.points, pc.colors, nil)
}

// Merge concatenates clouds in order. Colors and normals survive only if every non-empty input has
// them.
func Merge(clouds ...*PointCloud) *PointCloud {
	total := 0
	allColor, allNormals := true, true
	for _, c := range clouds {
		if c == nil || c.Size() == 0 {
			continue
		}
		total += c.Size()
		allColor = allColor && c.HasColor()
		allNormals = allNormals && c.HasNormals()
	}
	points := make([]r3.Vector, 0, total)
	var colors []color.NRGBA
	var normals []r3.Vector
	if allColor {
		colors = make([]color.NRGBA, 0, total)
	}
	if allNormals {
		normals = make([]r3.Vector, 0, total)
	}
	for _, c := range clouds {
		if c == nil || c.Size() == 0 {
			continue
		}
		points = append(points, c.points...)
		if allColor {
			colors = append(colors, c.colors...)
		}
		if allNormals {
			normals = append(normals, c.normals...)
		}
	}
	return newCloud(points, colors, normals)
}
