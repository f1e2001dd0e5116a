package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is one result of a nearest neighbor query.
type Neighbor struct {
	Index    int
	Distance float64
}

// kdPoint is an indexed point in any number of dimensions. Distance is squared Euclidean, which is
// what the gonum tree compares against the squared plane offsets.
type kdPoint struct {
	coords []float64
	index  int
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coords[d] - c.(kdPoint).coords[d]
}

func (p kdPoint) Dims() int {
	return len(p.coords)
}

func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(kdPoint)
	var sum float64
	for i, v := range p.coords {
		diff := v - q.coords[i]
		sum += diff * diff
	}
	return sum
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p kdPoints) Len() int                              { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int                { return kdPlane{Dim: d, kdPoints: p}.Pivot() }
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// kdPlane is a kdPoints viewed along one dimension for median partitioning.
type kdPlane struct {
	kdtree.Dim
	kdPoints
}

func (p kdPlane) Less(i, j int) bool {
	return p.kdPoints[i].coords[p.Dim] < p.kdPoints[j].coords[p.Dim]
}

func (p kdPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

// kdIndex is the dimension agnostic tree shared by KDTree and FeatureTree.
type kdIndex struct {
	tree *kdtree.Tree
	size int
}

func newKDIndex(points kdPoints) kdIndex {
	if len(points) == 0 {
		return kdIndex{}
	}
	return kdIndex{tree: kdtree.New(points, false), size: len(points)}
}

func (idx kdIndex) search(query kdPoint, keeper kdtree.Keeper, heap func() kdtree.Heap) []Neighbor {
	if idx.tree == nil {
		return nil
	}
	idx.tree.NearestSet(keeper, query)
	found := heap()
	out := make([]Neighbor, 0, len(found))
	for _, c := range found {
		// Keepers are seeded with a sentinel that has no Comparable.
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: c.Comparable.(kdPoint).index, Distance: math.Sqrt(c.Dist)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].Index < out[j].Index
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}

func (idx kdIndex) kNearest(query kdPoint, k int) []Neighbor {
	if k <= 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	return idx.search(query, keeper, func() kdtree.Heap { return keeper.Heap })
}

func (idx kdIndex) radius(query kdPoint, r float64) []Neighbor {
	keeper := kdtree.NewDistKeeper(r * r)
	return idx.search(query, keeper, func() kdtree.Heap { return keeper.Heap })
}

// KDTree indexes the positions of a cloud for nearest neighbor queries. Results carry the index of
// the point in the slice the tree was built from.
type KDTree struct {
	kdIndex
}

// NewKDTree builds a tree over points. The slice is not retained.
func NewKDTree(points []r3.Vector) *KDTree {
	backing := make([]float64, 3*len(points))
	items := make(kdPoints, len(points))
	for i, p := range points {
		coords := backing[3*i : 3*i+3 : 3*i+3]
		coords[0], coords[1], coords[2] = p.X, p.Y, p.Z
		items[i] = kdPoint{coords: coords, index: i}
	}
	return &KDTree{newKDIndex(items)}
}

// NewCloudKDTree builds a tree over the positions of a cloud.
func NewCloudKDTree(pc *PointCloud) *KDTree {
	return NewKDTree(pc.Points())
}

func vectorQuery(v r3.Vector) kdPoint {
	return kdPoint{coords: []float64{v.X, v.Y, v.Z}, index: -1}
}

// Size returns the number of indexed points.
func (t *KDTree) Size() int {
	return t.size
}

// Nearest returns the closest indexed point, or false when the tree is empty.
func (t *KDTree) Nearest(query r3.Vector) (Neighbor, bool) {
	found := t.kNearest(vectorQuery(query), 1)
	if len(found) == 0 {
		return Neighbor{}, false
	}
	return found[0], true
}

// KNearest returns up to k points ordered by increasing distance.
func (t *KDTree) KNearest(query r3.Vector, k int) []Neighbor {
	return t.kNearest(vectorQuery(query), k)
}

// RadiusSearch returns every point within r ordered by increasing distance.
func (t *KDTree) RadiusSearch(query r3.Vector, r float64) []Neighbor {
	return t.radius(vectorQuery(query), r)
}

// HybridSearch returns up to maxNN of the nearest points that lie within r.
func (t *KDTree) HybridSearch(query r3.Vector, r float64, maxNN int) []Neighbor {
	found := t.kNearest(vectorQuery(query), maxNN)
	for i, n := range found {
		if n.Distance > r {
			return found[:i]
		}
	}
	return found
}

// FeatureTree indexes fixed length descriptors, such as FPFH histograms, for nearest neighbor
// matching in feature space.
type FeatureTree struct {
	kdIndex
	dims int
}

// NewFeatureTree builds a tree over features. Every feature must have the same length.
func NewFeatureTree(features [][]float64) *FeatureTree {
	items := make(kdPoints, len(features))
	dims := 0
	for i, f := range features {
		items[i] = kdPoint{coords: f, index: i}
		dims = len(f)
	}
	return &FeatureTree{kdIndex: newKDIndex(items), dims: dims}
}

// KNearest returns up to k features ordered by increasing distance to query.
func (t *FeatureTree) KNearest(query []float64, k int) []Neighbor {
	return t.kNearest(kdPoint{coords: query, index: -1}, k)
}
