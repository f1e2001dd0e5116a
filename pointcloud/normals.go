package pointcloud

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/reconstruct/utils"
)

// defaultNormal is what a point gets when its neighborhood cannot define a plane.
var defaultNormal = r3.Vector{Z: 1}

// EstimateNormals fits a plane to the neighborhood of every point, at most maxNN points within
// radius, and returns the cloud with the plane normals attached. If pc already has normals the new
// ones are flipped to agree with them; otherwise they are flipped to face the origin, which is the
// camera center of a freshly built frame.
func EstimateNormals(pc *PointCloud, radius float64, maxNN int) (*PointCloud, error) {
	if !(radius > 0) || maxNN <= 0 {
		return nil, errors.Errorf("normal estimation needs a positive radius and neighbor count, got %v and %d", radius, maxNN)
	}
	tree := NewCloudKDTree(pc)
	normals := make([]r3.Vector, pc.Size())
	err := forEachBatch(pc, func(i int, p r3.Vector) {
		n := planeNormal(pc.points, tree.HybridSearch(p, radius, maxNN))
		if prior, ok := pc.Normal(i); ok {
			if n.Dot(prior) < 0 {
				n = n.Mul(-1)
			}
		} else if n.Dot(p.Mul(-1)) < 0 {
			n = n.Mul(-1)
		}
		normals[i] = n
	})
	if err != nil {
		return nil, err
	}
	return pc.WithNormals(normals)
}

// planeNormal returns the eigenvector of the smallest eigenvalue of the neighborhood covariance.
func planeNormal(points []r3.Vector, neighbors []Neighbor) r3.Vector {
	if len(neighbors) < 3 {
		return defaultNormal
	}
	var mean r3.Vector
	for _, nb := range neighbors {
		mean = mean.Add(points[nb.Index])
	}
	mean = mean.Mul(1 / float64(len(neighbors)))

	var xx, xy, xz, yy, yz, zz float64
	for _, nb := range neighbors {
		d := points[nb.Index].Sub(mean)
		xx += d.X * d.X
		xy += d.X * d.Y
		xz += d.X * d.Z
		yy += d.Y * d.Y
		yz += d.Y * d.Z
		zz += d.Z * d.Z
	}
	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return defaultNormal
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues come back in ascending order.
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	norm := n.Norm()
	if norm == 0 || math.IsNaN(norm) {
		return defaultNormal
	}
	return n.Mul(1 / norm)
}

// OrientNormalsTowardsPoint flips every normal so it faces viewpoint.
func OrientNormalsTowardsPoint(pc *PointCloud, viewpoint r3.Vector) (*PointCloud, error) {
	if !pc.HasNormals() {
		return nil, errors.New("cannot orient normals of a cloud without normals")
	}
	normals := make([]r3.Vector, pc.Size())
	for i, n := range pc.normals {
		if n.Dot(viewpoint.Sub(pc.points[i])) < 0 {
			n = n.Mul(-1)
		}
		normals[i] = n
	}
	return pc.WithNormals(normals)
}

// OrientNormalsConsistentTangentPlane propagates a single orientation across the k nearest
// neighbor graph along its minimum spanning tree, weighting edges by 1-|ni.nj| so the walk crosses
// flat regions before creases. Each connected component starts from its highest point with the
// normal turned to +z.
func OrientNormalsConsistentTangentPlane(pc *PointCloud, k int) (*PointCloud, error) {
	if !pc.HasNormals() {
		return nil, errors.New("cannot orient normals of a cloud without normals")
	}
	if k <= 0 {
		return nil, errors.Errorf("neighbor count must be positive, got %d", k)
	}
	n := pc.Size()
	normals := make([]r3.Vector, n)
	copy(normals, pc.normals)

	tree := NewCloudKDTree(pc)
	adjacency := make([][]int, n)
	for i, p := range pc.points {
		for _, nb := range tree.KNearest(p, k+1) {
			if nb.Index == i {
				continue
			}
			adjacency[i] = append(adjacency[i], nb.Index)
			adjacency[nb.Index] = append(adjacency[nb.Index], i)
		}
	}

	seeds := make([]int, n)
	for i := range seeds {
		seeds[i] = i
	}
	sort.SliceStable(seeds, func(a, b int) bool { return pc.points[seeds[a]].Z > pc.points[seeds[b]].Z })

	visited := make([]bool, n)
	edges := &edgeHeap{}
	weight := func(a, b int) float64 { return 1 - math.Abs(normals[a].Dot(normals[b])) }
	visit := func(i int) {
		visited[i] = true
		for _, j := range adjacency[i] {
			if !visited[j] {
				heap.Push(edges, graphEdge{from: i, to: j, weight: weight(i, j)})
			}
		}
	}
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		if normals[seed].Dot(defaultNormal) < 0 {
			normals[seed] = normals[seed].Mul(-1)
		}
		visit(seed)
		for edges.Len() > 0 {
			e := heap.Pop(edges).(graphEdge)
			if visited[e.to] {
				continue
			}
			if normals[e.to].Dot(normals[e.from]) < 0 {
				normals[e.to] = normals[e.to].Mul(-1)
			}
			visit(e.to)
		}
	}
	return pc.WithNormals(normals)
}

type graphEdge struct {
	from, to int
	weight   float64
}

// edgeHeap is a min heap of graph edges by weight.
type edgeHeap []graphEdge

func (h edgeHeap) Len() int { return len(h) }
func (h edgeHeap) Less(i, j int) bool {
	if h[i].weight == h[j].weight {
		return h[i].to < h[j].to
	}
	return h[i].weight < h[j].weight
}
func (h edgeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *edgeHeap) Push(x any)   { *h = append(*h, x.(graphEdge)) }
func (h *edgeHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// forEachBatch runs fn for every point, splitting the cloud into one batch per worker. fn must
// only write state owned by index i.
func forEachBatch(pc *PointCloud, fn func(i int, p r3.Vector)) error {
	numBatches := utils.ParallelFactor
	if pc.Size() < 1000 {
		numBatches = 1
	}
	return utils.ParallelForEach(context.Background(), numBatches, 0, func(ctx context.Context, batch int) error {
		pc.Iterate(numBatches, batch, func(i int, p r3.Vector) bool {
			fn(i, p)
			return true
		})
		return nil
	})
}
