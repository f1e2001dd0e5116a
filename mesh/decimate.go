package mesh

import (
	"container/heap"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/reconstruct/logging"
)

// maxQuadricCondition is the condition number above which the optimal collapse position is
// considered unstable and the best of the endpoints and midpoint is used instead.
const maxQuadricCondition = 1e8

// minFlipCosine is the smallest cosine allowed between a face normal before and after a collapse.
const minFlipCosine = 0.2

// quadric is the symmetric 4x4 error matrix of Garland and Heckbert, upper triangle row major.
type quadric [10]float64

func planeQuadric(n r3.Vector, d, weight float64) quadric {
	return quadric{
		weight * n.X * n.X, weight * n.X * n.Y, weight * n.X * n.Z, weight * n.X * d,
		weight * n.Y * n.Y, weight * n.Y * n.Z, weight * n.Y * d,
		weight * n.Z * n.Z, weight * n.Z * d,
		weight * d * d,
	}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

// cost evaluates v^T Q v for the homogeneous point (v, 1).
func (q quadric) cost(v r3.Vector) float64 {
	return q[0]*v.X*v.X + 2*q[1]*v.X*v.Y + 2*q[2]*v.X*v.Z + 2*q[3]*v.X +
		q[4]*v.Y*v.Y + 2*q[5]*v.Y*v.Z + 2*q[6]*v.Y +
		q[7]*v.Z*v.Z + 2*q[8]*v.Z +
		q[9]
}

// optimum returns the point minimizing the quadric, or false when the system is ill conditioned.
func (q quadric) optimum() (r3.Vector, bool) {
	a := mat.NewDense(3, 3, []float64{
		q[0], q[1], q[2],
		q[1], q[4], q[5],
		q[2], q[5], q[7],
	})
	var lu mat.LU
	lu.Factorize(a)
	if lu.Cond() > maxQuadricCondition {
		return r3.Vector{}, false
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, mat.NewVecDense(3, []float64{-q[3], -q[6], -q[8]})); err != nil {
		return r3.Vector{}, false
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, true
}

type collapse struct {
	cost     float64
	a, b     int
	pos      r3.Vector
	versionA int
	versionB int
}

type collapseHeap []collapse

func (h collapseHeap) Len() int { return len(h) }
func (h collapseHeap) Less(i, j int) bool {
	if h[i].cost == h[j].cost {
		if h[i].a == h[j].a {
			return h[i].b < h[j].b
		}
		return h[i].a < h[j].a
	}
	return h[i].cost < h[j].cost
}
func (h collapseHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *collapseHeap) Push(x any)   { *h = append(*h, x.(collapse)) }
func (h *collapseHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// decimator holds the mutable state of one simplification run.
type decimator struct {
	vertices  []r3.Vector
	densities []float64
	triangles [][3]int
	quadrics  []quadric
	vertTris  [][]int
	version   []int
	deadVert  []bool
	deadTri   []bool
	liveTris  int
	queue     collapseHeap
}

// Simplify reduces m to at most targetTriangles faces by repeatedly collapsing the edge of least
// quadric error, then cleans the result. Collapses that would flip a face or pinch the surface
// into a non-manifold configuration are skipped, so fewer faces may be removed than asked for. The
// input is not modified.
func Simplify(m *Mesh, targetTriangles int, logger logging.Logger) (*Mesh, error) {
	if targetTriangles <= 0 {
		return nil, errors.Errorf("target triangle count must be positive, got %d", targetTriangles)
	}
	if len(m.Triangles) <= targetTriangles {
		out, _ := Clean(m.Clone(), logger)
		return out, nil
	}

	d := newDecimator(m)
	for d.liveTris > targetTriangles && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(collapse)
		if d.deadVert[c.a] || d.deadVert[c.b] || c.versionA != d.version[c.a] || c.versionB != d.version[c.b] {
			continue
		}
		d.collapse(c)
	}

	out, _ := Clean(d.result(), logger)
	logger.Debugw("simplified mesh", "before", m.String(), "after", out.String(), "target", targetTriangles)
	return out, nil
}

func newDecimator(m *Mesh) *decimator {
	d := &decimator{
		vertices:  append([]r3.Vector(nil), m.Vertices...),
		triangles: append([][3]int(nil), m.Triangles...),
		quadrics:  make([]quadric, len(m.Vertices)),
		vertTris:  make([][]int, len(m.Vertices)),
		version:   make([]int, len(m.Vertices)),
		deadVert:  make([]bool, len(m.Vertices)),
		deadTri:   make([]bool, len(m.Triangles)),
		liveTris:  len(m.Triangles),
	}
	if m.Densities != nil {
		d.densities = append([]float64(nil), m.Densities...)
	}
	for t, tri := range d.triangles {
		a, b, c := d.vertices[tri[0]], d.vertices[tri[1]], d.vertices[tri[2]]
		cross := b.Sub(a).Cross(c.Sub(a))
		area := cross.Norm() / 2
		if area > 0 {
			n := cross.Mul(1 / (2 * area))
			q := planeQuadric(n, -n.Dot(a), area)
			for _, v := range tri {
				d.quadrics[v] = d.quadrics[v].add(q)
			}
		}
		for _, v := range tri {
			d.vertTris[v] = append(d.vertTris[v], t)
		}
	}
	for e := range m.EdgeTriangles() {
		d.push(e.A, e.B)
	}
	return d
}

func (d *decimator) push(a, b int) {
	q := d.quadrics[a].add(d.quadrics[b])
	pos, ok := q.optimum()
	if !ok {
		pa, pb := d.vertices[a], d.vertices[b]
		pos = pa
		best := q.cost(pa)
		for _, candidate := range []r3.Vector{pb, pa.Add(pb).Mul(0.5)} {
			if c := q.cost(candidate); c < best {
				pos, best = candidate, c
			}
		}
	}
	heap.Push(&d.queue, collapse{
		cost:     math.Max(0, q.cost(pos)),
		a:        a,
		b:        b,
		pos:      pos,
		versionA: d.version[a],
		versionB: d.version[b],
	})
}

// neighbors returns the live vertices sharing a live face with v.
func (d *decimator) neighbors(v int) map[int]struct{} {
	out := make(map[int]struct{})
	for _, t := range d.vertTris[v] {
		if d.deadTri[t] {
			continue
		}
		for _, u := range d.triangles[t] {
			if u != v {
				out[u] = struct{}{}
			}
		}
	}
	return out
}

func (d *decimator) collapse(c collapse) {
	a, b := c.a, c.b

	// Link condition: the only vertices adjacent to both ends are the apexes of the faces on the edge.
	shared := 0
	for _, t := range d.vertTris[a] {
		if !d.deadTri[t] && containsVertex(d.triangles[t], b) {
			shared++
		}
	}
	if shared == 0 {
		return
	}
	nb := d.neighbors(b)
	common := 0
	for u := range d.neighbors(a) {
		if _, ok := nb[u]; ok {
			common++
		}
	}
	if common != shared {
		return
	}

	for _, v := range [2]int{a, b} {
		for _, t := range d.vertTris[v] {
			if d.deadTri[t] {
				continue
			}
			tri := d.triangles[t]
			if containsVertex(tri, a) && containsVertex(tri, b) {
				continue
			}
			if d.flips(tri, v, c.pos) {
				return
			}
		}
	}

	d.vertices[a] = c.pos
	d.quadrics[a] = d.quadrics[a].add(d.quadrics[b])
	if d.densities != nil {
		d.densities[a] = (d.densities[a] + d.densities[b]) / 2
	}
	d.deadVert[b] = true
	for _, t := range d.vertTris[b] {
		if d.deadTri[t] {
			continue
		}
		if containsVertex(d.triangles[t], a) {
			d.deadTri[t] = true
			d.liveTris--
			continue
		}
		for i, u := range d.triangles[t] {
			if u == b {
				d.triangles[t][i] = a
			}
		}
		d.vertTris[a] = append(d.vertTris[a], t)
	}
	d.vertTris[b] = nil
	d.version[a]++
	d.version[b]++
	for u := range d.neighbors(a) {
		d.push(a, u)
	}
}

// flips reports whether moving corner v of tri to pos would turn the face by more than allowed
// or collapse it.
func (d *decimator) flips(tri [3]int, v int, pos r3.Vector) bool {
	before := d.faceNormal(tri, -1, r3.Vector{})
	after := d.faceNormal(tri, v, pos)
	if after.Norm() == 0 {
		return true
	}
	if before.Norm() == 0 {
		return false
	}
	return before.Dot(after) < minFlipCosine
}

func (d *decimator) faceNormal(tri [3]int, moved int, pos r3.Vector) r3.Vector {
	var p [3]r3.Vector
	for i, u := range tri {
		p[i] = d.vertices[u]
		if u == moved {
			p[i] = pos
		}
	}
	n := p[1].Sub(p[0]).Cross(p[2].Sub(p[0]))
	if norm := n.Norm(); norm > 0 {
		return n.Mul(1 / norm)
	}
	return r3.Vector{}
}

func containsVertex(tri [3]int, v int) bool {
	return tri[0] == v || tri[1] == v || tri[2] == v
}

// result compacts the live vertices and faces into a new mesh.
func (d *decimator) result() *Mesh {
	remove := make([]bool, len(d.vertices))
	copy(remove, d.deadVert)
	triangles := make([][3]int, 0, d.liveTris)
	for t, tri := range d.triangles {
		if !d.deadTri[t] {
			triangles = append(triangles, tri)
		}
	}
	out := RemoveVerticesByMask(&Mesh{Vertices: d.vertices, Densities: d.densities, Triangles: triangles}, remove)
	out, _ = RemoveUnreferencedVertices(out)
	return out
}
