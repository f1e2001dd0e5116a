// Package mesh holds the indexed triangle mesh produced by surface reconstruction, the cleanup
// passes that make it manifold, quadric decimation, and PLY IO.
package mesh

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/reconstruct/spatialmath"
)

// Mesh is a list of vertices and the triangles indexing into it. Densities is either nil or holds
// one confidence value per vertex.
type Mesh struct {
	Vertices  []r3.Vector
	Densities []float64
	Triangles [][3]int
}

// New validates the shape of the given slices and wraps them. It does not check the cleanup
// invariants; see Validate.
func New(vertices []r3.Vector, densities []float64, triangles [][3]int) (*Mesh, error) {
	if densities != nil && len(densities) != len(vertices) {
		return nil, errors.Errorf("got %d densities for %d vertices", len(densities), len(vertices))
	}
	for i, tri := range triangles {
		for _, v := range tri {
			if v < 0 || v >= len(vertices) {
				return nil, errors.Errorf("triangle %d references vertex %d of %d", i, v, len(vertices))
			}
		}
	}
	return &Mesh{Vertices: vertices, Densities: densities, Triangles: triangles}, nil
}

// NumVertices returns the number of vertices.
func (m *Mesh) NumVertices() int {
	return len(m.Vertices)
}

// NumTriangles returns the number of triangles.
func (m *Mesh) NumTriangles() int {
	return len(m.Triangles)
}

// HasDensities reports whether every vertex carries a density.
func (m *Mesh) HasDensities() bool {
	return m.Densities != nil
}

// Triangle returns the i-th face as a geometric triangle.
func (m *Mesh) Triangle(i int) *spatialmath.Triangle {
	tri := m.Triangles[i]
	return spatialmath.NewTriangle(m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]])
}

// TriangleArea returns the area of the i-th face.
func (m *Mesh) TriangleArea(i int) float64 {
	tri := m.Triangles[i]
	a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
	return b.Sub(a).Cross(c.Sub(a)).Norm() / 2
}

// SurfaceArea sums the areas of all faces.
func (m *Mesh) SurfaceArea() float64 {
	var area float64
	for i := range m.Triangles {
		area += m.TriangleArea(i)
	}
	return area
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices:  append([]r3.Vector(nil), m.Vertices...),
		Triangles: append([][3]int(nil), m.Triangles...),
	}
	if m.Densities != nil {
		out.Densities = append([]float64(nil), m.Densities...)
	}
	return out
}

func (m *Mesh) String() string {
	return fmt.Sprintf("mesh(vertices=%d triangles=%d)", len(m.Vertices), len(m.Triangles))
}

// Edge is an undirected edge between two vertex indices, stored with the smaller index first.
type Edge struct {
	A, B int
}

// NewEdge orders a and b.
func NewEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{A: a, B: b}
}

// edges returns the three edges of a triangle.
func edges(tri [3]int) [3]Edge {
	return [3]Edge{NewEdge(tri[0], tri[1]), NewEdge(tri[1], tri[2]), NewEdge(tri[2], tri[0])}
}

// EdgeTriangles maps every edge to the triangles that use it.
func (m *Mesh) EdgeTriangles() map[Edge][]int {
	out := make(map[Edge][]int, 3*len(m.Triangles)/2)
	for i, tri := range m.Triangles {
		for _, e := range edges(tri) {
			out[e] = append(out[e], i)
		}
	}
	return out
}

// triangleKey identifies a triangle independent of winding and starting corner.
func triangleKey(tri [3]int) [3]int {
	a, b, c := tri[0], tri[1], tri[2]
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return [3]int{a, b, c}
}

var (
	// ErrDuplicatedVertices means two vertices share a position.
	ErrDuplicatedVertices = errors.New("mesh has duplicated vertices")
	// ErrDegenerateTriangles means a triangle has zero area or a repeated corner.
	ErrDegenerateTriangles = errors.New("mesh has degenerate triangles")
	// ErrNonManifoldEdges means an edge is shared by more than two triangles.
	ErrNonManifoldEdges = errors.New("mesh has non-manifold edges")
)

// Validate checks the invariants every cleaned mesh holds: indices in range, no duplicated
// vertices, no degenerate triangles, no non-manifold edges.
func (m *Mesh) Validate() error {
	var errs []error
	if m.Densities != nil && len(m.Densities) != len(m.Vertices) {
		errs = append(errs, errors.Errorf("got %d densities for %d vertices", len(m.Densities), len(m.Vertices)))
	}
	seen := make(map[r3.Vector]int, len(m.Vertices))
	for i, v := range m.Vertices {
		if j, ok := seen[v]; ok {
			errs = append(errs, errors.Wrapf(ErrDuplicatedVertices, "vertices %d and %d", j, i))
			break
		}
		seen[v] = i
	}
	for i, tri := range m.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(m.Vertices) {
				return multierr.Append(multierr.Combine(errs...),
					errors.Errorf("triangle %d references vertex %d of %d", i, v, len(m.Vertices)))
			}
		}
	}
	for i, tri := range m.Triangles {
		if isDegenerate(m.Vertices, tri) {
			errs = append(errs, errors.Wrapf(ErrDegenerateTriangles, "triangle %d", i))
			break
		}
	}
	for e, tris := range m.EdgeTriangles() {
		if len(tris) > 2 {
			errs = append(errs, errors.Wrapf(ErrNonManifoldEdges, "edge (%d, %d) has %d triangles", e.A, e.B, len(tris)))
			break
		}
	}
	return multierr.Combine(errs...)
}

func isDegenerate(vertices []r3.Vector, tri [3]int) bool {
	if tri[0] == tri[1] || tri[1] == tri[2] || tri[2] == tri[0] {
		return true
	}
	return spatialmath.NewTriangle(vertices[tri[0]], vertices[tri[1]], vertices[tri[2]]).IsDegenerate()
}
