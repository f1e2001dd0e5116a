package mesh

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"

	"go.viam.com/reconstruct/logging"
)

// makeOctahedron returns the closed unit octahedron with outward winding.
func makeOctahedron() *Mesh {
	vertices := []r3.Vector{
		{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
	}
	triangles := [][3]int{
		{0, 2, 4}, {2, 1, 4}, {1, 3, 4}, {3, 0, 4},
		{2, 0, 5}, {1, 2, 5}, {3, 1, 5}, {0, 3, 5},
	}
	m, err := New(vertices, nil, triangles)
	if err != nil {
		panic(err)
	}
	return m
}

// makeIcosphere subdivides the octahedron levels times and projects it onto the unit sphere.
func makeIcosphere(levels int) *Mesh {
	m := makeOctahedron()
	vertices := append([]r3.Vector(nil), m.Vertices...)
	triangles := m.Triangles
	for l := 0; l < levels; l++ {
		midpoints := map[Edge]int{}
		mid := func(a, b int) int {
			e := NewEdge(a, b)
			if i, ok := midpoints[e]; ok {
				return i
			}
			vertices = append(vertices, vertices[a].Add(vertices[b]).Normalize())
			midpoints[e] = len(vertices) - 1
			return len(vertices) - 1
		}
		next := make([][3]int, 0, 4*len(triangles))
		for _, tri := range triangles {
			ab, bc, ca := mid(tri[0], tri[1]), mid(tri[1], tri[2]), mid(tri[2], tri[0])
			next = append(next,
				[3]int{tri[0], ab, ca}, [3]int{ab, tri[1], bc}, [3]int{ca, bc, tri[2]}, [3]int{ab, bc, ca})
		}
		triangles = next
	}
	out, err := New(vertices, nil, triangles)
	if err != nil {
		panic(err)
	}
	return out
}

func TestNewRejectsBadIndices(t *testing.T) {
	_, err := New([]r3.Vector{{}, {X: 1}}, nil, [][3]int{{0, 1, 2}})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New([]r3.Vector{{}}, []float64{1, 2}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOctahedronIsClean(t *testing.T) {
	m := makeOctahedron()
	test.That(t, m.Validate(), test.ShouldBeNil)
	test.That(t, m.NumVertices(), test.ShouldEqual, 6)
	test.That(t, m.NumTriangles(), test.ShouldEqual, 8)
	test.That(t, m.SurfaceArea(), test.ShouldAlmostEqual, 8*math.Sqrt(3)/2)
	for i := range m.Triangles {
		tri := m.Triangle(i)
		test.That(t, tri.Normal().Dot(tri.Centroid()), test.ShouldBeGreaterThan, 0)
	}
	for _, tris := range m.EdgeTriangles() {
		test.That(t, len(tris), test.ShouldEqual, 2)
	}
}

func TestValidateReportsEachDefect(t *testing.T) {
	m := makeOctahedron()
	m.Vertices = append(m.Vertices, r3.Vector{X: 1})
	test.That(t, errors.Is(m.Validate(), ErrDuplicatedVertices), test.ShouldBeTrue)

	m = makeOctahedron()
	m.Triangles = append(m.Triangles, [3]int{0, 0, 4})
	test.That(t, errors.Is(m.Validate(), ErrDegenerateTriangles), test.ShouldBeTrue)

	m = makeOctahedron()
	m.Vertices = append(m.Vertices, r3.Vector{X: 0.5, Y: 0.5, Z: 0.3})
	m.Triangles = append(m.Triangles, [3]int{0, 2, 6})
	test.That(t, errors.Is(m.Validate(), ErrNonManifoldEdges), test.ShouldBeTrue)
}

func TestRemoveDegenerateTriangles(t *testing.T) {
	m := makeOctahedron()
	m.Vertices = append(m.Vertices, r3.Vector{X: 2})
	// collinear with vertices 0 and 1
	m.Triangles = append(m.Triangles, [3]int{0, 1, 6}, [3]int{2, 2, 3})
	cleaned, removed := RemoveDegenerateTriangles(m)
	test.That(t, removed, test.ShouldEqual, 2)
	test.That(t, cleaned.NumTriangles(), test.ShouldEqual, 8)
	test.That(t, m.NumTriangles(), test.ShouldEqual, 10)
}

func TestRemoveDuplicatedTriangles(t *testing.T) {
	m := makeOctahedron()
	m.Triangles = append(m.Triangles, [3]int{4, 0, 2}, [3]int{2, 0, 4})
	cleaned, removed := RemoveDuplicatedTriangles(m)
	test.That(t, removed, test.ShouldEqual, 2)
	test.That(t, cmp.Diff(cleaned.Triangles, makeOctahedron().Triangles), test.ShouldBeEmpty)
}

func TestRemoveDuplicatedVertices(t *testing.T) {
	m := makeOctahedron()
	m.Densities = []float64{1, 1, 1, 1, 1, 1, 7}
	m.Vertices = append(m.Vertices, r3.Vector{Z: 1})
	// the copy of vertex 4 replaces it in two faces
	m.Triangles[0] = [3]int{0, 2, 6}
	m.Triangles[1] = [3]int{2, 1, 6}
	// and collapses a sliver between the two copies
	m.Triangles = append(m.Triangles, [3]int{4, 6, 0})

	cleaned, merged := RemoveDuplicatedVertices(m)
	test.That(t, merged, test.ShouldEqual, 1)
	test.That(t, cleaned.NumVertices(), test.ShouldEqual, 6)
	test.That(t, cleaned.NumTriangles(), test.ShouldEqual, 8)
	test.That(t, cleaned.Densities[4], test.ShouldEqual, 7.)
	test.That(t, cleaned.Validate(), test.ShouldBeNil)

	same, merged := RemoveDuplicatedVertices(makeOctahedron())
	test.That(t, merged, test.ShouldEqual, 0)
	test.That(t, same.NumVertices(), test.ShouldEqual, 6)
}

func TestRemoveNonManifoldEdges(t *testing.T) {
	m := makeOctahedron()
	m.Vertices = append(m.Vertices, r3.Vector{X: 0.2, Y: 0.2, Z: 0.1})
	// a small fin on edge (0, 2)
	m.Triangles = append(m.Triangles, [3]int{0, 2, 6})
	cleaned, removed := RemoveNonManifoldEdges(m)
	test.That(t, removed, test.ShouldEqual, 1)
	test.That(t, cmp.Diff(cleaned.Triangles, makeOctahedron().Triangles), test.ShouldBeEmpty)
}

func TestRemoveVerticesByMask(t *testing.T) {
	m := makeOctahedron()
	m.Densities = []float64{0, 1, 2, 3, 4, 5}
	remove := make([]bool, 6)
	remove[4] = true
	trimmed := RemoveVerticesByMask(m, remove)
	test.That(t, trimmed.NumVertices(), test.ShouldEqual, 5)
	test.That(t, trimmed.NumTriangles(), test.ShouldEqual, 4)
	test.That(t, trimmed.Densities, test.ShouldResemble, []float64{0, 1, 2, 3, 5})
	for _, tri := range trimmed.Triangles {
		test.That(t, containsVertex(tri, 4), test.ShouldBeTrue)
	}
	test.That(t, trimmed.Validate(), test.ShouldBeNil)
}

func TestCleanAllDefects(t *testing.T) {
	m := makeIcosphere(2)
	base := m.NumTriangles()
	n := m.NumVertices()
	m.Vertices = append(m.Vertices, m.Vertices[0], r3.Vector{X: 5, Y: 5, Z: 5})
	m.Triangles = append(m.Triangles,
		[3]int{1, 1, 2},
		m.Triangles[3],
		[3]int{m.Triangles[5][2], m.Triangles[5][1], m.Triangles[5][0]},
	)
	m.Triangles[0][0] = n

	cleaned, stats := Clean(m, logging.NewTestLogger(t))
	test.That(t, cleaned.Validate(), test.ShouldBeNil)
	test.That(t, stats.DegenerateTriangles, test.ShouldEqual, 1)
	test.That(t, stats.DuplicatedTriangles, test.ShouldEqual, 2)
	test.That(t, stats.DuplicatedVertices, test.ShouldEqual, 1)
	test.That(t, stats.UnreferencedVertices, test.ShouldEqual, 1)
	test.That(t, cleaned.NumTriangles(), test.ShouldEqual, base)
	test.That(t, cleaned.NumVertices(), test.ShouldEqual, n)
}

func TestSimplify(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sphere := makeIcosphere(4)
	test.That(t, sphere.NumTriangles(), test.ShouldEqual, 2048)

	simple, err := Simplify(sphere, 500, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, simple.NumTriangles(), test.ShouldBeLessThanOrEqualTo, 500)
	test.That(t, simple.NumTriangles(), test.ShouldBeGreaterThan, 300)
	test.That(t, simple.Validate(), test.ShouldBeNil)
	test.That(t, sphere.NumTriangles(), test.ShouldEqual, 2048)

	// still a closed sphere: every edge has two faces and every vertex stays near the surface
	for _, tris := range simple.EdgeTriangles() {
		test.That(t, len(tris), test.ShouldEqual, 2)
	}
	for _, v := range simple.Vertices {
		test.That(t, v.Norm(), test.ShouldAlmostEqual, 1, 0.1)
	}
	test.That(t, simple.SurfaceArea(), test.ShouldAlmostEqual, sphere.SurfaceArea(), 0.1*sphere.SurfaceArea())

	same, err := Simplify(sphere, 5000, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, same.NumTriangles(), test.ShouldEqual, 2048)

	_, err = Simplify(sphere, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPLYRoundTrip(t *testing.T) {
	m := makeIcosphere(1)
	m.Densities = make([]float64, m.NumVertices())
	for i := range m.Densities {
		m.Densities[i] = float64(i) / 4
	}

	var buf bytes.Buffer
	test.That(t, ToPLY(m, &buf, PLYAscii), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldStartWith, "ply\nformat ascii 1.0\n")
	back, err := ReadPLY(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.NumVertices(), test.ShouldEqual, m.NumVertices())
	test.That(t, cmp.Diff(back.Triangles, m.Triangles), test.ShouldBeEmpty)
	test.That(t, back.HasDensities(), test.ShouldBeTrue)
	for i, v := range m.Vertices {
		test.That(t, back.Vertices[i].Distance(v), test.ShouldBeLessThan, 1e-5)
		test.That(t, back.Densities[i], test.ShouldAlmostEqual, m.Densities[i], 1e-6)
	}

	var bin bytes.Buffer
	test.That(t, ToPLY(m, &bin, PLYBinary), test.ShouldBeNil)
	header := bytes.Index(bin.Bytes(), []byte("end_header\n")) + len("end_header\n")
	test.That(t, bin.Len()-header, test.ShouldEqual, 32*m.NumVertices()+13*m.NumTriangles())

	fn := filepath.Join(t.TempDir(), "sphere.ply")
	test.That(t, WriteToFile(m, fn), test.ShouldBeNil)
	test.That(t, WriteToFile(m, filepath.Join(t.TempDir(), "sphere.obj")), test.ShouldNotBeNil)
}
