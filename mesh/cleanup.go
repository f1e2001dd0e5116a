package mesh

import (
	"sort"

	"github.com/golang/geo/r3"

	"go.viam.com/reconstruct/logging"
)

// CleanStats counts what each cleanup pass removed.
type CleanStats struct {
	DegenerateTriangles    int
	DuplicatedTriangles    int
	DuplicatedVertices     int
	NonManifoldTriangles   int
	UnreferencedVertices   int
	CollapsedByVertexMerge int
}

// Clean removes degenerate triangles, duplicated triangles, duplicated vertices and non-manifold
// edges, in that order, then drops vertices no triangle uses. The input is not modified.
func Clean(m *Mesh, logger logging.Logger) (*Mesh, CleanStats) {
	var stats CleanStats
	m, stats.DegenerateTriangles = RemoveDegenerateTriangles(m)
	m, stats.DuplicatedTriangles = RemoveDuplicatedTriangles(m)
	before := len(m.Triangles)
	m, stats.DuplicatedVertices = RemoveDuplicatedVertices(m)
	stats.CollapsedByVertexMerge = before - len(m.Triangles)
	m, stats.NonManifoldTriangles = RemoveNonManifoldEdges(m)
	m, stats.UnreferencedVertices = RemoveUnreferencedVertices(m)
	logger.Debugw("cleaned mesh", "degenerate", stats.DegenerateTriangles, "duplicated_triangles", stats.DuplicatedTriangles,
		"duplicated_vertices", stats.DuplicatedVertices, "collapsed", stats.CollapsedByVertexMerge,
		"non_manifold", stats.NonManifoldTriangles, "unreferenced", stats.UnreferencedVertices, "result", m.String())
	return m, stats
}

// withTriangles returns a mesh sharing m's vertices with a new triangle list.
func (m *Mesh) withTriangles(triangles [][3]int) *Mesh {
	return &Mesh{Vertices: m.Vertices, Densities: m.Densities, Triangles: triangles}
}

// RemoveDegenerateTriangles drops triangles with a repeated corner or zero area.
func RemoveDegenerateTriangles(m *Mesh) (*Mesh, int) {
	kept := make([][3]int, 0, len(m.Triangles))
	for _, tri := range m.Triangles {
		if !isDegenerate(m.Vertices, tri) {
			kept = append(kept, tri)
		}
	}
	return m.withTriangles(kept), len(m.Triangles) - len(kept)
}

// RemoveDuplicatedTriangles keeps the first of every set of triangles over the same three
// vertices, whatever their winding.
func RemoveDuplicatedTriangles(m *Mesh) (*Mesh, int) {
	kept := dedupTriangles(m.Triangles)
	return m.withTriangles(kept), len(m.Triangles) - len(kept)
}

func dedupTriangles(triangles [][3]int) [][3]int {
	seen := make(map[[3]int]struct{}, len(triangles))
	kept := make([][3]int, 0, len(triangles))
	for _, tri := range triangles {
		key := triangleKey(tri)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, tri)
	}
	return kept
}

// RemoveDuplicatedVertices merges vertices at identical positions into the first of them and
// rewrites the triangles. Triangles that collapse or become duplicates in the merge are dropped.
// Merged densities take the largest of the group.
func RemoveDuplicatedVertices(m *Mesh) (*Mesh, int) {
	first := make(map[r3.Vector]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	vertices := make([]r3.Vector, 0, len(m.Vertices))
	var densities []float64
	if m.Densities != nil {
		densities = make([]float64, 0, len(m.Vertices))
	}
	for i, v := range m.Vertices {
		if j, ok := first[v]; ok {
			remap[i] = j
			if densities != nil && m.Densities[i] > densities[j] {
				densities[j] = m.Densities[i]
			}
			continue
		}
		j := len(vertices)
		first[v] = j
		remap[i] = j
		vertices = append(vertices, v)
		if densities != nil {
			densities = append(densities, m.Densities[i])
		}
	}
	merged := len(m.Vertices) - len(vertices)
	if merged == 0 {
		return m, 0
	}

	triangles := make([][3]int, 0, len(m.Triangles))
	for _, tri := range m.Triangles {
		tri = [3]int{remap[tri[0]], remap[tri[1]], remap[tri[2]]}
		if tri[0] == tri[1] || tri[1] == tri[2] || tri[2] == tri[0] {
			continue
		}
		triangles = append(triangles, tri)
	}
	return &Mesh{Vertices: vertices, Densities: densities, Triangles: dedupTriangles(triangles)}, merged
}

// RemoveNonManifoldEdges drops, for every edge shared by more than two triangles, the smallest
// triangles until two remain.
func RemoveNonManifoldEdges(m *Mesh) (*Mesh, int) {
	edgeTris := m.EdgeTriangles()
	bad := make([]Edge, 0)
	for e, tris := range edgeTris {
		if len(tris) > 2 {
			bad = append(bad, e)
		}
	}
	if len(bad) == 0 {
		return m, 0
	}
	// map iteration order is random; sort so the result is reproducible
	sort.Slice(bad, func(i, j int) bool {
		if bad[i].A != bad[j].A {
			return bad[i].A < bad[j].A
		}
		return bad[i].B < bad[j].B
	})

	removed := make([]bool, len(m.Triangles))
	for _, e := range bad {
		var alive []int
		for _, t := range edgeTris[e] {
			if !removed[t] {
				alive = append(alive, t)
			}
		}
		if len(alive) <= 2 {
			continue
		}
		sort.SliceStable(alive, func(i, j int) bool { return m.TriangleArea(alive[i]) < m.TriangleArea(alive[j]) })
		for _, t := range alive[:len(alive)-2] {
			removed[t] = true
		}
	}

	kept := make([][3]int, 0, len(m.Triangles))
	for i, tri := range m.Triangles {
		if !removed[i] {
			kept = append(kept, tri)
		}
	}
	return m.withTriangles(kept), len(m.Triangles) - len(kept)
}

// RemoveVerticesByMask drops every vertex i with remove[i] set, along with the triangles that use
// it, and reindexes the rest.
func RemoveVerticesByMask(m *Mesh, remove []bool) *Mesh {
	remap := make([]int, len(m.Vertices))
	vertices := make([]r3.Vector, 0, len(m.Vertices))
	var densities []float64
	if m.Densities != nil {
		densities = make([]float64, 0, len(m.Vertices))
	}
	for i, v := range m.Vertices {
		if i < len(remove) && remove[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(vertices)
		vertices = append(vertices, v)
		if densities != nil {
			densities = append(densities, m.Densities[i])
		}
	}
	triangles := make([][3]int, 0, len(m.Triangles))
	for _, tri := range m.Triangles {
		a, b, c := remap[tri[0]], remap[tri[1]], remap[tri[2]]
		if a < 0 || b < 0 || c < 0 {
			continue
		}
		triangles = append(triangles, [3]int{a, b, c})
	}
	return &Mesh{Vertices: vertices, Densities: densities, Triangles: triangles}
}

// RemoveUnreferencedVertices drops vertices that no triangle uses.
func RemoveUnreferencedVertices(m *Mesh) (*Mesh, int) {
	used := make([]bool, len(m.Vertices))
	for _, tri := range m.Triangles {
		used[tri[0]], used[tri[1]], used[tri[2]] = true, true, true
	}
	remove := make([]bool, len(m.Vertices))
	count := 0
	for i, u := range used {
		if !u {
			remove[i] = true
			count++
		}
	}
	if count == 0 {
		return m, 0
	}
	return RemoveVerticesByMask(m, remove), count
}
