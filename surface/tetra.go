package surface

import (
	"github.com/golang/geo/r3"
)

// edgeSnap keeps interpolated vertices off the grid nodes, so that two crossings never share a
// position.
const edgeSnap = 1e-3

// kuhnTetrahedra splits a cell into six tetrahedra around its main diagonal. Corners are numbered
// by their offset bits x | y<<1 | z<<2. Neighboring cells agree on the diagonal of every shared
// face, so the extracted surface has no cracks.
var kuhnTetrahedra = [6][4]int{
	{0, 1, 3, 7},
	{0, 1, 5, 7},
	{0, 2, 3, 7},
	{0, 2, 6, 7},
	{0, 4, 5, 7},
	{0, 4, 6, 7},
}

// isoExtractor collects the triangles of one iso-surface, sharing a vertex between every pair of
// tetrahedra that cut the same grid edge.
type isoExtractor struct {
	g      grid
	values []float64
	iso    float64

	edgeVertex map[[2]int]int
	vertices   []r3.Vector
	triangles  [][3]int
}

// extractIsoSurface runs marching tetrahedra over every cell of g. Nodes below iso are inside.
// Triangles wind counter clockwise when seen from the outside.
func extractIsoSurface(g grid, values []float64, iso float64) ([]r3.Vector, [][3]int) {
	ex := &isoExtractor{g: g, values: values, iso: iso, edgeVertex: make(map[[2]int]int)}
	var corners [8]int
	for k := 0; k < g.n; k++ {
		for j := 0; j < g.n; j++ {
			for i := 0; i < g.n; i++ {
				anyInside, anyOutside := false, false
				for c := range corners {
					corners[c] = g.index(i+(c&1), j+((c>>1)&1), k+((c>>2)&1))
					if values[corners[c]] < iso {
						anyInside = true
					} else {
						anyOutside = true
					}
				}
				if !anyInside || !anyOutside {
					continue
				}
				for _, tet := range kuhnTetrahedra {
					ex.tetrahedron([4]int{corners[tet[0]], corners[tet[1]], corners[tet[2]], corners[tet[3]]})
				}
			}
		}
	}
	return ex.vertices, ex.triangles
}

func (ex *isoExtractor) tetrahedron(nodes [4]int) {
	var inside, outside []int
	for _, n := range nodes {
		if ex.values[n] < ex.iso {
			inside = append(inside, n)
		} else {
			outside = append(outside, n)
		}
	}
	switch len(inside) {
	case 1:
		a := inside[0]
		ex.emit(ex.crossing(a, outside[0]), ex.crossing(a, outside[1]), ex.crossing(a, outside[2]), inside, outside)
	case 3:
		a := outside[0]
		ex.emit(ex.crossing(inside[0], a), ex.crossing(inside[1], a), ex.crossing(inside[2], a), inside, outside)
	case 2:
		a, b := inside[0], inside[1]
		c, d := outside[0], outside[1]
		ac, ad, bd, bc := ex.crossing(a, c), ex.crossing(a, d), ex.crossing(b, d), ex.crossing(b, c)
		ex.emit(ac, ad, bd, inside, outside)
		ex.emit(ac, bd, bc, inside, outside)
	default:
	}
}

// crossing returns the vertex where the iso-surface cuts the edge between nodes a and b.
func (ex *isoExtractor) crossing(a, b int) int {
	key := [2]int{a, b}
	if a > b {
		key = [2]int{b, a}
	}
	if v, ok := ex.edgeVertex[key]; ok {
		return v
	}
	va, vb := ex.values[key[0]], ex.values[key[1]]
	t := 0.5
	if vb != va {
		t = (ex.iso - va) / (vb - va)
	}
	t = max(edgeSnap, min(1-edgeSnap, t))
	pa, pb := ex.nodePosition(key[0]), ex.nodePosition(key[1])
	ex.vertices = append(ex.vertices, pa.Add(pb.Sub(pa).Mul(t)))
	v := len(ex.vertices) - 1
	ex.edgeVertex[key] = v
	return v
}

func (ex *isoExtractor) nodePosition(idx int) r3.Vector {
	s := ex.g.n + 1
	return ex.g.position(idx%s, (idx/s)%s, idx/(s*s))
}

// emit appends a triangle, flipped if needed so its normal points from the inside nodes to the
// outside ones.
func (ex *isoExtractor) emit(a, b, c int, inside, outside []int) {
	var in, out r3.Vector
	for _, n := range inside {
		in = in.Add(ex.nodePosition(n))
	}
	for _, n := range outside {
		out = out.Add(ex.nodePosition(n))
	}
	dir := out.Mul(1 / float64(len(outside))).Sub(in.Mul(1 / float64(len(inside))))
	pa, pb, pc := ex.vertices[a], ex.vertices[b], ex.vertices[c]
	if pb.Sub(pa).Cross(pc.Sub(pa)).Dot(dir) < 0 {
		b, c = c, b
	}
	ex.triangles = append(ex.triangles, [3]int{a, b, c})
}
