package surface

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"go.viam.com/reconstruct/pointcloud"
)

const (
	// minResolution is the coarsest grid solved; warm starts stop here.
	minResolution = 8
	// minMarginCells keeps the Dirichlet boundary this many cells away from the samples.
	minMarginCells = 3
)

// grid is a cube of (n+1)^3 nodes spaced h apart, starting at origin.
type grid struct {
	n      int
	origin r3.Vector
	h      float64
}

// newGrid fits a cube with n cells per side around bounds, scaled by scale and padded so that at
// least minMarginCells lie between the samples and the boundary.
func newGrid(meta pointcloud.MetaData, n int, scale float64) grid {
	extent := meta.Extent()
	largest := math.Max(extent.X, math.Max(extent.Y, extent.Z))
	side := largest * scale
	if margin := float64(2*minMarginCells) / float64(n); (side-largest)/side < margin {
		side = largest / (1 - margin)
	}
	center := meta.Min().Add(meta.Max()).Mul(0.5)
	half := side / 2
	return grid{
		n:      n,
		origin: center.Sub(r3.Vector{X: half, Y: half, Z: half}),
		h:      side / float64(n),
	}
}

// coarser returns the grid over the same cube with half the cells.
func (g grid) coarser() grid {
	return grid{n: g.n / 2, origin: g.origin, h: g.h * 2}
}

func (g grid) nodes() int {
	s := g.n + 1
	return s * s * s
}

func (g grid) index(i, j, k int) int {
	s := g.n + 1
	return (k*s+j)*s + i
}

func (g grid) position(i, j, k int) r3.Vector {
	return g.origin.Add(r3.Vector{X: float64(i), Y: float64(j), Z: float64(k)}.Mul(g.h))
}

func (g grid) interior(i, j, k int) bool {
	return i > 0 && j > 0 && k > 0 && i < g.n && j < g.n && k < g.n
}

// corner locates p: the node at the low corner of its cell and the fractional offsets inside it.
func (g grid) corner(p r3.Vector) (i, j, k int, fx, fy, fz float64) {
	u := p.Sub(g.origin).Mul(1 / g.h)
	cell := func(v float64) (int, float64) {
		c := int(math.Floor(v))
		if c < 0 {
			c = 0
		}
		if c > g.n-1 {
			c = g.n - 1
		}
		return c, math.Max(0, math.Min(1, v-float64(c)))
	}
	i, fx = cell(u.X)
	j, fy = cell(u.Y)
	k, fz = cell(u.Z)
	return i, j, k, fx, fy, fz
}

// trilinear calls fn for the eight nodes around p with their interpolation weights.
func (g grid) trilinear(p r3.Vector, fn func(idx int, w float64)) {
	i, j, k, fx, fy, fz := g.corner(p)
	for c := 0; c < 8; c++ {
		dx, dy, dz := c&1, (c>>1)&1, (c>>2)&1
		w := lerpWeight(fx, dx) * lerpWeight(fy, dy) * lerpWeight(fz, dz)
		if w == 0 {
			continue
		}
		fn(g.index(i+dx, j+dy, k+dz), w)
	}
}

func lerpWeight(f float64, side int) float64 {
	if side == 1 {
		return f
	}
	return 1 - f
}

// sample interpolates a node field at p.
func (g grid) sample(field []float64, p r3.Vector) float64 {
	var v float64
	g.trilinear(p, func(idx int, w float64) { v += w * field[idx] })
	return v
}

// splat spreads the oriented samples onto the nodes as a normal field density per unit volume.
func (g grid) splat(pc *pointcloud.PointCloud) (vx, vy, vz []float64) {
	size := g.nodes()
	vx, vy, vz = make([]float64, size), make([]float64, size), make([]float64, size)
	normals := pc.Normals()
	for i, p := range pc.Points() {
		n := normals[i]
		g.trilinear(p, func(idx int, w float64) {
			vx[idx] += w * n.X
			vy[idx] += w * n.Y
			vz[idx] += w * n.Z
		})
	}
	invVolume := 1 / (g.h * g.h * g.h)
	floats.Scale(invVolume, vx)
	floats.Scale(invVolume, vy)
	floats.Scale(invVolume, vz)
	return vx, vy, vz
}

// rhs returns h^2 times the negated divergence of the normal field at every interior node, the
// right hand side of the scaled system A x = b with A the negated 7 point Laplacian.
func (g grid) rhs(vx, vy, vz []float64) []float64 {
	b := make([]float64, g.nodes())
	s := 1
	sy := g.n + 1
	sz := sy * sy
	for k := 1; k < g.n; k++ {
		for j := 1; j < g.n; j++ {
			for i := 1; i < g.n; i++ {
				idx := g.index(i, j, k)
				div := (vx[idx+s] - vx[idx-s] + vy[idx+sy] - vy[idx-sy] + vz[idx+sz] - vz[idx-sz]) / (2 * g.h)
				b[idx] = -g.h * g.h * div
			}
		}
	}
	return b
}

// applyLaplacian writes A x into out. Boundary nodes are fixed at zero.
func (g grid) applyLaplacian(x, out []float64) {
	sy := g.n + 1
	sz := sy * sy
	for idx := range out {
		out[idx] = 0
	}
	for k := 1; k < g.n; k++ {
		for j := 1; j < g.n; j++ {
			for i := 1; i < g.n; i++ {
				idx := g.index(i, j, k)
				sum := 0.
				if i > 1 {
					sum += x[idx-1]
				}
				if i < g.n-1 {
					sum += x[idx+1]
				}
				if j > 1 {
					sum += x[idx-sy]
				}
				if j < g.n-1 {
					sum += x[idx+sy]
				}
				if k > 1 {
					sum += x[idx-sz]
				}
				if k < g.n-1 {
					sum += x[idx+sz]
				}
				out[idx] = 6*x[idx] - sum
			}
		}
	}
}

// conjugateGradient solves A x = b in place from the initial x and returns the iterations used and
// the final relative residual.
func (g grid) conjugateGradient(x, b []float64, maxIterations int, tolerance float64) (int, float64) {
	bNorm := floats.Norm(b, 2)
	if bNorm == 0 {
		for i := range x {
			x[i] = 0
		}
		return 0, 0
	}
	size := len(x)
	r := make([]float64, size)
	ap := make([]float64, size)
	g.applyLaplacian(x, ap)
	floats.SubTo(r, b, ap)
	p := append([]float64(nil), r...)
	rs := floats.Dot(r, r)

	it := 0
	for ; it < maxIterations && math.Sqrt(rs) > tolerance*bNorm; it++ {
		g.applyLaplacian(p, ap)
		pAp := floats.Dot(p, ap)
		if pAp <= 0 {
			break
		}
		alpha := rs / pAp
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		rsNew := floats.Dot(r, r)
		floats.AddScaledTo(p, r, rsNew/rs, p)
		rs = rsNew
	}
	return it, math.Sqrt(rs) / bNorm
}

// prolong interpolates a solution on the coarser grid onto g.
func (g grid) prolong(coarse grid, x []float64) []float64 {
	out := make([]float64, g.nodes())
	for k := 1; k < g.n; k++ {
		for j := 1; j < g.n; j++ {
			for i := 1; i < g.n; i++ {
				out[g.index(i, j, k)] = coarse.sample(x, g.position(i, j, k))
			}
		}
	}
	return out
}

// solveStats describes one level of the Poisson solve.
type solveStats struct {
	resolution int
	iterations int
	residual   float64
}

// solvePoisson returns the implicit function on g's nodes, warm started from a solve on a grid
// with half the resolution while the resolution stays even and above minResolution.
func solvePoisson(g grid, pc *pointcloud.PointCloud, cfg Config) ([]float64, []solveStats) {
	vx, vy, vz := g.splat(pc)
	b := g.rhs(vx, vy, vz)

	var x []float64
	var stats []solveStats
	if g.n%2 == 0 && g.n/2 >= minResolution {
		coarse := g.coarser()
		coarseX, coarseStats := solvePoisson(coarse, pc, cfg)
		x = g.prolong(coarse, coarseX)
		stats = coarseStats
	} else {
		x = make([]float64, g.nodes())
	}
	it, residual := g.conjugateGradient(x, b, cfg.SolverIterations, cfg.SolverTolerance)
	return x, append(stats, solveStats{resolution: g.n, iterations: it, residual: residual})
}
