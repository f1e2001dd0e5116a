// Package surface turns an oriented point cloud into a triangle mesh. It solves a Poisson problem
// for an implicit indicator of the sampled solid on a regular grid, extracts its iso-surface with
// marching tetrahedra, trims the poorly supported parts and cleans the result.
package surface

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/mesh"
	"go.viam.com/reconstruct/pointcloud"
	"go.viam.com/reconstruct/utils"
)

// ErrReconstructionFailed is returned when no mesh can be produced from a cloud.
var ErrReconstructionFailed = errors.New("surface reconstruction failed")

const (
	// normalMaxNN caps the neighborhood used to estimate missing normals.
	normalMaxNN = 30
	// densityNeighbors is the number of samples whose enclosing ball sizes the density of a vertex.
	densityNeighbors = 8
)

// Result is a reconstructed surface.
type Result struct {
	// Mesh is the trimmed, cleaned, full resolution surface with per-vertex densities.
	Mesh *mesh.Mesh
	// Simplified is the decimated preview, or nil when Config.SimplifyTriangles is zero.
	Simplified *mesh.Mesh

	Depth      int
	Resolution int
	IsoValue   float64
	// TrimThreshold is the density below which vertices were removed.
	TrimThreshold float64
	// Trimmed counts the vertices removed by the density trim.
	Trimmed int
	Cleanup mesh.CleanStats
}

// PointDensity returns the number of points per unit volume of the bounding box. A flat cloud has
// infinite density.
func PointDensity(pc *pointcloud.PointCloud) float64 {
	extent := pc.MetaData().Extent()
	volume := extent.X * extent.Y * extent.Z
	if !(volume > 0) {
		return math.Inf(1)
	}
	return float64(pc.Size()) / volume
}

// SelectDepth maps a point density to a reconstruction depth, clamp(floor(log2(density) +
// offset), min, max). Denser clouds get deeper reconstructions.
func SelectDepth(density float64, cfg Config) int {
	if math.IsNaN(density) || density <= 0 {
		return cfg.MinDepth
	}
	if math.IsInf(density, 1) {
		return cfg.MaxDepth
	}
	depth := math.Floor(math.Log2(density) + cfg.DepthOffset)
	return int(utils.ClampFloat(depth, float64(cfg.MinDepth), float64(cfg.MaxDepth)))
}

// Resolution returns the cells per side of the solve grid for a depth. MaxDepth solves at
// MaxResolution and every shallower depth halves it, never finer than 2^depth nor coarser than the
// coarsest warm start grid.
func Resolution(depth int, cfg Config) int {
	shift := max(cfg.MaxDepth-depth, 0)
	if shift >= 30 {
		return minResolution
	}
	res := cfg.MaxResolution >> shift
	if depth < 30 {
		res = min(res, 1<<max(depth, 0))
	}
	return max(res, minResolution)
}

// Reconstruct builds a mesh from cloud. Normals are estimated and oriented when the cloud has none.
// The lowest cfg.TrimQuantile of vertices by density are removed, then the mesh is cleaned of
// degenerate triangles, duplicated triangles, duplicated vertices and non-manifold edges, in that
// order. Input that is too small or has no extent, or a surface that vanishes in cleanup, returns an error wrapping
// ErrReconstructionFailed.
func Reconstruct(cloud *pointcloud.PointCloud, cfg Config, logger logging.Logger) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid surface config")
	}
	if cloud == nil || cloud.Size() < cfg.MinPoints {
		size := 0
		if cloud != nil {
			size = cloud.Size()
		}
		return nil, errors.Wrapf(ErrReconstructionFailed, "need at least %d points, got %d", cfg.MinPoints, size)
	}
	extent := cloud.MetaData().Extent()
	if !(math.Max(extent.X, math.Max(extent.Y, extent.Z)) > 0) {
		return nil, errors.Wrap(ErrReconstructionFailed, "cloud has no extent")
	}

	cloud, err := ensureNormals(cloud, cfg)
	if err != nil {
		return nil, errors.Wrapf(ErrReconstructionFailed, "estimating normals: %v", err)
	}

	depth := SelectDepth(PointDensity(cloud), cfg)
	res := &Result{Depth: depth, Resolution: Resolution(depth, cfg)}
	g := newGrid(cloud.MetaData(), res.Resolution, cfg.Scale)

	chi, levels := solvePoisson(g, cloud, cfg)
	for _, level := range levels {
		logger.Debugw("poisson solve", "resolution", level.resolution, "iterations", level.iterations,
			"residual", level.residual)
	}
	for _, v := range chi {
		if !utils.IsFinite(v) {
			return nil, errors.Wrap(ErrReconstructionFailed, "implicit function is not finite")
		}
	}

	atSamples := make([]float64, cloud.Size())
	for i, p := range cloud.Points() {
		atSamples[i] = g.sample(chi, p)
	}
	res.IsoValue = stat.Mean(atSamples, nil)

	vertices, triangles := extractIsoSurface(g, chi, res.IsoValue)
	if len(triangles) == 0 {
		return nil, errors.Wrap(ErrReconstructionFailed, "iso-surface is empty")
	}
	densities := sampleDensity(cloud, vertices, 1e-3*g.h)
	surface, err := mesh.New(vertices, densities, triangles)
	if err != nil {
		return nil, errors.Wrap(err, "assembling iso-surface")
	}
	raw := surface.String()

	if cfg.TrimQuantile > 0 {
		res.TrimThreshold, err = stats.Percentile(densities, 100*cfg.TrimQuantile)
		if err != nil {
			logger.Warnw("cannot compute density threshold, not trimming", "error", err)
		} else {
			remove := make([]bool, len(densities))
			for i, d := range densities {
				remove[i] = d < res.TrimThreshold
				if remove[i] {
					res.Trimmed++
				}
			}
			surface = mesh.RemoveVerticesByMask(surface, remove)
		}
	}

	surface, res.Cleanup = mesh.Clean(surface, logger)
	if surface.NumTriangles() == 0 {
		return nil, errors.Wrap(ErrReconstructionFailed, "no triangles left after cleanup")
	}
	res.Mesh = surface

	if cfg.SimplifyTriangles > 0 {
		res.Simplified, err = mesh.Simplify(surface, cfg.SimplifyTriangles, logger.Sublogger("simplify"))
		if err != nil {
			logger.Warnw("cannot simplify mesh", "error", err)
		}
	}

	logger.Infow("reconstructed surface", "points", cloud.Size(), "depth", depth, "resolution", res.Resolution,
		"raw", raw, "trimmed", res.Trimmed, "result", surface.String())
	return res, nil
}

// ensureNormals returns cloud unchanged when it has normals, and otherwise estimates them over
// 2x a voxel of cfg.NormalVoxelFraction of the diameter and orients them consistently.
func ensureNormals(cloud *pointcloud.PointCloud, cfg Config) (*pointcloud.PointCloud, error) {
	if cloud.HasNormals() {
		return cloud, nil
	}
	voxel := cfg.NormalVoxelFraction * cloud.Diameter()
	withNormals, err := pointcloud.EstimateNormals(cloud, 2*voxel, normalMaxNN)
	if err != nil {
		return nil, err
	}
	return pointcloud.OrientNormalsConsistentTangentPlane(withNormals, cfg.OrientNeighbors)
}

// sampleDensity returns, for every vertex, the samples per unit volume of the smallest ball around
// it that holds densityNeighbors samples. It is positive everywhere and falls off with the distance
// to the samples. Radii are floored at minRadius.
func sampleDensity(cloud *pointcloud.PointCloud, vertices []r3.Vector, minRadius float64) []float64 {
	tree := pointcloud.NewCloudKDTree(cloud)
	k := min(densityNeighbors, cloud.Size())
	densities := make([]float64, len(vertices))
	for i, v := range vertices {
		found := tree.KNearest(v, k)
		r := math.Max(found[len(found)-1].Distance, minRadius)
		densities[i] = float64(len(found)) / (4. / 3 * math.Pi * r * r * r)
	}
	return densities
}
