package pointcloud

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"
)

func randomPoints(rng *rand.Rand, n int) []r3.Vector {
	points := make([]r3.Vector, n)
	for i := range points {
		points[i] = r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	return points
}

func bruteForce(points []r3.Vector, q r3.Vector) []Neighbor {
	out := make([]Neighbor, len(points))
	for i, p := range points {
		out[i] = Neighbor{Index: i, Distance: p.Sub(q).Norm()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

func neighborIndices(neighbors []Neighbor) []int {
	out := make([]int, len(neighbors))
	for i, n := range neighbors {
		out[i] = n.Index
	}
	return out
}

func TestKDTreeMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	points := randomPoints(rng, 2000)
	tree := NewKDTree(points)
	test.That(t, tree.Size(), test.ShouldEqual, 2000)

	for q := 0; q < 50; q++ {
		query := r3.Vector{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
		expected := bruteForce(points, query)

		knn := tree.KNearest(query, 8)
		test.That(t, cmp.Diff(neighborIndices(expected[:8]), neighborIndices(knn)), test.ShouldBeEmpty)
		test.That(t, knn[0].Distance, test.ShouldAlmostEqual, expected[0].Distance)

		nearest, ok := tree.Nearest(query)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, nearest.Index, test.ShouldEqual, expected[0].Index)

		radius := 0.1
		var within []Neighbor
		for _, n := range expected {
			if n.Distance <= radius {
				within = append(within, n)
			}
		}
		found := tree.RadiusSearch(query, radius)
		test.That(t, cmp.Diff(neighborIndices(within), neighborIndices(found)), test.ShouldBeEmpty)

		hybrid := tree.HybridSearch(query, radius, 5)
		if len(within) > 5 {
			within = within[:5]
		}
		test.That(t, cmp.Diff(neighborIndices(within), neighborIndices(hybrid)), test.ShouldBeEmpty)
	}
}

func TestKDTreeSmall(t *testing.T) {
	empty := NewKDTree(nil)
	_, ok := empty.Nearest(r3.Vector{})
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, empty.KNearest(r3.Vector{}, 3), test.ShouldBeEmpty)

	tree := NewCloudKDTree(MakeTestPointCloud())
	// asking for more neighbors than points returns all of them
	found := tree.KNearest(r3.Vector{X: 0.9}, 10)
	test.That(t, neighborIndices(found), test.ShouldResemble, []int{1, 0, 2})
}

func TestFeatureTree(t *testing.T) {
	features := [][]float64{
		{0, 0, 0, 0},
		{1, 1, 1, 1},
		{5, 0, 0, 5},
	}
	tree := NewFeatureTree(features)
	found := tree.KNearest([]float64{0.9, 1, 1.2, 1}, 2)
	test.That(t, neighborIndices(found), test.ShouldResemble, []int{1, 0})
}
