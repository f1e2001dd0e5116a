package pointcloud

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// StatisticalOutlierFilter removes points whose mean distance to their k nearest neighbors is
// more than stdRatio standard deviations above the cloud wide mean of that quantity.
type StatisticalOutlierFilter struct {
	MeanK    int
	StdRatio float64
}

// NewStatisticalOutlierFilter validates the parameters of a filter.
func NewStatisticalOutlierFilter(meanK int, stdRatio float64) (StatisticalOutlierFilter, error) {
	if meanK <= 0 {
		return StatisticalOutlierFilter{}, errors.Errorf("argument meanK must be a positive int, got %d", meanK)
	}
	if stdRatio <= 0 {
		return StatisticalOutlierFilter{}, errors.Errorf("argument stdRatio must be a positive number, got %.2f", stdRatio)
	}
	return StatisticalOutlierFilter{MeanK: meanK, StdRatio: stdRatio}, nil
}

// Filter returns the surviving cloud and the indices of the kept points in the input, in input
// order. A point is not its own neighbor.
func (f StatisticalOutlierFilter) Filter(pc *PointCloud) (*PointCloud, []int) {
	n := pc.Size()
	if n < 2 {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return pc, indices
	}

	tree := NewCloudKDTree(pc)
	avgDists := make([]float64, n)
	pc.Iterate(0, 0, func(i int, p r3.Vector) bool {
		neighbors := tree.KNearest(p, f.MeanK+1)
		var sum float64
		count := 0
		for _, nb := range neighbors {
			if nb.Index == i {
				continue
			}
			if count == f.MeanK {
				break
			}
			sum += nb.Distance
			count++
		}
		if count > 0 {
			avgDists[i] = sum / float64(count)
		}
		return true
	})

	mean, std := stat.MeanStdDev(avgDists, nil)
	threshold := mean + f.StdRatio*std
	kept := make([]int, 0, n)
	for i, d := range avgDists {
		if d <= threshold {
			kept = append(kept, i)
		}
	}
	return pc.Select(kept), kept
}

// RemoveStatisticalOutliers is a shorthand for constructing a filter and applying it once.
func RemoveStatisticalOutliers(pc *PointCloud, meanK int, stdRatio float64) (*PointCloud, error) {
	filter, err := NewStatisticalOutlierFilter(meanK, stdRatio)
	if err != nil {
		return nil, err
	}
	filtered, _ := filter.Filter(pc)
	return filtered, nil
}
