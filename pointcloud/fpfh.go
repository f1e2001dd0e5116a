package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

const (
	fpfhBinsPerFeature = 11
	// FPFHDims is the length of one FPFH descriptor: three angular features of 11 bins each.
	FPFHDims = 3 * fpfhBinsPerFeature
)

// pairFeatures returns the Darboux frame angles (theta, alpha, phi) between two oriented points and
// false when the frame is undefined.
func pairFeatures(p1, n1, p2, n2 r3.Vector) (theta, alpha, phi float64, ok bool) {
	dp2p1 := p2.Sub(p1)
	dist := dp2p1.Norm()
	if dist == 0 {
		return 0, 0, 0, false
	}
	angle1 := n1.Dot(dp2p1) / dist
	angle2 := n2.Dot(dp2p1) / dist
	// The source of the frame is the point whose normal is closer to the connecting line.
	if math.Acos(math.Abs(angle1)) > math.Acos(math.Abs(angle2)) {
		n1, n2 = n2, n1
		dp2p1 = dp2p1.Mul(-1)
		phi = -angle2
	} else {
		phi = angle1
	}
	v := dp2p1.Cross(n1)
	vNorm := v.Norm()
	if vNorm == 0 {
		return 0, 0, 0, false
	}
	v = v.Mul(1 / vNorm)
	w := n1.Cross(v)
	alpha = v.Dot(n2)
	theta = math.Atan2(w.Dot(n2), n1.Dot(n2))
	return theta, alpha, phi, true
}

func histogramBin(value, lo, hi float64) int {
	bin := int(math.Floor(fpfhBinsPerFeature * (value - lo) / (hi - lo)))
	if bin < 0 {
		return 0
	}
	if bin >= fpfhBinsPerFeature {
		return fpfhBinsPerFeature - 1
	}
	return bin
}

// ComputeFPFH returns one Fast Point Feature Histogram per point, using at most maxNN neighbors
// within radius. The cloud must carry normals.
func ComputeFPFH(pc *PointCloud, radius float64, maxNN int) ([][]float64, error) {
	if !pc.HasNormals() {
		return nil, errors.New("FPFH needs a cloud with normals")
	}
	if !(radius > 0) || maxNN <= 0 {
		return nil, errors.Errorf("FPFH needs a positive radius and neighbor count, got %v and %d", radius, maxNN)
	}
	tree := NewCloudKDTree(pc)
	neighborhoods := make([][]Neighbor, pc.Size())
	spfh := make([][]float64, pc.Size())
	if err := forEachBatch(pc, func(i int, p r3.Vector) {
		neighbors := tree.HybridSearch(p, radius, maxNN)
		neighborhoods[i] = neighbors
		spfh[i] = simplifiedPFH(pc, i, neighbors)
	}); err != nil {
		return nil, err
	}

	features := make([][]float64, pc.Size())
	if err := forEachBatch(pc, func(i int, p r3.Vector) {
		feature := make([]float64, FPFHDims)
		var sums [3]float64
		for _, nb := range neighborhoods[i] {
			if nb.Index == i {
				continue
			}
			dist2 := nb.Distance * nb.Distance
			if dist2 == 0 {
				continue
			}
			for j, h := range spfh[nb.Index] {
				val := h / dist2
				sums[j/fpfhBinsPerFeature] += val
				feature[j] += val
			}
		}
		for j := range sums {
			if sums[j] != 0 {
				sums[j] = 100 / sums[j]
			}
		}
		for j := range feature {
			feature[j] = feature[j]*sums[j/fpfhBinsPerFeature] + spfh[i][j]
		}
		features[i] = feature
	}); err != nil {
		return nil, err
	}
	return features, nil
}

// simplifiedPFH histograms the pair features between point i and each of its neighbors. Each of
// the three histograms sums to 100.
func simplifiedPFH(pc *PointCloud, i int, neighbors []Neighbor) []float64 {
	hist := make([]float64, FPFHDims)
	others := 0
	for _, nb := range neighbors {
		if nb.Index != i {
			others++
		}
	}
	if others == 0 {
		return hist
	}
	incr := 100 / float64(others)
	p1, n1 := pc.points[i], pc.normals[i]
	for _, nb := range neighbors {
		if nb.Index == i {
			continue
		}
		theta, alpha, phi, ok := pairFeatures(p1, n1, pc.points[nb.Index], pc.normals[nb.Index])
		if !ok {
			theta, alpha, phi = 0, 0, 0
		}
		hist[histogramBin(theta, -math.Pi, math.Pi)] += incr
		hist[fpfhBinsPerFeature+histogramBin(alpha, -1, 1)] += incr
		hist[2*fpfhBinsPerFeature+histogramBin(phi, -1, 1)] += incr
	}
	return hist
}
