// Package rimage turns depth maps and color images into point clouds.
package rimage

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// DepthMap is a dense grid of raw depth samples, stored row major. A zero sample means no reading.
type DepthMap struct {
	width  int
	height int

	data []float64
}

// NewEmptyDepthMap returns a width x height depth map with no readings.
func NewEmptyDepthMap(width, height int) *DepthMap {
	return &DepthMap{
		width:  width,
		height: height,
		data:   make([]float64, width*height),
	}
}

// NewDepthMapFromSlice wraps row-major depth samples without copying them.
func NewDepthMapFromSlice(width, height int, data []float64) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("bad width or height for depth map %d %d", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("depth map of size %dx%d needs %d samples, got %d", width, height, width*height, len(data))
	}
	return &DepthMap{width: width, height: height, data: data}, nil
}

// ConvertImageToDepthMap reads raw depth units from the luminance of a grayscale image.
// 16 bit images keep their full precision.
func ConvertImageToDepthMap(img image.Image) (*DepthMap, error) {
	if img == nil {
		return nil, errors.New("input image is nil")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("input image is empty")
	}
	dm := NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
	switch typed := img.(type) {
	case *image.Gray16:
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, float64(typed.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
	case *image.Gray:
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				dm.Set(x, y, float64(typed.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
			}
		}
	default:
		for y := 0; y < dm.height; y++ {
			for x := 0; x < dm.width; x++ {
				c, ok := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				if !ok {
					return nil, errors.Errorf("cannot convert pixel (%d, %d) to 16 bit gray", x, y)
				}
				dm.Set(x, y, float64(c.Y))
			}
		}
	}
	return dm, nil
}

// ReadDepthMap decodes a 16 bit grayscale png of raw depth units.
func ReadDepthMap(fn string) (*DepthMap, error) {
	if ext := strings.ToLower(filepath.Ext(fn)); ext != ".png" {
		return nil, errors.Errorf("do not know how to read depth map file %q", fn)
	}
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode depth map %q", fn)
	}
	return ConvertImageToDepthMap(img)
}

// WriteToFile writes the depth map as a 16 bit grayscale png. Samples are rounded and clamped
// to the 16 bit range.
func (dm *DepthMap) WriteToFile(fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return png.Encode(f, dm.ToGray16Picture())
}

// ToGray16Picture renders the raw samples into a 16 bit grayscale image.
func (dm *DepthMap) ToGray16Picture() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, dm.width, dm.height))
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			v := math.Round(dm.GetDepth(x, y))
			v = math.Max(0, math.Min(math.MaxUint16, v))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

// HasData reports whether the depth map has any cells.
func (dm *DepthMap) HasData() bool {
	return dm.width > 0 && dm.height > 0 && len(dm.data) > 0
}

// Width returns the number of columns.
func (dm *DepthMap) Width() int {
	return dm.width
}

// Height returns the number of rows.
func (dm *DepthMap) Height() int {
	return dm.height
}

// Bounds returns the pixel rectangle covered by the depth map.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// Contains reports whether (x, y) is inside the depth map.
func (dm *DepthMap) Contains(x, y int) bool {
	return x >= 0 && y >= 0 && x < dm.width && y < dm.height
}

// GetDepth returns the raw sample at column x, row y.
func (dm *DepthMap) GetDepth(x, y int) float64 {
	return dm.data[y*dm.width+x]
}

// Set sets the raw sample at column x, row y.
func (dm *DepthMap) Set(x, y int, val float64) {
	dm.data[y*dm.width+x] = val
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	data := make([]float64, len(dm.data))
	copy(data, dm.data)
	return &DepthMap{width: dm.width, height: dm.height, data: data}
}

// MinMax returns the smallest and largest positive samples, or zeros when there are none.
func (dm *DepthMap) MinMax() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range dm.data {
		if v <= 0 || math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if math.IsInf(lo, 1) {
		return 0, 0
	}
	return lo, hi
}

// CountInRange counts samples strictly between lo and hi.
func (dm *DepthMap) CountInRange(lo, hi float64) int {
	n := 0
	for _, v := range dm.data {
		if v > lo && v < hi {
			n++
		}
	}
	return n
}
