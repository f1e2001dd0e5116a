package mesh

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	ply "github.com/chenzhekl/goply"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// PLYFormat is the body encoding of a PLY file.
type PLYFormat int

// The PLY encodings this package writes.
const (
	PLYAscii PLYFormat = iota
	PLYBinary
)

func (f PLYFormat) String() string {
	if f == PLYBinary {
		return "binary_little_endian"
	}
	return "ascii"
}

// WriteToFile writes m to fn as a binary PLY.
func WriteToFile(m *Mesh, fn string) (err error) {
	if ext := strings.ToLower(filepath.Ext(fn)); ext != ".ply" {
		return errors.Errorf("do not know how to write mesh file %q", fn)
	}
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err := ToPLY(m, w, PLYBinary); err != nil {
		return err
	}
	return w.Flush()
}

// ToPLY encodes vertex positions, densities when present, and faces.
func ToPLY(m *Mesh, out io.Writer, format PLYFormat) error {
	header := []string{
		"ply",
		"format " + format.String() + " 1.0",
		fmt.Sprintf("element vertex %d", len(m.Vertices)),
		"property double x",
		"property double y",
		"property double z",
	}
	if m.HasDensities() {
		header = append(header, "property double density")
	}
	header = append(header,
		fmt.Sprintf("element face %d", len(m.Triangles)),
		"property list uchar int vertex_indices",
		"end_header",
	)
	if _, err := io.WriteString(out, strings.Join(header, "\n")+"\n"); err != nil {
		return err
	}

	if format == PLYAscii {
		for i, v := range m.Vertices {
			line := fmt.Sprintf("%g %g %g", v.X, v.Y, v.Z)
			if m.HasDensities() {
				line += fmt.Sprintf(" %g", m.Densities[i])
			}
			if _, err := io.WriteString(out, line+"\n"); err != nil {
				return err
			}
		}
		for _, tri := range m.Triangles {
			if _, err := fmt.Fprintf(out, "3 %d %d %d\n", tri[0], tri[1], tri[2]); err != nil {
				return err
			}
		}
		return nil
	}

	buf := make([]byte, 32)
	for i, v := range m.Vertices {
		binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(v.X))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(v.Y))
		binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(v.Z))
		n := 24
		if m.HasDensities() {
			binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(m.Densities[i]))
			n = 32
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
	}
	face := make([]byte, 13)
	face[0] = 3
	for _, tri := range m.Triangles {
		for i, v := range tri {
			//nolint:gosec
			binary.LittleEndian.PutUint32(face[1+4*i:], uint32(int32(v)))
		}
		if _, err := out.Write(face); err != nil {
			return err
		}
	}
	return nil
}

// NewFromPLYFile reads a mesh from a PLY file.
func NewFromPLYFile(fn string) (*Mesh, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	m, err := ReadPLY(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mesh %q", fn)
	}
	return m, nil
}

// ReadPLY decodes the vertex positions, an optional density property and the faces of a PLY
// stream. Faces with more than three corners are fanned into triangles.
func ReadPLY(in io.Reader) (m *Mesh, err error) {
	// the decoder panics on malformed input
	defer func() {
		if thePanic := recover(); thePanic != nil {
			m, err = nil, errors.Errorf("malformed PLY: %v", thePanic)
		}
	}()
	data := ply.New(in)

	rawVertices := data.Elements("vertex")
	vertices := make([]r3.Vector, len(rawVertices))
	var densities []float64
	for i, raw := range rawVertices {
		var coords [3]float64
		for j, name := range []string{"x", "y", "z"} {
			v, ok := toFloat(raw[name])
			if !ok {
				return nil, errors.Errorf("vertex %d has no numeric %q", i, name)
			}
			coords[j] = v
		}
		vertices[i] = r3.Vector{X: coords[0], Y: coords[1], Z: coords[2]}
		if d, ok := toFloat(raw["density"]); ok {
			if densities == nil {
				if i != 0 {
					return nil, errors.Errorf("vertex %d is the first with a density", i)
				}
				densities = make([]float64, len(rawVertices))
			}
			densities[i] = d
		} else if densities != nil {
			return nil, errors.Errorf("vertex %d has no density", i)
		}
	}

	var triangles [][3]int
	for i, raw := range data.Elements("face") {
		list, ok := raw["vertex_indices"]
		if !ok {
			list = raw["vertex_index"]
		}
		indices, ok := toInts(list)
		if !ok || len(indices) < 3 {
			return nil, errors.Errorf("face %d has no usable vertex indices", i)
		}
		for k := 1; k+1 < len(indices); k++ {
			triangles = append(triangles, [3]int{indices[0], indices[k], indices[k+1]})
		}
	}
	return New(vertices, densities, triangles)
}

// toFloat converts any numeric PLY scalar.
func toFloat(v interface{}) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return 0, false
	}
}

// toInts converts a PLY list of any integer type.
func toInts(v interface{}) ([]int, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]int, rv.Len())
	for i := range out {
		f, ok := toFloat(rv.Index(i).Interface())
		if !ok || f != math.Trunc(f) {
			return nil, false
		}
		out[i] = int(f)
	}
	return out, true
}
