package pointcloud

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/reconstruct/logging"
	"go.viam.com/reconstruct/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

// NewFromFile returns a pointcloud read in from the given file.
func NewFromFile(fn string, logger logging.Logger) (*PointCloud, error) {
	switch filepath.Ext(fn) {
	case ".las":
		return NewFromLASFile(fn, logger)
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer goutils.UncheckedErrorFunc(f.Close)
		return ReadPCD(f)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToFile writes the cloud to fn, choosing the format from the extension. PCD files are
// written in binary.
func WriteToFile(cloud *PointCloud, fn string) (err error) {
	switch filepath.Ext(fn) {
	case ".las":
		return WriteToLASFile(cloud, fn)
	case ".pcd":
		//nolint:gosec
		f, createErr := os.Create(fn)
		if createErr != nil {
			return createErr
		}
		defer func() {
			err = multierr.Combine(err, f.Close())
		}()
		w := bufio.NewWriter(f)
		if err = ToPCD(cloud, w, PCDBinary); err != nil {
			return err
		}
		return w.Flush()
	default:
		return errors.Errorf("do not know how to write file %q", fn)
	}
}

// WritePCDFiles writes clouds[i] to dir/<prefix><i>.pcd on the bounded worker pool and returns the
// paths in input order. Nil clouds are skipped and get an empty path.
func WritePCDFiles(ctx context.Context, clouds []*PointCloud, dir, prefix string, workers int) ([]string, error) {
	paths := make([]string, len(clouds))
	err := utils.ParallelForEach(ctx, len(clouds), workers, func(ctx context.Context, i int) error {
		if clouds[i] == nil {
			return nil
		}
		fn := filepath.Join(dir, fmt.Sprintf("%s%04d.pcd", prefix, i))
		if err := WriteToFile(clouds[i], fn); err != nil {
			return errors.Wrapf(err, "writing cloud %d", i)
		}
		paths[i] = fn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// NewFromLASFile returns a point cloud from reading a LAS file. If any
// lossiness of points could occur from reading it in, it's reported but is not
// an error. LAS records carry no normals.
func NewFromLASFile(fn string, logger logging.Logger) (*PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(lf.Close)

	hasColor := lf.Header.PointFormatID == 2
	points := make([]r3.Vector, 0, lf.Header.NumberPoints)
	var colors []color.NRGBA
	if hasColor {
		colors = make([]color.NRGBA, 0, lf.Header.NumberPoints)
	}
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()

		x, y, z := data.X, data.Y, data.Z
		if x < minPreciseFloat64 || x > maxPreciseFloat64 ||
			y < minPreciseFloat64 || y > maxPreciseFloat64 ||
			z < minPreciseFloat64 || z > maxPreciseFloat64 {
			logger.Warnw("potential floating point lossiness for LAS point",
				"point", data, "range", fmt.Sprintf("[%f,%f]", minPreciseFloat64, maxPreciseFloat64))
		}
		points = append(points, r3.Vector{X: x, Y: y, Z: z})

		if hasColor {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if rgb := p.RgbData(); rgb != nil {
				c = color.NRGBA{R: uint8(rgb.Red / 256), G: uint8(rgb.Green / 256), B: uint8(rgb.Blue / 256), A: 255}
			}
			colors = append(colors, c)
		}
	}
	return newCloud(points, colors, nil), nil
}

// WriteToLASFile writes the point cloud out to a LAS file. Normals are not written.
func WriteToLASFile(cloud *PointCloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return
	}
	defer func() {
		cerr := lf.Close()
		err = multierr.Combine(err, cerr)
	}()

	pointFormatID := 0
	if cloud.HasColor() {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{
		PointFormatID: byte(pointFormatID),
	}); err != nil {
		return
	}

	for i, pos := range cloud.Points() {
		var lp lidario.LasPointer
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3) | (0 << 6) | (0 << 7),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			ScanAngle:     0,
			UserData:      0,
			PointSourceID: 1,
		}
		lp = pr0

		if c, ok := cloud.Color(i); ok {
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(c.R) * 256,
					Green: uint16(c.G) * 256,
					Blue:  uint16(c.B) * 256,
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return
		}
	}
	return nil
}

func colorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func pcdIntToColor(c uint32) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// ToPCD writes the cloud in the PCD v0.7 format. Fields are x y z, then rgb when the cloud is
// colored, then normal_x normal_y normal_z when it has normals.
func ToPCD(cloud *PointCloud, out io.Writer, outputType PCDType) error {
	var dataLine string
	switch outputType {
	case PCDBinary:
		dataLine = "DATA binary\n"
	case PCDAscii:
		dataLine = "DATA ascii\n"
	case PCDCompressed:
		return errors.New("compressed PCD not yet implemented")
	default:
		return errors.Errorf("unknown PCD type %d", outputType)
	}

	fields := []string{"x", "y", "z"}
	types := []string{"F", "F", "F"}
	if cloud.HasColor() {
		fields = append(fields, "rgb")
		types = append(types, "U")
	}
	if cloud.HasNormals() {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
		types = append(types, "F", "F", "F")
	}
	sizes := make([]string, len(fields))
	counts := make([]string, len(fields))
	for i := range fields {
		sizes[i] = "4"
		counts[i] = "1"
	}

	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"%s",
		strings.Join(fields, " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		cloud.Size(),
		1,
		cloud.Size(),
		dataLine,
	); err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType)
}

func writePCDData(cloud *PointCloud, out io.Writer, pcdtype PCDType) error {
	buf := make([]byte, 0, 28)
	putFloat := func(f float64) {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(f)))
	}
	for i, pos := range cloud.Points() {
		var err error
		c, hasColor := cloud.Color(i)
		n, hasNormal := cloud.Normal(i)
		switch pcdtype {
		case PCDBinary:
			buf = buf[:0]
			putFloat(pos.X)
			putFloat(pos.Y)
			putFloat(pos.Z)
			if hasColor {
				buf = binary.LittleEndian.AppendUint32(buf, colorToPCDInt(c))
			}
			if hasNormal {
				putFloat(n.X)
				putFloat(n.Y)
				putFloat(n.Z)
			}
			_, err = out.Write(buf)
		case PCDAscii:
			line := fmt.Sprintf("%f %f %f", pos.X, pos.Y, pos.Z)
			if hasColor {
				line += fmt.Sprintf(" %d", colorToPCDInt(c))
			}
			if hasNormal {
				line += fmt.Sprintf(" %f %f %f", n.X, n.Y, n.Z)
			}
			_, err = fmt.Fprintln(out, line)
		case PCDCompressed:
			return errors.New("compressed PCD not yet implemented")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

type pcdHeader struct {
	fields []string
	size   []uint64
	type_  []pcdValType
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType

	// column offsets of each known field, -1 when absent
	rgb, normalX int
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		header.fields = tokens
		header.rgb, header.normalX = -1, -1
		for i, f := range tokens {
			switch f {
			case "rgb", "rgba":
				header.rgb = i
			case "normal_x":
				header.normalX = i
			}
		}
		if len(tokens) < 3 || tokens[0] != "x" || tokens[1] != "y" || tokens[2] != "z" {
			return errors.Errorf("unsupported pcd fields %s", value)
		}
		if header.normalX >= 0 &&
			(header.normalX+2 >= len(tokens) || tokens[header.normalX+1] != "normal_y" || tokens[header.normalX+2] != "normal_z") {
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in SIZE line")
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid SIZE field %s", token)
			}
		}
	case "TYPE":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		header.type_ = make([]pcdValType, len(tokens))
		for i, token := range tokens {
			header.type_[i] = pcdValType(token)
			switch {
			case header.type_[i] == pcdValFloat && (header.size[i] == 4 || header.size[i] == 8):
			case (header.type_[i] == pcdValInt || header.type_[i] == pcdValUInt) &&
				(header.size[i] == 1 || header.size[i] == 2 || header.size[i] == 4):
			default:
				return errors.Errorf("unsupported pcd field %s of type %s and size %d", header.fields[i], token, header.size[i])
			}
		}
	case "COUNT":
		if len(tokens) != len(header.fields) {
			return errors.New("unexpected number of fields in COUNT line")
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return errors.Errorf("invalid COUNT field %s: %s", token, err)
			}
			if header.count[i] != 1 {
				return errors.Errorf("unsupported COUNT %d for field %s", header.count[i], header.fields[i])
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid WIDTH field %s: %s", value, err)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid HEIGHT field %s: %s", value, err)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		for _, token := range tokens {
			if _, err = strconv.ParseFloat(token, 64); err != nil {
				return errors.Errorf("invalid VIEWPOINT field %s: %s", token, err)
			}
		}
	case "POINTS":
		var points uint64
		points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Errorf("invalid POINTS field %s: %s", value, err)
		}
		if points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}

	return nil
}

// ReadPCD reads a PCD v0.7 stream in ascii or binary form. Fields other than x y z, rgb and
// normals are read and dropped.
func ReadPCD(inRaw io.Reader) (*PointCloud, error) {
	header := pcdHeader{rgb: -1, normalX: -1}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Errorf("error reading header line %d: %s", headerLineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	case PCDCompressed:
		return nil, errors.New("compressed pcd not yet supported")
	default:
		return nil, errors.Errorf("unsupported pcd data type %v", header.data)
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (*PointCloud, error) {
	builder := newPCDBuilder(header)
	row := make([]float64, len(header.fields))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		for j, token := range tokens {
			row[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, errors.Errorf("invalid point %d field %s: %s", i, token, err)
			}
		}
		builder.add(row, func(j int) uint32 {
			if header.type_[j] == pcdValFloat {
				return math.Float32bits(float32(row[j]))
			}
			return uint32(row[j])
		})
	}
	return builder.build(), nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (*PointCloud, error) {
	builder := newPCDBuilder(header)
	row := make([]float64, len(header.fields))
	raw := make([]uint32, len(header.fields))
	var stride uint64
	for _, s := range header.size {
		stride += s
	}
	buf := make([]byte, stride)
	for i := 0; i < int(header.points); i++ {
		if _, err := io.ReadFull(in, buf); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		offset := uint64(0)
		for j := range header.fields {
			field := buf[offset : offset+header.size[j]]
			offset += header.size[j]
			switch header.size[j] {
			case 1:
				raw[j] = uint32(field[0])
			case 2:
				raw[j] = uint32(binary.LittleEndian.Uint16(field))
			case 4:
				raw[j] = binary.LittleEndian.Uint32(field)
			}
			switch {
			case header.type_[j] == pcdValFloat && header.size[j] == 8:
				row[j] = math.Float64frombits(binary.LittleEndian.Uint64(field))
			case header.type_[j] == pcdValFloat:
				row[j] = float64(math.Float32frombits(raw[j]))
			case header.type_[j] == pcdValInt:
				row[j] = float64(signExtend(raw[j], header.size[j]))
			default:
				row[j] = float64(raw[j])
			}
		}
		builder.add(row, func(j int) uint32 { return raw[j] })
	}
	return builder.build(), nil
}

func signExtend(v uint32, size uint64) int32 {
	switch size {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	default:
		return int32(v)
	}
}

// pcdBuilder accumulates decoded rows into cloud slices.
type pcdBuilder struct {
	header  pcdHeader
	points  []r3.Vector
	colors  []color.NRGBA
	normals []r3.Vector
}

func newPCDBuilder(header pcdHeader) *pcdBuilder {
	b := &pcdBuilder{header: header, points: make([]r3.Vector, 0, header.points)}
	if header.rgb >= 0 {
		b.colors = make([]color.NRGBA, 0, header.points)
	}
	if header.normalX >= 0 {
		b.normals = make([]r3.Vector, 0, header.points)
	}
	return b
}

// add appends one row. bits returns the raw 32 bit pattern of column j, which is how packed rgb
// values are stored whether the column is typed as float or integer.
func (b *pcdBuilder) add(row []float64, bits func(j int) uint32) {
	b.points = append(b.points, r3.Vector{X: row[0], Y: row[1], Z: row[2]})
	if b.colors != nil {
		b.colors = append(b.colors, pcdIntToColor(bits(b.header.rgb)))
	}
	if b.normals != nil {
		nx := b.header.normalX
		b.normals = append(b.normals, r3.Vector{X: row[nx], Y: row[nx+1], Z: row[nx+2]})
	}
}

func (b *pcdBuilder) build() *PointCloud {
	return newCloud(b.points, b.colors, b.normals)
}
