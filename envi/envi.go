// Package envi converts GeoTIFF rasters to ENVI band-interleaved-by-line
// files with their text header.
package envi

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/geotiff"
)

// ENVI data type codes.
var dataTypes = map[string]int{
	"uint8":   1,
	"int16":   2,
	"int32":   3,
	"float32": 4,
	"float64": 5,
	"uint16":  12,
	"uint32":  13,
	"int64":   14,
	"uint64":  15,
}

// HeaderPath returns the header file of an ENVI data file.
func HeaderPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".hdr"
}

// Header is the parsed content of an ENVI header.
type Header struct {
	Samples    int
	Lines      int
	Bands      int
	DataType   int
	Interleave string
	ByteOrder  int
	BandNames  []string
	Nodata     *float64
	Fields     map[string]string
}

// Dtype returns the sample type of the data file.
func (h *Header) Dtype() (dtype.Dtype, error) {
	for name, code := range dataTypes {
		if code == h.DataType {
			dt := dtype.MustParse(name)
			if h.ByteOrder == 1 && dt.ByteSize > 1 {
				dt.ByteOrder = dtype.BOBigEndian
			}
			return dt, nil
		}
	}
	return dtype.Dtype{}, fmt.Errorf("unsupported ENVI data type %d", h.DataType)
}

// Convert writes the GeoTIFF at src as an ENVI BIL file at dst, with its
// header next to it.
func Convert(src, dst string) error {
	t, err := geotiff.Open(src)
	if err != nil {
		return err
	}
	defer t.Close()

	code, ok := dataTypes[t.Dtype.Name()]
	if !ok {
		return fmt.Errorf("ENVI has no data type for %s", t.Dtype.Name())
	}
	bands := make([][]float64, t.Bands)
	for b := range bands {
		if bands[b], err = t.ReadBand(b + 1); err != nil {
			return err
		}
	}

	if err := writeData(dst, t, bands); err != nil {
		return err
	}
	return writeHeader(HeaderPath(dst), t, code)
}

func writeData(path string, t *geotiff.File, bands [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	dt := t.Dtype
	dt.ByteOrder = dtype.BOLittleEndian
	if dt.ByteSize == 1 {
		dt.ByteOrder = dtype.BONotRelevant
	}
	buf := make([]byte, t.Width*dt.ByteSize)
	for y := 0; y < t.Height; y++ {
		for _, band := range bands {
			row := band[y*t.Width : (y+1)*t.Width]
			for x, v := range row {
				dt.Put(buf[x*dt.ByteSize:], v)
			}
			if _, err := bw.Write(buf); err != nil {
				f.Close()
				return err
			}
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeHeader(path string, t *geotiff.File, code int) error {
	var sb strings.Builder
	sb.WriteString("ENVI\n")
	fmt.Fprintf(&sb, "description = {%s}\n", filepath.Base(path))
	fmt.Fprintf(&sb, "samples = %d\n", t.Width)
	fmt.Fprintf(&sb, "lines = %d\n", t.Height)
	fmt.Fprintf(&sb, "bands = %d\n", t.Bands)
	sb.WriteString("header offset = 0\n")
	sb.WriteString("file type = ENVI Standard\n")
	fmt.Fprintf(&sb, "data type = %d\n", code)
	sb.WriteString("interleave = bil\n")
	sb.WriteString("byte order = 0\n")
	if tr := t.Transform; tr != ([6]float64{}) {
		fmt.Fprintf(&sb, "map info = {Arbitrary, 1, 1, %s, %s, %s, %s}\n",
			ff(tr[0]), ff(tr[3]), ff(tr[1]), ff(math.Abs(tr[5])))
	}
	if t.CRS != "" {
		fmt.Fprintf(&sb, "coordinate system string = {%s}\n", t.CRS)
	}
	names := make([]string, t.Bands)
	for i := range names {
		names[i] = fmt.Sprintf("Band %d", i+1)
		if n := t.BandMetadata[i]["name"]; n != "" {
			names[i] = n
		}
	}
	fmt.Fprintf(&sb, "band names = {%s}\n", strings.Join(names, ", "))
	if t.Nodata != nil {
		fmt.Fprintf(&sb, "data ignore value = %s\n", geotiff.FormatNodata(*t.Nodata))
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// ReadHeader parses an ENVI header.
func ReadHeader(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if !strings.HasPrefix(text, "ENVI") {
		return nil, fmt.Errorf("%s is not an ENVI header", path)
	}
	fields := map[string]string{}
	lines := strings.Split(text, "\n")[1:]
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		for strings.HasPrefix(val, "{") && !strings.Contains(val, "}") && i+1 < len(lines) {
			i++
			val += "\n" + lines[i]
		}
		fields[key] = strings.TrimSpace(val)
	}

	h := &Header{Fields: fields, Interleave: fields["interleave"]}
	ints := map[string]*int{
		"samples": &h.Samples, "lines": &h.Lines, "bands": &h.Bands,
		"data type": &h.DataType, "byte order": &h.ByteOrder,
	}
	keys := make([]string, 0, len(ints))
	for k := range ints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			if k == "byte order" {
				continue
			}
			return nil, fmt.Errorf("%s: missing %q", path, k)
		}
		if *ints[k], err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%s: %q: %w", path, k, err)
		}
	}
	if v, ok := fields["band names"]; ok {
		for _, n := range strings.Split(strings.Trim(v, "{}"), ",") {
			h.BandNames = append(h.BandNames, strings.TrimSpace(n))
		}
	}
	if v, ok := fields["data ignore value"]; ok {
		nd, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: data ignore value: %w", path, err)
		}
		h.Nodata = &nd
	}
	return h, nil
}

// ReadBIL reads a band-interleaved-by-line file described by h and returns
// each band row-major.
func ReadBIL(path string, h *Header) ([][]float64, error) {
	if !strings.EqualFold(h.Interleave, "bil") {
		return nil, fmt.Errorf("interleave %q is not bil", h.Interleave)
	}
	dt, err := h.Dtype()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != h.Samples*h.Lines*h.Bands*dt.ByteSize {
		return nil, fmt.Errorf("%s holds %d bytes, header describes %d", path, len(data), h.Samples*h.Lines*h.Bands*dt.ByteSize)
	}
	values := dt.Decode(data)
	out := make([][]float64, h.Bands)
	for b := range out {
		out[b] = make([]float64, h.Samples*h.Lines)
	}
	for y := 0; y < h.Lines; y++ {
		for b := 0; b < h.Bands; b++ {
			src := (y*h.Bands + b) * h.Samples
			copy(out[b][y*h.Samples:(y+1)*h.Samples], values[src:src+h.Samples])
		}
	}
	return out, nil
}
