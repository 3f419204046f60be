package geotiff

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dieynaba77/datacube-core/dtype"
)

// File is an opened uncompressed GeoTIFF.
type File struct {
	Width        int
	Height       int
	Bands        int
	Dtype        dtype.Dtype
	BlockWidth   int
	BlockHeight  int
	Transform    [6]float64
	CRS          string
	Nodata       *float64
	Metadata     map[string]string
	BandMetadata []map[string]string

	f       *os.File
	planar  int
	offsets []uint64
	counts  []uint64
	across  int
	down    int
}

type field struct {
	typ    uint16
	ints   []uint64
	floats []float64
	str    string
}

// Open reads the first image directory of path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := readFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

func readFile(f *os.File) (*File, error) {
	header := make([]byte, 8)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, ErrNotGeoTIFF
	}
	if string(header[:2]) != "II" || binary.LittleEndian.Uint16(header[2:]) != 42 {
		return nil, ErrNotGeoTIFF
	}
	fields, err := readDirectory(f, int64(binary.LittleEndian.Uint32(header[4:])))
	if err != nil {
		return nil, err
	}

	t := &File{f: f, planar: 1}
	get := func(tag uint16) (uint64, bool) {
		fl, ok := fields[tag]
		if !ok || len(fl.ints) == 0 {
			return 0, false
		}
		return fl.ints[0], true
	}
	w, okw := get(tagImageWidth)
	h, okh := get(tagImageLength)
	if !okw || !okh {
		return nil, fmt.Errorf("%w: missing image size", ErrUnsupported)
	}
	t.Width, t.Height = int(w), int(h)
	t.Bands = 1
	if n, ok := get(tagSamplesPerPixel); ok {
		t.Bands = int(n)
	}
	if c, ok := get(tagCompression); ok && c != 1 {
		return nil, fmt.Errorf("%w: compression %d", ErrUnsupported, c)
	}
	if p, ok := get(tagPlanarConfiguration); ok {
		t.planar = int(p)
	}
	bits, ok := get(tagBitsPerSample)
	if !ok {
		bits = 1
	}
	format, ok := get(tagSampleFormat)
	if !ok {
		format = formatUint
	}
	if t.Dtype, err = dtypeOf(uint16(format), int(bits)); err != nil {
		return nil, err
	}
	t.Dtype = little(t.Dtype)

	if tw, ok := get(tagTileWidth); ok {
		th, _ := get(tagTileLength)
		t.BlockWidth, t.BlockHeight = int(tw), int(th)
		t.offsets, t.counts = fields[tagTileOffsets].ints, fields[tagTileByteCounts].ints
	} else {
		t.BlockWidth, t.BlockHeight = t.Width, t.Height
		if rps, ok := get(tagRowsPerStrip); ok && int(rps) < t.Height {
			t.BlockHeight = int(rps)
		}
		t.offsets, t.counts = fields[tagStripOffsets].ints, fields[tagStripByteCounts].ints
	}
	if t.BlockWidth <= 0 || t.BlockHeight <= 0 {
		return nil, fmt.Errorf("%w: block size %dx%d", ErrUnsupported, t.BlockWidth, t.BlockHeight)
	}
	t.across = (t.Width + t.BlockWidth - 1) / t.BlockWidth
	t.down = (t.Height + t.BlockHeight - 1) / t.BlockHeight
	want := t.across * t.down
	if t.planar == 2 {
		want *= t.Bands
	}
	if len(t.offsets) != want || len(t.counts) != want {
		return nil, fmt.Errorf("%w: %d blocks listed, want %d", ErrUnsupported, len(t.offsets), want)
	}

	if s, ok := fields[tagModelPixelScale]; ok && len(s.floats) >= 2 {
		if tp, ok := fields[tagModelTiepoint]; ok && len(tp.floats) >= 6 {
			t.Transform = [6]float64{
				tp.floats[3] - tp.floats[0]*s.floats[0], s.floats[0], 0,
				tp.floats[4] + tp.floats[1]*s.floats[1], 0, -s.floats[1],
			}
		}
	}
	if gk, ok := fields[tagGeoKeyDirectory]; ok {
		t.CRS = crsFromKeys(gk.ints, fields[tagGeoASCIIParams].str)
	}
	if t.Nodata, err = parseNodata(fields[tagGDALNodata].str); err != nil {
		return nil, fmt.Errorf("nodata: %w", err)
	}
	if t.Metadata, t.BandMetadata, err = parseGDALMetadata(fields[tagGDALMetadata].str, t.Bands); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return t, nil
}

func crsFromKeys(keys []uint64, asciiParams string) string {
	if len(keys) < 4 {
		return ""
	}
	n := int(keys[3])
	for i := 0; i < n && 4+4*i+3 < len(keys); i++ {
		k := keys[4+4*i : 8+4*i]
		switch uint16(k[0]) {
		case keyProjectedType, keyGeographicType:
			return fmt.Sprintf("EPSG:%d", k[3])
		case keyCitation:
			if uint16(k[1]) == tagGeoASCIIParams {
				end := int(k[3] + k[2])
				if end <= len(asciiParams) {
					s := asciiParams[k[3]:end]
					if len(s) > 0 && s[len(s)-1] == '|' {
						s = s[:len(s)-1]
					}
					return s
				}
			}
		}
	}
	return ""
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, typeASCII, 6, 7:
		return 1
	case typeShort, 8:
		return 2
	case typeLong, 9, 11:
		return 4
	case 5, 10, typeDouble:
		return 8
	}
	return 0
}

func readDirectory(r io.ReaderAt, off int64) (map[uint16]field, error) {
	nb := make([]byte, 2)
	if _, err := r.ReadAt(nb, off); err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(nb))
	raw := make([]byte, 12*n)
	if _, err := r.ReadAt(raw, off+2); err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	fields := map[uint16]field{}
	for i := 0; i < n; i++ {
		e := raw[12*i:]
		tag := binary.LittleEndian.Uint16(e[0:])
		typ := binary.LittleEndian.Uint16(e[2:])
		count := int(binary.LittleEndian.Uint32(e[4:]))
		size := typeSize(typ) * count
		if typeSize(typ) == 0 {
			continue
		}
		data := e[8:12]
		if size > 4 {
			data = make([]byte, size)
			if _, err := r.ReadAt(data, int64(binary.LittleEndian.Uint32(e[8:]))); err != nil {
				return nil, fmt.Errorf("reading tag %d: %w", tag, err)
			}
		}
		fl := field{typ: typ}
		switch typ {
		case typeASCII:
			s := string(data[:count])
			for len(s) > 0 && s[len(s)-1] == 0 {
				s = s[:len(s)-1]
			}
			fl.str = s
		case typeShort:
			for j := 0; j < count; j++ {
				fl.ints = append(fl.ints, uint64(binary.LittleEndian.Uint16(data[2*j:])))
			}
		case typeLong:
			for j := 0; j < count; j++ {
				fl.ints = append(fl.ints, uint64(binary.LittleEndian.Uint32(data[4*j:])))
			}
		case typeDouble:
			for j := 0; j < count; j++ {
				fl.floats = append(fl.floats, math.Float64frombits(binary.LittleEndian.Uint64(data[8*j:])))
			}
		}
		fields[tag] = fl
	}
	return fields, nil
}

// ReadBand returns every sample of band (counted from 1), row-major.
func (t *File) ReadBand(band int) ([]float64, error) {
	if band < 1 || band > t.Bands {
		return nil, fmt.Errorf("band %d out of range 1..%d", band, t.Bands)
	}
	out := make([]float64, t.Width*t.Height)
	size := t.Dtype.ByteSize
	pixel := size
	if t.planar == 1 {
		pixel = size * t.Bands
	}
	buf := make([]byte, t.BlockWidth*t.BlockHeight*pixel)

	for row := 0; row < t.down; row++ {
		for col := 0; col < t.across; col++ {
			idx := row*t.across + col
			if t.planar == 2 {
				idx += (band - 1) * t.across * t.down
			}
			n := min(int(t.counts[idx]), len(buf))
			if _, err := t.f.ReadAt(buf[:n], int64(t.offsets[idx])); err != nil && err != io.EOF {
				return nil, err
			}
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			for y := row * t.BlockHeight; y < min((row+1)*t.BlockHeight, t.Height); y++ {
				for x := col * t.BlockWidth; x < min((col+1)*t.BlockWidth, t.Width); x++ {
					off := ((y-row*t.BlockHeight)*t.BlockWidth + (x - col*t.BlockWidth)) * pixel
					if t.planar == 1 {
						off += (band - 1) * size
					}
					out[y*t.Width+x] = t.Dtype.Get(buf[off:])
				}
			}
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (t *File) Close() error { return t.f.Close() }
