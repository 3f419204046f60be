package geotiff

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/dieynaba77/datacube-core/dtype"
)

const dataStart = 16

// Options describe the raster a Writer creates.
type Options struct {
	Width  int
	Height int
	Bands  int
	Dtype  dtype.Dtype
	// BlockWidth and BlockHeight are the tile size; they are rounded up to a
	// multiple of TileAlign.
	BlockWidth  int
	BlockHeight int
	// Transform is the GDAL geotransform of the grid, north up.
	Transform [6]float64
	CRS       string
	Nodata    *float64
}

// Writer fills a GeoTIFF file tile by tile.
type Writer struct {
	f    *os.File
	opts Options
	dt   dtype.Dtype

	tilesAcross int
	tilesDown   int
	tileBytes   int64

	mu       sync.Mutex
	closed   bool
	metadata map[string]string
	bandMeta []map[string]string
}

// Create truncates path and lays out an empty tiled raster in it.
func Create(path string, opts Options) (*Writer, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Bands <= 0 {
		return nil, fmt.Errorf("invalid raster size %dx%dx%d", opts.Width, opts.Height, opts.Bands)
	}
	if _, err := sampleFormat(opts.Dtype); err != nil {
		return nil, err
	}
	opts.BlockWidth = alignUp(opts.BlockWidth, TileAlign)
	opts.BlockHeight = alignUp(opts.BlockHeight, TileAlign)

	w := &Writer{
		opts:        opts,
		dt:          little(opts.Dtype),
		tilesAcross: (opts.Width + opts.BlockWidth - 1) / opts.BlockWidth,
		tilesDown:   (opts.Height + opts.BlockHeight - 1) / opts.BlockHeight,
		metadata:    map[string]string{},
		bandMeta:    make([]map[string]string, opts.Bands),
	}
	w.tileBytes = int64(opts.BlockWidth) * int64(opts.BlockHeight) * int64(w.dt.ByteSize)
	if w.dataEnd() > math.MaxUint32-(1<<20) {
		return nil, ErrTooLarge
	}
	for i := range w.bandMeta {
		w.bandMeta[i] = map[string]string{}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	w.f = f

	header := make([]byte, dataStart)
	copy(header, "II")
	binary.LittleEndian.PutUint16(header[2:], 42)
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(w.dataEnd()); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Options returns the effective options, with aligned block sizes.
func (w *Writer) Options() Options { return w.opts }

func (w *Writer) tilesPerBand() int { return w.tilesAcross * w.tilesDown }

func (w *Writer) dataEnd() int64 {
	return dataStart + int64(w.tilesPerBand()*w.opts.Bands)*w.tileBytes
}

func (w *Writer) tileOffset(band, row, col int) int64 {
	idx := band*w.tilesPerBand() + row*w.tilesAcross + col
	return dataStart + int64(idx)*w.tileBytes
}

// SetMetadata sets a dataset level tag.
func (w *Writer) SetMetadata(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metadata[key] = value
}

// SetBandMetadata sets a tag of a band, counted from 1.
func (w *Writer) SetBandMetadata(band int, key, value string) error {
	if band < 1 || band > w.opts.Bands {
		return fmt.Errorf("band %d out of range 1..%d", band, w.opts.Bands)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bandMeta[band-1][key] = value
	return nil
}

// WriteWindow stores values, row-major, into the window of band (counted
// from 1) whose top left pixel is (x0, y0). Values are cast to the raster
// dtype; NaN becomes nodata for integer rasters.
func (w *Writer) WriteWindow(band, x0, y0, width, height int, values []float64) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if band < 1 || band > w.opts.Bands {
		return fmt.Errorf("band %d out of range 1..%d", band, w.opts.Bands)
	}
	if x0 < 0 || y0 < 0 || width <= 0 || height <= 0 || x0+width > w.opts.Width || y0+height > w.opts.Height {
		return fmt.Errorf("window %d,%d %dx%d outside %dx%d raster", x0, y0, width, height, w.opts.Width, w.opts.Height)
	}
	if len(values) != width*height {
		return fmt.Errorf("window holds %d values, got %d", width*height, len(values))
	}

	fill := 0.0
	if w.opts.Nodata != nil {
		fill = *w.opts.Nodata
	}
	bw, bh := w.opts.BlockWidth, w.opts.BlockHeight
	size := w.dt.ByteSize
	for row := y0 / bh; row <= (y0+height-1)/bh; row++ {
		for col := x0 / bw; col <= (x0+width-1)/bw; col++ {
			tx0, ty0 := col*bw, row*bh
			lox, hix := max(x0, tx0), min(x0+width, tx0+bw)
			loy, hiy := max(y0, ty0), min(y0+height, ty0+bh)
			base := w.tileOffset(band-1, row, col)
			for y := loy; y < hiy; y++ {
				src := (y-y0)*width + (lox - x0)
				buf := w.dt.Encode(values[src:src+hix-lox], fill)
				off := base + int64((y-ty0)*bw+(lox-tx0))*int64(size)
				if _, err := w.f.WriteAt(buf, off); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Close writes the image directory and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if err := w.writeDirectory(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func doubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func ascii(s string) []byte { return append([]byte(s), 0) }

func repeat(v uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func (w *Writer) entries() ([]entry, error) {
	o := w.opts
	format, err := sampleFormat(o.Dtype)
	if err != nil {
		return nil, err
	}
	n := w.tilesPerBand() * o.Bands
	offsets := make([]uint32, n)
	counts := make([]uint32, n)
	for i := range offsets {
		offsets[i] = uint32(dataStart + int64(i)*w.tileBytes)
		counts[i] = uint32(w.tileBytes)
	}

	es := []entry{
		{tagImageWidth, typeLong, 1, longs(uint32(o.Width))},
		{tagImageLength, typeLong, 1, longs(uint32(o.Height))},
		{tagBitsPerSample, typeShort, uint32(o.Bands), shorts(repeat(uint16(w.dt.ByteSize*8), o.Bands)...)},
		{tagCompression, typeShort, 1, shorts(1)},
		{tagPhotometric, typeShort, 1, shorts(1)},
		{tagSamplesPerPixel, typeShort, 1, shorts(uint16(o.Bands))},
		{tagPlanarConfiguration, typeShort, 1, shorts(2)},
		{tagTileWidth, typeLong, 1, longs(uint32(o.BlockWidth))},
		{tagTileLength, typeLong, 1, longs(uint32(o.BlockHeight))},
		{tagTileOffsets, typeLong, uint32(n), longs(offsets...)},
		{tagTileByteCounts, typeLong, uint32(n), longs(counts...)},
		{tagSampleFormat, typeShort, uint32(o.Bands), shorts(repeat(format, o.Bands)...)},
	}
	if o.Bands > 1 {
		es = append(es, entry{tagExtraSamples, typeShort, uint32(o.Bands - 1), shorts(repeat(0, o.Bands-1)...)})
	}

	t := o.Transform
	if t != ([6]float64{}) {
		es = append(es,
			entry{tagModelPixelScale, typeDouble, 3, doubles(t[1], -t[5], 0)},
			entry{tagModelTiepoint, typeDouble, 6, doubles(0, 0, 0, t[0], t[3], 0)},
		)
	}
	keys, citation := geoKeys(o.CRS)
	es = append(es, entry{tagGeoKeyDirectory, typeShort, uint32(len(keys)), shorts(keys...)})
	if citation != "" {
		es = append(es, entry{tagGeoASCIIParams, typeASCII, uint32(len(citation) + 1), ascii(citation)})
	}

	if md := w.gdalMetadata(); md != "" {
		es = append(es, entry{tagGDALMetadata, typeASCII, uint32(len(md) + 1), ascii(md)})
	}
	if o.Nodata != nil {
		s := FormatNodata(*o.Nodata)
		es = append(es, entry{tagGDALNodata, typeASCII, uint32(len(s) + 1), ascii(s)})
	}

	sort.Slice(es, func(i, j int) bool { return es[i].tag < es[j].tag })
	return es, nil
}

// geoKeys builds the GeoKeyDirectory for crs. Reference systems that are
// not EPSG codes are kept as a citation.
func geoKeys(crs string) ([]uint16, string) {
	type key struct{ id, loc, count, value uint16 }
	keys := []key{}
	citation := ""
	if code, ok := ParseEPSG(crs); ok {
		if geographic(code) {
			keys = append(keys, key{keyModelType, 0, 1, modelGeographic})
			keys = append(keys, key{keyRasterType, 0, 1, rasterPixelArea})
			keys = append(keys, key{keyGeographicType, 0, 1, uint16(code)})
		} else {
			keys = append(keys, key{keyModelType, 0, 1, modelProjected})
			keys = append(keys, key{keyRasterType, 0, 1, rasterPixelArea})
			keys = append(keys, key{keyProjectedType, 0, 1, uint16(code)})
		}
	} else {
		keys = append(keys, key{keyRasterType, 0, 1, rasterPixelArea})
		if crs != "" {
			citation = crs + "|"
			keys = append(keys, key{keyCitation, tagGeoASCIIParams, uint16(len(citation)), 0})
		}
	}
	out := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		out = append(out, k.id, k.loc, k.count, k.value)
	}
	return out, citation
}

func (w *Writer) writeDirectory() error {
	w.mu.Lock()
	es, err := w.entries()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	ifdOffset := w.dataEnd()
	if ifdOffset%2 != 0 {
		ifdOffset++
	}
	ifdSize := int64(2 + 12*len(es) + 4)
	extra := ifdOffset + ifdSize

	ifd := make([]byte, ifdSize)
	binary.LittleEndian.PutUint16(ifd, uint16(len(es)))
	var blob []byte
	for i, e := range es {
		b := ifd[2+12*i:]
		binary.LittleEndian.PutUint16(b[0:], e.tag)
		binary.LittleEndian.PutUint16(b[2:], e.typ)
		binary.LittleEndian.PutUint32(b[4:], e.count)
		if len(e.data) <= 4 {
			copy(b[8:12], e.data)
			continue
		}
		off := extra + int64(len(blob))
		if off > math.MaxUint32 {
			return ErrTooLarge
		}
		binary.LittleEndian.PutUint32(b[8:], uint32(off))
		blob = append(blob, e.data...)
		if len(blob)%2 != 0 {
			blob = append(blob, 0)
		}
	}

	if _, err := w.f.WriteAt(ifd, ifdOffset); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(blob, extra); err != nil {
		return err
	}
	_, err = w.f.WriteAt(longs(uint32(ifdOffset)), 4)
	return err
}
