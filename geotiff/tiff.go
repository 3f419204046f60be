// Package geotiff writes and reads uncompressed, tiled, band-separate
// GeoTIFF files. Writes go straight to the tile they belong to, so a raster
// can be filled window by window in any order; the directory describing the
// file is written on Close.
package geotiff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dieynaba77/datacube-core/dtype"
)

var (
	ErrNotGeoTIFF  = errors.New("not a little-endian classic TIFF")
	ErrUnsupported = errors.New("unsupported TIFF layout")
	ErrTooLarge    = errors.New("raster exceeds the 4GiB classic TIFF limit")
	ErrClosed      = errors.New("geotiff writer is closed")
)

// TIFF field types.
const (
	typeASCII  uint16 = 2
	typeShort  uint16 = 3
	typeLong   uint16 = 4
	typeDouble uint16 = 12
)

// Tags used by this package.
const (
	tagImageWidth          uint16 = 256
	tagImageLength         uint16 = 257
	tagBitsPerSample       uint16 = 258
	tagCompression         uint16 = 259
	tagPhotometric         uint16 = 262
	tagStripOffsets        uint16 = 273
	tagSamplesPerPixel     uint16 = 277
	tagRowsPerStrip        uint16 = 278
	tagStripByteCounts     uint16 = 279
	tagPlanarConfiguration uint16 = 284
	tagTileWidth           uint16 = 322
	tagTileLength          uint16 = 323
	tagTileOffsets         uint16 = 324
	tagTileByteCounts      uint16 = 325
	tagExtraSamples        uint16 = 338
	tagSampleFormat        uint16 = 339
	tagModelPixelScale     uint16 = 33550
	tagModelTiepoint       uint16 = 33922
	tagGeoKeyDirectory     uint16 = 34735
	tagGeoASCIIParams      uint16 = 34737
	tagGDALMetadata        uint16 = 42112
	tagGDALNodata          uint16 = 42113
)

// GeoKeys.
const (
	keyModelType      uint16 = 1024
	keyRasterType     uint16 = 1025
	keyCitation       uint16 = 1026
	keyGeographicType uint16 = 2048
	keyProjectedType  uint16 = 3072

	modelProjected  = 1
	modelGeographic = 2
	rasterPixelArea = 1
)

// sample formats
const (
	formatUint  = 1
	formatInt   = 2
	formatFloat = 3
)

// TileAlign is the granularity of tile sizes required by TIFF readers.
const TileAlign = 16

func sampleFormat(dt dtype.Dtype) (uint16, error) {
	switch dt.BasicType {
	case dtype.BTUnsigned:
		return formatUint, nil
	case dtype.BTInteger:
		return formatInt, nil
	case dtype.BTFloatingPoint:
		return formatFloat, nil
	}
	return 0, fmt.Errorf("%w: sample type %s", ErrUnsupported, dt.Name())
}

func dtypeOf(format uint16, bits int) (dtype.Dtype, error) {
	var name string
	switch format {
	case formatUint:
		name = fmt.Sprintf("uint%d", bits)
	case formatInt:
		name = fmt.Sprintf("int%d", bits)
	case formatFloat:
		name = fmt.Sprintf("float%d", bits)
	default:
		return dtype.Dtype{}, fmt.Errorf("%w: sample format %d", ErrUnsupported, format)
	}
	return dtype.Parse(name)
}

// little returns dt with little-endian byte order.
func little(dt dtype.Dtype) dtype.Dtype {
	if dt.ByteSize > 1 {
		dt.ByteOrder = dtype.BOLittleEndian
	}
	return dt
}

// ParseEPSG extracts the code of an "EPSG:<code>" reference system.
func ParseEPSG(crs string) (int, bool) {
	s := strings.TrimSpace(crs)
	if len(s) < 6 || !strings.EqualFold(s[:5], "EPSG:") {
		return 0, false
	}
	code, err := strconv.Atoi(s[5:])
	if err != nil || code <= 0 || code > 65535 {
		return 0, false
	}
	return code, true
}

// geographic reports whether an EPSG code is a geographic 2D system.
func geographic(code int) bool {
	return code >= 4000 && code < 5000
}

func alignUp(n, a int) int {
	if n <= 0 {
		return a
	}
	return (n + a - 1) / a * a
}

// FormatNodata renders a nodata value the way GDAL stores it.
func FormatNodata(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
