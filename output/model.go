package output

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/logger"
)

// MeasurementPlaceholder is the template key that makes a product write one
// file per measurement.
const MeasurementPlaceholder = "var_name"

// XY is a pair of values along the x and y axes.
type XY struct {
	X float64 `mapstructure:"x" yaml:"x" json:"x"`
	Y float64 `mapstructure:"y" yaml:"y" json:"y"`
}

// StorageConfig describes the grid and block layout shared by every product
// of a task.
type StorageConfig struct {
	Driver         string         `mapstructure:"driver" yaml:"driver" json:"driver" validate:"required"`
	CRS            string         `mapstructure:"crs" yaml:"crs" json:"crs" validate:"required"`
	TileSize       XY             `mapstructure:"tile_size" yaml:"tile_size" json:"tile_size"`
	Resolution     XY             `mapstructure:"resolution" yaml:"resolution" json:"resolution"`
	Chunking       map[string]int `mapstructure:"chunking" yaml:"chunking" json:"chunking" validate:"required,dive,gt=0"`
	DimensionOrder []string       `mapstructure:"dimension_order" yaml:"dimension_order" json:"dimension_order" validate:"required,min=1,dive,required"`
}

// Validate checks the struct tags and that every dimension has a chunk size.
func (s StorageConfig) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}
	if s.Resolution.X == 0 || s.Resolution.Y == 0 {
		return Errorf(KindUsage, "storage resolution must be non-zero, got %v", s.Resolution)
	}
	for _, dim := range s.DimensionOrder {
		if _, ok := s.Chunking[dim]; !ok {
			return Errorf(KindUsage, "dimension %q has no chunk size", dim)
		}
	}
	return nil
}

// ChunkSizes returns the chunk sizes in dimension order.
func (s StorageConfig) ChunkSizes() []int {
	out := make([]int, len(s.DimensionOrder))
	for i, dim := range s.DimensionOrder {
		out[i] = s.Chunking[dim]
	}
	return out
}

// BlockSize returns the x and y block sizes. longitude and latitude are
// accepted for x and y.
func (s StorageConfig) BlockSize() (x, y int, err error) {
	x, okx := firstKey(s.Chunking, "x", "longitude")
	y, oky := firstKey(s.Chunking, "y", "latitude")
	if !okx || !oky {
		return 0, 0, Errorf(KindUsage, "chunking %v lacks x/y block sizes", s.Chunking)
	}
	return x, y, nil
}

// ChunkShape returns the chunk sizes of an array with the named dimensions
// and shape. A dimension missing from the chunking, or chunked beyond its
// length, is one chunk.
func (s StorageConfig) ChunkShape(dims []string, shape []int) []int {
	sizes := map[string]int{}
	for i, c := range s.ChunkSizes() {
		sizes[s.DimensionOrder[i]] = c
	}
	if bx, by, err := s.BlockSize(); err == nil {
		sizes["x"], sizes["y"] = bx, by
	}
	out := make([]int, len(shape))
	for i, dim := range dims {
		c := sizes[dim]
		if c <= 0 || c > shape[i] {
			c = shape[i]
		}
		out[i] = max(c, 1)
	}
	return out
}

func firstKey(m map[string]int, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return 0, false
}

// Measurement is one band of a product.
type Measurement struct {
	Name   string  `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Dtype  string  `mapstructure:"dtype" yaml:"dtype" json:"dtype" validate:"required"`
	Nodata float64 `mapstructure:"nodata" yaml:"nodata" json:"nodata"`
	Units  string  `mapstructure:"units" yaml:"units" json:"units"`
	// Attrs are format specific attributes supplied by the transformation
	// that produced the band.
	Attrs map[string]interface{} `mapstructure:"attrs" yaml:"attrs,omitempty" json:"attrs,omitempty"`
}

// Type parses the declared dtype.
func (m Measurement) Type() (dtype.Dtype, error) {
	dt, err := dtype.Parse(m.Dtype)
	if err != nil {
		return dtype.Dtype{}, Errorf(KindUsage, "measurement %q: %v", m.Name, err)
	}
	return dt, nil
}

// OutputProduct describes one deliverable of a task.
type OutputProduct struct {
	Name             string `validate:"required"`
	ProductType      string
	Measurements     []Measurement `validate:"required,min=1,dive"`
	OutputParams     map[string]interface{}
	Extras           map[string]interface{}
	FilePathTemplate string      `validate:"required"`
	Sources          *SourceGrid `validate:"required"`
}

// Measurement looks up a measurement by name.
func (p *OutputProduct) Measurement(name string) (Measurement, int, bool) {
	for i, m := range p.Measurements {
		if m.Name == name {
			return m, i, true
		}
	}
	return Measurement{}, -1, false
}

// PerMeasurementFiles reports whether the template writes one file per band.
func (p *OutputProduct) PerMeasurementFiles() bool {
	return slices.Contains(Keys(p.FilePathTemplate), MeasurementPlaceholder)
}

// GeoBox is the spatial grid of the product.
func (p *OutputProduct) GeoBox() GeoBox { return p.Sources.GeoBox }

// NumTimes is the length of the product's time axis.
func (p *OutputProduct) NumTimes() int { return len(p.Sources.Slices) }

// GeoBox is a north-up pixel grid.
type GeoBox struct {
	CRS    string
	Width  int
	Height int
	// Origin is the outer corner of the top left pixel.
	Origin orb.Point
	// Resolution is the pixel size; Y is usually negative.
	Resolution XY
}

// Transform returns the GDAL style affine geotransform.
func (g GeoBox) Transform() [6]float64 {
	return [6]float64{g.Origin[0], g.Resolution.X, 0, g.Origin[1], 0, g.Resolution.Y}
}

// Bound returns the bounding box of the grid in its CRS.
func (g GeoBox) Bound() orb.Bound {
	x0, y0 := g.Origin[0], g.Origin[1]
	x1 := x0 + float64(g.Width)*g.Resolution.X
	y1 := y0 + float64(g.Height)*g.Resolution.Y
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// Extent returns the grid outline as a polygon.
func (g GeoBox) Extent() orb.Polygon {
	return g.Bound().ToPolygon()
}

// XCoords returns the x coordinate of each pixel column centre.
func (g GeoBox) XCoords() []float64 {
	out := make([]float64, g.Width)
	for i := range out {
		out[i] = g.Origin[0] + (float64(i)+0.5)*g.Resolution.X
	}
	return out
}

// YCoords returns the y coordinate of each pixel row centre.
func (g GeoBox) YCoords() []float64 {
	out := make([]float64, g.Height)
	for i := range out {
		out[i] = g.Origin[1] + (float64(i)+0.5)*g.Resolution.Y
	}
	return out
}

// SourceDataset is one input dataset contributing to a product.
type SourceDataset struct {
	ID      string
	URI     string
	Product string
	CRS     string
	Extent  orb.Polygon
}

// TimeSlice groups the datasets observed at one time.
type TimeSlice struct {
	Time    time.Time
	Sources []SourceDataset
}

// SourceGrid is the resolved source collection of a product: its spatial
// grid and the datasets of each time slice.
type SourceGrid struct {
	GeoBox GeoBox
	Slices []TimeSlice
}

// Times returns the time coordinate of every slice.
func (g *SourceGrid) Times() []time.Time {
	out := make([]time.Time, len(g.Slices))
	for i, s := range g.Slices {
		out[i] = s.Time
	}
	return out
}

// Deduplicated returns the slices with repeated dataset ids removed from
// each slice. Order of first appearance is kept.
func (g *SourceGrid) Deduplicated() []TimeSlice {
	out := make([]TimeSlice, len(g.Slices))
	for i, s := range g.Slices {
		seen := map[string]struct{}{}
		ts := TimeSlice{Time: s.Time}
		for _, ds := range s.Sources {
			if _, ok := seen[ds.ID]; ok {
				continue
			}
			seen[ds.ID] = struct{}{}
			ts.Sources = append(ts.Sources, ds)
		}
		out[i] = ts
	}
	return out
}

// Datasets returns every distinct dataset across all slices in order of
// first appearance.
func (g *SourceGrid) Datasets() []SourceDataset {
	seen := map[string]struct{}{}
	var out []SourceDataset
	for _, s := range g.Slices {
		for _, ds := range s.Sources {
			if _, ok := seen[ds.ID]; ok {
				continue
			}
			seen[ds.ID] = struct{}{}
			out = append(out, ds)
		}
	}
	return out
}

// ProductNames returns the sorted distinct product names of the sources.
func (g *SourceGrid) ProductNames() []string {
	set := map[string]struct{}{}
	for _, ds := range g.Datasets() {
		if ds.Product != "" {
			set[ds.Product] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Params is everything a driver needs for one task.
type Params struct {
	Products         []*OutputProduct `validate:"required,min=1,dive,required"`
	Storage          StorageConfig
	OutputPath       string
	AppInfo          string
	GlobalAttributes map[string]interface{}
	VarAttributes    map[string]map[string]interface{}
	// Start and End bound the task period.
	Start  time.Time
	End    time.Time
	Logger *logger.Logger
}

// Validate checks the products and the storage configuration.
func (p *Params) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if err := p.Storage.Validate(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for _, prod := range p.Products {
		if _, ok := seen[prod.Name]; ok {
			return Errorf(KindUsage, "duplicate product %q", prod.Name)
		}
		seen[prod.Name] = struct{}{}
		for _, m := range prod.Measurements {
			if _, err := m.Type(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Product looks up a product by name.
func (p *Params) Product(name string) (*OutputProduct, bool) {
	for _, prod := range p.Products {
		if prod.Name == name {
			return prod, true
		}
	}
	return nil, false
}

// Log returns the task logger, or a no-op logger.
func (p *Params) Log() *logger.Logger {
	if p.Logger == nil {
		return logger.Nop()
	}
	return p.Logger
}

func (p *Params) String() string {
	names := make([]string, len(p.Products))
	for i, prod := range p.Products {
		names[i] = prod.Name
	}
	return fmt.Sprintf("<output.Params driver=%q products=%v>", p.Storage.Driver, names)
}
