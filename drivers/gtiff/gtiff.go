// Package gtiff implements the "GeoTIFF" output driver: one tiled
// multi-band file per product, or one single band file per measurement when
// the file name template contains {var_name}.
package gtiff

import (
	"context"
	"io"
	"math"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/geotiff"
	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
)

const (
	Name   = "GeoTIFF"
	Format = "GeoTIFF"
)

// Extensions are the suffixes the driver writes.
var Extensions = []string{".tif", ".tiff"}

// dtypeMap lists dtypes GeoTIFF readers do not handle well and their
// replacement.
var dtypeMap = map[string]string{
	"int8": "uint8",
}

// Driver writes GeoTIFF files.
type Driver struct {
	*output.Base
	// Reprojector moves source extents into the output grid for the sidecar
	// footprint. Identity when nil.
	Reprojector provenance.Reprojector
}

// file is one open GeoTIFF.
type file struct {
	w       *geotiff.Writer
	path    string
	product *output.OutputProduct
	nodata  float64
	// first maps a measurement to its first band, counted from 1.
	first map[string]int
	times int
}

func (f *file) Close() error { return f.w.Close() }

// layout is a file to create, decided before any I/O.
type layout struct {
	key          output.HandleKey
	extra        map[string]interface{}
	measurements []output.Measurement
	dtype        dtype.Dtype
	nodata       float64
}

func New(params *output.Params) (*Driver, error) {
	return NewNamed(Name, Format, params, Extensions...), nil
}

// NewNamed creates a GeoTIFF writing driver registered under another name
// and extensions, for drivers that post-process GeoTIFF files.
func NewNamed(name, format string, params *output.Params, extensions ...string) *Driver {
	return &Driver{Base: output.NewBase(name, format, params, extensions...)}
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

// TargetType returns the dtype and nodata a measurement is stored with.
func TargetType(m output.Measurement) (dtype.Dtype, float64, error) {
	name := m.Dtype
	if mapped, ok := dtypeMap[strings.ToLower(name)]; ok {
		name = mapped
	}
	dt, err := dtype.Parse(name)
	if err != nil {
		return dtype.Dtype{}, 0, output.Errorf(output.KindUsage, "measurement %q: %v", m.Name, err)
	}
	nodata := m.Nodata
	if dt.Equal(dtype.Uint8) && nodata < 0 {
		nodata = 255
	}
	return dt, nodata, nil
}

// layouts decides the files of product p. A multi-band file needs a single
// declared dtype and nodata across the measurements; the GeoTIFF mapping is
// applied to the file afterwards.
func (d *Driver) layouts(p *output.OutputProduct) ([]layout, error) {
	if p.PerMeasurementFiles() {
		out := make([]layout, 0, len(p.Measurements))
		for _, m := range p.Measurements {
			dt, nodata, err := TargetType(m)
			if err != nil {
				return nil, err
			}
			out = append(out, layout{
				key:          output.HandleKey{Product: p.Name, Measurement: m.Name},
				extra:        map[string]interface{}{output.MeasurementPlaceholder: m.Name},
				measurements: []output.Measurement{m},
				dtype:        dt,
				nodata:       nodata,
			})
		}
		return out, nil
	}

	if len(p.Measurements) == 0 {
		return nil, output.Errorf(output.KindUsage, "product %q has no measurements", p.Name)
	}
	first := p.Measurements[0]
	declared, err := first.Type()
	if err != nil {
		return nil, err
	}
	for _, m := range p.Measurements[1:] {
		dt, err := m.Type()
		if err != nil {
			return nil, err
		}
		if !dt.Equal(declared) {
			return nil, output.Errorf(output.KindIncompatibleMeasurements,
				"product %q: measurement %q is %s, %q is %s; a multi-band GeoTIFF needs one dtype",
				p.Name, first.Name, declared.Name(), m.Name, dt.Name())
		}
		if !sameNodata(m.Nodata, first.Nodata) {
			return nil, output.Errorf(output.KindIncompatibleMeasurements,
				"product %q: nodata %v of %q differs from %v; a multi-band GeoTIFF needs one nodata",
				p.Name, m.Nodata, m.Name, first.Nodata)
		}
	}
	dt, nodata, err := TargetType(first)
	if err != nil {
		return nil, err
	}
	return []layout{{
		key:          output.HandleKey{Product: p.Name},
		measurements: p.Measurements,
		dtype:        dt,
		nodata:       nodata,
	}}, nil
}

func sameNodata(a, b float64) bool {
	return a == b || (math.IsNaN(a) && math.IsNaN(b))
}

// productPlan is everything Open decided for a product.
type productPlan struct {
	product *output.OutputProduct
	files   []layout
	sidecar *provenance.Sidecar
}

// Open checks every product, then creates its files. Incompatible
// measurements, an existing destination or a product without sources fail
// before any file is created.
func (d *Driver) Open(ctx context.Context) error {
	if err := d.BeginOpen(ctx); err != nil {
		return err
	}
	plans := make([]productPlan, 0, len(d.Params.Products))
	for _, p := range d.Params.Products {
		pp, err := d.planProduct(p)
		if err != nil {
			return err
		}
		plans = append(plans, pp)
	}
	for _, pp := range plans {
		for _, l := range pp.files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := d.create(pp.product, l); err != nil {
				return err
			}
		}
		pp.sidecar.Attach(d.Base)
	}
	return nil
}

func (d *Driver) planProduct(p *output.OutputProduct) (productPlan, error) {
	files, err := d.layouts(p)
	if err != nil {
		return productPlan{}, err
	}
	nt := max(p.NumTimes(), 1)
	bands := map[string]provenance.Band{}
	for _, l := range files {
		dest, err := d.Planner.Destination(p, l.extra)
		if err != nil {
			return productPlan{}, err
		}
		if err := output.CheckAbsent(dest); err != nil {
			return productPlan{}, err
		}
		for i, m := range l.measurements {
			bands[m.Name] = provenance.Band{Path: provenance.FileURI(dest), Layer: i*nt + 1}
		}
	}

	var sidecarDest string
	if p.PerMeasurementFiles() {
		sidecarDest, err = d.Planner.Destination(p, map[string]interface{}{output.MeasurementPlaceholder: ""})
	} else {
		sidecarDest, err = d.Planner.Destination(p, nil)
	}
	if err != nil {
		return productPlan{}, err
	}
	sc, err := provenance.Prepare(d.Base, p, sidecarDest, bands, d.Reprojector)
	if err != nil {
		return productPlan{}, err
	}
	return productPlan{product: p, files: files, sidecar: sc}, nil
}

func (d *Driver) create(p *output.OutputProduct, l layout) error {
	_, staging, err := d.Planner.Plan(p, l.extra)
	if err != nil {
		return err
	}
	bx, by, err := d.Params.Storage.BlockSize()
	if err != nil {
		return err
	}
	g := p.GeoBox()
	nt := max(p.NumTimes(), 1)
	nodata := l.nodata
	w, err := geotiff.Create(staging, geotiff.Options{
		Width:       g.Width,
		Height:      g.Height,
		Bands:       len(l.measurements) * nt,
		Dtype:       l.dtype,
		BlockWidth:  bx,
		BlockHeight: by,
		Transform:   g.Transform(),
		CRS:         g.CRS,
		Nodata:      &nodata,
	})
	if err != nil {
		return output.IOError(staging, err)
	}
	w.SetMetadata("created", d.Params.AppInfo)
	f := &file{w: w, path: staging, product: p, nodata: nodata, first: map[string]int{}, times: nt}

	start, end := d.period(p)
	tags := map[string]string{
		"source_product": strings.Join(p.Sources.ProductNames(), ","),
		"start_date":     start,
		"end_date":       end,
	}
	for i, m := range l.measurements {
		f.first[m.Name] = i*nt + 1
		for t := 0; t < nt; t++ {
			band := i*nt + t + 1
			for k, v := range tags {
				if err := w.SetBandMetadata(band, k, v); err != nil {
					w.Close()
					return err
				}
			}
			if err := w.SetBandMetadata(band, "name", m.Name); err != nil {
				w.Close()
				return err
			}
		}
	}
	return d.AddHandle(l.key, staging, f)
}

// period formats the task period, or the span of the product's time slices
// when the task has none.
func (d *Driver) period(p *output.OutputProduct) (string, string) {
	start, end := d.Params.Start, d.Params.End
	if start.IsZero() || end.IsZero() {
		for i, t := range p.Sources.Times() {
			if i == 0 || t.Before(start) {
				start = t
			}
			if i == 0 || t.After(end) {
				end = t
			}
		}
	}
	return day(start), day(end)
}

func day(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	s, err := strftime.Format("%Y-%m-%d", t)
	if err != nil {
		return t.Format("2006-01-02")
	}
	return s
}

// Write stores the chunk in the bands of measurement, one band per time
// index.
func (d *Driver) Write(product, measurement string, c output.Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		f := res.(*file)
		first, ok := f.first[measurement]
		if !ok {
			return output.Errorf(output.KindNoOutputFileOpen, "product %q has no measurement %q", product, measurement)
		}
		m, _, _ := f.product.Measurement(measurement)
		g := f.product.GeoBox()
		if err := c.Validate(f.times, g.Height, g.Width); err != nil {
			return err
		}
		for i, t := range c.TimeIndices(f.times) {
			plane := c.Plane(i)
			if m.Nodata != f.nodata {
				plane = replace(plane, m.Nodata, f.nodata)
			}
			if err := f.w.WriteWindow(first+t, c.X.Start, c.Y.Start, c.X.Len(), c.Y.Len(), plane); err != nil {
				return output.IOError(f.path, err)
			}
		}
		return nil
	})
}

func replace(values []float64, from, to float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v == from {
			v = to
		}
		out[i] = v
	}
	return out
}

// WriteGlobalAttributes tags every open file.
func (d *Driver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(_ output.HandleKey, res io.Closer) error {
		f := res.(*file)
		for k, v := range attrs {
			f.w.SetMetadata(k, output.FormatAttribute(v))
		}
		return nil
	})
}

// Destinations returns the data files product p is written to.
func (d *Driver) Destinations(p *output.OutputProduct) ([]string, error) {
	files, err := d.layouts(p)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, l := range files {
		dest, err := d.Planner.Destination(p, l.extra)
		if err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	return out, nil
}
