// Package netcdfcf implements the "NetCDF CF" output driver: one NetCDF
// classic file per product following the CF conventions.
package netcdfcf

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"time"

	"github.com/ctessum/cdf"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
)

const (
	Name   = "NetCDF CF"
	Format = "NetCDF"
)

// TimeUnits are the CF units of the time coordinate.
const TimeUnits = "seconds since 1970-01-01 00:00:00"

// Conventions is written as the global "Conventions" attribute.
const Conventions = "CF-1.6, ACDD-1.3"

var dims = []string{"time", "y", "x"}

// storedTypes maps dtypes the classic format lacks onto one that holds
// every value. uint8 is stored as byte and flagged _Unsigned.
var storedTypes = map[string]dtype.Dtype{
	"int8":    dtype.Int8,
	"uint8":   dtype.Int8,
	"int16":   dtype.Int16,
	"uint16":  dtype.Int32,
	"int32":   dtype.Int32,
	"uint32":  dtype.Float64,
	"int64":   dtype.Float64,
	"uint64":  dtype.Float64,
	"float32": dtype.Float32,
	"float64": dtype.Float64,
}

// Driver writes NetCDF files.
type Driver struct {
	*output.Base
	Reprojector provenance.Reprojector
}

func New(params *output.Params) (*Driver, error) {
	return &Driver{Base: output.NewBase(Name, Format, params, ".nc")}, nil
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

// variable is a measurement as laid out in the file.
type variable struct {
	m      output.Measurement
	dtype  dtype.Dtype
	stored dtype.Dtype
	// fill is the nodata as the stored type holds it.
	fill float64
}

func newVariable(m output.Measurement) (variable, error) {
	dt, err := m.Type()
	if err != nil {
		return variable{}, err
	}
	stored, ok := storedTypes[dt.Name()]
	if !ok {
		return variable{}, output.Errorf(output.KindUsage, "measurement %q: dtype %s cannot be stored in NetCDF", m.Name, dt.Name())
	}
	v := variable{m: m, dtype: dt, stored: stored}
	v.fill = v.store(m.Nodata)
	return v, nil
}

func (v variable) unsigned() bool { return v.dtype.Equal(dtype.Uint8) }

// store casts a value to the measurement dtype and returns it as the
// stored type holds it.
func (v variable) store(x float64) float64 {
	x = v.dtype.Cast(x, v.m.Nodata)
	if v.unsigned() {
		return float64(int8(uint8(x)))
	}
	return x
}

// slice converts values to the Go slice type of the stored type.
func (v variable) slice(values []float64) interface{} {
	return typed(v.stored, values, v.store)
}

func typed(dt dtype.Dtype, values []float64, conv func(float64) float64) interface{} {
	if conv == nil {
		conv = func(x float64) float64 { return x }
	}
	switch {
	case dt.Equal(dtype.Int8):
		out := make([]int8, len(values))
		for i, x := range values {
			out[i] = int8(conv(x))
		}
		return out
	case dt.Equal(dtype.Int16):
		out := make([]int16, len(values))
		for i, x := range values {
			out[i] = int16(conv(x))
		}
		return out
	case dt.Equal(dtype.Int32):
		out := make([]int32, len(values))
		for i, x := range values {
			out[i] = int32(conv(x))
		}
		return out
	case dt.Equal(dtype.Float32):
		out := make([]float32, len(values))
		for i, x := range values {
			out[i] = float32(conv(x))
		}
		return out
	}
	out := make([]float64, len(values))
	for i, x := range values {
		out[i] = conv(x)
	}
	return out
}

// zero returns the value passed to AddVariable for the stored type.
func zero(dt dtype.Dtype) interface{} {
	switch {
	case dt.Equal(dtype.Int8):
		return int8(0)
	case dt.Equal(dtype.Int16):
		return int16(0)
	case dt.Equal(dtype.Int32):
		return int32(0)
	case dt.Equal(dtype.Float32):
		return float32(0)
	}
	return float64(0)
}

// layout is the header of one product file. It is kept so the header can be
// rebuilt with global attributes written after the file was created.
type layout struct {
	product   *output.OutputProduct
	variables []variable
	chunks    []int
	global    map[string]interface{}
	varAttrs  map[string]map[string]interface{}
}

func (l *layout) header() *cdf.Header {
	g := l.product.GeoBox()
	h := cdf.NewHeader(dims, []int{l.product.NumTimes(), g.Height, g.Width})

	h.AddVariable("time", []string{"time"}, float64(0))
	h.AddAttribute("time", "units", TimeUnits)
	h.AddAttribute("time", "calendar", "standard")
	h.AddAttribute("time", "standard_name", "time")
	h.AddAttribute("time", "axis", "T")
	for _, c := range []struct{ name, standard, axis string }{
		{"y", "projection_y_coordinate", "Y"},
		{"x", "projection_x_coordinate", "X"},
	} {
		h.AddVariable(c.name, []string{c.name}, float64(0))
		h.AddAttribute(c.name, "units", "metre")
		h.AddAttribute(c.name, "standard_name", c.standard)
		h.AddAttribute(c.name, "axis", c.axis)
	}

	chunks := make([]int32, len(l.chunks))
	for i, c := range l.chunks {
		chunks[i] = int32(c)
	}
	for _, v := range l.variables {
		name := v.m.Name
		h.AddVariable(name, dims, zero(v.stored))
		for _, k := range slices.Sorted(maps.Keys(l.varAttrs[name])) {
			h.AddAttribute(name, k, attrValue(l.varAttrs[name][k]))
		}
		if v.m.Units != "" {
			h.AddAttribute(name, "units", v.m.Units)
		}
		h.AddAttribute(name, "_FillValue", typed(v.stored, []float64{v.fill}, nil))
		if v.unsigned() {
			h.AddAttribute(name, "_Unsigned", "true")
		}
		h.AddAttribute(name, "crs", g.CRS)
		h.AddAttribute(name, "_ChunkSizes", chunks)
	}

	for _, k := range slices.Sorted(maps.Keys(l.global)) {
		h.AddAttribute("", k, attrValue(l.global[k]))
	}
	h.Define()
	return h
}

// file is one open NetCDF file.
type file struct {
	f      *os.File
	nc     *cdf.File
	path   string
	layout *layout
	// late holds global attributes written after the header.
	late map[string]interface{}
}

// Close closes the file, rewriting it when global attributes were written
// after it was created.
func (f *file) Close() error {
	if err := f.f.Close(); err != nil {
		return err
	}
	if len(f.late) == 0 {
		return nil
	}
	f.layout.global = output.MergeAttributes(f.layout.global, f.late, nil)
	return rewrite(f.path, f.layout)
}

type productPlan struct {
	layout  *layout
	sidecar *provenance.Sidecar
}

// Open checks every product, then creates its file with the complete
// header, the coordinates and every measurement filled with nodata.
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
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.create(pp.layout); err != nil {
			return err
		}
		pp.sidecar.Attach(d.Base)
	}
	return nil
}

func (d *Driver) planProduct(p *output.OutputProduct) (productPlan, error) {
	l := &layout{product: p, varAttrs: map[string]map[string]interface{}{}}
	for _, m := range p.Measurements {
		v, err := newVariable(m)
		if err != nil {
			return productPlan{}, err
		}
		l.variables = append(l.variables, v)
		l.varAttrs[m.Name] = d.VariableAttributes(m)
	}
	g := p.GeoBox()
	l.chunks = d.Params.Storage.ChunkShape(dims, []int{p.NumTimes(), g.Height, g.Width})

	dest, err := d.Planner.Destination(p, nil)
	if err != nil {
		return productPlan{}, err
	}
	if err := output.CheckAbsent(dest); err != nil {
		return productPlan{}, err
	}
	sc, err := provenance.Prepare(d.Base, p, dest, nil, d.Reprojector)
	if err != nil {
		return productPlan{}, err
	}
	l.global = output.MergeAttributes(map[string]interface{}{
		"Conventions": Conventions,
		"crs":         g.CRS,
		"product":     p.Name,
	}, nil, d.Params.GlobalAttributes)
	l.global["dataset_id"] = sc.Document.ID
	if d.Params.AppInfo != "" {
		l.global["history"] = d.Params.AppInfo
	}
	return productPlan{layout: l, sidecar: sc}, nil
}

func (d *Driver) create(l *layout) error {
	p := l.product
	_, staging, err := d.Planner.Plan(p, nil)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return output.IOError(staging, err)
	}
	nc, err := cdf.Create(f, l.header())
	if err != nil {
		f.Close()
		return output.IOError(staging, err)
	}
	if err := writeCoordinates(nc, p); err != nil {
		f.Close()
		return output.IOError(staging, err)
	}
	if err := prefill(nc, l); err != nil {
		f.Close()
		return output.IOError(staging, err)
	}
	return d.AddHandle(output.HandleKey{Product: p.Name}, staging, &file{f: f, nc: nc, path: staging, layout: l})
}

func writeCoordinates(nc *cdf.File, p *output.OutputProduct) error {
	g := p.GeoBox()
	times := p.Sources.Times()
	seconds := make([]float64, len(times))
	for i, t := range times {
		seconds[i] = float64(t.Unix())
	}
	for _, c := range []struct {
		name   string
		values []float64
	}{{"time", seconds}, {"y", g.YCoords()}, {"x", g.XCoords()}} {
		if len(c.values) == 0 {
			continue
		}
		if _, err := nc.Writer(c.name, nil, nil).Write(c.values); err != nil {
			return fmt.Errorf("writing %s: %w", c.name, err)
		}
	}
	return nil
}

// prefill writes nodata to every value of every measurement, one time
// slice at a time.
func prefill(nc *cdf.File, l *layout) error {
	g := l.product.GeoBox()
	plane := make([]float64, g.Height*g.Width)
	for _, v := range l.variables {
		for i := range plane {
			plane[i] = v.m.Nodata
		}
		values := v.slice(plane)
		for t := 0; t < l.product.NumTimes(); t++ {
			w := nc.Writer(v.m.Name, []int{t, 0, 0}, []int{t + 1, g.Height, g.Width})
			if _, err := w.Write(values); err != nil {
				return fmt.Errorf("filling %s: %w", v.m.Name, err)
			}
		}
	}
	return nil
}

// Write stores the chunk in the measurement's variable. A chunk without
// time is written to every time slice.
func (d *Driver) Write(product, measurement string, c output.Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		f := res.(*file)
		var v *variable
		for i := range f.layout.variables {
			if f.layout.variables[i].m.Name == measurement {
				v = &f.layout.variables[i]
			}
		}
		if v == nil {
			return output.Errorf(output.KindNoOutputFileOpen, "product %q has no measurement %q", product, measurement)
		}
		g := f.layout.product.GeoBox()
		nt := f.layout.product.NumTimes()
		if err := c.Validate(nt, g.Height, g.Width); err != nil {
			return err
		}
		for i, t := range c.TimeIndices(nt) {
			w := f.nc.Writer(measurement, []int{t, c.Y.Start, c.X.Start}, []int{t + 1, c.Y.Stop, c.X.Stop})
			if _, err := w.Write(v.slice(c.Plane(i))); err != nil {
				return output.IOError(f.path, err)
			}
		}
		return nil
	})
}

// WriteGlobalAttributes records attrs for every open file. The header of a
// NetCDF classic file is fixed once data follows it, so the files are
// rewritten with the new attributes when they are closed.
func (d *Driver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(_ output.HandleKey, res io.Closer) error {
		f := res.(*file)
		f.late = output.MergeAttributes(f.late, attrs, nil)
		return nil
	})
}

// rewrite replaces the file at path with one holding the header of l and
// the data of the original.
func rewrite(path string, l *layout) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	old, err := cdf.Open(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	tmp := path + ".rewrite"
	dst, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	nc, err := cdf.Create(dst, l.header())
	if err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	for _, name := range old.Header.Variables() {
		if err := copyVariable(old, nc, name); err != nil {
			dst.Close()
			os.Remove(tmp)
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// copyVariable copies a variable slab by slab along its first dimension.
func copyVariable(from, to *cdf.File, name string) error {
	lengths := from.Header.Lengths(name)
	if len(lengths) == 0 || lengths[0] == 0 {
		return nil
	}
	n := 1
	for _, l := range lengths[1:] {
		n *= l
	}
	for i := 0; i < lengths[0]; i++ {
		begin := make([]int, len(lengths))
		end := append([]int(nil), lengths...)
		begin[0], end[0] = i, i+1
		r := from.Reader(name, begin, end)
		buf := r.Zero(n)
		if _, err := r.Read(buf); err != nil && err != io.EOF {
			return err
		}
		if _, err := to.Writer(name, begin, end).Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// attrValue converts an attribute to a type the classic format stores.
func attrValue(v interface{}) interface{} {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return []float64{v}
	case float32:
		return []float32{v}
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return []int32{int32(v)}
		}
		return []float64{float64(v)}
	case int8:
		return []int8{v}
	case int16:
		return []int16{v}
	case int32:
		return []int32{v}
	case int64:
		return []float64{float64(v)}
	case uint8:
		return []int16{int16(v)}
	case []float64, []float32, []int32, []int16, []int8:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return output.FormatAttribute(v)
}
