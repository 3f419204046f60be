// Package memory implements the "Memory" output driver, which accumulates
// products in labelled in-process arrays instead of files.
package memory

import (
	"context"
	"io"
	"time"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
)

// Name is the registry name of the driver.
const Name = "Memory"

// Variable is one measurement of a Dataset, stored (time, y, x) row-major.
type Variable struct {
	Name   string
	Dtype  dtype.Dtype
	Nodata float64
	Units  string
	Attrs  map[string]interface{}
	Dims   []string
	Shape  []int
	Data   []float64
}

// Plane returns the (y, x) values at time index t.
func (v *Variable) Plane(t int) []float64 {
	n := v.Shape[1] * v.Shape[2]
	return v.Data[t*n : (t+1)*n]
}

// At returns the value at (t, y, x).
func (v *Variable) At(t, y, x int) float64 {
	return v.Data[(t*v.Shape[1]+y)*v.Shape[2]+x]
}

func (v *Variable) fill(nt, height, width int) {
	v.Shape = []int{nt, height, width}
	v.Data = make([]float64, nt*height*width)
	for i := range v.Data {
		v.Data[i] = v.Nodata
	}
}

// Dataset is the accumulated result of one product.
type Dataset struct {
	Product   string
	Dims      []string
	Times     []time.Time
	Y         []float64
	X         []float64
	CRS       string
	Attrs     map[string]interface{}
	Variables map[string]*Variable
	// Order lists the variables in measurement order.
	Order      []string
	Provenance *provenance.Document

	// timeFixed is set by the first write.
	timeFixed bool
}

func (ds *Dataset) Close() error { return nil }

// Driver accumulates writes in memory.
type Driver struct {
	*output.Base
	Reprojector provenance.Reprojector
}

func New(params *output.Params) (*Driver, error) {
	return &Driver{Base: output.NewBase(Name, Name, params)}, nil
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

// Open allocates every product, filled with nodata. A product without
// sources fails with NoValidSources.
func (d *Driver) Open(ctx context.Context) error {
	if err := d.BeginOpen(ctx); err != nil {
		return err
	}
	datasets := make([]*Dataset, 0, len(d.Params.Products))
	for _, p := range d.Params.Products {
		doc, err := provenance.Build(p, provenance.Options{
			AppInfo:     d.Params.AppInfo,
			Format:      d.Format(),
			Reprojector: d.Reprojector,
		})
		if err != nil {
			return err
		}
		ds, err := d.allocate(p)
		if err != nil {
			return err
		}
		ds.Provenance = doc
		datasets = append(datasets, ds)
	}
	for _, ds := range datasets {
		if err := d.AddHandle(output.HandleKey{Product: ds.Product}, "", ds); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) allocate(p *output.OutputProduct) (*Dataset, error) {
	g := p.GeoBox()
	ds := &Dataset{
		Product:   p.Name,
		Dims:      []string{"time", "y", "x"},
		Times:     p.Sources.Times(),
		Y:         g.YCoords(),
		X:         g.XCoords(),
		CRS:       g.CRS,
		Attrs:     output.MergeAttributes(d.Params.GlobalAttributes, nil, nil),
		Variables: map[string]*Variable{},
	}
	for _, m := range p.Measurements {
		dt, err := m.Type()
		if err != nil {
			return nil, err
		}
		v := &Variable{
			Name:   m.Name,
			Dtype:  dt,
			Nodata: m.Nodata,
			Units:  m.Units,
			Attrs:  d.VariableAttributes(m),
			Dims:   ds.Dims,
		}
		v.fill(len(ds.Times), g.Height, g.Width)
		ds.Variables[m.Name] = v
		ds.Order = append(ds.Order, m.Name)
	}
	return ds, nil
}

// Write casts the chunk to the measurement dtype and stores it.
//
// The first write to a product fixes its time axis: a chunk carrying time
// labels from index 0 replaces the axis with its labels, any other chunk
// keeps the source times. Later labelled chunks must agree with the axis.
// Chunks without time are broadcast over the whole axis.
func (d *Driver) Write(product, measurement string, c output.Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		ds := res.(*Dataset)
		v, ok := ds.Variables[measurement]
		if !ok {
			return output.Errorf(output.KindNoOutputFileOpen, "product %q has no measurement %q", product, measurement)
		}
		times := ds.Times
		if !ds.timeFixed {
			times = ds.axisFor(c)
		} else if err := ds.checkTimes(c); err != nil {
			return err
		}
		nt := len(times)
		if err := c.Validate(nt, len(ds.Y), len(ds.X)); err != nil {
			return err
		}
		if !ds.timeFixed {
			ds.fixTime(times)
		}
		w := len(ds.X)
		for i, t := range c.TimeIndices(nt) {
			plane := c.Plane(i)
			dst := v.Plane(t)
			for y := 0; y < c.Y.Len(); y++ {
				row := plane[y*c.X.Len() : (y+1)*c.X.Len()]
				off := (c.Y.Start+y)*w + c.X.Start
				for x, val := range row {
					dst[off+x] = v.Dtype.Cast(val, v.Nodata)
				}
			}
		}
		return nil
	})
}

// axisFor returns the time axis the first chunk c would establish.
func (ds *Dataset) axisFor(c output.Chunk) []time.Time {
	if len(c.Times) == 0 || c.Time.Start != 0 {
		return ds.Times
	}
	return c.Times
}

// fixTime establishes times as the axis, refilling every variable when its
// length changes. It runs only after the first chunk was accepted.
func (ds *Dataset) fixTime(times []time.Time) {
	ds.timeFixed = true
	if equalTimes(times, ds.Times) {
		return
	}
	resize := len(times) != len(ds.Times)
	ds.Times = append([]time.Time(nil), times...)
	if !resize {
		return
	}
	for _, v := range ds.Variables {
		v.fill(len(ds.Times), len(ds.Y), len(ds.X))
	}
}

func (ds *Dataset) checkTimes(c output.Chunk) error {
	if len(c.Times) == 0 {
		return nil
	}
	if c.Time.Stop > len(ds.Times) || c.Time.Start < 0 {
		return output.Errorf(output.KindInvalidChunk, "time window %s outside %d slices", c.Time, len(ds.Times))
	}
	if !equalTimes(c.Times, ds.Times[c.Time.Start:c.Time.Stop]) {
		return output.Errorf(output.KindInvalidChunk, "time labels of %s differ from the established axis", c.Time)
	}
	return nil
}

func equalTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// WriteGlobalAttributes merges attrs into every dataset.
func (d *Driver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(_ output.HandleKey, res io.Closer) error {
		ds := res.(*Dataset)
		ds.Attrs = output.MergeAttributes(ds.Attrs, attrs, nil)
		return nil
	})
}

// Result returns the datasets by product name. Call it after Close.
func (d *Driver) Result() map[string]*Dataset {
	out := map[string]*Dataset{}
	d.Resources(func(k output.HandleKey, res io.Closer) {
		out[k.Product] = res.(*Dataset)
	})
	return out
}

// Collect runs fn inside a session of d and returns what it accumulated.
// The result is nil when the session fails.
func Collect(ctx context.Context, d *Driver, fn func(ctx context.Context) error) (map[string]*Dataset, error) {
	if _, err := output.Session(ctx, d, fn); err != nil {
		return nil, err
	}
	return d.Result(), nil
}
