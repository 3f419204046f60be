// Package zarrstore implements the "Zarr" output driver: one zarr v2
// directory store per product, laid out the way xarray reads it.
package zarrstore

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dieynaba77/datacube-core/dtype"
	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
	"github.com/dieynaba77/datacube-core/zarr"
)

const (
	Name   = "Zarr"
	Format = "Zarr"
)

// CompressorParam is the output parameter choosing the chunk compressor:
// "gzip", "zstd" or "none".
const CompressorParam = "compressor"

// TimeUnits are the CF units of the time coordinate.
const TimeUnits = "seconds since 1970-01-01 00:00:00"

var dims = []string{"time", "y", "x"}

// Driver writes zarr stores.
type Driver struct {
	*output.Base
	Reprojector provenance.Reprojector
}

// store is one open product.
type store struct {
	zs      *zarr.LocalStore
	path    string
	product *output.OutputProduct
	arrays  map[string]*zarr.Array
	attrs   zarr.Attributes
	times   int
}

// Close writes the root attributes and consolidates the metadata.
func (s *store) Close() error {
	if err := zarr.WriteAttributes(s.zs, "", s.attrs); err != nil {
		return err
	}
	_, err := zarr.Consolidate(s.zs)
	return err
}

func New(params *output.Params) (*Driver, error) {
	return &Driver{Base: output.NewBase(Name, Format, params, ".zarr")}, nil
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

type productPlan struct {
	product    *output.OutputProduct
	compressor *zarr.CompressionMeta
	sidecar    *provenance.Sidecar
}

// Open checks every product, then creates one store per product below its
// staging directory.
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
		if err := d.create(pp); err != nil {
			return err
		}
		pp.sidecar.Attach(d.Base)
	}
	return nil
}

func (d *Driver) planProduct(p *output.OutputProduct) (productPlan, error) {
	name, _ := p.OutputParams[CompressorParam].(string)
	cm, err := zarr.NewCompressionMeta(strings.ToLower(name))
	if err != nil {
		return productPlan{}, output.Errorf(output.KindUsage, "product %q: %v", p.Name, err)
	}
	for _, m := range p.Measurements {
		if _, err := m.Type(); err != nil {
			return productPlan{}, err
		}
	}
	dest, err := d.Planner.Destination(p, nil)
	if err != nil {
		return productPlan{}, err
	}
	if err := output.CheckAbsent(dest); err != nil {
		return productPlan{}, err
	}
	bands := map[string]provenance.Band{}
	for _, m := range p.Measurements {
		bands[m.Name] = provenance.Band{Path: provenance.FileURI(filepath.Join(dest, m.Name))}
	}
	sc, err := provenance.Prepare(d.Base, p, dest, bands, d.Reprojector)
	if err != nil {
		return productPlan{}, err
	}
	return productPlan{product: p, compressor: cm, sidecar: sc}, nil
}

func (d *Driver) create(pp productPlan) error {
	p := pp.product
	_, staging, err := d.Planner.Plan(p, nil)
	if err != nil {
		return err
	}
	zs, err := zarr.NewLocalStore(staging)
	if err != nil {
		return output.IOError(staging, err)
	}
	if err := zarr.CreateGroup(zs, ""); err != nil {
		return output.IOError(staging, err)
	}

	g := p.GeoBox()
	nt := p.NumTimes()
	s := &store{
		zs:      zs,
		path:    staging,
		product: p,
		arrays:  map[string]*zarr.Array{},
		attrs:   zarr.Attributes(output.MergeAttributes(d.Params.GlobalAttributes, nil, map[string]interface{}{"crs": g.CRS})),
		times:   nt,
	}

	times := make([]float64, nt)
	for i, t := range p.Sources.Times() {
		times[i] = float64(t.Unix())
	}
	coords := []struct {
		name   string
		values []float64
		attrs  zarr.Attributes
	}{
		{"time", times, zarr.Attributes{"units": TimeUnits, "calendar": "standard", "standard_name": "time"}},
		{"y", g.YCoords(), zarr.Attributes{"units": "metre", "standard_name": "projection_y_coordinate"}},
		{"x", g.XCoords(), zarr.Attributes{"units": "metre", "standard_name": "projection_x_coordinate"}},
	}
	for _, c := range coords {
		if err := s.coordinate(c.name, c.values, c.attrs); err != nil {
			return output.IOError(staging, err)
		}
	}

	shape := []int{nt, g.Height, g.Width}
	for _, m := range p.Measurements {
		dt, _ := m.Type()
		a, err := zarr.Create(zs, m.Name, &zarr.ArrayMeta{
			Shape:      shape,
			Chunks:     d.Params.Storage.ChunkShape(dims, shape),
			Dtype:      zarr.Basic(dt),
			Compressor: pp.compressor,
			FillValue:  fillValue(dt, m.Nodata),
		}, zarr.ModeWriteFail)
		if err != nil {
			return output.IOError(staging, err)
		}
		attrs := zarr.Attributes(d.VariableAttributes(m))
		attrs[zarr.DimensionsAttr] = dims
		attrs["crs"] = g.CRS
		attrs["nodata"] = m.Nodata
		if m.Units != "" {
			attrs["units"] = m.Units
		}
		if err := a.SetAttributes(attrs); err != nil {
			return output.IOError(staging, err)
		}
		s.arrays[m.Name] = a
	}
	return d.AddHandle(output.HandleKey{Product: p.Name}, staging, s)
}

func (s *store) coordinate(name string, values []float64, attrs zarr.Attributes) error {
	a, err := zarr.Create(s.zs, name, &zarr.ArrayMeta{
		Shape:     []int{len(values)},
		Chunks:    []int{max(len(values), 1)},
		Dtype:     zarr.Basic(dtype.Float64),
		FillValue: zarr.EncodeFillValue(0),
	}, zarr.ModeWriteFail)
	if err != nil {
		return err
	}
	attrs[zarr.DimensionsAttr] = []string{name}
	if err := a.SetAttributes(attrs); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return a.WriteRegion([]int{0}, []int{len(values)}, values)
}

// fillValue is the nodata of a measurement as stored by its dtype.
func fillValue(dt dtype.Dtype, nodata float64) interface{} {
	return zarr.EncodeFillValue(dt.Cast(nodata, nodata))
}

// Write stores the chunk in the measurement's array. A chunk without time
// is written to every time index.
func (d *Driver) Write(product, measurement string, c output.Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		s := res.(*store)
		a, ok := s.arrays[measurement]
		if !ok {
			return output.Errorf(output.KindNoOutputFileOpen, "product %q has no measurement %q", product, measurement)
		}
		g := s.product.GeoBox()
		if err := c.Validate(s.times, g.Height, g.Width); err != nil {
			return err
		}
		if c.HasTime() {
			offset := []int{c.Time.Start, c.Y.Start, c.X.Start}
			count := []int{c.Time.Len(), c.Y.Len(), c.X.Len()}
			if err := a.WriteRegion(offset, count, c.Values); err != nil {
				return output.IOError(s.path, err)
			}
			return nil
		}
		count := []int{1, c.Y.Len(), c.X.Len()}
		for _, t := range c.TimeIndices(s.times) {
			if err := a.WriteRegion([]int{t, c.Y.Start, c.X.Start}, count, c.Values); err != nil {
				return output.IOError(s.path, err)
			}
		}
		return nil
	})
}

// WriteGlobalAttributes merges attrs into the root attributes of every
// store.
func (d *Driver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(_ output.HandleKey, res io.Closer) error {
		s := res.(*store)
		for k, v := range attrs {
			if t, ok := v.(time.Time); ok {
				v = output.FormatAttribute(t)
			}
			s.attrs[k] = v
		}
		return nil
	})
}
