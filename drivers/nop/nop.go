// Package nop implements the "Test" output driver. It writes nothing and
// checks that it is called the way a real driver expects.
package nop

import (
	"context"
	"io"
	"sync"

	"github.com/dieynaba77/datacube-core/output"
)

// Name is the registry name of the driver.
const Name = "Test"

// Driver accepts writes without doing any I/O.
type Driver struct {
	*output.Base
}

// sink counts what a handle received.
type sink struct {
	mu     sync.Mutex
	writes int
	values int
	attrs  map[string]interface{}
	closed bool
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Stats summarises the calls made on one handle.
type Stats struct {
	Writes int
	Values int
	Attrs  map[string]interface{}
	Closed bool
}

func New(params *output.Params) (*Driver, error) {
	return &Driver{Base: output.NewBase(Name, Name, params)}, nil
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

// Open registers one handle per product and measurement.
func (d *Driver) Open(ctx context.Context) error {
	if err := d.BeginOpen(ctx); err != nil {
		return err
	}
	for _, p := range d.Params.Products {
		for _, m := range p.Measurements {
			if err := d.AddHandle(output.HandleKey{Product: p.Name, Measurement: m.Name}, "", &sink{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write checks the chunk against the product grid and counts it.
func (d *Driver) Write(product, measurement string, c output.Chunk) error {
	return d.Use(product, measurement, func(res io.Closer) error {
		p, _ := d.Params.Product(product)
		g := p.GeoBox()
		if err := c.Validate(p.NumTimes(), g.Height, g.Width); err != nil {
			return err
		}
		s := res.(*sink)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.writes++
		s.values += len(c.Values)
		return nil
	})
}

func (d *Driver) WriteGlobalAttributes(attrs map[string]interface{}) error {
	return d.Each(func(_ output.HandleKey, res io.Closer) error {
		s := res.(*sink)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.attrs = output.MergeAttributes(s.attrs, attrs, nil)
		return nil
	})
}

// Stats returns what the handle of (product, measurement) received. It is
// usable after close.
func (d *Driver) Stats(product, measurement string) (Stats, bool) {
	var out Stats
	found := false
	key := output.HandleKey{Product: product, Measurement: measurement}
	d.Resources(func(k output.HandleKey, res io.Closer) {
		if k != key {
			return
		}
		s := res.(*sink)
		s.mu.Lock()
		defer s.mu.Unlock()
		out = Stats{Writes: s.writes, Values: s.values, Attrs: s.attrs, Closed: s.closed}
		found = true
	})
	return out, found
}
