// Package envibil implements the "ENVI BIL" output driver. Files are written
// as GeoTIFF under their .bil name and converted to ENVI band interleaved by
// line after they are committed.
package envibil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dieynaba77/datacube-core/drivers/gtiff"
	"github.com/dieynaba77/datacube-core/envi"
	"github.com/dieynaba77/datacube-core/output"
)

const (
	Name   = "ENVI BIL"
	Format = "ENVI"
)

// ConverterParam is the output parameter choosing the converter of a
// product: "native" (default) or "gdal".
const ConverterParam = "converter"

// Driver writes GeoTIFF files and converts them to ENVI BIL on commit.
// Conversion is best effort: a failure keeps the committed GeoTIFF, renamed
// to .tif, and is reported by ConversionErrors.
type Driver struct {
	*gtiff.Driver

	mu         sync.Mutex
	converters map[string]envi.Converter
	convErrs   map[string]error

	closeOnce  sync.Once
	closePaths []string
	closeErr   error
}

func New(params *output.Params) (*Driver, error) {
	return &Driver{
		Driver:     gtiff.NewNamed(Name, Format, params, ".bil"),
		converters: map[string]envi.Converter{},
		convErrs:   map[string]error{},
	}, nil
}

// Factory creates the driver for a registry.
func Factory(params *output.Params) (output.Driver, error) { return New(params) }

// Open resolves the converter of every product, then opens the GeoTIFF
// files.
func (d *Driver) Open(ctx context.Context) error {
	for _, p := range d.Params.Products {
		name, _ := p.OutputParams[ConverterParam].(string)
		conv, err := envi.ConverterFor(name)
		if err != nil {
			return output.Errorf(output.KindUsage, "product %q: %v", p.Name, err)
		}
		dests, err := d.Destinations(p)
		if err != nil {
			return err
		}
		d.mu.Lock()
		for _, dest := range dests {
			d.converters[dest] = conv
		}
		d.mu.Unlock()
	}
	return d.Driver.Open(ctx)
}

// Close commits or discards the GeoTIFF files; committed files are then
// converted. The returned paths name the .bil files, or the .tif kept for a
// failed conversion.
func (d *Driver) Close(success bool) ([]string, error) {
	d.closeOnce.Do(func() {
		paths, err := d.Driver.Close(success)
		if !success || err != nil {
			d.closePaths, d.closeErr = paths, err
			return
		}
		out := make([]string, len(paths))
		for i, p := range paths {
			out[i] = d.convert(p)
		}
		d.closePaths = out
	})
	return d.closePaths, d.closeErr
}

// ConversionErrors returns the failed conversions by destination.
func (d *Driver) ConversionErrors() map[string]error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]error, len(d.convErrs))
	for k, v := range d.convErrs {
		out[k] = v
	}
	return out
}

// convert turns the committed GeoTIFF at dest into ENVI BIL at dest and
// returns the path of the resulting primary file.
func (d *Driver) convert(dest string) string {
	d.mu.Lock()
	conv, ok := d.converters[dest]
	d.mu.Unlock()
	if !ok {
		conv = envi.Native{}
	}

	tif := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".tif"
	if err := output.AtomicRename(dest, tif); err != nil {
		d.fail(dest, err)
		return dest
	}

	dir, base := filepath.Split(dest)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	staging := filepath.Join(dir, fmt.Sprintf(".%s.%s.bil", stem, uuid.NewString()))
	if err := conv.Convert(context.Background(), tif, staging); err != nil {
		os.Remove(staging)
		os.Remove(envi.HeaderPath(staging))
		d.fail(dest, err)
		return tif
	}
	if err := os.Rename(envi.HeaderPath(staging), envi.HeaderPath(dest)); err != nil {
		os.Remove(staging)
		os.Remove(envi.HeaderPath(staging))
		d.fail(dest, err)
		return tif
	}
	if err := output.AtomicRename(staging, dest); err != nil {
		os.Remove(staging)
		d.fail(dest, err)
		return tif
	}
	if err := os.Remove(tif); err != nil {
		d.Log.Warn("cannot remove intermediate GeoTIFF", map[string]interface{}{"path": tif, "error": err.Error()})
	}
	d.Log.Info("converted to ENVI BIL", map[string]interface{}{"path": dest})
	return dest
}

func (d *Driver) fail(dest string, err error) {
	d.Log.WithError(err).Error("ENVI conversion failed", map[string]interface{}{"path": dest})
	d.mu.Lock()
	defer d.mu.Unlock()
	d.convErrs[dest] = err
}
