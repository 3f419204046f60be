// Package drivers registers the output drivers shipped with datacube-core.
package drivers

import (
	"github.com/dieynaba77/datacube-core/drivers/envibil"
	"github.com/dieynaba77/datacube-core/drivers/gtiff"
	"github.com/dieynaba77/datacube-core/drivers/memory"
	"github.com/dieynaba77/datacube-core/drivers/netcdfcf"
	"github.com/dieynaba77/datacube-core/drivers/nop"
	"github.com/dieynaba77/datacube-core/drivers/zarrstore"
	"github.com/dieynaba77/datacube-core/output"
)

// All lists every driver by registry name.
var All = []struct {
	Name    string
	Factory output.Factory
}{
	{netcdfcf.Name, netcdfcf.Factory},
	{zarrstore.Name, zarrstore.Factory},
	{gtiff.Name, gtiff.Factory},
	{envibil.Name, envibil.Factory},
	{memory.Name, memory.Factory},
	{nop.Name, nop.Factory},
}

// RegisterAll adds every driver to reg. Call it once at process start,
// usually with output.DefaultRegistry.
func RegisterAll(reg *output.Registry) error {
	for _, d := range All {
		if err := reg.Register(d.Name, d.Factory); err != nil {
			return err
		}
	}
	return nil
}
