package envibil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/dieynaba77/datacube-core/envi"
	"github.com/dieynaba77/datacube-core/geotiff"
	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
)

func testParams(t *testing.T, outputParams map[string]interface{}) *output.Params {
	g := output.GeoBox{CRS: "EPSG:3577", Width: 5, Height: 3, Origin: orb.Point{0, 300}, Resolution: output.XY{X: 100, Y: -100}}
	return &output.Params{
		Products: []*output.OutputProduct{{
			Name: "summary",
			Measurements: []output.Measurement{
				{Name: "low", Dtype: "int16", Nodata: -1},
				{Name: "high", Dtype: "int16", Nodata: -1},
			},
			OutputParams:     outputParams,
			FilePathTemplate: "{name}.bil",
			Sources: &output.SourceGrid{GeoBox: g, Slices: []output.TimeSlice{{
				Time:    time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC),
				Sources: []output.SourceDataset{{ID: "ds-1", Product: "ls8_nbar", CRS: "EPSG:3577", Extent: g.Bound().Pad(50).ToPolygon()}},
			}}},
		}},
		Storage: output.StorageConfig{
			Driver: Name, CRS: "EPSG:3577",
			Resolution:     output.XY{X: 100, Y: -100},
			Chunking:       map[string]int{"time": 1, "y": 16, "x": 16},
			DimensionOrder: []string{"time", "y", "x"},
		},
		OutputPath: t.TempDir(),
	}
}

var (
	low  = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	high = []float64{-1, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120, 130, 140, 150}
)

func write(d *Driver) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := d.Write("summary", "low", output.Chunk{Y: output.Span(0, 3), X: output.Span(0, 5), Values: low}); err != nil {
			return err
		}
		return d.Write("summary", "high", output.Chunk{Y: output.Span(0, 3), X: output.Span(0, 5), Values: high})
	}
}

func TestConvertOnCommit(t *testing.T) {
	prm := testParams(t, nil)
	d, _ := New(prm)
	paths, err := output.Session(context.Background(), d, write(d))
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(prm.OutputPath, "summary.bil")
	if len(paths) != 1 || paths[0] != dest {
		t.Fatalf("unexpected paths %v", paths)
	}
	var names []string
	es, _ := os.ReadDir(prm.OutputPath)
	for _, e := range es {
		names = append(names, e.Name())
	}
	if strings.Join(names, " ") != "summary.bil summary.hdr summary.yaml" {
		t.Errorf("unexpected files %v", names)
	}
	if len(d.ConversionErrors()) != 0 {
		t.Errorf("unexpected conversion errors %v", d.ConversionErrors())
	}

	h, err := envi.ReadHeader(envi.HeaderPath(dest))
	if err != nil {
		t.Fatal(err)
	}
	if h.Bands != 2 || h.Samples != 5 || h.Lines != 3 || h.Nodata == nil || *h.Nodata != -1 {
		t.Errorf("unexpected header %+v", h)
	}
	if len(h.BandNames) != 2 || h.BandNames[0] != "low" || h.BandNames[1] != "high" {
		t.Errorf("unexpected band names %v", h.BandNames)
	}
	bands, err := envi.ReadBIL(dest, h)
	if err != nil {
		t.Fatal(err)
	}
	for i := range low {
		if bands[0][i] != low[i] || bands[1][i] != high[i] {
			t.Fatalf("pixel %d: got %v %v", i, bands[0][i], bands[1][i])
		}
	}

	doc, err := provenance.Read(filepath.Join(prm.OutputPath, "summary.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Format.Name != "ENVI" || doc.Image.Bands["high"].Layer != 2 {
		t.Errorf("unexpected document %+v", doc)
	}
}

type failing struct{}

func (failing) Convert(ctx context.Context, src, dst string) error {
	if err := os.WriteFile(dst, []byte("partial"), 0o644); err != nil {
		return err
	}
	return errors.New("conversion crashed")
}

func TestConversionFailureKeepsGeoTIFF(t *testing.T) {
	prm := testParams(t, nil)
	d, _ := New(prm)
	dest := filepath.Join(prm.OutputPath, "summary.bil")
	paths, err := output.Session(context.Background(), d, func(ctx context.Context) error {
		d.mu.Lock()
		d.converters[dest] = failing{}
		d.mu.Unlock()
		return write(d)(ctx)
	})
	if err != nil {
		t.Fatalf("conversion failures must not fail the task: %v", err)
	}
	tif := filepath.Join(prm.OutputPath, "summary.tif")
	if len(paths) != 1 || paths[0] != tif {
		t.Fatalf("expected the kept GeoTIFF, got %v", paths)
	}
	if errs := d.ConversionErrors(); errs[dest] == nil {
		t.Errorf("expected a recorded conversion error, got %v", errs)
	}
	var names []string
	es, _ := os.ReadDir(prm.OutputPath)
	for _, e := range es {
		names = append(names, e.Name())
	}
	if strings.Join(names, " ") != "summary.tif summary.yaml" {
		t.Errorf("unexpected files %v", names)
	}
	f, err := geotiff.Open(tif)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, _ := f.ReadBand(2)
	if got[1] != 20 {
		t.Errorf("unexpected data %v", got)
	}
}

func TestUnknownConverter(t *testing.T) {
	d, _ := New(testParams(t, map[string]interface{}{ConverterParam: "imagemagick"}))
	if err := d.Open(context.Background()); !errors.Is(err, output.ErrUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestDiscardSkipsConversion(t *testing.T) {
	prm := testParams(t, nil)
	d, _ := New(prm)
	boom := errors.New("boom")
	paths, err := output.Session(context.Background(), d, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".tmp") {
		t.Errorf("expected the staging path, got %v", paths)
	}
	if _, err := os.Stat(filepath.Join(prm.OutputPath, "summary.bil")); !os.IsNotExist(err) {
		t.Error("expected no destination")
	}
}
