package provenance

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/dieynaba77/datacube-core/output"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

// grid covers [0,100] x [0,100] at unit resolution.
func grid() output.GeoBox {
	return output.GeoBox{CRS: "EPSG:3577", Width: 100, Height: 100, Origin: orb.Point{0, 100}, Resolution: output.XY{X: 1, Y: -1}}
}

func area(mp orb.MultiPolygon) float64 {
	total := 0.0
	for _, p := range mp {
		total += planar.Area(p)
	}
	return total
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestValidDataUnion(t *testing.T) {
	sources := []output.SourceDataset{
		{ID: "a", CRS: "EPSG:3577", Extent: square(10, 10, 60, 60)},
		{ID: "b", CRS: "EPSG:3577", Extent: square(40, 40, 90, 90)},
	}
	mp, err := ValidData(grid(), sources, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp) != 1 {
		t.Fatalf("expected one polygon, got %d", len(mp))
	}
	if got := area(mp); !near(got, 4600) {
		t.Errorf("expected area 4600, got %v", got)
	}
	if mp[0][0].Orientation() != orb.CCW {
		t.Error("expected a counter clockwise outer ring")
	}
}

func TestValidDataClipsToGrid(t *testing.T) {
	sources := []output.SourceDataset{{ID: "a", Extent: square(-50, -50, 50, 50)}}
	mp, err := ValidData(grid(), sources, Identity{})
	if err != nil {
		t.Fatal(err)
	}
	if got := area(mp); !near(got, 2500) {
		t.Errorf("expected area 2500, got %v", got)
	}
	b := mp.Bound()
	if b.Min[0] < 0 || b.Min[1] < 0 {
		t.Errorf("expected footprint inside the grid, got %v", b)
	}
}

func TestValidDataDisjoint(t *testing.T) {
	sources := []output.SourceDataset{
		{ID: "a", Extent: square(10, 10, 20, 20)},
		{ID: "b", Extent: square(50, 50, 70, 70)},
	}
	mp, err := ValidData(grid(), sources, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp) != 2 {
		t.Fatalf("expected two polygons, got %d", len(mp))
	}
	if got := area(mp); !near(got, 500) {
		t.Errorf("expected area 500, got %v", got)
	}
}

func TestValidDataHole(t *testing.T) {
	// four overlapping bars around an uncovered centre
	sources := []output.SourceDataset{
		{ID: "bottom", Extent: square(10, 10, 90, 30)},
		{ID: "top", Extent: square(10, 70, 90, 90)},
		{ID: "left", Extent: square(10, 10, 30, 90)},
		{ID: "right", Extent: square(70, 10, 90, 90)},
	}
	mp, err := ValidData(grid(), sources, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp) != 1 || len(mp[0]) != 2 {
		t.Fatalf("expected one polygon with one hole, got %v", mp)
	}
	if mp[0][1].Orientation() != orb.CW {
		t.Error("expected a clockwise hole")
	}
	if got := area(mp); !near(got, 4800) {
		t.Errorf("expected area 4800, got %v", got)
	}
	if planar.MultiPolygonContains(mp, orb.Point{50, 50}) {
		t.Error("expected the centre to be outside the footprint")
	}
}

func TestValidDataOutsideGrid(t *testing.T) {
	sources := []output.SourceDataset{{ID: "a", Extent: square(200, 200, 300, 300)}}
	mp, err := ValidData(grid(), sources, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(mp) != 0 {
		t.Errorf("expected an empty footprint, got %v", mp)
	}
}

func TestValidDataReprojection(t *testing.T) {
	sources := []output.SourceDataset{{ID: "a", CRS: "EPSG:4326", Extent: square(0, 0, 1, 1)}}
	if _, err := ValidData(grid(), sources, nil); !errors.Is(err, ErrReprojection) {
		t.Errorf("expected reprojection error, got %v", err)
	}
}

func TestTolerance(t *testing.T) {
	g := output.GeoBox{Resolution: output.XY{X: 30, Y: -25}}
	if got := Tolerance(g); !near(got, 0.25) {
		t.Errorf("expected 0.25, got %v", got)
	}
}

func testProduct() *output.OutputProduct {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC)
	ds1 := output.SourceDataset{ID: "ds-1", Product: "ls8_nbar", URI: "file:///data/ds-1.yaml", CRS: "EPSG:3577", Extent: square(10, 10, 60, 60)}
	ds2 := output.SourceDataset{ID: "ds-2", Product: "ls8_nbar", CRS: "EPSG:3577", Extent: square(40, 40, 90, 90)}
	return &output.OutputProduct{
		Name:             "wofs_summary",
		ProductType:      "wofs_statistical_summary",
		Measurements:     []output.Measurement{{Name: "count_wet", Dtype: "int16", Nodata: -1}, {Name: "frequency", Dtype: "float32", Nodata: -1}},
		FilePathTemplate: "{name}.nc",
		Sources: &output.SourceGrid{
			GeoBox: grid(),
			Slices: []output.TimeSlice{
				{Time: t1, Sources: []output.SourceDataset{ds2, ds1}},
				{Time: t0, Sources: []output.SourceDataset{ds1, ds1}},
				{Time: time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	now := time.Date(2021, 5, 6, 7, 8, 9, 0, time.UTC)
	doc, err := Build(testProduct(), Options{URI: "file:///out/x.nc", AppInfo: "stats 1.0", Format: "NetCDF", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID == "" || doc.Product.Name != "wofs_summary" || doc.ProductType != "wofs_statistical_summary" {
		t.Errorf("unexpected identity %+v", doc)
	}
	if !doc.Created.Equal(now) || doc.AppInfo != "stats 1.0" || doc.Format.Name != "NetCDF" {
		t.Errorf("unexpected stamps %+v", doc)
	}
	if len(doc.Lineage.Sources) != 2 || doc.Lineage.Sources[0].ID != "ds-2" || doc.Lineage.Sources[1].ID != "ds-1" {
		t.Errorf("unexpected lineage %+v", doc.Lineage.Sources)
	}
	// the empty February slice does not stretch the extent
	want := Extent{
		From:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		To:     time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC),
		Center: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	if doc.Extent != want {
		t.Errorf("unexpected extent %+v", doc.Extent)
	}
	if len(doc.Measurements) != 2 || doc.Measurements[1] != "frequency" {
		t.Errorf("unexpected measurements %v", doc.Measurements)
	}
	ul := doc.GridSpatial.Projection.GeoRefPoints["ul"]
	lr := doc.GridSpatial.Projection.GeoRefPoints["lr"]
	if ul != (Point{0, 100}) || lr != (Point{100, 0}) {
		t.Errorf("unexpected corners %v %v", ul, lr)
	}
	if doc.GridSpatial.Projection.ValidData["type"] != "Polygon" {
		t.Errorf("unexpected valid data %v", doc.GridSpatial.Projection.ValidData)
	}
}

func TestBuildNoValidSources(t *testing.T) {
	p := testProduct()
	p.Sources.Slices = []output.TimeSlice{{Time: time.Now()}}
	if _, err := Build(p, Options{}); !errors.Is(err, output.ErrNoValidSources) {
		t.Errorf("expected no valid sources, got %v", err)
	}
	p.Sources = nil
	if _, err := Build(p, Options{}); !errors.Is(err, output.ErrNoValidSources) {
		t.Errorf("expected no valid sources, got %v", err)
	}
}

func TestWriteRead(t *testing.T) {
	doc, err := Build(testProduct(), Options{Bands: map[string]Band{"count_wet": {Path: "x_count_wet.tif"}}})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sub", "x.yaml")
	if err := Write(path, doc); err != nil {
		t.Fatal(err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != doc.ID || len(got.Lineage.Sources) != 2 || got.Image.Bands["count_wet"].Path != "x_count_wet.tif" {
		t.Errorf("unexpected document %+v", got)
	}
	if !got.Extent.From.Equal(doc.Extent.From) {
		t.Errorf("unexpected extent %+v", got.Extent)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the document in its directory, got %d entries", len(entries))
	}
}

func TestSidecarPath(t *testing.T) {
	cases := map[string]string{
		"/out/a/b.nc":    "/out/a/b.yaml",
		"/out/a/b.tif":   "/out/a/b.yaml",
		"/out/a/b.zarr":  "/out/a/b.yaml",
		"/out/a/b.x.bil": "/out/a/b.x.yaml",
	}
	for in, want := range cases {
		if got := SidecarPath(in); got != want {
			t.Errorf("%s: want %s, got %s", in, want, got)
		}
	}
}

func TestPrepareAttach(t *testing.T) {
	dir := t.TempDir()
	b := output.NewBase("Test", "Test", &output.Params{OutputPath: dir}, ".nc")
	dest := filepath.Join(dir, "x.nc")

	sc, err := Prepare(b, testProduct(), dest, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Path != filepath.Join(dir, "x.yaml") || sc.Document.URI != FileURI(dest) || sc.Document.Format.Name != "Test" {
		t.Errorf("unexpected sidecar %s %+v", sc.Path, sc.Document)
	}
	sc.Attach(b)
	if _, err := os.Stat(sc.Path); !os.IsNotExist(err) {
		t.Fatal("expected nothing written before commit")
	}

	if err := b.BeginOpen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Close(true); err != nil {
		t.Fatal(err)
	}
	doc, err := Read(sc.Path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != sc.Document.ID {
		t.Errorf("unexpected document %s", doc.ID)
	}
}

func TestPrepareBandsHaveNoURI(t *testing.T) {
	b := output.NewBase("Test", "Test", &output.Params{OutputPath: t.TempDir()})
	sc, err := Prepare(b, testProduct(), "/out/x.tif", map[string]Band{"count_wet": {Path: "x_count_wet.tif"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Document.URI != "" {
		t.Errorf("expected no uri, got %q", sc.Document.URI)
	}
}

func TestPrepareNoValidSources(t *testing.T) {
	p := testProduct()
	p.Sources.Slices = nil
	b := output.NewBase("Test", "Test", &output.Params{OutputPath: t.TempDir()})
	if _, err := Prepare(b, p, "/out/x.nc", nil, nil); !errors.Is(err, output.ErrNoValidSources) {
		t.Errorf("expected no valid sources, got %v", err)
	}
}
