package netcdfcf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/paulmach/orb"

	"github.com/dieynaba77/datacube-core/output"
	"github.com/dieynaba77/datacube-core/provenance"
)

var (
	jan = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	jul = time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)
)

func testParams(t *testing.T, measurements ...output.Measurement) *output.Params {
	g := output.GeoBox{CRS: "EPSG:3577", Width: 4, Height: 3, Origin: orb.Point{1000, 2000}, Resolution: output.XY{X: 25, Y: -25}}
	sg := &output.SourceGrid{GeoBox: g}
	for i, tt := range []time.Time{jan, jul} {
		sg.Slices = append(sg.Slices, output.TimeSlice{Time: tt, Sources: []output.SourceDataset{{
			ID: "ds-" + string(rune('1'+i)), Product: "ls8_nbar", CRS: g.CRS, Extent: g.Bound().Pad(25).ToPolygon(),
		}}})
	}
	if len(measurements) == 0 {
		measurements = []output.Measurement{
			{Name: "count", Dtype: "int16", Nodata: -1, Units: "1", Attrs: map[string]interface{}{"comment": "clear observations"}},
			{Name: "mask", Dtype: "uint8", Nodata: 255},
		}
	}
	return &output.Params{
		Products: []*output.OutputProduct{{
			Name:             "fc_summary",
			Measurements:     measurements,
			FilePathTemplate: "{name}_{x}.nc",
			Extras:           map[string]interface{}{"x": 15},
			Sources:          sg,
		}},
		Storage: output.StorageConfig{
			Driver: Name, CRS: "EPSG:3577",
			Resolution:     output.XY{X: 25, Y: -25},
			Chunking:       map[string]int{"time": 1, "y": 2, "x": 2},
			DimensionOrder: []string{"time", "y", "x"},
		},
		OutputPath:       t.TempDir(),
		AppInfo:          "datacube-core test",
		GlobalAttributes: map[string]interface{}{"institution": "test", "title": "initial"},
		VarAttributes:    map[string]map[string]interface{}{"count": {"long_name": "clear count"}},
	}
}

func openNC(t *testing.T, path string) (*cdf.File, func()) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	nc, err := cdf.Open(f)
	if err != nil {
		f.Close()
		t.Fatal(err)
	}
	return nc, func() { f.Close() }
}

func TestWriteFile(t *testing.T) {
	prm := testParams(t)
	d, _ := New(prm)
	paths, err := output.Session(context.Background(), d, func(ctx context.Context) error {
		if err := d.Write("fc_summary", "count", output.Chunk{
			Time: output.Span(1, 2), Y: output.Span(1, 3), X: output.Span(2, 4), Values: []float64{5, 6, 7, 8},
		}); err != nil {
			return err
		}
		// broadcast over both slices
		return d.Write("fc_summary", "mask", output.Chunk{Y: output.Span(0, 1), X: output.Span(0, 4), Values: []float64{0, 1, 200, 255}})
	})
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(prm.OutputPath, "fc_summary_15.nc")
	if len(paths) != 1 || paths[0] != dest {
		t.Fatalf("unexpected paths %v", paths)
	}

	nc, done := openNC(t, dest)
	defer done()
	h := nc.Header
	if got := h.Lengths("count"); len(got) != 3 || got[0] != 2 || got[1] != 3 || got[2] != 4 {
		t.Errorf("unexpected lengths %v", got)
	}

	r := nc.Reader("count", nil, nil)
	buf := r.Zero(24)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	count := buf.([]int16)
	want := []int16{
		-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1,
		-1, -1, -1, -1, -1, -1, 5, 6, -1, -1, 7, 8,
	}
	for i := range want {
		if count[i] != want[i] {
			t.Fatalf("count: want %v, got %v", want, count)
		}
	}

	r = nc.Reader("mask", nil, nil)
	buf = r.Zero(24)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	mask := buf.([]int8)
	if mask[2] != -56 || mask[3] != -1 || mask[12+1] != 1 || mask[5] != -1 {
		t.Errorf("unexpected mask %v", mask)
	}
	if h.GetAttribute("mask", "_Unsigned") != "true" {
		t.Errorf("expected _Unsigned on mask, got %v", h.GetAttribute("mask", "_Unsigned"))
	}

	if h.GetAttribute("count", "long_name") != "clear count" || h.GetAttribute("count", "comment") != "clear observations" ||
		h.GetAttribute("count", "units") != "1" || h.GetAttribute("count", "crs") != "EPSG:3577" {
		t.Errorf("unexpected count attributes %v", h.Attributes("count"))
	}
	if fill, ok := h.GetAttribute("count", "_FillValue").([]int16); !ok || fill[0] != -1 {
		t.Errorf("unexpected _FillValue %v", h.GetAttribute("count", "_FillValue"))
	}
	if cs, ok := h.GetAttribute("count", "_ChunkSizes").([]int32); !ok || len(cs) != 3 || cs[1] != 2 {
		t.Errorf("unexpected _ChunkSizes %v", h.GetAttribute("count", "_ChunkSizes"))
	}

	r = nc.Reader("time", nil, nil)
	buf = r.Zero(2)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	if times := buf.([]float64); times[1] != float64(jul.Unix()) {
		t.Errorf("unexpected times %v", times)
	}

	if h.GetAttribute("", "institution") != "test" || h.GetAttribute("", "Conventions") != Conventions {
		t.Errorf("unexpected global attributes %v", h.Attributes(""))
	}
	doc, err := provenance.Read(filepath.Join(prm.OutputPath, "fc_summary_15.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if h.GetAttribute("", "dataset_id") != doc.ID {
		t.Errorf("dataset_id %v does not name the sidecar %s", h.GetAttribute("", "dataset_id"), doc.ID)
	}
}

func TestLateGlobalAttributes(t *testing.T) {
	prm := testParams(t)
	d, _ := New(prm)
	_, err := output.Session(context.Background(), d, func(ctx context.Context) error {
		if err := d.Write("fc_summary", "count", output.Chunk{Y: output.Span(0, 3), X: output.Span(0, 4), Values: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}); err != nil {
			return err
		}
		return d.WriteGlobalAttributes(map[string]interface{}{"title": "rewritten", "platforms": []string{"ls7", "ls8"}})
	})
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(prm.OutputPath, "fc_summary_15.nc")
	nc, done := openNC(t, dest)
	defer done()
	h := nc.Header
	if h.GetAttribute("", "title") != "rewritten" || h.GetAttribute("", "platforms") != "ls7,ls8" || h.GetAttribute("", "institution") != "test" {
		t.Errorf("unexpected global attributes %v", h.Attributes(""))
	}
	r := nc.Reader("count", nil, nil)
	buf := r.Zero(24)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	if count := buf.([]int16); count[11] != 12 || count[23] != 12 {
		t.Errorf("data lost in rewrite: %v", count)
	}
	var names []string
	es, _ := os.ReadDir(prm.OutputPath)
	for _, e := range es {
		names = append(names, e.Name())
	}
	if strings.Join(names, " ") != "fc_summary_15.nc fc_summary_15.yaml" {
		t.Errorf("unexpected files %v", names)
	}
}

func TestWidenedTypes(t *testing.T) {
	prm := testParams(t, output.Measurement{Name: "area", Dtype: "uint16", Nodata: 65535})
	d, _ := New(prm)
	_, err := output.Session(context.Background(), d, func(ctx context.Context) error {
		return d.Write("fc_summary", "area", output.Chunk{Time: output.Span(0, 1), Y: output.Span(0, 1), X: output.Span(0, 2), Values: []float64{40000, 1e6}})
	})
	if err != nil {
		t.Fatal(err)
	}
	nc, done := openNC(t, filepath.Join(prm.OutputPath, "fc_summary_15.nc"))
	defer done()
	r := nc.Reader("area", nil, nil)
	buf := r.Zero(24)
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	area, ok := buf.([]int32)
	if !ok {
		t.Fatalf("expected uint16 widened to int32, got %T", buf)
	}
	if area[0] != 40000 || area[1] != 65535 || area[2] != 65535 {
		t.Errorf("unexpected area %v", area[:4])
	}
}

func TestDiscard(t *testing.T) {
	prm := testParams(t)
	d, _ := New(prm)
	boom := errors.New("boom")
	paths, err := output.Session(context.Background(), d, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], ".tmp") {
		t.Errorf("expected the staging path, got %v", paths)
	}
	if _, err := os.Stat(filepath.Join(prm.OutputPath, "fc_summary_15.yaml")); !os.IsNotExist(err) {
		t.Error("expected no sidecar")
	}
}

func TestUnknownHandle(t *testing.T) {
	prm := testParams(t)
	d, _ := New(prm)
	_, err := output.Session(context.Background(), d, func(ctx context.Context) error {
		return d.Write("fc_summary", "nir", output.Chunk{Y: output.Span(0, 1), X: output.Span(0, 1), Values: []float64{1}})
	})
	if !errors.Is(err, output.ErrNoOutputFileOpen) {
		t.Errorf("expected no output file open, got %v", err)
	}
}

func TestAttrValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"text", "text"},
		{3, "[3]"},
		{int64(1) << 40, "[1.099511627776e+12]"},
		{2.5, "[2.5]"},
		{jan, "2019-01-01T00:00:00Z"},
		{[]string{"a", "b"}, "a,b"},
	}
	for _, c := range cases {
		if got := fmt.Sprint(attrValue(c.in)); got != c.want {
			t.Errorf("attrValue(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}
