// Package provenance describes where an output file came from: the source
// datasets it was computed from and the part of its grid they cover.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.yaml.in/yaml/v3"

	"github.com/dieynaba77/datacube-core/output"
)

// Band locates one measurement inside the output files.
type Band struct {
	Path  string `yaml:"path"`
	Layer int    `yaml:"layer,omitempty"`
}

// Document is the sidecar written next to an output file.
type Document struct {
	ID           string      `yaml:"id"`
	Product      ProductRef  `yaml:"product"`
	ProductType  string      `yaml:"product_type,omitempty"`
	Created      time.Time   `yaml:"creation_dt"`
	AppInfo      string      `yaml:"app_info,omitempty"`
	Format       FormatRef   `yaml:"format"`
	Extent       Extent      `yaml:"extent"`
	GridSpatial  GridSpatial `yaml:"grid_spatial"`
	Image        Image       `yaml:"image"`
	Lineage      Lineage     `yaml:"lineage"`
	Measurements []string    `yaml:"measurements"`
	URI          string      `yaml:"uri,omitempty"`

	// ValidData is the footprint also rendered into GridSpatial.
	ValidData orb.MultiPolygon `yaml:"-"`
}

type ProductRef struct {
	Name string `yaml:"name"`
}

type FormatRef struct {
	Name string `yaml:"name"`
}

// Extent is the time range the document covers.
type Extent struct {
	From   time.Time `yaml:"from_dt"`
	To     time.Time `yaml:"to_dt"`
	Center time.Time `yaml:"center_dt"`
}

type GridSpatial struct {
	Projection Projection `yaml:"projection"`
}

type Projection struct {
	SpatialReference string                 `yaml:"spatial_reference"`
	GeoRefPoints     map[string]Point       `yaml:"geo_ref_points"`
	ValidData        map[string]interface{} `yaml:"valid_data"`
}

type Point struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

type Image struct {
	Bands map[string]Band `yaml:"bands"`
}

type Lineage struct {
	Sources []Source `yaml:"source_datasets"`
}

type Source struct {
	ID      string `yaml:"id"`
	Product string `yaml:"product,omitempty"`
	URI     string `yaml:"uri,omitempty"`
}

// Options complete a document.
type Options struct {
	// URI of the file the document describes, when it is a single file.
	URI string
	// Bands maps measurement names to their file and layer.
	Bands       map[string]Band
	AppInfo     string
	Format      string
	Reprojector Reprojector
	// Now stamps the document; time.Now when nil.
	Now func() time.Time
}

// Build describes product as computed from every deduplicated source of
// every time slice. It fails with NoValidSources when there are none.
func Build(product *output.OutputProduct, opts Options) (*Document, error) {
	if product.Sources == nil {
		return nil, output.Errorf(output.KindNoValidSources, "product %q has no source grid", product.Name)
	}
	var sources []output.SourceDataset
	seen := map[string]struct{}{}
	var times []time.Time
	for _, slice := range product.Sources.Deduplicated() {
		if len(slice.Sources) > 0 {
			times = append(times, slice.Time)
		}
		for _, ds := range slice.Sources {
			if _, ok := seen[ds.ID]; ok {
				continue
			}
			seen[ds.ID] = struct{}{}
			sources = append(sources, ds)
		}
	}
	if len(sources) == 0 {
		return nil, output.Errorf(output.KindNoValidSources,
			"no valid sources for product %q; unable to write dataset metadata", product.Name)
	}

	g := product.GeoBox()
	valid, err := ValidData(g, sources, opts.Reprojector)
	if err != nil {
		return nil, err
	}
	validDoc, err := geoJSON(valid)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	doc := &Document{
		ID:          uuid.NewString(),
		Product:     ProductRef{Name: product.Name},
		ProductType: product.ProductType,
		Created:     now().UTC(),
		AppInfo:     opts.AppInfo,
		Format:      FormatRef{Name: opts.Format},
		Extent:      timeExtent(times),
		GridSpatial: GridSpatial{Projection: Projection{
			SpatialReference: g.CRS,
			GeoRefPoints:     geoRefPoints(g),
			ValidData:        validDoc,
		}},
		Image:     Image{Bands: opts.Bands},
		URI:       opts.URI,
		ValidData: valid,
	}
	for _, m := range product.Measurements {
		doc.Measurements = append(doc.Measurements, m.Name)
	}
	for _, ds := range sources {
		doc.Lineage.Sources = append(doc.Lineage.Sources, Source{ID: ds.ID, Product: ds.Product, URI: ds.URI})
	}
	return doc, nil
}

func timeExtent(times []time.Time) Extent {
	if len(times) == 0 {
		return Extent{}
	}
	from, to := times[0], times[0]
	for _, t := range times[1:] {
		if t.Before(from) {
			from = t
		}
		if t.After(to) {
			to = t
		}
	}
	return Extent{From: from, To: to, Center: from.Add(to.Sub(from) / 2)}
}

func geoRefPoints(g output.GeoBox) map[string]Point {
	b := g.Bound()
	return map[string]Point{
		"ul": {X: b.Min[0], Y: b.Max[1]},
		"ur": {X: b.Max[0], Y: b.Max[1]},
		"ll": {X: b.Min[0], Y: b.Min[1]},
		"lr": {X: b.Max[0], Y: b.Min[1]},
	}
}

// geoJSON renders a geometry as a generic GeoJSON mapping for YAML output.
func geoJSON(mp orb.MultiPolygon) (map[string]interface{}, error) {
	var g orb.Geometry = mp
	if len(mp) == 1 {
		g = mp[0]
	}
	d, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	return out, json.Unmarshal(d, &out)
}

// SidecarPath returns dataPath with its extension replaced by ".yaml".
func SidecarPath(dataPath string) string {
	return strings.TrimSuffix(dataPath, filepath.Ext(dataPath)) + ".yaml"
}

// FileURI returns the absolute file URI of path.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs)
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Read decodes a sidecar.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return doc, nil
}

// Write stores doc at path through a temporary file in the same directory,
// so readers never see a partial document. An existing document is replaced.
func Write(path string, doc *Document) error {
	data, err := doc.Marshal()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return output.IOError(dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return output.IOError(path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return output.IOError(path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return output.IOError(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return output.IOError(path, err)
	}
	return nil
}
