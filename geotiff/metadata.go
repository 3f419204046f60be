package geotiff

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
)

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample *int   `xml:"sample,attr,omitempty"`
	Role   string `xml:"role,attr,omitempty"`
	Value  string `xml:",chardata"`
}

type gdalMetadataDoc struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

// gdalMetadata renders dataset and band tags in GDAL's TIFF metadata
// format; bands are numbered from 0 there.
func (w *Writer) gdalMetadata() string {
	doc := gdalMetadataDoc{}
	for _, k := range sortedKeys(w.metadata) {
		doc.Items = append(doc.Items, gdalItem{Name: k, Value: w.metadata[k]})
	}
	for b, md := range w.bandMeta {
		for _, k := range sortedKeys(md) {
			sample := b
			doc.Items = append(doc.Items, gdalItem{Name: k, Sample: &sample, Value: md[k]})
		}
	}
	if len(doc.Items) == 0 {
		return ""
	}
	d, err := xml.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(d)
}

func parseGDALMetadata(s string, bands int) (map[string]string, []map[string]string, error) {
	dataset := map[string]string{}
	perBand := make([]map[string]string, bands)
	for i := range perBand {
		perBand[i] = map[string]string{}
	}
	if s == "" {
		return dataset, perBand, nil
	}
	doc := gdalMetadataDoc{}
	if err := xml.Unmarshal([]byte(s), &doc); err != nil {
		return nil, nil, err
	}
	for _, it := range doc.Items {
		if it.Role != "" {
			continue
		}
		if it.Sample == nil {
			dataset[it.Name] = it.Value
			continue
		}
		if *it.Sample < 0 || *it.Sample >= bands {
			return nil, nil, fmt.Errorf("metadata item %q names band %d of %d", it.Name, *it.Sample, bands)
		}
		perBand[*it.Sample][it.Name] = it.Value
	}
	return dataset, perBand, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseNodata(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
