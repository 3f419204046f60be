package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

type MetaType string

const (
	// MTAttributes stores userland metadata keyed by array name
	MTAttributes MetaType = ".zattrs"
	// MTArray is the key for storing metadata on an array store
	MTArray MetaType = ".zarray"
	// MTGroup is the key for storing group definitions on an array store
	MTGroup MetaType = ".zgroup"
	// MTMetadata is the key for composite metadata
	MTMetadata MetaType = ".zmetadata"
)

// FormatVersion is the storage specification version written by this package.
const FormatVersion = 2

// DimensionsAttr is the attribute xarray uses to name the dimensions of an array.
const DimensionsAttr = "_ARRAY_DIMENSIONS"

type MetaTyper interface {
	MetaType() MetaType
}

var metaTypes = map[MetaType]struct{}{
	MTAttributes: {},
	MTArray:      {},
	MTGroup:      {},
}

// relies on the fact that all keynames are 7 characters long
func KeyMetaType(s string) (mt MetaType, ok bool) {
	if len(s) < 7 {
		return mt, false
	}
	mt = MetaType(s[len(s)-7:])
	_, ok = metaTypes[mt]
	return mt, ok
}

type Attributes map[string]interface{}

func (Attributes) MetaType() MetaType { return MTAttributes }

// ConsolidatedMetadata gathers every metadata document of a hierarchy under
// one key so readers can open a store with a single request.
type ConsolidatedMetadata struct {
	ConsolidatedFormat int                  `json:"zarr_consolidated_format"`
	Metadata           map[string]MetaTyper `json:"metadata"`
}

type consolidatedMetaDecoder struct {
	ConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
}

func (m *ConsolidatedMetadata) UnmarshalJSON(d []byte) error {
	cd := consolidatedMetaDecoder{}
	if err := json.Unmarshal(d, &cd); err != nil {
		return err
	}
	cm := ConsolidatedMetadata{
		ConsolidatedFormat: cd.ConsolidatedFormat,
		Metadata:           map[string]MetaTyper{},
	}

	for key, data := range cd.Metadata {
		kt, ok := KeyMetaType(key)
		if !ok {
			return fmt.Errorf("invalid consoldated metadata key: %q", key)
		}

		switch kt {
		case MTArray:
			arr := &ArrayMeta{}
			if err := json.Unmarshal(data, arr); err != nil {
				return fmt.Errorf("reading %q metadata: %w", key, err)
			}
			cm.Metadata[key] = arr
		case MTAttributes:
			attr := Attributes{}
			if err := json.Unmarshal(data, &attr); err != nil {
				return fmt.Errorf("reading %q attributes: %w", key, err)
			}
			cm.Metadata[key] = attr
		case MTGroup:
			grp := Group{}
			if err := json.Unmarshal(data, &grp); err != nil {
				return fmt.Errorf("reading %q group: %w", key, err)
			}
			cm.Metadata[key] = grp
		}
	}

	*m = cm
	return nil
}

// Keys returns the metadata keys in lexical order.
func (m *ConsolidatedMetadata) Keys() []string {
	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ArrayMeta is the essential configuration of an array, stored as JSON under
// the ".zarray" key of the array's path.
type ArrayMeta struct {
	// Version of the storage specification the array adheres to.
	ZarrFormat int `json:"zarr_format"`
	// Length of each dimension of the array.
	Shape []int `json:"shape"`
	// Length of each dimension of a chunk. All chunks of an array have the
	// same shape, edge chunks included.
	Chunks []int `json:"chunks"`
	// Data type of the array.
	Dtype StructuredType `json:"dtype"`
	// Primary compression codec, or null if no compressor is used.
	Compressor *CompressionMeta `json:"compressor"`
	// Value of uninitialized portions of the array. Numbers are stored as JSON
	// numbers; NaN and the infinities as the strings "NaN", "Infinity" and
	// "-Infinity".
	FillValue interface{} `json:"fill_value"`
	// Either "C" or "F", defining the layout of bytes within each chunk.
	// Only "C" (row-major) is written by this package.
	Order string `json:"order"`
	// Codec configurations applied before the compressor, or null.
	Filters []Filter `json:"filters"`
	// Either "." or "/", the separator between chunk coordinates in chunk keys.
	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

func (a ArrayMeta) MetaType() MetaType { return MTArray }

// Validate checks the metadata describes an array this package can read and write.
func (a *ArrayMeta) Validate() error {
	if len(a.Shape) == 0 {
		return fmt.Errorf("array shape is empty")
	}
	if len(a.Chunks) != len(a.Shape) {
		return fmt.Errorf("chunks %v do not match shape %v", a.Chunks, a.Shape)
	}
	for i, c := range a.Chunks {
		if c <= 0 {
			return fmt.Errorf("chunk dimension %d must be positive, got %d", i, c)
		}
		if a.Shape[i] < 0 {
			return fmt.Errorf("shape dimension %d must not be negative, got %d", i, a.Shape[i])
		}
	}
	if !a.Dtype.IsBasic() {
		return fmt.Errorf("structured dtypes are not supported")
	}
	if a.Order != "" && a.Order != "C" {
		return fmt.Errorf("unsupported chunk order %q", a.Order)
	}
	if len(a.Filters) > 0 {
		return fmt.Errorf("filters are not supported")
	}
	return nil
}

// Fill returns the fill value as a number.
func (a *ArrayMeta) Fill() float64 {
	switch v := a.FillValue.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		switch v {
		case FillValueInfinity:
			return math.Inf(1)
		case FillValueNegativeInfinity:
			return math.Inf(-1)
		}
		return math.NaN()
	}
	return 0
}

// EncodeFillValue converts a number to its JSON fill value representation.
func EncodeFillValue(v float64) interface{} {
	switch {
	case math.IsNaN(v):
		return FillValueNaN
	case math.IsInf(v, 1):
		return FillValueInfinity
	case math.IsInf(v, -1):
		return FillValueNegativeInfinity
	}
	return v
}

type Filter struct {
	ID     string `json:"id"`
	Delta  string `json:"delta,omitempty"`
	Dtype  string `json:"dtype,omitempty"`
	AsType string `json:"astype,omitempty"`
}

const (
	// Not a Number
	FillValueNaN = "NaN"
	// Infinity
	FillValueInfinity = "Infinity"
	// -Infinity
	FillValueNegativeInfinity = "-Infinity"
)
