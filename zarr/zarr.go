// Package zarr reads and writes zarr v2 hierarchies: groups of chunked,
// compressed n-dimensional arrays kept in a key/value Store.
package zarr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta
}

// Create writes array metadata at path and returns the array.
func Create(store Store, path string, m *ArrayMeta, mode PersistenceMode) (*Array, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.ZarrFormat == 0 {
		m.ZarrFormat = FormatVersion
	}
	if m.Order == "" {
		m.Order = "C"
	}
	p := NewPath(path)
	mp := p.Join(string(MTArray)).String()

	switch mode {
	case ModeWriteFail:
		if f, err := store.Get(mp); err == nil {
			f.Close()
			return nil, fmt.Errorf("array already exists at %q", path)
		}
	case ModeWrite, ModeReadWriteCreate:
	default:
		return nil, fmt.Errorf("cannot create array in mode %q", mode)
	}

	if err := putJSON(store, mp, m); err != nil {
		return nil, err
	}
	return &Array{path: p, store: store, mode: mode, meta: m}, nil
}

func Open(store Store, path string, mode PersistenceMode) (*Array, error) {
	p := NewPath(path)
	a := &Array{
		path:  p,
		store: store,
		mode:  mode,
	}

	mp := p.Join(string(MTArray)).String()
	f, err := store.Get(mp)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	a.meta = &ArrayMeta{}
	if err := json.NewDecoder(f).Decode(a.meta); err != nil {
		return nil, err
	}
	if err := a.meta.Validate(); err != nil {
		return nil, fmt.Errorf("array %q: %w", path, err)
	}

	return a, nil
}

func (a *Array) Info() string {
	return fmt.Sprintf("<zarr-go.Array %s shape=%v chunks=%v dtype=%s>", a.Path(), a.meta.Shape, a.meta.Chunks, a.meta.Dtype.Dtype)
}

func (a *Array) Path() string {
	return a.path.String()
}

// Meta returns the array metadata.
func (a *Array) Meta() *ArrayMeta { return a.meta }

// SetAttributes replaces the user attributes of the array.
func (a *Array) SetAttributes(attrs Attributes) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read only", a.Path())
	}
	return WriteAttributes(a.store, a.Path(), attrs)
}

// Attributes reads the user attributes of the array.
func (a *Array) Attributes() (Attributes, error) {
	return ReadAttributes(a.store, a.Path())
}

// WriteRegion stores values, in C order, into the box starting at offset
// with the extent count. Chunks only partly covered by the region are read,
// updated and written back.
func (a *Array) WriteRegion(offset, count []int, values []float64) error {
	if a.mode == ModeRead {
		return fmt.Errorf("array %q is read only", a.Path())
	}
	m := a.meta
	if len(offset) != len(m.Shape) || len(count) != len(m.Shape) {
		return fmt.Errorf("region rank %d does not match array rank %d", len(offset), len(m.Shape))
	}
	for d := range m.Shape {
		if offset[d] < 0 || count[d] < 0 || offset[d]+count[d] > m.Shape[d] {
			return fmt.Errorf("region [%v, +%v) is outside array shape %v", offset, count, m.Shape)
		}
	}
	if len(values) != product(count) {
		return fmt.Errorf("region holds %d values, got %d", product(count), len(values))
	}

	srcStride := strides(count)
	chunkStride := strides(m.Chunks)
	fill := m.Fill()
	dt := m.Dtype.Dtype

	for _, p := range project(m.Shape, m.Chunks, offset, count) {
		origin := make([]int, len(m.Chunks))
		full := true
		for d := range origin {
			origin[d] = p.ChunkCoords[d] * m.Chunks[d]
			if p.Lo[d] != origin[d] || p.Hi[d] != origin[d]+m.Chunks[d] {
				full = false
			}
		}

		var chunk []float64
		if !full {
			var err error
			chunk, err = a.readChunk(p.ChunkCoords)
			if err != nil {
				return err
			}
		} else {
			chunk = make([]float64, product(m.Chunks))
		}

		rowLen := p.Hi[len(p.Hi)-1] - p.Lo[len(p.Lo)-1]
		forEachRow(p.Lo, p.Hi, func(idx []int) {
			dst := offsetOf(idx, origin, chunkStride)
			src := offsetOf(idx, offset, srcStride)
			copy(chunk[dst:dst+rowLen], values[src:src+rowLen])
		})

		raw, err := m.Compressor.Compress(dt.Encode(chunk, fill))
		if err != nil {
			return fmt.Errorf("compressing chunk %v: %w", p.ChunkCoords, err)
		}
		if err := a.store.Put(a.chunkPath(p.ChunkCoords).String(), bytes.NewReader(raw)); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll returns every value of the array in C order. Chunks that were
// never written read as the fill value.
func (a *Array) ReadAll() ([]float64, error) {
	m := a.meta
	out := make([]float64, product(m.Shape))
	outStride := strides(m.Shape)
	chunkStride := strides(m.Chunks)
	zero := make([]int, len(m.Shape))

	for _, p := range project(m.Shape, m.Chunks, zero, m.Shape) {
		chunk, err := a.readChunk(p.ChunkCoords)
		if err != nil {
			return nil, err
		}
		origin := make([]int, len(m.Chunks))
		for d := range origin {
			origin[d] = p.ChunkCoords[d] * m.Chunks[d]
		}
		rowLen := p.Hi[len(p.Hi)-1] - p.Lo[len(p.Lo)-1]
		forEachRow(p.Lo, p.Hi, func(idx []int) {
			src := offsetOf(idx, origin, chunkStride)
			dst := offsetOf(idx, zero, outStride)
			copy(out[dst:dst+rowLen], chunk[src:src+rowLen])
		})
	}
	return out, nil
}

// readChunk decodes one chunk, or returns a chunk of fill values when the
// chunk has not been stored.
func (a *Array) readChunk(ch []int) ([]float64, error) {
	m := a.meta
	f, err := a.openChunk(ch)
	if errors.Is(err, ErrNotfound) {
		chunk := make([]float64, product(m.Chunks))
		fill := m.Fill()
		for i := range chunk {
			chunk[i] = fill
		}
		return chunk, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %v: %w", ch, err)
	}
	size := product(m.Chunks) * m.Dtype.Dtype.ByteSize
	if len(raw) != size {
		return nil, fmt.Errorf("chunk %v holds %d bytes, want %d", ch, len(raw), size)
	}
	return m.Dtype.Dtype.Decode(raw), nil
}

func (a *Array) openChunk(ch []int) (io.ReadCloser, error) {
	f, err := a.store.Get(a.chunkPath(ch).String())
	if err != nil {
		return nil, err
	}
	return a.meta.Compressor.Decompressor(f)
}

func (a *Array) chunkPath(ch []int) Path {
	sep := a.meta.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	parts := make([]string, len(ch))
	for i, c := range ch {
		parts[i] = strconv.Itoa(c)
	}
	return a.path.Join(strings.Join(parts, sep))
}

type PersistenceMode string

const (
	// Persistence mode:
	// ‘r’ means read only (must exist);
	ModeRead PersistenceMode = "r"
	//‘r+’ means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ‘a’ means read/write (create if doesn’t exist)
	ModeReadWriteCreate PersistenceMode = "a"
	// ‘w’ means create (overwrite if exists)
	ModeWrite PersistenceMode = "w"
	// ‘w-’ means create (fail if exists).
	ModeWriteFail PersistenceMode = "w-"
)

// Arrays can be organized into groups which can also contain other groups.
// A group is created by storing group metadata under the “.zgroup” key under
// some logical path. E.g., a group exists at the root of an array store if the
// “.zgroup” key exists in the store, and a group exists at logical path
// “foo/bar” if the “foo/bar/.zgroup” key exists in the store.
type Group struct {
	ZarrFormat int `json:"zarr_format"`
}

func (Group) MetaType() MetaType { return MTGroup }

// CreateGroup writes group metadata at path.
func CreateGroup(store Store, path string) error {
	return putJSON(store, NewPath(path).Join(string(MTGroup)).String(), Group{ZarrFormat: FormatVersion})
}

// WriteAttributes replaces the attributes stored at path.
func WriteAttributes(store Store, path string, attrs Attributes) error {
	if attrs == nil {
		attrs = Attributes{}
	}
	return putJSON(store, NewPath(path).Join(string(MTAttributes)).String(), attrs)
}

// ReadAttributes reads the attributes stored at path; missing attributes read as empty.
func ReadAttributes(store Store, path string) (Attributes, error) {
	f, err := store.Get(NewPath(path).Join(string(MTAttributes)).String())
	if errors.Is(err, ErrNotfound) {
		return Attributes{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	attrs := Attributes{}
	if err := json.NewDecoder(f).Decode(&attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Consolidate gathers every metadata key of the store into ".zmetadata".
func Consolidate(store Store) (*ConsolidatedMetadata, error) {
	keys, err := store.Keys()
	if err != nil {
		return nil, err
	}
	raw := map[string]json.RawMessage{}
	for _, key := range keys {
		if _, ok := KeyMetaType(key); !ok {
			continue
		}
		f, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		d, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		raw[key] = d
	}
	doc := consolidatedMetaDecoder{ConsolidatedFormat: 1, Metadata: raw}
	if err := putJSON(store, string(MTMetadata), doc); err != nil {
		return nil, err
	}

	cm := &ConsolidatedMetadata{}
	d, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return cm, json.Unmarshal(d, cm)
}

// ReadConsolidated reads ".zmetadata" from the root of the store.
func ReadConsolidated(store Store) (*ConsolidatedMetadata, error) {
	f, err := store.Get(string(MTMetadata))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cm := &ConsolidatedMetadata{}
	return cm, json.NewDecoder(f).Decode(cm)
}

func putJSON(store Store, key string, v interface{}) error {
	d, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return store.Put(key, bytes.NewReader(d))
}
