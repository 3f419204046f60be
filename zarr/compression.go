package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/qri-io/dataset/compression"
)

// CompressionMeta defines compression settings zarr-go understands
type CompressionMeta struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
}

// codec ids used in zarr metadata mapped to compression formats
var codecFormats = map[string]string{
	"gzip": "gzip",
	"zstd": "zst",
}

// NewCompressionMeta returns the codec for id, or nil when id is empty or "none".
func NewCompressionMeta(id string) (*CompressionMeta, error) {
	if id == "" || id == "none" {
		return nil, nil
	}
	if _, ok := codecFormats[id]; !ok {
		return nil, fmt.Errorf("unsupported compressor %q", id)
	}
	return &CompressionMeta{ID: id}, nil
}

func (m *CompressionMeta) format() (string, error) {
	f, ok := codecFormats[m.ID]
	if !ok {
		return "", fmt.Errorf("unsupported compressor %q", m.ID)
	}
	return f, nil
}

func (m *CompressionMeta) Decompressor(r io.ReadCloser) (io.ReadCloser, error) {
	if m == nil {
		return r, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	return compression.Decompressor(f, r)
}

// Compress encodes raw chunk bytes.
func (m *CompressionMeta) Compress(raw []byte) ([]byte, error) {
	if m == nil {
		return raw, nil
	}
	f, err := m.format()
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	w, err := compression.Compressor(f, buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
