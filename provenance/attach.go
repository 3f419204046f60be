package provenance

import (
	"errors"
	"os"

	"github.com/dieynaba77/datacube-core/output"
)

// Sidecar is a document waiting to be written next to its data file.
type Sidecar struct {
	Path     string
	Document *Document
}

// Prepare builds the document of product for the data file dest. Nothing
// is written; a product without sources fails here, before its files exist.
func Prepare(b *output.Base, product *output.OutputProduct, dest string, bands map[string]Band, rp Reprojector) (*Sidecar, error) {
	uri := ""
	if dest != "" && len(bands) == 0 {
		uri = FileURI(dest)
	}
	doc, err := Build(product, Options{
		URI:         uri,
		Bands:       bands,
		AppInfo:     b.Params.AppInfo,
		Format:      b.Format(),
		Reprojector: rp,
	})
	if err != nil {
		return nil, err
	}
	return &Sidecar{Path: SidecarPath(dest), Document: doc}, nil
}

// Attach writes the sidecar when b commits, after its files are closed and
// before they are renamed into place. The sidecar is removed again when the
// renames do not all happen.
func (s *Sidecar) Attach(b *output.Base) {
	b.AddCommitHook(output.CommitHook{
		Writes: []string{s.Path},
		Run: func() error {
			if err := Write(s.Path, s.Document); err != nil {
				return err
			}
			b.Log.Info("wrote dataset metadata", map[string]interface{}{
				"path":    s.Path,
				"product": s.Document.Product.Name,
				"sources": len(s.Document.Lineage.Sources),
			})
			return nil
		},
		Undo: func() error {
			if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return output.IOError(s.Path, err)
			}
			return nil
		},
	})
}
